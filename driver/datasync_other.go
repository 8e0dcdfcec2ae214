//go:build !linux

package driver

import "os"

func datasync(f *os.File) error {
	return f.Sync()
}
