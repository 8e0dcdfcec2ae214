//go:build linux

package mmap

import "golang.org/x/sys/unix"

const (
	fixedNoReplace = unix.MAP_FIXED_NOREPLACE
	reserveFlags   = unix.MAP_NORESERVE
)
