//go:build unix && !linux

package mmap

// Without MAP_FIXED_NOREPLACE the hint is advisory and Reserve checks the
// returned address itself.
const (
	fixedNoReplace = 0
	reserveFlags   = 0
)
