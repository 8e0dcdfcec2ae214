package mapping

import (
	"errors"
	"fmt"
)

var (
	// ErrAccessViolation is returned for a write fault on a read-only
	// mapping or a fault outside the mapping.
	ErrAccessViolation = errors.New("mapping: access violation")
	// ErrClosed is returned by operations on a closed mapping.
	ErrClosed = errors.New("mapping: closed")
)

// IOError reports a driver failure while moving a segment.
type IOError struct {
	Op      string // "read", "write", "sync" or "copy"
	Segment int
	Offset  int64
	cause   error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("mapping: %s segment %d at offset %d: %v", e.Op, e.Segment, e.Offset, e.cause)
}

func (e *IOError) Unwrap() error { return e.cause }

func ioError(op string, segment int, off int64, err error) error {
	return &IOError{Op: op, Segment: segment, Offset: off, cause: err}
}

// ContractError is the panic value for a programming error such as an
// unaligned size. It is not meant to be recovered from.
type ContractError struct {
	Op  string
	Msg string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("mapping: contract violation in %s: %s", e.Op, e.Msg)
}

func contract(op, format string, args ...any) {
	panic(&ContractError{Op: op, Msg: fmt.Sprintf(format, args...)})
}
