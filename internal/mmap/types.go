package mmap

import "errors"

// Prot is a set of page protection bits.
type Prot int

const (
	// ProtNone makes pages inaccessible.
	ProtNone Prot = 0
	// ProtRead allows loads.
	ProtRead Prot = 1
	// ProtWrite allows stores.
	ProtWrite Prot = 2
	// ProtExec allows instruction fetch.
	ProtExec Prot = 4
)

// AccessPattern provides hints to the kernel about how the data will be accessed.
type AccessPattern int

const (
	// AccessDefault is the default access pattern (no specific advice).
	AccessDefault AccessPattern = iota
	// AccessSequential expects data to be accessed sequentially.
	AccessSequential
	// AccessRandom expects data to be accessed randomly.
	AccessRandom
	// AccessWillNeed expects data to be accessed in the near future.
	AccessWillNeed
	// AccessDontNeed drops the pages; private anonymous memory reads back as zeros.
	AccessDontNeed
)

var (
	// ErrClosed is returned when attempting to access a closed mapping.
	ErrClosed = errors.New("mmap: mapping is closed")
	// ErrInvalidSize is returned when a size is zero, negative or not page aligned.
	ErrInvalidSize = errors.New("mmap: invalid size")
	// ErrOutOfBounds is returned when attempting to access a range outside the mapping.
	ErrOutOfBounds = errors.New("mmap: out of bounds")
	// ErrInvalidOffset is returned when the offset is invalid (e.g. negative).
	ErrInvalidOffset = errors.New("mmap: invalid offset")
	// ErrAddressInUse is returned when a fixed reservation collides with an existing mapping.
	ErrAddressInUse = errors.New("mmap: address already in use")
)
