package ummapio

import (
	"errors"
	"fmt"

	"github.com/hupe1980/ummapio/mapping"
	"github.com/hupe1980/ummapio/registry"
)

var (
	// ErrUnknownAddress is returned when an address falls in no mapping.
	ErrUnknownAddress = errors.New("ummapio: address not in any mapping")
	// ErrAlreadyInitialized is returned by Init when the process-wide
	// handler is already installed.
	ErrAlreadyInitialized = errors.New("ummapio: already initialized")
	// ErrNotInitialized is returned when the process-wide handler is needed
	// but Init was not called.
	ErrNotInitialized = errors.New("ummapio: not initialized")
	// ErrCowUnsupported is returned by ApplyCow and ApplySwitch on a
	// directly mapped driver.
	ErrCowUnsupported = errors.New("ummapio: driver swap needs a paged mapping")
	// ErrPolicyNotFound is returned for an unknown policy name.
	ErrPolicyNotFound = registry.ErrPolicyNotFound
	// ErrClosed is returned by operations on a closed handler or mapping.
	ErrClosed = errors.New("ummapio: closed")
	// ErrInvalidURI is returned by the URI builders for a malformed or
	// unsupported URI.
	ErrInvalidURI = errors.New("ummapio: invalid uri")
	// ErrWorkingSetExceedsBudget ends an Access whose callback keeps
	// evicting segments it already touched, because the segments it needs
	// at once do not fit the memory budget of their policies.
	ErrWorkingSetExceedsBudget = errors.New("ummapio: access working set exceeds memory budget")
)

// ContractError is the panic value for a programming error such as an
// overlapping mapping or a flush range outside its mapping.
type ContractError = mapping.ContractError

// FatalError reports a fault that could not be resolved. The faulting
// access cannot make progress after it.
//
// The original underlying error can be accessed via errors.Unwrap.
type FatalError struct {
	Addr  uintptr
	Write bool
	cause error
}

func (e *FatalError) Error() string {
	kind := "read"
	if e.Write {
		kind = "write"
	}
	return fmt.Sprintf("ummapio: unresolved %s fault at %#x: %v", kind, e.Addr, e.cause)
}

func (e *FatalError) Unwrap() error { return e.cause }

// URIError reports why a driver or policy URI could not be built.
//
// The original underlying error can be accessed via errors.Unwrap.
type URIError struct {
	URI   string
	cause error
}

func (e *URIError) Error() string {
	return fmt.Sprintf("ummapio: uri %q: %v", e.URI, e.cause)
}

func (e *URIError) Unwrap() error { return e.cause }

func uriError(uri string, format string, args ...any) error {
	return &URIError{URI: uri, cause: fmt.Errorf("%w: "+format, append([]any{ErrInvalidURI}, args...)...)}
}

func contract(op, format string, args ...any) {
	panic(&ContractError{Op: op, Msg: fmt.Sprintf(format, args...)})
}

// translateError unifies the closed errors of the layers below.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mapping.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return err
}
