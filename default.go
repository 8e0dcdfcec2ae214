package ummapio

import (
	"context"
	"sync"
)

// The process-wide handler slot. Init and Finalize pair up; everything the
// handler does lives on the instance.
var (
	defaultMu      sync.Mutex
	defaultHandler *Handler
)

// Init installs the process-wide handler.
func Init(opts ...Option) (*Handler, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultHandler != nil {
		return nil, ErrAlreadyInitialized
	}
	defaultHandler = New(opts...)
	return defaultHandler, nil
}

// Finalize closes and removes the process-wide handler. Calling it
// without a handler installed does nothing.
func Finalize() error {
	defaultMu.Lock()
	h := defaultHandler
	defaultHandler = nil
	defaultMu.Unlock()

	if h == nil {
		return nil
	}
	return h.Close(context.Background())
}

// Default returns the process-wide handler or nil before Init.
func Default() *Handler {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultHandler
}

// MustDefault returns the process-wide handler and panics with
// ErrNotInitialized before Init.
func MustDefault() *Handler {
	h := Default()
	if h == nil {
		panic(ErrNotInitialized)
	}
	return h
}
