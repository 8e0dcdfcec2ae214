//go:build !linux

package uffd

import "context"

// FD is unavailable outside Linux.
type FD struct{}

// Open always fails with ErrUnavailable.
func Open() (*FD, error) { return nil, ErrUnavailable }

func (u *FD) WriteProtect() bool { return false }

func (u *FD) Register(addr uintptr, size int) error { return ErrUnavailable }

func (u *FD) Unregister(addr uintptr, size int) error { return ErrUnavailable }

func (u *FD) Copy(dst uintptr, src []byte, protect bool) error { return ErrUnavailable }

func (u *FD) ZeroPage(addr uintptr, size int) error { return ErrUnavailable }

func (u *FD) SetWriteProtect(addr uintptr, size int, protect bool) error { return ErrUnavailable }

func (u *FD) Wake(addr uintptr, size int) error { return ErrUnavailable }

func (u *FD) Read(ctx context.Context) (Fault, error) { return Fault{}, ErrUnavailable }

func (u *FD) Close() error { return nil }
