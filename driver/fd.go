package driver

import (
	"context"
	"errors"
	"io"
	"os"
	"sync/atomic"

	"github.com/hupe1980/ummapio/internal/fs"
)

// FD stores segments in a file with positional reads and writes.
type FD struct {
	f      fs.File
	closed atomic.Bool
}

// NewFD wraps an open file. The driver owns f and closes it on Close.
func NewFD(f fs.File) *FD {
	return &FD{f: f}
}

// OpenFile opens path through fsys and wraps it.
func OpenFile(fsys fs.FileSystem, path string, flag int, perm os.FileMode) (*FD, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	f, err := fsys.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}
	return NewFD(f), nil
}

// File returns the underlying file.
func (d *FD) File() fs.File { return d.f }

func (d *FD) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if d.closed.Load() {
		return 0, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := d.f.ReadAt(p, off)
	if errors.Is(err, io.EOF) {
		return n, nil
	}
	return n, err
}

func (d *FD) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	if d.closed.Load() {
		return 0, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return d.f.WriteAt(p, off)
}

// Sync flushes file data. Ranges are not supported by the kernel call, so
// the whole file is synced.
func (d *FD) Sync(ctx context.Context, _, _ int64) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if osf, ok := d.f.(*os.File); ok {
		return datasync(osf)
	}
	return d.f.Sync()
}

func (d *FD) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	return d.f.Close()
}

func (d *FD) ThreadSafe() bool { return true }
