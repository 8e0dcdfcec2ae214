package fs

import (
	"errors"
	"os"
	"strings"
	"sync"
)

// ErrInjected is the error returned by a fault without its own Err.
var ErrInjected = errors.New("injected fault error")

// Fault defines specific failure behavior.
type Fault struct {
	FailAfterBytes int64 // Fail writes after this many bytes written TO THIS FILE. -1 to disable.
	FailOnRead     bool
	FailOnSync     bool
	FailOnClose    bool
	Err            error
}

func (f Fault) err() error {
	if f.Err != nil {
		return f.Err
	}
	return ErrInjected
}

// FaultyFS is a FileSystem wrapper that can inject errors.
type FaultyFS struct {
	FS      FileSystem
	mu      sync.Mutex
	rules   map[string]Fault // Filename pattern -> Fault
	Default Fault            // Fallback

	written     int64
	globalLimit int64
	armed       bool
}

// NewFaultyFS creates a new FaultyFS wrapping the provided FS (or Default if nil).
func NewFaultyFS(fs FileSystem) *FaultyFS {
	if fs == nil {
		fs = Default
	}
	return &FaultyFS{
		FS:          fs,
		rules:       make(map[string]Fault),
		Default:     Fault{FailAfterBytes: -1},
		globalLimit: -1,
		armed:       true,
	}
}

// Written returns the total bytes written through all files.
func (f *FaultyFS) Written() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written
}

// SetLimit fails every write once the total across files would pass limit.
func (f *FaultyFS) SetLimit(limit int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.globalLimit = limit
}

// Arm switches fault injection on or off for already opened files too.
func (f *FaultyFS) Arm(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed = on
}

func (f *FaultyFS) isArmed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.armed
}

// AddRule adds a fault injection rule for files whose name contains pattern.
func (f *FaultyFS) AddRule(pattern string, fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[pattern] = fault
}

func (f *FaultyFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	file, err := f.FS.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	fault := f.Default
	for pattern, rule := range f.rules {
		if strings.Contains(name, pattern) {
			fault = rule
		}
	}
	f.mu.Unlock()

	return &faultyFile{File: file, fs: f, fault: fault}, nil
}

func (f *FaultyFS) Remove(name string) error {
	return f.FS.Remove(name)
}

func (f *FaultyFS) Rename(oldpath, newpath string) error {
	return f.FS.Rename(oldpath, newpath)
}

func (f *FaultyFS) Stat(name string) (os.FileInfo, error) {
	return f.FS.Stat(name)
}

func (f *FaultyFS) MkdirAll(path string, perm os.FileMode) error {
	return f.FS.MkdirAll(path, perm)
}

func (f *FaultyFS) ReadDir(name string) ([]os.DirEntry, error) {
	return f.FS.ReadDir(name)
}

func (f *FaultyFS) Truncate(name string, size int64) error {
	return f.FS.Truncate(name, size)
}

type faultyFile struct {
	File
	fs      *FaultyFS
	fault   Fault
	mu      sync.Mutex
	written int64
}

// charge accounts n bytes against the per-file and global limits.
func (ff *faultyFile) charge(n int) error {
	if !ff.fs.isArmed() {
		return nil
	}

	ff.mu.Lock()
	defer ff.mu.Unlock()
	if ff.fault.FailAfterBytes >= 0 && ff.written+int64(n) > ff.fault.FailAfterBytes {
		return ff.fault.err()
	}

	ff.fs.mu.Lock()
	defer ff.fs.mu.Unlock()
	if ff.fs.globalLimit >= 0 && ff.fs.written+int64(n) > ff.fs.globalLimit {
		return ff.fault.err()
	}
	ff.fs.written += int64(n)
	ff.written += int64(n)
	return nil
}

func (ff *faultyFile) Write(p []byte) (int, error) {
	if err := ff.charge(len(p)); err != nil {
		return 0, err
	}
	return ff.File.Write(p)
}

func (ff *faultyFile) WriteAt(p []byte, off int64) (int, error) {
	if err := ff.charge(len(p)); err != nil {
		return 0, err
	}
	return ff.File.WriteAt(p, off)
}

func (ff *faultyFile) Read(p []byte) (int, error) {
	if ff.fault.FailOnRead && ff.fs.isArmed() {
		return 0, ff.fault.err()
	}
	return ff.File.Read(p)
}

func (ff *faultyFile) ReadAt(p []byte, off int64) (int, error) {
	if ff.fault.FailOnRead && ff.fs.isArmed() {
		return 0, ff.fault.err()
	}
	return ff.File.ReadAt(p, off)
}

func (ff *faultyFile) Sync() error {
	if ff.fault.FailOnSync && ff.fs.isArmed() {
		return ff.fault.err()
	}
	return ff.File.Sync()
}

func (ff *faultyFile) Close() error {
	if ff.fault.FailOnClose && ff.fs.isArmed() {
		_ = ff.File.Close()
		return ff.fault.err()
	}
	return ff.File.Close()
}
