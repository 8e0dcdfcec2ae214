package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/hupe1980/ummapio/internal/fs"
	"github.com/hupe1980/ummapio/internal/mmap"
)

// LocalStore implements BlobStore using the local file system. Blob names
// use forward slashes and map to nested directories below the root.
type LocalStore struct {
	root string
	fsys fs.FileSystem
}

// NewLocalStore creates a new LocalStore rooted at the given directory.
func NewLocalStore(root string) *LocalStore {
	return NewLocalStoreFS(root, nil)
}

// NewLocalStoreFS is NewLocalStore over a custom file system. A nil fsys
// selects fs.Default.
func NewLocalStoreFS(root string, fsys fs.FileSystem) *LocalStore {
	if fsys == nil {
		fsys = fs.Default
	}
	return &LocalStore{root: root, fsys: fsys}
}

func (s *LocalStore) path(name string) string {
	return filepath.Join(s.root, filepath.FromSlash(name))
}

// Open opens a blob for reading. Local blobs are memory-mapped.
func (s *LocalStore) Open(ctx context.Context, name string) (Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := mmap.Open(s.path(name))
	if err != nil {
		return nil, err
	}
	return &localBlob{m: m}, nil
}

// Put writes to a temporary file and renames it over the blob.
func (s *LocalStore) Put(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := s.path(name)
	if err := s.fsys.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}

	tmp := p + ".tmp"
	f, err := s.fsys.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = s.fsys.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = s.fsys.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = s.fsys.Remove(tmp)
		return err
	}
	return s.fsys.Rename(tmp, p)
}

// Delete removes a blob.
func (s *LocalStore) Delete(_ context.Context, name string) error {
	err := s.fsys.Remove(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// List walks the root and returns the blobs whose name starts with prefix.
func (s *LocalStore) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	var walk func(dir, rel string) error
	walk = func(dir, rel string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		entries, err := s.fsys.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, e := range entries {
			name := path.Join(rel, e.Name())
			if e.IsDir() {
				if err := walk(filepath.Join(dir, e.Name()), name); err != nil {
					return err
				}
				continue
			}
			if strings.HasSuffix(name, ".tmp") {
				continue
			}
			if strings.HasPrefix(name, prefix) {
				names = append(names, name)
			}
		}
		return nil
	}

	if err := walk(s.root, ""); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	slices.Sort(names)
	return names, nil
}

type localBlob struct {
	m *mmap.Mapping
}

func (b *localBlob) ReadAt(_ context.Context, p []byte, off int64) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}
	data := b.m.Bytes()
	if off < 0 || off >= int64(len(data)) {
		return 0, io.EOF
	}
	n = copy(p, data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (b *localBlob) ReadRange(_ context.Context, off, length int64) (io.ReadCloser, error) {
	data := b.m.Bytes()
	if off < 0 || off >= int64(len(data)) {
		return nil, io.EOF
	}
	end := min(off+length, int64(len(data)))
	return io.NopCloser(bytes.NewReader(data[off:end])), nil
}

func (b *localBlob) Close() error {
	return b.m.Close()
}

func (b *localBlob) Size() int64 {
	return int64(len(b.m.Bytes()))
}

func (b *localBlob) Bytes() ([]byte, error) {
	return b.m.Bytes(), nil
}
