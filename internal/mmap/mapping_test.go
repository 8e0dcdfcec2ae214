//go:build unix

package mmap

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapping_OpenReadClose(t *testing.T) {
	content := []byte("Hello, Mmap!")
	path := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	m, err := Open(path)
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, len(content), m.Size())
	assert.Equal(t, content, m.Bytes())

	buf := make([]byte, 5)
	n, err := m.ReadAt(buf, 7)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "Mmap!", string(buf))

	n, err = m.ReadAt(make([]byte, 10), 100)
	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)

	buf3 := make([]byte, 10)
	n, err = m.ReadAt(buf3, 7)
	assert.Equal(t, 5, n)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, "Mmap!", string(buf3[:n]))

	_, err = m.ReadAt(buf, -1)
	assert.Equal(t, ErrInvalidOffset, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.Nil(t, m.Bytes())
	_, err = m.ReadAt(buf, 0)
	assert.Equal(t, ErrClosed, err)
}

func TestMapping_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	m, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, 0, m.Size())
	assert.Nil(t, m.Bytes())
	require.NoError(t, m.Close())
}

func TestMapFile_WritableGrowsAndSyncs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rw")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	require.NoError(t, err)
	defer f.Close()

	m, err := MapFile(f, int64(PageSize), PageSize, true)
	require.NoError(t, err)
	assert.Equal(t, int64(PageSize), m.Offset())

	copy(m.Bytes()[10:], "persisted")
	require.NoError(t, m.Sync(10, 9))
	require.NoError(t, m.Close())

	fi, err := f.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(2*PageSize), fi.Size())

	got := make([]byte, 9)
	_, err = f.ReadAt(got, int64(PageSize)+10)
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(got))
}

func TestMapFile_InvalidArgs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	require.NoError(t, err)
	defer f.Close()

	_, err = MapFile(f, 0, 0, true)
	assert.ErrorIs(t, err, ErrInvalidSize)

	_, err = MapFile(f, 1, PageSize, true)
	assert.ErrorIs(t, err, ErrInvalidOffset)

	m, err := MapFile(f, 0, PageSize, true)
	require.NoError(t, err)
	defer m.Close()
	assert.ErrorIs(t, m.Sync(0, 2*PageSize), ErrOutOfBounds)
	assert.NoError(t, m.Advise(AccessRandom))
}
