package driver

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/ummapio/internal/fs"
)

func TestDummy(t *testing.T) {
	d := NewDummy(7)
	p := make([]byte, 5)
	n, err := d.ReadAt(context.Background(), p, 1<<40)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, bytes.Repeat([]byte{7}, 5), p)

	n, err = d.WriteAt(context.Background(), []byte("gone"), 0)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.True(t, IsThreadSafe(d))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.ReadAt(ctx, p, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(16)

	_, err := m.WriteAt(ctx, []byte("hello"), 4)
	require.NoError(t, err)

	p := make([]byte, 5)
	_, err = m.ReadAt(ctx, p, 4)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(p))

	_, err = m.WriteAt(ctx, []byte("overflow"), 12)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = m.ReadAt(ctx, p, -1)
	assert.ErrorIs(t, err, ErrOutOfRange)

	require.NoError(t, m.Sync(ctx, 0, 0))
	require.NoError(t, m.Close())
	_, err = m.ReadAt(ctx, p, 0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, m.Sync(ctx, 0, 0), ErrClosed)
}

func TestFD_ShortReadAtEnd(t *testing.T) {
	ctx := context.Background()
	d, err := OpenFile(nil, filepath.Join(t.TempDir(), "store"), os.O_RDWR|os.O_CREATE, 0o600)
	require.NoError(t, err)
	defer d.Close()

	_, err = d.WriteAt(ctx, []byte("abc"), 0)
	require.NoError(t, err)
	require.NoError(t, d.Sync(ctx, 0, 0))

	p := make([]byte, 8)
	n, err := d.ReadAt(ctx, p, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "abc", string(p[:n]))

	n, err = d.ReadAt(ctx, p, 100)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	_, err = d.ReadAt(ctx, p, 0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFD_SurfacesFaults(t *testing.T) {
	ctx := context.Background()
	fsys := fs.NewFaultyFS(nil)
	fsys.AddRule("store", fs.Fault{FailAfterBytes: 4, FailOnSync: true})
	d, err := OpenFile(fsys, filepath.Join(t.TempDir(), "store"), os.O_RDWR|os.O_CREATE, 0o600)
	require.NoError(t, err)
	defer d.Close()

	_, err = d.WriteAt(ctx, []byte("abc"), 0)
	require.NoError(t, err)
	assert.ErrorIs(t, d.Sync(ctx, 0, 0), fs.ErrInjected)
	_, err = d.WriteAt(ctx, []byte("de"), 3)
	assert.ErrorIs(t, err, fs.ErrInjected)

	fsys.Arm(false)
	require.NoError(t, d.Sync(ctx, 0, 0))
}
