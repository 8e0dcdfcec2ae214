package resource

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_Memory(t *testing.T) {
	c := NewController(Config{MemoryLimitBytes: 100})

	require.NoError(t, c.AcquireMemory(context.Background(), 50))
	require.NoError(t, c.AcquireMemory(context.Background(), 40))
	assert.Equal(t, int64(90), c.MemoryUsage())

	assert.False(t, c.TryAcquireMemory(20))
	assert.Equal(t, int64(90), c.MemoryUsage())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.AcquireMemory(ctx, 20), context.DeadlineExceeded)

	c.ReleaseMemory(50)
	assert.Equal(t, int64(40), c.MemoryUsage())
	assert.True(t, c.TryAcquireMemory(20))
	assert.Equal(t, int64(60), c.MemoryUsage())
}

func TestController_MemoryOverLimit(t *testing.T) {
	c := NewController(Config{MemoryLimitBytes: 10})
	assert.ErrorIs(t, c.AcquireMemory(context.Background(), 11), ErrMemoryLimitExceeded)
	assert.Equal(t, int64(10), c.MemoryLimit())
}

func TestController_UnlimitedMemory(t *testing.T) {
	c := NewController(Config{})

	require.NoError(t, c.AcquireMemory(context.Background(), 1000))
	assert.Equal(t, int64(1000), c.MemoryUsage())

	c.ReleaseMemory(500)
	assert.Equal(t, int64(500), c.MemoryUsage())
	assert.Equal(t, int64(0), c.MemoryLimit())
}

func TestController_Concurrency(t *testing.T) {
	c := NewController(Config{MaxBackgroundWorkers: 2})
	assert.Equal(t, 2, c.Workers())

	require.NoError(t, c.AcquireBackground(t.Context()))
	require.NoError(t, c.AcquireBackground(t.Context()))
	assert.False(t, c.TryAcquireBackground())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, c.AcquireBackground(ctx))

	c.ReleaseBackground()
	assert.True(t, c.TryAcquireBackground())
}

func TestController_IOLargerThanBurst(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 1 << 20})

	// A single WaitN above the burst would fail outright.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.AcquireIO(ctx, (1<<20)+1))

	assert.NoError(t, NewController(Config{}).AcquireIO(ctx, 1<<30))
}

func TestController_NilChecks(t *testing.T) {
	var c *Controller
	assert.NoError(t, c.AcquireMemory(context.Background(), 10))
	assert.True(t, c.TryAcquireMemory(10))
	c.ReleaseMemory(10)
	assert.NoError(t, c.AcquireBackground(context.Background()))
	c.ReleaseBackground()
	assert.NoError(t, c.AcquireIO(context.Background(), 10))
	assert.True(t, c.TryAcquireIO(10))
	assert.Equal(t, 1, c.Workers())
}

func TestRateLimitedIO(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 1 << 20})
	ctx := context.Background()

	var out bytes.Buffer
	w := NewRateLimitedWriter(ctx, &out, c)
	_, err := w.Write([]byte("segment"))
	require.NoError(t, err)

	r := NewRateLimitedReader(ctx, bytes.NewReader(out.Bytes()), c)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "segment", string(got))
}
