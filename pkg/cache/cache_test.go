package cache

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbforge/kbforge/internal/config"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(&config.Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return c
}

func TestGetOrLoadCachesValue(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	var calls atomic.Int32
	load := func(ctx context.Context) (any, error) {
		calls.Add(1)
		return map[string]string{"hello": "world"}, nil
	}

	var got map[string]string
	require.NoError(t, c.GetOrLoad(ctx, "k", time.Minute, &got, load))
	assert.Equal(t, "world", got["hello"])

	var again map[string]string
	require.NoError(t, c.GetOrLoad(ctx, "k", time.Minute, &again, load))
	assert.Equal(t, int32(1), calls.Load(), "second read must hit the cache")
}

func TestGetOrLoadExpiry(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	var calls atomic.Int32
	load := func(ctx context.Context) (any, error) {
		calls.Add(1)
		return "v", nil
	}

	var got string
	require.NoError(t, c.GetOrLoad(ctx, "k", 10*time.Millisecond, &got, load))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.GetOrLoad(ctx, "k", 10*time.Millisecond, &got, load))

	assert.Equal(t, int32(2), calls.Load(), "expired entry must be rebuilt")
}

func TestGetOrLoadCollapsesConcurrentMisses(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	var calls atomic.Int32
	load := func(ctx context.Context) (any, error) {
		calls.Add(1)
		time.Sleep(30 * time.Millisecond)
		return "v", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var got string
			assert.NoError(t, c.GetOrLoad(ctx, "k", time.Minute, &got, load))
			assert.Equal(t, "v", got)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "concurrent misses must share one load")
}

func TestDelete(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	var calls atomic.Int32
	load := func(ctx context.Context) (any, error) {
		calls.Add(1)
		return "v", nil
	}

	var got string
	require.NoError(t, c.GetOrLoad(ctx, "k", time.Minute, &got, load))
	c.Delete(ctx, "k")
	require.NoError(t, c.GetOrLoad(ctx, "k", time.Minute, &got, load))

	assert.Equal(t, int32(2), calls.Load())
}
