package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAdapters(t *testing.T) map[string]Adapter {
	t.Helper()

	b, err := OpenBolt(filepath.Join(t.TempDir(), "localsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	return map[string]Adapter{
		"memory": NewMemory(),
		"bolt":   b,
	}
}

func TestAdapterRoundTrip(t *testing.T) {
	for name, a := range testAdapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := a.Get(ctx, "cache/missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, a.Set(ctx, "cache/profile:1", []byte("v1")))
			got, err := a.Get(ctx, "cache/profile:1")
			require.NoError(t, err)
			assert.Equal(t, []byte("v1"), got)

			require.NoError(t, a.Delete(ctx, "cache/profile:1"))
			_, err = a.Get(ctx, "cache/profile:1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestAdapterKeysByNamespace(t *testing.T) {
	for name, a := range testAdapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, a.Set(ctx, "cache/b", []byte("1")))
			require.NoError(t, a.Set(ctx, "cache/a", []byte("2")))
			require.NoError(t, a.Set(ctx, "conflict/a", []byte("3")))

			keys, err := a.Keys(ctx, "cache/")
			require.NoError(t, err)
			assert.Equal(t, []string{"cache/a", "cache/b"}, keys)
		})
	}
}

func TestAdapterClear(t *testing.T) {
	for name, a := range testAdapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, a.Set(ctx, "cache/a", []byte("1")))
			require.NoError(t, a.Clear(ctx))
			keys, err := a.Keys(ctx, "")
			require.NoError(t, err)
			assert.Empty(t, keys)
		})
	}
}

func TestQueuePreservesPerKeyOrder(t *testing.T) {
	adapter := NewMemory()
	q := NewQueue(adapter, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Interleave writes and deletes for the same key; the final operation
	// must win regardless of scheduling.
	for i := 0; i < 50; i++ {
		q.Set("cache/k", []byte(fmt.Sprintf("v%d", i)))
		q.Delete("cache/k")
	}
	q.Set("cache/k", []byte("final"))

	require.NoError(t, q.Flush(ctx))
	got, err := adapter.Get(ctx, "cache/k")
	require.NoError(t, err)
	assert.Equal(t, []byte("final"), got)

	require.NoError(t, q.Close(ctx))
}

func TestQueueFlushWaitsForPriorOps(t *testing.T) {
	adapter := NewMemory()
	q := NewQueue(adapter, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 100; i++ {
		q.Set(fmt.Sprintf("cache/k%d", i), []byte("v"))
	}
	require.NoError(t, q.Flush(ctx))

	keys, err := adapter.Keys(ctx, "cache/")
	require.NoError(t, err)
	assert.Len(t, keys, 100)

	require.NoError(t, q.Close(ctx))
}

type failingAdapter struct{ Memory }

func (f *failingAdapter) Set(context.Context, string, []byte) error {
	return fmt.Errorf("disk full")
}

func TestQueueSwallowsAdapterErrors(t *testing.T) {
	q := NewQueue(&failingAdapter{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	q.Set("cache/k", []byte("v"))
	// Flush returning nil proves the failure stayed inside the queue.
	assert.NoError(t, q.Flush(ctx))
	require.NoError(t, q.Close(ctx))
}
