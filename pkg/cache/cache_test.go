package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localmesh/localsync/pkg/constants"
	"github.com/localmesh/localsync/pkg/storage"
)

func newTestStore(t *testing.T, max int, opts ...func(*Params)) (*Store, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	p := Params{MaxRecords: max, Clock: clock}
	for _, opt := range opts {
		opt(&p)
	}
	s, err := New(p)
	require.NoError(t, err)
	return s, clock
}

func TestGetHonorsTTL(t *testing.T) {
	s, clock := newTestStore(t, 10)

	s.Set("profile:1", "alice", WithTTL(time.Minute))

	got, ok := s.Get("profile:1")
	require.True(t, ok)
	assert.Equal(t, "alice", got)

	clock.Advance(59 * time.Second)
	_, ok = s.Get("profile:1")
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = s.Get("profile:1")
	assert.False(t, ok, "record must expire once the TTL elapses")

	stats := s.GetCacheStats()
	assert.EqualValues(t, 2, stats.Hits)
	assert.EqualValues(t, 1, stats.Misses)
	assert.EqualValues(t, 1, stats.Expirations)
}

func TestZeroTTLNeverExpires(t *testing.T) {
	s, clock := newTestStore(t, 10)

	s.Set("profile:1", "alice", WithTTL(0))
	clock.Advance(24 * time.Hour)

	_, ok := s.Get("profile:1")
	assert.True(t, ok)
}

func TestSetOverwritesAtomically(t *testing.T) {
	s, _ := newTestStore(t, 10)

	s.Set("profile:1", "v1")
	s.Set("profile:1", "v2", WithPriority(PriorityHigh))

	got, ok := s.Get("profile:1")
	require.True(t, ok)
	assert.Equal(t, "v2", got)
	assert.Equal(t, 1, s.GetCacheStats().Size)
}

func TestEvictionPrefersLowPriority(t *testing.T) {
	s, _ := newTestStore(t, 5)

	// Fill the cache beyond its maximum with low-priority records.
	for i := 0; i < 5; i++ {
		s.Set(fmt.Sprintf("low:%d", i), i, WithPriority(PriorityLow))
	}
	s.Set("high:0", "keep", WithPriority(PriorityHigh))

	_, ok := s.Get("high:0")
	assert.True(t, ok, "high priority record must survive")

	stats := s.GetCacheStats()
	assert.Equal(t, 5, stats.Size)
	assert.EqualValues(t, 1, stats.Evictions)

	// The least recently used low record is the deterministic victim.
	_, ok = s.Get("low:0")
	assert.False(t, ok)
	_, ok = s.Get("low:1")
	assert.True(t, ok)
}

func TestEvictionIsLRUWithinTier(t *testing.T) {
	s, _ := newTestStore(t, 3)

	s.Set("a", 1)
	s.Set("b", 2)
	s.Set("c", 3)

	// Touch "a" so "b" becomes the least recently used.
	_, ok := s.Get("a")
	require.True(t, ok)

	s.Set("d", 4)

	_, ok = s.Get("b")
	assert.False(t, ok)
	for _, key := range []string{"a", "c", "d"} {
		_, ok := s.Get(key)
		assert.True(t, ok, key)
	}
}

func TestLowEvictedBeforeRecentlyUsedNormal(t *testing.T) {
	s, _ := newTestStore(t, 2)

	s.Set("normal", 1)
	s.Set("low", 2, WithPriority(PriorityLow))

	// Touch the low record last; priority must still beat recency.
	_, ok := s.Get("low")
	require.True(t, ok)

	s.Set("extra", 3)

	_, ok = s.Get("low")
	assert.False(t, ok)
	_, ok = s.Get("normal")
	assert.True(t, ok)
}

func TestInvalidateByPattern(t *testing.T) {
	s, _ := newTestStore(t, 10)

	s.Set("profile:1", 1)
	s.Set("profile:2", 2)
	s.Set("asset:1", 3)

	removed, err := s.InvalidateByPattern("profile:*")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, ok := s.Get("profile:1")
	assert.False(t, ok)
	_, ok = s.Get("asset:1")
	assert.True(t, ok, "non-matching keys must survive")
}

func TestInvalidateByPatternRejectsBadGlob(t *testing.T) {
	s, _ := newTestStore(t, 10)
	_, err := s.InvalidateByPattern("[")
	assert.ErrorIs(t, err, constants.ErrValidation)
}

func TestPersistentRecordsMirrorToAdapter(t *testing.T) {
	adapter := storage.NewMemory()
	s, _ := newTestStore(t, 10, func(p *Params) { p.Adapter = adapter })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.Set("profile:1", "alice", WithPersistent())
	require.NoError(t, s.Close(ctx))

	blob, err := adapter.Get(ctx, "cache/profile:1")
	require.NoError(t, err)

	var pr persistedRecord
	require.NoError(t, cbor.Unmarshal(blob, &pr))
	var value string
	require.NoError(t, cbor.Unmarshal(pr.Value, &value))
	assert.Equal(t, "alice", value)
}

func TestInvalidateSchedulesPersistentRemoval(t *testing.T) {
	adapter := storage.NewMemory()
	s, _ := newTestStore(t, 10, func(p *Params) { p.Adapter = adapter })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.Set("profile:1", "alice", WithPersistent())
	s.Invalidate("profile:1")
	require.NoError(t, s.Close(ctx))

	_, err := adapter.Get(ctx, "cache/profile:1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRestoreSkipsExpired(t *testing.T) {
	adapter := storage.NewMemory()
	s, clock := newTestStore(t, 10, func(p *Params) { p.Adapter = adapter })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.Set("fresh", "a", WithPersistent(), WithTTL(time.Hour))
	s.Set("stale", "b", WithPersistent(), WithTTL(time.Minute))
	require.NoError(t, s.Close(ctx))

	clock.Advance(30 * time.Minute)

	restored, err := New(Params{MaxRecords: 10, Clock: clock, Adapter: adapter})
	require.NoError(t, err)
	require.NoError(t, restored.Restore(ctx))

	raw, ok := restored.Get("fresh")
	require.True(t, ok)
	var value string
	require.NoError(t, cbor.Unmarshal(raw.(cbor.RawMessage), &value))
	assert.Equal(t, "a", value)

	_, ok = restored.Get("stale")
	assert.False(t, ok)

	require.NoError(t, restored.Close(ctx))
}
