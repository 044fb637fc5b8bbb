// Package cache implements the bounded local store backing the sync engine.
//
// Records carry a TTL and a priority. When the store exceeds its configured
// maximum, low-priority records are evicted before normal and high ones
// regardless of recency; within a tier, least recently accessed first.
// Records marked persistent are mirrored asynchronously through a storage
// adapter; the in-memory tier stays authoritative for reads.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gobwas/glob"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/jonboulle/clockwork"

	"github.com/localmesh/localsync/pkg/constants"
	"github.com/localmesh/localsync/pkg/logger"
	"github.com/localmesh/localsync/pkg/storage"
)

type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh

	numPriorities = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

type Params struct {
	// MaxRecords bounds the number of in-memory records. Defaults to
	// constants.DefaultCacheSize.
	MaxRecords int
	// DefaultTTL applies to records stored without an explicit TTL.
	DefaultTTL time.Duration
	Clock      clockwork.Clock
	Logger     logger.Logger
	// Adapter enables asynchronous mirroring of persistent records.
	Adapter storage.Adapter
	// Namespace prefixes adapter keys. Defaults to "cache".
	Namespace string
}

type record struct {
	value      any
	expiresAt  time.Time
	priority   Priority
	persistent bool
}

func (r *record) expired(now time.Time) bool {
	return !r.expiresAt.IsZero() && !now.Before(r.expiresAt)
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Expirations uint64
	Size        int
}

type Store struct {
	maxRecords int
	defaultTTL time.Duration
	clock      clockwork.Clock
	logger     logger.Logger
	namespace  string
	queue      *storage.Queue
	adapter    storage.Adapter

	mu      sync.Mutex
	records map[string]*record
	tiers   [numPriorities]*simplelru.LRU[string, struct{}]
	stats   Stats
}

func New(p Params) (*Store, error) {
	if p.MaxRecords <= 0 {
		p.MaxRecords = constants.DefaultCacheSize
	}
	if p.DefaultTTL == 0 {
		p.DefaultTTL = constants.DefaultCacheTTL
	}
	if p.Clock == nil {
		p.Clock = clockwork.NewRealClock()
	}
	if p.Logger == nil {
		p.Logger = logger.Nop()
	}
	if p.Namespace == "" {
		p.Namespace = "cache"
	}

	s := &Store{
		maxRecords: p.MaxRecords,
		defaultTTL: p.DefaultTTL,
		clock:      p.Clock,
		logger:     p.Logger,
		namespace:  p.Namespace,
		adapter:    p.Adapter,
		records:    make(map[string]*record),
	}
	for i := range s.tiers {
		// One past MaxRecords so the recency list itself never auto-evicts;
		// eviction is driven by the store so the counters stay accurate.
		lru, err := simplelru.NewLRU[string, struct{}](p.MaxRecords+1, nil)
		if err != nil {
			return nil, err
		}
		s.tiers[i] = lru
	}
	if p.Adapter != nil {
		s.queue = storage.NewQueue(p.Adapter, p.Logger)
	}
	return s, nil
}

type setConfig struct {
	ttl        time.Duration
	ttlSet     bool
	priority   Priority
	persistent bool
}

type SetOption func(*setConfig)

// WithTTL overrides the store's default TTL. Zero or negative disables expiry.
func WithTTL(ttl time.Duration) SetOption {
	return func(c *setConfig) {
		c.ttl = ttl
		c.ttlSet = true
	}
}

// WithPriority sets the eviction priority. Defaults to PriorityNormal.
func WithPriority(p Priority) SetOption {
	return func(c *setConfig) { c.priority = p }
}

// WithPersistent mirrors the record to the storage adapter, when configured.
func WithPersistent() SetOption {
	return func(c *setConfig) { c.persistent = true }
}

// persistedRecord is the blob layout written through the storage adapter.
// The value is kept as raw CBOR; the adapter treats the whole blob as opaque.
type persistedRecord struct {
	Value     cbor.RawMessage `cbor:"value"`
	ExpiresAt time.Time       `cbor:"expires_at,omitempty"`
	Priority  int             `cbor:"priority"`
}

// Get returns the cached value for key if present and not expired.
func (s *Store) Get(key string) (any, bool) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		s.stats.Misses++
		return nil, false
	}
	if rec.expired(now) {
		s.removeLocked(key, rec)
		s.stats.Expirations++
		s.stats.Misses++
		return nil, false
	}

	s.tiers[rec.priority].Get(key) // touch recency
	s.stats.Hits++
	return rec.value, true
}

// Set inserts or overwrites the record atomically, then evicts past the
// size budget. Mirroring to the adapter happens off the caller's path.
func (s *Store) Set(key string, value any, opts ...SetOption) {
	cfg := setConfig{ttl: s.defaultTTL, priority: PriorityNormal}
	for _, opt := range opts {
		opt(&cfg)
	}

	rec := &record{value: value, priority: cfg.priority, persistent: cfg.persistent}
	if cfg.ttl > 0 {
		rec.expiresAt = s.clock.Now().Add(cfg.ttl)
	}

	s.mu.Lock()
	if old, ok := s.records[key]; ok && old.priority != rec.priority {
		s.tiers[old.priority].Remove(key)
	}
	s.records[key] = rec
	s.tiers[rec.priority].Add(key, struct{}{})
	s.evictLocked()
	s.mu.Unlock()

	if rec.persistent && s.queue != nil {
		s.mirror(key, rec)
	}
}

func (s *Store) mirror(key string, rec *record) {
	raw, err := cbor.Marshal(rec.value)
	if err != nil {
		s.logger.Error("cache: encoding record for persistence", "key", key, "error", err)
		return
	}
	blob, err := cbor.Marshal(persistedRecord{
		Value:     raw,
		ExpiresAt: rec.expiresAt,
		Priority:  int(rec.priority),
	})
	if err != nil {
		s.logger.Error("cache: encoding persisted record", "key", key, "error", err)
		return
	}
	s.queue.Set(s.adapterKey(key), blob)
}

// Invalidate removes key from memory immediately. Removal from the adapter
// is scheduled, not synchronous.
func (s *Store) Invalidate(key string) {
	s.mu.Lock()
	rec, ok := s.records[key]
	if ok {
		s.removeLocked(key, rec)
	}
	s.mu.Unlock()

	if ok && rec.persistent && s.queue != nil {
		s.queue.Delete(s.adapterKey(key))
	}
}

// InvalidateByPattern removes every key matching the glob pattern and
// returns how many records it removed.
func (s *Store) InvalidateByPattern(pattern string) (int, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return 0, fmt.Errorf("%w: bad invalidation pattern %q: %v", constants.ErrValidation, pattern, err)
	}

	var (
		removed        int
		persistentKeys []string
	)
	s.mu.Lock()
	for key, rec := range s.records {
		if !g.Match(key) {
			continue
		}
		s.removeLocked(key, rec)
		removed++
		if rec.persistent {
			persistentKeys = append(persistentKeys, key)
		}
	}
	s.mu.Unlock()

	if s.queue != nil {
		for _, key := range persistentKeys {
			s.queue.Delete(s.adapterKey(key))
		}
	}
	return removed, nil
}

// GetCacheStats returns a snapshot of the counters.
func (s *Store) GetCacheStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Size = len(s.records)
	return st
}

// Restore loads persisted records back into memory, skipping expired ones.
// Restored values are cbor.RawMessage blobs; callers decode them on use.
func (s *Store) Restore(ctx context.Context) error {
	if s.adapter == nil {
		return nil
	}
	keys, err := s.adapter.Keys(ctx, s.namespace+"/")
	if err != nil {
		return fmt.Errorf("%w: listing persisted records: %v", constants.ErrStorageAdapter, err)
	}

	now := s.clock.Now()
	for _, adapterKey := range keys {
		blob, err := s.adapter.Get(ctx, adapterKey)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			s.logger.Error("cache: reading persisted record", "key", adapterKey, "error", err)
			continue
		}
		var pr persistedRecord
		if err := cbor.Unmarshal(blob, &pr); err != nil {
			s.logger.Error("cache: decoding persisted record", "key", adapterKey, "error", err)
			continue
		}
		if !pr.ExpiresAt.IsZero() && !now.Before(pr.ExpiresAt) {
			continue
		}

		key := adapterKey[len(s.namespace)+1:]
		rec := &record{
			value:      pr.Value,
			expiresAt:  pr.ExpiresAt,
			priority:   Priority(pr.Priority),
			persistent: true,
		}
		if rec.priority < PriorityLow || rec.priority > PriorityHigh {
			rec.priority = PriorityNormal
		}
		s.mu.Lock()
		s.records[key] = rec
		s.tiers[rec.priority].Add(key, struct{}{})
		s.evictLocked()
		s.mu.Unlock()
	}
	return nil
}

// Close flushes the mirror queue. Memory-only stores close immediately.
func (s *Store) Close(ctx context.Context) error {
	if s.queue == nil {
		return nil
	}
	return s.queue.Close(ctx)
}

func (s *Store) adapterKey(key string) string {
	return s.namespace + "/" + key
}

func (s *Store) removeLocked(key string, rec *record) {
	delete(s.records, key)
	s.tiers[rec.priority].Remove(key)
}

func (s *Store) evictLocked() {
	for len(s.records) > s.maxRecords {
		evicted := false
		for _, tier := range s.tiers {
			key, _, ok := tier.RemoveOldest()
			if !ok {
				continue
			}
			delete(s.records, key)
			s.stats.Evictions++
			evicted = true
			break
		}
		if !evicted {
			return
		}
	}
}
