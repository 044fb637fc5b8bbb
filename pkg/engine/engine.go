// Package engine orchestrates entry fetching: scheduling per identity under
// a configurable strategy, deduplicating in-flight work, batching same-type
// requests, and retrying transient failures with bounded backoff.
//
// Invariant: at most one in-flight remote fetch per (entryType, identity).
// Concurrent callers for the same identity attach to the existing task and
// all observe the identical outcome.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/jonboulle/clockwork"

	"github.com/localmesh/localsync/pkg/cache"
	"github.com/localmesh/localsync/pkg/conflict"
	"github.com/localmesh/localsync/pkg/constants"
	"github.com/localmesh/localsync/pkg/entry"
	"github.com/localmesh/localsync/pkg/gateway"
	"github.com/localmesh/localsync/pkg/logger"
)

type Strategy string

const (
	// StrategyEager proactively refreshes priority types on an interval.
	StrategyEager Strategy = "eager"
	// StrategyLazy fetches only on demand.
	StrategyLazy Strategy = "lazy"
	// StrategyManual dispatches fetches only via ForceSyncAll.
	StrategyManual Strategy = "manual"
)

type Params struct {
	Gateway  gateway.Gateway
	Cache    *cache.Store
	Resolver *conflict.Resolver
	Logger   logger.Logger
	Clock    clockwork.Clock
	// Registry, when set, validates fetched entries at the boundary.
	Registry *entry.Registry

	// Strategy defaults to lazy.
	Strategy Strategy
	// PriorityTypes are refreshed by the eager strategy and dispatched
	// first on resume.
	PriorityTypes []string
	// RefreshInterval drives the eager refresh loop.
	RefreshInterval time.Duration

	// FetchMethod is the gateway method returning the current heads of one
	// identity. Defaults to "entry.fetch".
	FetchMethod string
	// BulkFetchMethod, when non-empty, enables coalescing same-type
	// requests into one bulk call.
	BulkFetchMethod string
	BatchWindow     time.Duration
	BatchSize       int

	MaxRetries          int
	InitialRetryBackoff time.Duration
	CallTimeout         time.Duration

	// MaxTracked bounds the set of known identities used by ForceSyncAll
	// and the eager refresh loop; least recently fetched identities fall
	// off first. Defaults to constants.DefaultCacheSize.
	MaxTracked int

	// CacheTTL applies to fetched entries written back to the cache.
	CacheTTL time.Duration
	// PersistEntries mirrors fetched entries through the cache's storage
	// adapter.
	PersistEntries bool
}

// Status is a snapshot of the engine's scheduling state.
type Status struct {
	Strategy Strategy
	Paused   bool
	InFlight int
	Pending  int
	Known    int
}

type Engine struct {
	gw       gateway.Gateway
	cache    *cache.Store
	resolver *conflict.Resolver
	logger   logger.Logger
	clock    clockwork.Clock
	registry *entry.Registry

	fetchMethod   string
	bulkMethod    string
	batchWindow   time.Duration
	batchSize     int
	maxRetries    int
	initialDelay  time.Duration
	callTimeout   time.Duration
	cacheTTL      time.Duration
	persist       bool
	refreshEvery  time.Duration
	priorityTypes map[string]struct{}

	mu        sync.Mutex
	strategy  Strategy
	paused    bool
	closed    bool
	seq       uint64
	tasks     map[taskKey]*task
	pending   []*task
	known     *simplelru.LRU[taskKey, struct{}]
	listeners []func(Result)
	batches   map[string]*batchState
	refresh   *refreshLoop
}

func New(p Params) (*Engine, error) {
	if p.Gateway == nil {
		return nil, constants.ErrNoGateway
	}
	if p.Cache == nil {
		return nil, fmt.Errorf("%w: cache store is required", constants.ErrValidation)
	}
	if p.Resolver == nil {
		return nil, fmt.Errorf("%w: conflict resolver is required", constants.ErrValidation)
	}
	if p.Logger == nil {
		p.Logger = logger.Nop()
	}
	if p.Clock == nil {
		p.Clock = clockwork.NewRealClock()
	}
	if p.Strategy == "" {
		p.Strategy = StrategyLazy
	}
	switch p.Strategy {
	case StrategyEager, StrategyLazy, StrategyManual:
	default:
		return nil, fmt.Errorf("%w: %q", constants.ErrUnknownStrategy, p.Strategy)
	}
	if p.FetchMethod == "" {
		p.FetchMethod = "entry.fetch"
	}
	if p.BatchWindow <= 0 {
		p.BatchWindow = constants.DefaultBatchWindow
	}
	if p.BatchSize <= 0 {
		p.BatchSize = constants.DefaultBatchSize
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	} else if p.MaxRetries == 0 {
		p.MaxRetries = constants.DefaultMaxRetries
	}
	if p.InitialRetryBackoff <= 0 {
		p.InitialRetryBackoff = constants.DefaultInitialBackoff
	}
	if p.CallTimeout <= 0 {
		p.CallTimeout = constants.DefaultCallTimeout
	}
	if p.CacheTTL <= 0 {
		p.CacheTTL = constants.DefaultCacheTTL
	}
	if p.RefreshInterval <= 0 {
		p.RefreshInterval = constants.DefaultRefreshInterval
	}
	if p.MaxTracked <= 0 {
		p.MaxTracked = constants.DefaultCacheSize
	}
	known, err := simplelru.NewLRU[taskKey, struct{}](p.MaxTracked, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: max tracked identities: %v", constants.ErrValidation, err)
	}

	e := &Engine{
		gw:            p.Gateway,
		cache:         p.Cache,
		resolver:      p.Resolver,
		logger:        p.Logger,
		clock:         p.Clock,
		registry:      p.Registry,
		fetchMethod:   p.FetchMethod,
		bulkMethod:    p.BulkFetchMethod,
		batchWindow:   p.BatchWindow,
		batchSize:     p.BatchSize,
		maxRetries:    p.MaxRetries,
		initialDelay:  p.InitialRetryBackoff,
		callTimeout:   p.CallTimeout,
		cacheTTL:      p.CacheTTL,
		persist:       p.PersistEntries,
		refreshEvery:  p.RefreshInterval,
		strategy:      p.Strategy,
		priorityTypes: make(map[string]struct{}, len(p.PriorityTypes)),
		tasks:         make(map[taskKey]*task),
		known:         known,
		batches:       make(map[string]*batchState),
	}
	for _, t := range p.PriorityTypes {
		e.priorityTypes[t] = struct{}{}
	}

	if p.Strategy == StrategyEager {
		e.startRefreshLocked()
	}
	return e, nil
}

// SyncEntry returns the entry for (entryType, identity), serving from cache
// when fresh and otherwise suspending the caller until the corresponding
// task reaches a terminal status.
func (e *Engine) SyncEntry(ctx context.Context, entryType, identity string) (*entry.Entry, error) {
	if entryType == "" || identity == "" {
		return nil, fmt.Errorf("%w: entry type and identity are required", constants.ErrValidation)
	}

	key := taskKey{EntryType: entryType, Identity: identity}
	if cached, ok := e.cachedEntry(key); ok {
		return cached, nil
	}

	ch, err := e.enqueue(key, nil)
	if err != nil {
		return nil, err
	}

	select {
	case out := <-ch:
		return out.Entry, out.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SyncEntries fetches several identities of one type. Results hold the
// successes in input order (nil where a fetch failed); the returned error
// is the first failure, if any.
func (e *Engine) SyncEntries(ctx context.Context, entryType string, identities []string) ([]*entry.Entry, error) {
	chans := make([]<-chan Outcome, len(identities))
	entries := make([]*entry.Entry, len(identities))
	var firstErr error

	for i, identity := range identities {
		key := taskKey{EntryType: entryType, Identity: identity}
		if cached, ok := e.cachedEntry(key); ok {
			done := make(chan Outcome, 1)
			done <- Outcome{Entry: cached}
			chans[i] = done
			continue
		}
		ch, err := e.enqueue(key, nil)
		if err != nil {
			return nil, err
		}
		chans[i] = ch
	}

	for i, ch := range chans {
		select {
		case out := <-ch:
			entries[i] = out.Entry
			if out.Err != nil && firstErr == nil {
				firstErr = fmt.Errorf("%s/%s: %w", entryType, identities[i], out.Err)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return entries, firstErr
}

// SetSyncStrategy switches the scheduling strategy at runtime.
func (e *Engine) SetSyncStrategy(s Strategy) error {
	switch s {
	case StrategyEager, StrategyLazy, StrategyManual:
	default:
		return fmt.Errorf("%w: %q", constants.ErrUnknownStrategy, s)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.strategy == s {
		return nil
	}
	e.strategy = s
	if s == StrategyEager {
		e.startRefreshLocked()
	} else {
		e.stopRefreshLocked()
	}
	return nil
}

// GetSyncStatus returns a snapshot of scheduling state.
func (e *Engine) GetSyncStatus() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	inFlight := 0
	for _, t := range e.tasks {
		if t.status == TaskInFlight {
			inFlight++
		}
	}
	return Status{
		Strategy: e.strategy,
		Paused:   e.paused,
		InFlight: inFlight,
		Pending:  len(e.pending),
		Known:    e.known.Len(),
	}
}

// OnSyncComplete registers a listener invoked for every terminal task.
func (e *Engine) OnSyncComplete(cb func(Result)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, cb)
}

// PauseSync halts dispatch of new pending tasks. In-flight tasks complete.
func (e *Engine) PauseSync() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = true
}

// ResumeSync dispatches accumulated pending tasks, priority types first,
// FIFO within each tier.
func (e *Engine) ResumeSync() {
	e.mu.Lock()
	e.paused = false
	ready := e.takePendingLocked()
	e.mu.Unlock()

	for _, t := range ready {
		e.dispatch(t)
	}
}

// ForceSyncAll refetches every known identity and dispatches anything
// pending, regardless of strategy. It returns the number of tasks
// scheduled; completion is observable via OnSyncComplete.
func (e *Engine) ForceSyncAll() int {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0
	}
	ready := e.takePendingLocked()
	var refresh []taskKey
	for _, key := range e.known.Keys() {
		if _, busy := e.tasks[key]; !busy {
			refresh = append(refresh, key)
		}
	}
	for _, key := range refresh {
		t := e.newTaskLocked(key)
		t.status = TaskInFlight
		ready = append(ready, t)
	}
	e.mu.Unlock()

	for _, t := range ready {
		e.dispatch(t)
	}
	return len(ready)
}

// HandleSignal reacts to a routed signal for an entry: the cached copy is
// invalidated, and under the eager strategy a refresh is scheduled.
func (e *Engine) HandleSignal(sig gateway.Signal) {
	if sig.EntryType == "" || sig.Identity == "" {
		return
	}
	key := taskKey{EntryType: sig.EntryType, Identity: sig.Identity}
	e.cache.Invalidate(key.cacheKey())

	e.mu.Lock()
	eager := e.strategy == StrategyEager
	isKnown := e.known.Contains(key)
	e.mu.Unlock()

	if eager && isKnown {
		if _, err := e.enqueue(key, nil); err != nil {
			e.logger.Warn("refresh after signal not scheduled", "identity", sig.Identity, "error", err)
		}
	}
}

// Close fails pending tasks and stops background work. In-flight calls run
// to their timeout.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.stopRefreshLocked()
	pending := e.pending
	e.pending = nil
	for _, t := range pending {
		delete(e.tasks, t.key)
	}
	e.mu.Unlock()

	for _, t := range pending {
		e.finish(t, Outcome{Err: constants.ErrEngineClosed})
	}
}

func (e *Engine) cachedEntry(key taskKey) (*entry.Entry, bool) {
	value, ok := e.cache.Get(key.cacheKey())
	if !ok {
		return nil, false
	}
	switch v := value.(type) {
	case *entry.Entry:
		return v, true
	case cbor.RawMessage:
		// Restored persisted records come back as raw blobs.
		var ent entry.Entry
		if err := decodeRestored(v, &ent); err != nil {
			e.logger.Warn("discarding undecodable restored entry", "key", key.cacheKey(), "error", err)
			e.cache.Invalidate(key.cacheKey())
			return nil, false
		}
		return &ent, true
	default:
		return nil, false
	}
}

// enqueue attaches a waiter to the task for key, creating and possibly
// dispatching it. A nil waiter schedules a background refresh.
func (e *Engine) enqueue(key taskKey, waiter chan Outcome) (chan Outcome, error) {
	if waiter == nil {
		waiter = make(chan Outcome, 1)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, constants.ErrEngineClosed
	}

	if t, ok := e.tasks[key]; ok {
		t.waiters = append(t.waiters, waiter)
		e.mu.Unlock()
		return waiter, nil
	}

	t := e.newTaskLocked(key)
	t.waiters = append(t.waiters, waiter)

	if e.paused || e.strategy == StrategyManual {
		e.pending = append(e.pending, t)
		e.mu.Unlock()
		return waiter, nil
	}

	t.status = TaskInFlight
	e.mu.Unlock()
	e.dispatch(t)
	return waiter, nil
}

// newTaskLocked registers a fresh task; caller holds e.mu.
func (e *Engine) newTaskLocked(key taskKey) *task {
	e.seq++
	t := &task{
		key:      key,
		status:   TaskPending,
		seq:      e.seq,
		priority: e.isPriorityType(key.EntryType),
	}
	e.tasks[key] = t
	return t
}

// takePendingLocked removes and orders the pending queue: priority types
// first, submission order within each tier. Caller holds e.mu.
func (e *Engine) takePendingLocked() []*task {
	ready := e.pending
	e.pending = nil
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].priority != ready[j].priority {
			return ready[i].priority
		}
		return ready[i].seq < ready[j].seq
	})
	for _, t := range ready {
		t.status = TaskInFlight
	}
	return ready
}

func (e *Engine) isPriorityType(entryType string) bool {
	_, ok := e.priorityTypes[entryType]
	return ok
}
