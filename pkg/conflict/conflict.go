// Package conflict detects divergent entry versions and resolves them
// through pluggable strategies.
//
// A conflict exists when the backend reports more than one current head for
// one identity. Resolution never mutates input versions; every resolution
// is recorded in an append-only, per-identity history, optionally mirrored
// through a storage adapter.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/jonboulle/clockwork"

	"github.com/localmesh/localsync/pkg/constants"
	"github.com/localmesh/localsync/pkg/entry"
	"github.com/localmesh/localsync/pkg/logger"
	"github.com/localmesh/localsync/pkg/storage"
)

const (
	StrategyLastWriteWins = "last-write-wins"
	StrategyMerge         = "merge"
	StrategyManual        = "manual"
)

// Info is one row of the resolution history.
type Info struct {
	EntryIdentity            string    `cbor:"entry_identity"`
	ConflictingVersionHashes []string  `cbor:"conflicting_version_hashes"`
	Resolved                 bool      `cbor:"resolved"`
	Resolution               string    `cbor:"resolution,omitempty"`
	Strategy                 string    `cbor:"strategy,omitempty"`
	RecordedAt               time.Time `cbor:"recorded_at"`
}

// Strategy resolves a set of conflicting versions into one entry.
type Strategy interface {
	Name() string
	Resolve(ctx context.Context, versions []*entry.Entry) (*entry.Entry, error)
}

// MergeFunc synthesizes one entry from all conflicting versions. It must be
// pure: no mutation of its inputs.
type MergeFunc func(versions []*entry.Entry) (*entry.Entry, error)

type Params struct {
	Logger logger.Logger
	Clock  clockwork.Clock
	// Adapter, when set, mirrors history appends under the
	// "conflict/<identity>" namespace.
	Adapter storage.Adapter
	// Merge backs the "merge" strategy. Without it, selecting that
	// strategy is a validation error.
	Merge MergeFunc
	// OnUnresolved is invoked whenever a manual-strategy conflict is left
	// pending. It keeps firing on re-detection until the conflict is
	// resolved externally; it is never silently dropped.
	OnUnresolved func(Info)
	// DefaultStrategy defaults to last-write-wins.
	DefaultStrategy string
}

type Resolver struct {
	logger    logger.Logger
	clock     clockwork.Clock
	queue     *storage.Queue
	adapter   storage.Adapter
	onPending func(Info)

	mu          sync.Mutex
	strategies  map[string]Strategy
	defaultName string
	history     map[string][]Info
	pending     map[string]Info
}

func New(p Params) (*Resolver, error) {
	if p.Logger == nil {
		p.Logger = logger.Nop()
	}
	if p.Clock == nil {
		p.Clock = clockwork.NewRealClock()
	}
	if p.DefaultStrategy == "" {
		p.DefaultStrategy = StrategyLastWriteWins
	}

	r := &Resolver{
		logger:     p.Logger,
		clock:      p.Clock,
		adapter:    p.Adapter,
		onPending:  p.OnUnresolved,
		strategies: make(map[string]Strategy),
		history:    make(map[string][]Info),
		pending:    make(map[string]Info),
	}
	r.strategies[StrategyLastWriteWins] = lastWriteWins{}
	r.strategies[StrategyMerge] = mergeStrategy{fn: p.Merge}
	r.strategies[StrategyManual] = manualStrategy{}

	if _, ok := r.strategies[p.DefaultStrategy]; !ok {
		return nil, fmt.Errorf("%w: %q", constants.ErrUnknownStrategy, p.DefaultStrategy)
	}
	r.defaultName = p.DefaultStrategy

	if p.Adapter != nil {
		r.queue = storage.NewQueue(p.Adapter, p.Logger)
	}
	return r, nil
}

// DetectConflicts reports whether the head hashes the gateway returned for
// identity constitute a conflict (more than one current head).
func (r *Resolver) DetectConflicts(identity string, headHashes []string) (Info, bool) {
	if len(headHashes) <= 1 {
		return Info{}, false
	}
	hashes := make([]string, len(headHashes))
	copy(hashes, headHashes)
	return Info{
		EntryIdentity:            identity,
		ConflictingVersionHashes: hashes,
		RecordedAt:               r.clock.Now(),
	}, true
}

// SetDefaultStrategy switches the strategy used when ResolveConflict is
// called with an empty strategy name.
func (r *Resolver) SetDefaultStrategy(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.strategies[name]; !ok {
		return fmt.Errorf("%w: %q", constants.ErrUnknownStrategy, name)
	}
	r.defaultName = name
	return nil
}

// RegisterCustomStrategy adds a named strategy. Built-in names cannot be
// replaced.
func (r *Resolver) RegisterCustomStrategy(s Strategy) error {
	name := s.Name()
	switch name {
	case StrategyLastWriteWins, StrategyMerge, StrategyManual:
		return fmt.Errorf("%w: %q is built in", constants.ErrValidation, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.strategies[name]; ok {
		return fmt.Errorf("%w: strategy %q", constants.ErrIDInUse, name)
	}
	r.strategies[name] = s
	return nil
}

// ResolveConflict resolves the given versions of one identity using the
// named strategy (or the default when name is empty) and records the
// outcome. The manual strategy returns ErrConflictUnresolved and keeps the
// conflict pending until ResolveManually is called.
func (r *Resolver) ResolveConflict(ctx context.Context, identity string, versions []*entry.Entry, name string) (*entry.Entry, error) {
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: no versions to resolve for %s", constants.ErrValidation, identity)
	}
	for _, v := range versions {
		if err := v.Validate(); err != nil {
			return nil, err
		}
	}
	if len(versions) == 1 {
		return versions[0], nil
	}

	r.mu.Lock()
	if name == "" {
		name = r.defaultName
	}
	strategy, ok := r.strategies[name]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", constants.ErrUnknownStrategy, name)
	}

	hashes := make([]string, 0, len(versions))
	for _, v := range versions {
		hashes = append(hashes, v.VersionHash)
	}

	resolved, err := strategy.Resolve(ctx, versions)
	if err != nil {
		if errors.Is(err, constants.ErrConflictUnresolved) {
			info := Info{
				EntryIdentity:            identity,
				ConflictingVersionHashes: hashes,
				Strategy:                 name,
				RecordedAt:               r.clock.Now(),
			}
			r.mu.Lock()
			r.pending[identity] = info
			r.mu.Unlock()
			if r.onPending != nil {
				r.onPending(info)
			}
		}
		return nil, err
	}
	if err := resolved.Validate(); err != nil {
		return nil, fmt.Errorf("strategy %q produced invalid entry: %w", name, err)
	}

	r.record(identity, Info{
		EntryIdentity:            identity,
		ConflictingVersionHashes: hashes,
		Resolved:                 true,
		Resolution:               resolved.VersionHash,
		Strategy:                 name,
		RecordedAt:               r.clock.Now(),
	})
	return resolved, nil
}

// ResolveManually completes a pending manual conflict with the chosen
// version.
func (r *Resolver) ResolveManually(identity string, chosen *entry.Entry) error {
	if err := chosen.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	info, ok := r.pending[identity]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no pending conflict for %s", constants.ErrValidation, identity)
	}

	info.Resolved = true
	info.Resolution = chosen.VersionHash
	info.RecordedAt = r.clock.Now()
	r.mu.Lock()
	delete(r.pending, identity)
	r.mu.Unlock()
	r.record(identity, info)
	return nil
}

// PendingConflicts lists conflicts awaiting manual resolution.
func (r *Resolver) PendingConflicts() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.pending))
	for _, info := range r.pending {
		out = append(out, info)
	}
	return out
}

// GetConflictHistory returns the resolution history for identity, oldest
// first.
func (r *Resolver) GetConflictHistory(identity string) []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows := r.history[identity]
	out := make([]Info, len(rows))
	copy(out, rows)
	return out
}

// Close flushes the history mirror queue.
func (r *Resolver) Close(ctx context.Context) error {
	if r.queue == nil {
		return nil
	}
	return r.queue.Close(ctx)
}

func (r *Resolver) record(identity string, info Info) {
	r.mu.Lock()
	r.history[identity] = append(r.history[identity], info)
	rows := r.history[identity]
	r.mu.Unlock()

	if r.queue == nil {
		return
	}
	blob, err := cbor.Marshal(rows)
	if err != nil {
		r.logger.Error("conflict: encoding history", "identity", identity, "error", err)
		return
	}
	r.queue.Set("conflict/"+identity, blob)
}

type lastWriteWins struct{}

func (lastWriteWins) Name() string { return StrategyLastWriteWins }

func (lastWriteWins) Resolve(_ context.Context, versions []*entry.Entry) (*entry.Entry, error) {
	winner := versions[0]
	for _, v := range versions[1:] {
		if entry.Compare(v, winner) > 0 {
			winner = v
		}
	}
	return winner, nil
}

type mergeStrategy struct {
	fn MergeFunc
}

func (mergeStrategy) Name() string { return StrategyMerge }

func (m mergeStrategy) Resolve(_ context.Context, versions []*entry.Entry) (*entry.Entry, error) {
	if m.fn == nil {
		return nil, fmt.Errorf("%w: merge strategy selected without a merge function", constants.ErrValidation)
	}
	merged, err := m.fn(versions)
	if err != nil {
		// A failing merge function is a validation error, not a transient
		// condition: retrying with the same inputs cannot succeed.
		return nil, fmt.Errorf("%w: merge function: %v", constants.ErrValidation, err)
	}
	return merged, nil
}

type manualStrategy struct{}

func (manualStrategy) Name() string { return StrategyManual }

func (manualStrategy) Resolve(context.Context, []*entry.Entry) (*entry.Entry, error) {
	return nil, constants.ErrConflictUnresolved
}
