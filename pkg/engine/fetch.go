package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/jonboulle/clockwork"

	"github.com/localmesh/localsync/pkg/cache"
	"github.com/localmesh/localsync/pkg/constants"
	"github.com/localmesh/localsync/pkg/entry"
)

func decodeRestored(raw cbor.RawMessage, dst *entry.Entry) error {
	return cbor.Unmarshal(raw, dst)
}

// batchState accumulates same-type tasks inside one coalescing window.
type batchState struct {
	tasks []*task
	timer clockwork.Timer
}

// dispatch hands an in-flight task to the fetch path, batching it when a
// bulk method is configured.
func (e *Engine) dispatch(t *task) {
	if e.bulkMethod == "" {
		go e.runFetch(t)
		return
	}

	e.mu.Lock()
	b, ok := e.batches[t.key.EntryType]
	if !ok {
		b = &batchState{}
		e.batches[t.key.EntryType] = b
		entryType := t.key.EntryType
		b.timer = e.clock.AfterFunc(e.batchWindow, func() {
			e.flushBatch(entryType)
		})
	}
	b.tasks = append(b.tasks, t)
	// A full batch is taken under the same lock as the append that filled
	// it, so no bulk call ever exceeds the batch size and concurrent
	// dispatches start a fresh window.
	var full []*task
	if len(b.tasks) >= e.batchSize {
		delete(e.batches, t.key.EntryType)
		b.timer.Stop()
		full = b.tasks
	}
	e.mu.Unlock()

	if full != nil {
		e.flushTasks(t.key.EntryType, full)
	}
}

// flushBatch issues one bulk call for everything gathered in the window.
func (e *Engine) flushBatch(entryType string) {
	e.mu.Lock()
	b, ok := e.batches[entryType]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.batches, entryType)
	b.timer.Stop()
	tasks := b.tasks
	e.mu.Unlock()

	e.flushTasks(entryType, tasks)
}

func (e *Engine) flushTasks(entryType string, tasks []*task) {
	if len(tasks) == 0 {
		return
	}
	if len(tasks) == 1 {
		go e.runFetch(tasks[0])
		return
	}
	go e.runBulkFetch(entryType, tasks)
}

func (e *Engine) runBulkFetch(entryType string, tasks []*task) {
	identities := make([]string, len(tasks))
	for i, t := range tasks {
		identities[i] = t.key.Identity
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.callTimeout)
	defer cancel()

	var heads map[string][]*entry.Entry
	err := e.gw.Call(ctx, &heads, e.bulkMethod, entryType, identities)
	if err != nil {
		// The bulk path has no per-identity failure granularity; fall back
		// to individual fetches, which carry the retry policy.
		e.logger.Warn("bulk fetch failed, falling back to individual fetches",
			"entry_type", entryType, "count", len(tasks), "error", err)
		for _, t := range tasks {
			go e.runFetch(t)
		}
		return
	}

	for _, t := range tasks {
		versions := heads[t.key.Identity]
		out := e.settle(t, versions, nil)
		if out.Err != nil && !errors.Is(out.Err, constants.ErrConflictUnresolved) {
			out.Err = &SyncError{Kind: errorKind(out.Err), Err: out.Err}
		}
		e.finish(t, out)
	}
}

// runFetch drives one task through fetch attempts and the retry policy
// until a terminal status.
func (e *Engine) runFetch(t *task) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.initialDelay
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0 // retries are bounded by count, not wall time
	bo.Reset()

	for attempt := 0; ; attempt++ {
		out := e.fetchOnce(t)
		if out.Err == nil || !retryable(out.Err) || attempt >= e.maxRetries {
			if out.Err != nil && !errors.Is(out.Err, constants.ErrConflictUnresolved) {
				out.Err = &SyncError{Kind: errorKind(out.Err), Retries: attempt, Err: out.Err}
			}
			e.finish(t, out)
			return
		}

		e.mu.Lock()
		t.retries = attempt + 1
		closed := e.closed
		e.mu.Unlock()
		if closed {
			e.finish(t, Outcome{Err: constants.ErrEngineClosed})
			return
		}

		wait := bo.NextBackOff()
		e.logger.Debug("retrying fetch", "identity", t.key.Identity, "attempt", attempt+1, "backoff", wait)
		e.clock.Sleep(wait)
	}
}

// fetchOnce performs one remote call and post-processing round.
func (e *Engine) fetchOnce(t *task) Outcome {
	ctx, cancel := context.WithTimeout(context.Background(), e.callTimeout)
	defer cancel()

	var versions []*entry.Entry
	err := e.gw.Call(ctx, &versions, e.fetchMethod, t.key.EntryType, t.key.Identity)
	return e.settle(t, versions, err)
}

// settle turns the raw fetch result into the task outcome: validation,
// conflict detection and resolution, cache write-back.
func (e *Engine) settle(t *task, versions []*entry.Entry, callErr error) Outcome {
	if callErr != nil {
		return Outcome{Err: callErr}
	}
	if len(versions) == 0 {
		return Outcome{Err: fmt.Errorf("%w: no versions returned for %s/%s",
			constants.ErrValidation, t.key.EntryType, t.key.Identity)}
	}

	for _, v := range versions {
		if e.registry != nil {
			if err := e.registry.Validate(v); err != nil {
				return Outcome{Err: err}
			}
		} else if err := v.Validate(); err != nil {
			return Outcome{Err: err}
		}
	}

	resolved := versions[0]
	if len(versions) > 1 {
		hashes := make([]string, len(versions))
		for i, v := range versions {
			hashes[i] = v.VersionHash
		}
		if _, conflicted := e.resolver.DetectConflicts(t.key.Identity, hashes); conflicted {
			ctx, cancel := context.WithTimeout(context.Background(), e.callTimeout)
			defer cancel()
			var err error
			resolved, err = e.resolver.ResolveConflict(ctx, t.key.Identity, versions, "")
			if err != nil {
				return Outcome{Err: err}
			}
		}
	}

	opts := []cache.SetOption{cache.WithTTL(e.cacheTTL)}
	if t.priority {
		opts = append(opts, cache.WithPriority(cache.PriorityHigh))
	}
	if e.persist {
		opts = append(opts, cache.WithPersistent())
	}
	e.cache.Set(t.key.cacheKey(), resolved, opts...)

	e.mu.Lock()
	e.known.Add(t.key, struct{}{})
	e.mu.Unlock()

	return Outcome{Entry: resolved}
}

// finish moves a task to its terminal status and notifies every waiter and
// listener with the identical outcome.
func (e *Engine) finish(t *task, out Outcome) {
	e.mu.Lock()
	if out.Err == nil {
		t.status = TaskCompleted
	} else {
		t.status = TaskFailed
	}
	delete(e.tasks, t.key)
	waiters := t.waiters
	t.waiters = nil
	listeners := make([]func(Result), len(e.listeners))
	copy(listeners, e.listeners)
	retries := t.retries
	e.mu.Unlock()

	for _, w := range waiters {
		w <- out
	}

	res := Result{
		EntryType: t.key.EntryType,
		Identity:  t.key.Identity,
		Entry:     out.Entry,
		Err:       out.Err,
		Retries:   retries,
	}
	for _, cb := range listeners {
		cb(res)
	}
}

// retryable reports whether the retry policy applies to err.
func retryable(err error) bool {
	if errors.Is(err, constants.ErrTransient) || errors.Is(err, constants.ErrTimeout) {
		return true
	}
	if errors.Is(err, constants.ErrNotConnected) {
		return true
	}
	return false
}

// errorKind maps an error onto the taxonomy for SyncError reporting.
func errorKind(err error) error {
	switch {
	case errors.Is(err, constants.ErrTimeout):
		return constants.ErrTimeout
	case errors.Is(err, constants.ErrTransient), errors.Is(err, constants.ErrNotConnected):
		return constants.ErrTransient
	case errors.Is(err, constants.ErrValidation):
		return constants.ErrValidation
	default:
		return constants.ErrValidation
	}
}

type refreshLoop struct {
	stop    chan struct{}
	stopped chan struct{}
}

// startRefreshLocked launches the eager refresh loop; caller holds e.mu.
func (e *Engine) startRefreshLocked() {
	if e.refresh != nil {
		return
	}
	loop := &refreshLoop{stop: make(chan struct{}), stopped: make(chan struct{})}
	e.refresh = loop

	go func() {
		defer close(loop.stopped)
		ticker := e.clock.NewTicker(e.refreshEvery)
		defer ticker.Stop()
		for {
			select {
			case <-loop.stop:
				return
			case <-ticker.Chan():
				e.refreshPriorityEntries()
			}
		}
	}()
}

// stopRefreshLocked stops the loop; caller holds e.mu.
func (e *Engine) stopRefreshLocked() {
	if e.refresh == nil {
		return
	}
	close(e.refresh.stop)
	e.refresh = nil
}

// refreshPriorityEntries re-fetches every known identity of a priority
// type, reusing the dedup machinery so concurrent demand piggybacks.
func (e *Engine) refreshPriorityEntries() {
	e.mu.Lock()
	var keys []taskKey
	for _, key := range e.known.Keys() {
		if e.isPriorityType(key.EntryType) {
			keys = append(keys, key)
		}
	}
	e.mu.Unlock()

	for _, key := range keys {
		if _, err := e.enqueue(key, nil); err != nil {
			return
		}
	}
}
