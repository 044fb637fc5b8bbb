package storage

import (
	"context"
	"sync"
	"time"

	"github.com/localmesh/localsync/pkg/logger"
)

const defaultQueueDepth = 256

// opKind enumerates queued adapter operations.
type opKind int

const (
	opSet opKind = iota
	opDelete
	opFlush
)

type op struct {
	kind  opKind
	key   string
	value []byte
	done  chan struct{}
}

// Queue serializes writes to a shared adapter on one worker goroutine.
// A single consumer makes per-key ordering trivial: a delete for key K
// enqueued after a write to K can never apply before it.
//
// Adapter errors are logged and dropped; callers never block on or observe
// persistence failures.
type Queue struct {
	adapter   Adapter
	logger    logger.Logger
	ops       chan op
	closed    chan struct{}
	closeOnce sync.Once
	stopped   chan struct{}
}

func NewQueue(adapter Adapter, log logger.Logger) *Queue {
	if log == nil {
		log = logger.Nop()
	}
	q := &Queue{
		adapter: adapter,
		logger:  log,
		ops:     make(chan op, defaultQueueDepth),
		closed:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go q.run()
	return q
}

// Set schedules a write. It never blocks longer than it takes the worker to
// drain one slot of a full queue.
func (q *Queue) Set(key string, value []byte) {
	q.enqueue(op{kind: opSet, key: key, value: value})
}

// Delete schedules a removal.
func (q *Queue) Delete(key string) {
	q.enqueue(op{kind: opDelete, key: key})
}

func (q *Queue) enqueue(o op) {
	select {
	case <-q.closed:
		q.logger.Warn("storage queue closed, dropping operation", "key", o.key)
	case q.ops <- o:
	}
}

// Flush blocks until every operation enqueued before the call has been
// applied, or ctx is done.
func (q *Queue) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case <-q.closed:
		return nil
	case q.ops <- op{kind: opFlush, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains outstanding operations and stops the worker. It is safe to
// call more than once.
func (q *Queue) Close(ctx context.Context) error {
	if err := q.Flush(ctx); err != nil {
		return err
	}
	q.closeOnce.Do(func() { close(q.closed) })
	select {
	case <-q.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) run() {
	defer close(q.stopped)
	for {
		select {
		case <-q.closed:
			// Drain whatever is still buffered before exiting.
			for {
				select {
				case o := <-q.ops:
					q.apply(o)
				default:
					return
				}
			}
		case o := <-q.ops:
			q.apply(o)
		}
	}
}

func (q *Queue) apply(o op) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch o.kind {
	case opSet:
		if err := q.adapter.Set(ctx, o.key, o.value); err != nil {
			q.logger.Error("storage adapter set failed", "key", o.key, "error", err)
		}
	case opDelete:
		if err := q.adapter.Delete(ctx, o.key); err != nil {
			q.logger.Error("storage adapter delete failed", "key", o.key, "error", err)
		}
	case opFlush:
		close(o.done)
	}
}
