package engine

import (
	"errors"
	"fmt"

	"github.com/localmesh/localsync/pkg/entry"
)

type TaskStatus int

const (
	TaskPending TaskStatus = iota
	TaskInFlight
	TaskCompleted
	TaskFailed
)

func (s TaskStatus) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskInFlight:
		return "in-flight"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

type taskKey struct {
	EntryType string
	Identity  string
}

func (k taskKey) cacheKey() string { return k.EntryType + "/" + k.Identity }

// task tracks one logical fetch. All waiters for the same key attach to one
// task and resolve to the identical outcome.
type task struct {
	key      taskKey
	status   TaskStatus
	priority bool
	seq      uint64
	retries  int
	waiters  []chan Outcome
}

// Outcome is what every waiter of a task receives.
type Outcome struct {
	Entry *entry.Entry
	Err   error
}

// Result is delivered to OnSyncComplete listeners for every terminal task.
type Result struct {
	EntryType string
	Identity  string
	Entry     *entry.Entry
	Err       error
	Retries   int
}

// SyncError is the typed terminal failure of a sync task: the failure kind
// from the constants taxonomy plus how many retries were attempted.
type SyncError struct {
	Kind    error
	Retries int
	Err     error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync failed (%v after %d retries): %v", e.Kind, e.Retries, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

func (e *SyncError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}
