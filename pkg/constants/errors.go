package constants

import "errors"

// Error taxonomy shared across the synchronization layer.
//
// ErrTransient and ErrTimeout are retried per the engine's retry policy.
// ErrValidation fails a task immediately. ErrConflictUnresolved is a pending
// state, not a failure. ErrStorageAdapter never reaches in-memory callers.
var (
	ErrTransient          = errors.New("transient network error")
	ErrTimeout            = errors.New("timeout")
	ErrValidation         = errors.New("validation error")
	ErrConflictUnresolved = errors.New("conflict unresolved")
	ErrStorageAdapter     = errors.New("storage adapter error")
)

var (
	ErrIDInUse         = errors.New("id already in use")
	ErrNoBaseURL       = errors.New("base url not set")
	ErrNoGateway       = errors.New("gateway is not set")
	ErrNotConnected    = errors.New("gateway is not connected")
	ErrOffline         = errors.New("offline mode enabled")
	ErrEngineClosed    = errors.New("sync engine closed")
	ErrUnknownStrategy = errors.New("unknown strategy")
)
