// Package entry defines the versioned unit of remote data handled by the
// synchronization layer.
//
// An Entry is immutable once created; a remote update produces a new
// VersionHash. Content is carried as a tagged variant rather than a bare
// any so that payloads can be validated against a registered Go type at the
// boundary instead of duck-typed at use sites.
package entry

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/localmesh/localsync/pkg/constants"
)

type Entry struct {
	Identity    string        `cbor:"identity" json:"identity"`
	VersionHash string        `cbor:"version_hash" json:"versionHash"`
	Type        string        `cbor:"type" json:"type"`
	Content     TaggedContent `cbor:"content" json:"content"`
	CreatedAt   time.Time     `cbor:"created_at" json:"createdAt"`
	// UpdatedAt is zero for entries that were never updated after creation.
	UpdatedAt time.Time `cbor:"updated_at,omitempty" json:"updatedAt,omitempty"`
}

// TaggedContent pairs an entry-type tag with the raw encoded payload.
type TaggedContent struct {
	Type string          `cbor:"type" json:"type"`
	Raw  cbor.RawMessage `cbor:"raw" json:"raw"`
}

// NewTaggedContent encodes v under the given entry-type tag.
func NewTaggedContent(entryType string, v any) (TaggedContent, error) {
	raw, err := cbor.Marshal(v)
	if err != nil {
		return TaggedContent{}, fmt.Errorf("%w: encoding %s content: %v", constants.ErrValidation, entryType, err)
	}
	return TaggedContent{Type: entryType, Raw: raw}, nil
}

// Decode unmarshals the payload into dst.
func (tc TaggedContent) Decode(dst any) error {
	if err := cbor.Unmarshal(tc.Raw, dst); err != nil {
		return fmt.Errorf("%w: decoding %s content: %v", constants.ErrValidation, tc.Type, err)
	}
	return nil
}

// Validate checks the structural invariants every Entry must satisfy before
// it enters the cache or the conflict history.
func (e *Entry) Validate() error {
	var missing []string
	if e.Identity == "" {
		missing = append(missing, "identity")
	}
	if e.VersionHash == "" {
		missing = append(missing, "version hash")
	}
	if e.Type == "" {
		missing = append(missing, "type")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: entry missing %s", constants.ErrValidation, strings.Join(missing, ", "))
	}
	if e.Content.Type != "" && e.Content.Type != e.Type {
		return fmt.Errorf("%w: content tagged %q inside %q entry", constants.ErrValidation, e.Content.Type, e.Type)
	}
	return nil
}

// effectiveTime is the instant used for version ordering.
func (e *Entry) effectiveTime() time.Time {
	if !e.UpdatedAt.IsZero() {
		return e.UpdatedAt
	}
	return e.CreatedAt
}

// Compare establishes the total order used by last-write-wins resolution:
// by update time, ties broken by the lexicographically greater version hash.
// Returns -1 if a orders before b, 1 if after, 0 only for identical versions.
func Compare(a, b *Entry) int {
	at, bt := a.effectiveTime(), b.effectiveTime()
	switch {
	case at.Before(bt):
		return -1
	case at.After(bt):
		return 1
	}
	return strings.Compare(a.VersionHash, b.VersionHash)
}

// Registry maps entry types to the Go types their content must decode into.
type Registry struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

func NewRegistry() *Registry {
	return &Registry{types: make(map[string]reflect.Type)}
}

// Register associates an entry type with the prototype's concrete type.
func (r *Registry) Register(entryType string, prototype any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := reflect.TypeOf(prototype)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	r.types[entryType] = t
}

// Validate checks structure and, when the entry type is registered, that the
// content decodes into the registered type. Unregistered types pass with
// structural checks only.
func (r *Registry) Validate(e *Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}

	r.mu.RLock()
	t, ok := r.types[e.Type]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	dst := reflect.New(t).Interface()
	return e.Content.Decode(dst)
}
