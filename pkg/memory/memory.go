// Package memory is the vector memory substrate. Records are written and
// read through profile-scoped handles, so a request running under one
// profile cannot observe another profile's records; the isolation is
// structural, not a convention callers must remember.
//
// Two backends ship with the module: a local in-memory store scored by
// token overlap, with optional JSON persistence, and an embedded vector
// store ranked by cosine similarity.
package memory

import (
	"context"
	"fmt"

	"github.com/substratelabs/maestro/pkg/protocol"
)

// MetadataProfile is the metadata key every record carries.
const MetadataProfile = "profile"

// MetadataKey marks a record addressable by Load.
const MetadataKey = "key"

// DefaultTopK bounds searches that do not ask for a specific depth.
const DefaultTopK = 5

// Record is one stored memory.
type Record struct {
	Text      string         `json:"text"`
	Metadata  map[string]any `json:"metadata"`
	Embedding []float32      `json:"embedding,omitempty"`
}

// Hit is a search result with its relevance score. Higher is more relevant;
// the scale is backend-specific.
type Hit struct {
	Record
	Score float64 `json:"score"`
}

// Store is the backend contract. Implementations filter Search and Load by
// the metadata filter they are given and must be safe for concurrent use.
type Store interface {
	Remember(ctx context.Context, rec Record) error
	Search(ctx context.Context, query string, topK int, filter map[string]any) ([]Hit, error)
	Load(ctx context.Context, key string, filter map[string]any) (Record, bool, error)
	Flush(ctx context.Context) error
	Close() error
}

// Memory wraps a Store and hands out profile-scoped views.
type Memory struct {
	store Store
}

// New wraps a backend store.
func New(store Store) *Memory {
	return &Memory{store: store}
}

// Scope returns the view for one profile. An empty profile maps to the
// default profile.
func (m *Memory) Scope(profile string) *Scope {
	if profile == "" {
		profile = protocol.DefaultProfile
	}
	return &Scope{store: m.store, profile: profile}
}

// Flush persists dirty state on the underlying store.
func (m *Memory) Flush(ctx context.Context) error {
	return m.store.Flush(ctx)
}

// Close releases the underlying store.
func (m *Memory) Close() error {
	return m.store.Close()
}

// Scope is the profile-bound view of memory. All writes are tagged with the
// scope's profile and all reads filter by it.
type Scope struct {
	store   Store
	profile string
}

// Profile returns the profile this scope is bound to.
func (s *Scope) Profile() string { return s.profile }

// Remember stores text with metadata. The scope's profile overrides any
// profile the caller put in metadata.
func (s *Scope) Remember(ctx context.Context, text string, metadata map[string]any) error {
	if text == "" {
		return fmt.Errorf("memory: text must not be empty")
	}
	md := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		md[k] = v
	}
	md[MetadataProfile] = s.profile
	return s.store.Remember(ctx, Record{Text: text, Metadata: md})
}

// Search returns the topK most relevant records written under this scope's
// profile, best first.
func (s *Scope) Search(ctx context.Context, query string, topK int) ([]Hit, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return s.store.Search(ctx, query, topK, map[string]any{MetadataProfile: s.profile})
}

// Load fetches the most recent record stored under the given key within
// this scope's profile.
func (s *Scope) Load(ctx context.Context, key string) (Record, bool, error) {
	if key == "" {
		return Record{}, false, fmt.Errorf("memory: key must not be empty")
	}
	return s.store.Load(ctx, key, map[string]any{MetadataProfile: s.profile})
}

// Flush persists dirty state on the underlying store.
func (s *Scope) Flush(ctx context.Context) error {
	return s.store.Flush(ctx)
}
