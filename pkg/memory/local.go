package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// LocalStore keeps records in memory and scores searches by normalized
// token overlap. With a state path configured, Flush serializes the store
// to a JSON file and New loads it back, so MEMORY-scope state survives a
// process restart without any external backend.
type LocalStore struct {
	mu        sync.Mutex
	records   []Record
	statePath string
	dirty     bool
}

var _ Store = (*LocalStore)(nil)

// LocalOption configures a LocalStore.
type LocalOption func(*LocalStore)

// WithStatePath enables JSON persistence at path.
func WithStatePath(path string) LocalOption {
	return func(s *LocalStore) { s.statePath = path }
}

// NewLocalStore builds a store, loading prior state when a state path is
// configured and the file exists.
func NewLocalStore(opts ...LocalOption) (*LocalStore, error) {
	s := &LocalStore{}
	for _, opt := range opts {
		opt(s)
	}
	if s.statePath != "" {
		if err := s.loadState(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

type persistedState struct {
	Records []Record `json:"records"`
}

func (s *LocalStore) loadState() error {
	data, err := os.ReadFile(s.statePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading memory state file: %w", err)
	}
	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("decoding memory state file %s: %w", s.statePath, err)
	}
	s.records = state.Records
	return nil
}

func (s *LocalStore) Remember(_ context.Context, rec Record) error {
	if rec.Metadata[MetadataProfile] == nil || rec.Metadata[MetadataProfile] == "" {
		return fmt.Errorf("memory: record is missing the profile tag")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	s.dirty = true
	return nil
}

func (s *LocalStore) Search(_ context.Context, query string, topK int, filter map[string]any) ([]Hit, error) {
	queryTerms := termSet(query)

	s.mu.Lock()
	defer s.mu.Unlock()

	var hits []Hit
	for _, rec := range s.records {
		if !matchesFilter(rec.Metadata, filter) {
			continue
		}
		score := overlapScore(queryTerms, rec.Text)
		if score <= 0 {
			continue
		}
		hits = append(hits, Hit{Record: rec, Score: score})
	}

	// Stable keeps insertion order for equal scores.
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (s *LocalStore) Load(_ context.Context, key string, filter map[string]any) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Newest wins: scan backwards.
	for i := len(s.records) - 1; i >= 0; i-- {
		rec := s.records[i]
		if !matchesFilter(rec.Metadata, filter) {
			continue
		}
		if fmt.Sprint(rec.Metadata[MetadataKey]) == key {
			return rec, true, nil
		}
	}
	return Record{}, false, nil
}

// Flush writes the store to the state file. Without a state path it is a
// no-op, as is a flush with no changes since the last one.
func (s *LocalStore) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.statePath == "" || !s.dirty {
		return nil
	}
	data, err := json.MarshalIndent(persistedState{Records: s.records}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding memory state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.statePath), 0o755); err != nil {
		return fmt.Errorf("creating memory state directory: %w", err)
	}
	tmp := s.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing memory state: %w", err)
	}
	if err := os.Rename(tmp, s.statePath); err != nil {
		return fmt.Errorf("replacing memory state: %w", err)
	}
	s.dirty = false
	return nil
}

func (s *LocalStore) Close() error {
	return s.Flush(context.Background())
}

// Count returns the number of stored records.
func (s *LocalStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func matchesFilter(metadata map[string]any, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := metadata[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func termSet(text string) map[string]struct{} {
	terms := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		set[t] = struct{}{}
	}
	return set
}

// overlapScore is |query ∩ record| / |query|, in [0, 1].
func overlapScore(queryTerms map[string]struct{}, text string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	overlap := 0
	for term := range termSet(text) {
		if _, ok := queryTerms[term]; ok {
			overlap++
		}
	}
	return float64(overlap) / float64(len(queryTerms))
}
