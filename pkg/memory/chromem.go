package memory

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"

	"github.com/substratelabs/maestro/pkg/memory/embedder"
)

// DefaultCollection is the chromem collection name used when none is
// configured.
const DefaultCollection = "maestro-memory"

var _ Store = (*ChromemStore)(nil)

// ChromemConfig describes an embedded vector store.
type ChromemConfig struct {
	// Path enables on-disk persistence. Empty keeps the store in memory.
	Path       string `json:"path,omitempty" yaml:"path,omitempty"`
	Collection string `json:"collection,omitempty" yaml:"collection,omitempty"`
	Compress   bool   `json:"compress,omitempty" yaml:"compress,omitempty"`

	// Provider embeds record text. Defaults to the deterministic hashing
	// provider, which needs no network.
	Provider embedder.Provider `json:"-" yaml:"-"`
}

// ChromemStore is the embedded vector backend. Records are embedded via the
// configured provider and searches rank by cosine similarity.
type ChromemStore struct {
	db       *chromem.DB
	col      *chromem.Collection
	provider embedder.Provider
}

// NewChromemStore opens or creates the store described by cfg.
func NewChromemStore(cfg ChromemConfig) (*ChromemStore, error) {
	provider := cfg.Provider
	if provider == nil {
		provider = embedder.NewHashingProvider(0)
	}

	var db *chromem.DB
	var err error
	if cfg.Path != "" {
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("opening persistent vector store: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	name := cfg.Collection
	if name == "" {
		name = DefaultCollection
	}
	embeddingFunc := func(_ context.Context, text string) ([]float32, error) {
		return provider.Embed(text)
	}
	col, err := db.GetOrCreateCollection(name, nil, embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("creating collection %q: %w", name, err)
	}

	return &ChromemStore{db: db, col: col, provider: provider}, nil
}

func (s *ChromemStore) Remember(ctx context.Context, rec Record) error {
	profile := fmt.Sprint(rec.Metadata[MetadataProfile])
	if profile == "" || profile == "<nil>" {
		return fmt.Errorf("memory: record is missing the profile tag")
	}

	vec := rec.Embedding
	if vec == nil {
		var err error
		vec, err = s.provider.Embed(rec.Text)
		if err != nil {
			return fmt.Errorf("embedding record: %w", err)
		}
	}

	// Keyed records use a deterministic ID so rewrites upsert in place and
	// Load can address them directly.
	id := uuid.NewString()
	if key, ok := rec.Metadata[MetadataKey]; ok {
		id = keyDocID(profile, fmt.Sprint(key))
	}

	// chromem metadata is string-typed.
	strMetadata := make(map[string]string, len(rec.Metadata))
	for k, v := range rec.Metadata {
		strMetadata[k] = fmt.Sprint(v)
	}

	doc := chromem.Document{
		ID:        id,
		Content:   rec.Text,
		Metadata:  strMetadata,
		Embedding: vec,
	}
	if err := s.col.AddDocuments(ctx, []chromem.Document{doc}, runtime.NumCPU()); err != nil {
		return fmt.Errorf("storing record: %w", err)
	}
	return nil
}

func (s *ChromemStore) Search(ctx context.Context, query string, topK int, filter map[string]any) ([]Hit, error) {
	if count := s.col.Count(); topK > count {
		topK = count
	}
	if topK == 0 {
		return nil, nil
	}

	vec, err := s.provider.Embed(query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	var where map[string]string
	if len(filter) > 0 {
		where = make(map[string]string, len(filter))
		for k, v := range filter {
			where[k] = fmt.Sprint(v)
		}
	}

	results, err := s.col.QueryEmbedding(ctx, vec, topK, where, nil)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		metadata := make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			metadata[k] = v
		}
		hits = append(hits, Hit{
			Record: Record{Text: r.Content, Metadata: metadata, Embedding: r.Embedding},
			Score:  float64(r.Similarity),
		})
	}
	return hits, nil
}

func (s *ChromemStore) Load(ctx context.Context, key string, filter map[string]any) (Record, bool, error) {
	profile := fmt.Sprint(filter[MetadataProfile])
	doc, err := s.col.GetByID(ctx, keyDocID(profile, key))
	if err != nil {
		// chromem reports a missing ID as an error; Load treats it as absent.
		if strings.Contains(err.Error(), "not found") {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("loading record: %w", err)
	}

	metadata := make(map[string]any, len(doc.Metadata))
	for k, v := range doc.Metadata {
		metadata[k] = v
	}
	return Record{Text: doc.Content, Metadata: metadata, Embedding: doc.Embedding}, true, nil
}

// Flush is a no-op: the persistent form of chromem writes through on every
// add.
func (s *ChromemStore) Flush(_ context.Context) error { return nil }

func (s *ChromemStore) Close() error {
	return s.provider.Close()
}

func keyDocID(profile, key string) string {
	return "key:" + profile + ":" + key
}
