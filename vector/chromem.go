package vector

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/loomhq/loom/agent"
)

// ChromemStore implements agent.VectorStore on chromem-go, an embedded
// pure-Go vector database. It keeps everything in process, which is enough
// for single-node deployments and for tests; swap in a served backend behind
// the same interface for scale.
type ChromemStore struct {
	mu          sync.Mutex
	db          *chromem.DB
	embedder    Embedder
	collections map[string]*chromem.Collection
}

// NewChromemStore creates an in-memory store. When path is non-empty the
// database persists to disk (gzip compressed) and reloads on restart.
func NewChromemStore(path string, embedder Embedder) (*ChromemStore, error) {
	var db *chromem.DB
	var err error
	if path != "" {
		db, err = chromem.NewPersistentDB(path, true)
		if err != nil {
			return nil, fmt.Errorf("open vector db: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}
	return &ChromemStore{
		db:          db,
		embedder:    embedder,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

func (s *ChromemStore) collection(name string) (*chromem.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[name]; ok {
		return col, nil
	}
	col, err := s.db.GetOrCreateCollection(name, nil, s.embedFunc())
	if err != nil {
		return nil, fmt.Errorf("get collection %q: %w", name, err)
	}
	s.collections[name] = col
	return col, nil
}

// embedFunc bridges the injected embedder into chromem. Without an embedder
// only precomputed vectors are accepted.
func (s *ChromemStore) embedFunc() chromem.EmbeddingFunc {
	if s.embedder == nil {
		return func(_ context.Context, _ string) ([]float32, error) {
			return nil, fmt.Errorf("no embedder configured and no precomputed embedding supplied")
		}
	}
	return func(ctx context.Context, text string) ([]float32, error) {
		return s.embedder.Encode(ctx, text)
	}
}

// Upsert implements agent.VectorStore. Items without an embedding are
// encoded through the configured embedder.
func (s *ChromemStore) Upsert(ctx context.Context, collection string, items []agent.VectorItem) error {
	col, err := s.collection(collection)
	if err != nil {
		return err
	}
	docs := make([]chromem.Document, len(items))
	for i, it := range items {
		docs[i] = chromem.Document{
			ID:        it.ID,
			Content:   it.Text,
			Metadata:  it.Metadata,
			Embedding: it.Embedding,
		}
	}
	if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("upsert into %q: %w", collection, err)
	}
	return nil
}

// Query implements agent.VectorStore.
func (s *ChromemStore) Query(ctx context.Context, collection string, text string, k int) ([]agent.VectorMatch, error) {
	col, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	if n := col.Count(); k > n {
		k = n
	}
	if k == 0 {
		return nil, nil
	}
	results, err := col.Query(ctx, text, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", collection, err)
	}
	out := make([]agent.VectorMatch, len(results))
	for i, r := range results {
		out[i] = agent.VectorMatch{
			ID:       r.ID,
			Text:     r.Content,
			Score:    r.Similarity,
			Metadata: r.Metadata,
		}
	}
	return out, nil
}

var _ agent.VectorStore = (*ChromemStore)(nil)
