package knowledge

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/philippgille/chromem-go"
)

// Document is one embedded chunk ready for the vector store.
type Document struct {
	ID        string
	Content   string
	Embedding []float32
	Metadata  map[string]string
}

// Match is a vector store hit; Similarity is cosine similarity in [-1, 1].
type Match struct {
	ID         string
	Content    string
	Metadata   map[string]string
	Similarity float32
}

// VectorStore is the persistence contract for embedded chunks.
type VectorStore interface {
	Upsert(ctx context.Context, collection string, docs []Document) error
	Query(ctx context.Context, collection string, embedding []float32, topK int) ([]Match, error)
	Count(collection string) int
	DeleteCollection(ctx context.Context, collection string) error
}

// ChromemStore is the embedded reference store: pure Go, in memory, with
// optional gob persistence to a file.
type ChromemStore struct {
	mu          sync.Mutex
	db          *chromem.DB
	collections map[string]*chromem.Collection
}

func NewChromemStore(persistPath string, compress bool) (*ChromemStore, error) {
	var db *chromem.DB
	var err error
	if persistPath != "" {
		db, err = chromem.NewPersistentDB(persistPath, compress)
		if err != nil {
			return nil, fmt.Errorf("failed to open vector database at %s: %w", persistPath, err)
		}
	} else {
		db = chromem.NewDB()
	}
	return &ChromemStore{
		db:          db,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

// collection returns the named collection, creating it on first use. The
// embedding func is a tripwire: vectors are always precomputed.
func (s *ChromemStore) collection(name string) (*chromem.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if col, ok := s.collections[name]; ok {
		return col, nil
	}
	col, err := s.db.GetOrCreateCollection(name, nil, func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("vectors must be precomputed")
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create collection %q: %w", name, err)
	}
	s.collections[name] = col
	return col, nil
}

func (s *ChromemStore) Upsert(ctx context.Context, collection string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	col, err := s.collection(collection)
	if err != nil {
		return err
	}

	converted := make([]chromem.Document, len(docs))
	for i, d := range docs {
		converted[i] = chromem.Document{
			ID:        d.ID,
			Content:   d.Content,
			Embedding: d.Embedding,
			Metadata:  d.Metadata,
		}
	}
	if err := col.AddDocuments(ctx, converted, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to upsert into %q: %w", collection, err)
	}
	return nil
}

func (s *ChromemStore) Query(ctx context.Context, collection string, embedding []float32, topK int) ([]Match, error) {
	col, err := s.collection(collection)
	if err != nil {
		return nil, err
	}

	// chromem rejects queries asking for more results than stored documents
	if count := col.Count(); topK > count {
		topK = count
	}
	if topK <= 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, embedding, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query on %q failed: %w", collection, err)
	}

	matches := make([]Match, len(results))
	for i, r := range results {
		matches[i] = Match{
			ID:         r.ID,
			Content:    r.Content,
			Metadata:   r.Metadata,
			Similarity: r.Similarity,
		}
	}
	return matches, nil
}

func (s *ChromemStore) Count(collection string) int {
	s.mu.Lock()
	col, ok := s.collections[collection]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	return col.Count()
}

func (s *ChromemStore) DeleteCollection(ctx context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.DeleteCollection(collection); err != nil {
		return fmt.Errorf("failed to delete collection %q: %w", collection, err)
	}
	delete(s.collections, collection)
	return nil
}

var _ VectorStore = (*ChromemStore)(nil)
