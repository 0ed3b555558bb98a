package vectorstore

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/atlas-hass/atlas/pkg/document"
)

// ChromemStore is an embedded vector store persisted under a directory.
// Collections are loaded from disk on open and queried in memory.
type ChromemStore struct {
	db         *chromem.DB
	collection string
	persistDir string

	mu  sync.RWMutex
	col *chromem.Collection
}

// OpenChromem opens (or creates) the chromem database under persistDir
// and binds the store to collection.
func OpenChromem(persistDir, collection string) (*ChromemStore, error) {
	var db *chromem.DB
	var err error

	if persistDir != "" {
		if mkErr := os.MkdirAll(persistDir, 0o755); mkErr != nil {
			return nil, fmt.Errorf("failed to create persist directory: %w", mkErr)
		}
		// NewPersistentDB loads every collection found under the
		// directory and write-through persists changes.
		db, err = chromem.NewPersistentDB(persistDir, false)
		if err != nil {
			return nil, fmt.Errorf("failed to open chromem database: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	return &ChromemStore{
		db:         db,
		collection: collection,
		persistDir: persistDir,
	}, nil
}

// Vectors arrive pre-computed, so the collection's embedding function
// must never run.
func rejectEmbedding(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("embedding function called but vectors are pre-computed")
}

func (s *ChromemStore) getCollection() (*chromem.Collection, error) {
	s.mu.RLock()
	col := s.col
	s.mu.RUnlock()
	if col != nil {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.col != nil {
		return s.col, nil
	}
	col, err := s.db.GetOrCreateCollection(s.collection, nil, rejectEmbedding)
	if err != nil {
		return nil, fmt.Errorf("failed to open collection %s: %w", s.collection, err)
	}
	s.col = col
	return col, nil
}

// Query runs a cosine-similarity search. Equality filters go to chromem
// natively; range conditions are applied to the returned rows.
func (s *ChromemStore) Query(ctx context.Context, vector []float32, topK int, filter *Filter) ([]Result, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("topK must be positive, got %d", topK)
	}
	col, err := s.getCollection()
	if err != nil {
		return nil, err
	}

	// chromem rejects nResults larger than the collection.
	if count := col.Count(); topK > count {
		topK = count
	}
	if topK == 0 {
		return nil, nil
	}

	var where map[string]string
	if filter != nil && len(filter.Equals) > 0 {
		where = make(map[string]string, len(filter.Equals))
		for k, v := range filter.Equals {
			where[k] = v
		}
	}

	rows, err := col.QueryEmbedding(ctx, vector, topK, where, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query failed: %w", err)
	}

	results := make([]Result, 0, len(rows))
	for _, row := range rows {
		metadata := make(map[string]any, len(row.Metadata))
		for k, v := range row.Metadata {
			metadata[k] = v
		}
		doc := document.Document{ID: row.ID, Text: row.Content, Metadata: metadata}
		if filter != nil && len(filter.Ranges) > 0 {
			rangeOnly := &Filter{Ranges: filter.Ranges}
			if !rangeOnly.Matches(doc) {
				continue
			}
		}
		results = append(results, Result{Document: doc, Score: row.Similarity})
	}
	return results, nil
}

// Add inserts documents with pre-computed vectors. Used by index loaders
// and tests; query traffic never writes.
func (s *ChromemStore) Add(ctx context.Context, docs []document.Document, vectors [][]float32) error {
	if len(docs) != len(vectors) {
		return fmt.Errorf("document/vector count mismatch: %d vs %d", len(docs), len(vectors))
	}
	col, err := s.getCollection()
	if err != nil {
		return err
	}

	rows := make([]chromem.Document, 0, len(docs))
	for i, doc := range docs {
		metadata := make(map[string]string, len(doc.Metadata))
		for k := range doc.Metadata {
			metadata[k] = doc.MetaString(k)
		}
		rows = append(rows, chromem.Document{
			ID:        doc.ID,
			Content:   doc.Text,
			Metadata:  metadata,
			Embedding: vectors[i],
		})
	}
	if err := col.AddDocuments(ctx, rows, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to add documents: %w", err)
	}
	return nil
}

// Count returns the number of documents in the collection.
func (s *ChromemStore) Count() int {
	col, err := s.getCollection()
	if err != nil {
		return 0
	}
	return col.Count()
}

// Backend names the implementation.
func (s *ChromemStore) Backend() string {
	return "chromem"
}

// Close releases the in-memory handle. Persistence happens at write time,
// so there is nothing to flush.
func (s *ChromemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.col = nil
	return nil
}
