package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"
)

const factsCollection = "facts"

// ChromemFactStore keeps facts in an embedded chromem-go collection with
// optional gob persistence. Good enough for a single-process deployment;
// anything distributed belongs behind a different FactStore.
type ChromemFactStore struct {
	db          *chromem.DB
	col         *chromem.Collection
	persistPath string
}

// NewChromemFactStore creates a fact store. With persistPath set, the
// collection is loaded from and saved to that file. embeddingFunc decides
// how queries and documents are vectorized.
func NewChromemFactStore(persistPath string, embeddingFunc chromem.EmbeddingFunc) (*ChromemFactStore, error) {
	if embeddingFunc == nil {
		return nil, fmt.Errorf("embedding function is required")
	}

	var db *chromem.DB
	var err error
	if persistPath != "" {
		db, err = chromem.NewPersistentDB(persistPath, false)
		if err != nil {
			return nil, fmt.Errorf("failed to open fact database: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	col, err := db.GetOrCreateCollection(factsCollection, nil, embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("failed to create facts collection: %w", err)
	}

	return &ChromemFactStore{db: db, col: col, persistPath: persistPath}, nil
}

func (s *ChromemFactStore) Add(ctx context.Context, fact Fact) error {
	if fact.Content == "" {
		return fmt.Errorf("fact content is required")
	}
	if fact.ID == "" {
		fact.ID = uuid.NewString()
	}
	if fact.CreatedAt.IsZero() {
		fact.CreatedAt = time.Now().UTC()
	}

	meta := make(map[string]string, len(fact.Meta)+1)
	for k, v := range fact.Meta {
		meta[k] = v
	}
	meta["created_at"] = fact.CreatedAt.Format(time.RFC3339)

	doc := chromem.Document{
		ID:       fact.ID,
		Content:  fact.Content,
		Metadata: meta,
	}
	if err := s.col.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		return fmt.Errorf("failed to store fact: %w", err)
	}
	return nil
}

func (s *ChromemFactStore) Search(ctx context.Context, query string, topK int) ([]Fact, error) {
	if topK <= 0 {
		topK = 5
	}
	count := s.col.Count()
	if count == 0 {
		return nil, nil
	}
	if topK > count {
		topK = count
	}

	results, err := s.col.Query(ctx, query, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("fact search failed: %w", err)
	}

	facts := make([]Fact, 0, len(results))
	for _, r := range results {
		fact := Fact{ID: r.ID, Content: r.Content, Meta: map[string]string{}}
		for k, v := range r.Metadata {
			if k == "created_at" {
				if ts, err := time.Parse(time.RFC3339, v); err == nil {
					fact.CreatedAt = ts
					continue
				}
			}
			fact.Meta[k] = v
		}
		facts = append(facts, fact)
	}
	return facts, nil
}

func (s *ChromemFactStore) Close() error {
	return nil
}

var _ FactStore = (*ChromemFactStore)(nil)
