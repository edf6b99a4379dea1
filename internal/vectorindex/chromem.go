package vectorindex

import (
	"context"
	"fmt"
	"strconv"

	chromem "github.com/philippgille/chromem-go"
)

// ChromemBackend keeps vectors in an in-process chromem-go collection. Its
// contents do not survive a restart; the Manager rebuilds it via Restore.
type ChromemBackend struct {
	db  *chromem.DB
	col *chromem.Collection
}

// OpenChromem returns an OpenFunc that creates a fresh collection.
func OpenChromem(collection string) OpenFunc {
	return func(_ context.Context, _, _ int) (Backend, error) {
		return NewChromemBackend(collection)
	}
}

// NewChromemBackend creates an empty in-memory collection.
func NewChromemBackend(collection string) (*ChromemBackend, error) {
	db := chromem.NewDB()
	// Vectors are always supplied by the caller, so no embedding func.
	col, err := db.CreateCollection(collection, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection %s: %w", collection, err)
	}
	return &ChromemBackend{db: db, col: col}, nil
}

func labelID(label int64) string {
	return strconv.FormatInt(label, 10)
}

// Add upserts one vector.
func (b *ChromemBackend) Add(ctx context.Context, label int64, vec []float32) error {
	id := labelID(label)
	// chromem normalizes embeddings in place; keep the caller's slice intact.
	emb := make([]float32, len(vec))
	copy(emb, vec)
	return b.col.AddDocument(ctx, chromem.Document{
		ID:        id,
		Content:   id,
		Embedding: emb,
	})
}

// Search returns the k most similar vectors. chromem rejects k above the
// collection size, so k is clamped.
func (b *ChromemBackend) Search(ctx context.Context, vec []float32, k int) ([]Neighbor, error) {
	k = min(k, b.col.Count())
	if k <= 0 {
		return nil, nil
	}
	q := make([]float32, len(vec))
	copy(q, vec)
	results, err := b.col.QueryEmbedding(ctx, q, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}
	out := make([]Neighbor, 0, len(results))
	for _, r := range results {
		label, err := strconv.ParseInt(r.ID, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, Neighbor{Label: label, Distance: 1 - float64(r.Similarity)})
	}
	return out, nil
}

// Delete removes vectors by label.
func (b *ChromemBackend) Delete(ctx context.Context, labels ...int64) error {
	if len(labels) == 0 {
		return nil
	}
	ids := make([]string, len(labels))
	for i, l := range labels {
		ids[i] = labelID(l)
	}
	return b.col.Delete(ctx, nil, nil, ids...)
}

// Len returns the number of stored vectors.
func (b *ChromemBackend) Len() int {
	return b.col.Count()
}
