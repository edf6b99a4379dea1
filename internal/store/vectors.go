package store

import (
	"context"
	"fmt"

	pgvector "github.com/pgvector/pgvector-go"

	"github.com/nidhogg/mnemo/internal/vectorindex"
)

// LoadVectors pages through stored embeddings by label, for rebuilding an
// in-process index. Pass the last label of the previous page as after, or
// -1 to start.
func (s *Store) LoadVectors(ctx context.Context, after int64, limit int) ([]vectorindex.Entry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.Query(ctx, `
		SELECT v.label, v.embedding, m.owner_id, m.conversation_id
		FROM vector_index v JOIN memories m ON m.id = v.memory_id
		WHERE v.label > $1
		ORDER BY v.label
		LIMIT $2`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("load vectors: %w", err)
	}
	defer rows.Close()

	var out []vectorindex.Entry
	for rows.Next() {
		var e vectorindex.Entry
		var vec pgvector.Vector
		if err := rows.Scan(&e.Label, &vec, &e.Owner.OwnerID, &e.Owner.ConversationID); err != nil {
			return nil, fmt.Errorf("scan vector: %w", err)
		}
		e.Vector = vec.Slice()
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetVector returns the stored embedding of a memory, or nil.
func (s *Store) GetVector(ctx context.Context, memoryID string) ([]float32, error) {
	rows, err := s.db.Query(ctx,
		`SELECT embedding FROM vector_index WHERE memory_id = $1`, memoryID)
	if err != nil {
		return nil, fmt.Errorf("get vector %s: %w", memoryID, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var vec pgvector.Vector
	if err := rows.Scan(&vec); err != nil {
		return nil, fmt.Errorf("scan vector %s: %w", memoryID, err)
	}
	return vec.Slice(), nil
}
