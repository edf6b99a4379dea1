package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/nidhogg/mnemo/internal/memory"
)

const memoryColumns = `id, content, owner_id, conversation_id, owner_type,
	COALESCE(embedding_id, 0), strength, initial_strength, decay_rate,
	access_count, reinforcement_count, last_accessed, created_at,
	COALESCE(sector_id, ''), COALESCE(tier_override, ''), metadata`

func scanMemory(row pgx.Row) (memory.Memory, error) {
	var m memory.Memory
	var metaJSON []byte
	err := row.Scan(
		&m.ID, &m.Content, &m.OwnerID, &m.ConversationID, &m.OwnerType,
		&m.EmbeddingID, &m.Strength, &m.InitialStrength, &m.DecayRate,
		&m.AccessCount, &m.ReinforcementCount, &m.LastAccessed, &m.CreatedAt,
		&m.SectorID, &m.TierOverride, &metaJSON,
	)
	if err != nil {
		return memory.Memory{}, err
	}
	if err := decodeJSON("memory metadata", metaJSON, &m.Metadata); err != nil {
		return memory.Memory{}, fmt.Errorf("memory %s: %w", m.ID, err)
	}
	return m, nil
}

func collectMemories(rows pgx.Rows) ([]memory.Memory, error) {
	defer rows.Close()
	var out []memory.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// CreateMemoryWithSector persists a new memory in one transaction: the
// sector is found or created by id and its count bumped, then the memory,
// its decay schedule and its vector row are inserted. The returned memory
// carries the sector id.
func (s *Store) CreateMemoryWithSector(ctx context.Context, m memory.Memory, sec memory.Sector, vec []float32) (memory.Memory, error) {
	if err := m.Validate(); err != nil {
		return memory.Memory{}, err
	}
	if err := sec.Validate(); err != nil {
		return memory.Memory{}, err
	}
	topics, err := jsonArray(sec.Topics)
	if err != nil {
		return memory.Memory{}, err
	}
	secMeta, err := jsonObject(sec.Metadata)
	if err != nil {
		return memory.Memory{}, err
	}
	meta, err := jsonObject(m.Metadata)
	if err != nil {
		return memory.Memory{}, err
	}

	err = s.inTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO sectors (id, name, parent_id, decay_multiplier, memory_count, topics, last_accessed, created_at, metadata)
			VALUES ($1, $2, $3, $4, 1, $5, $6, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				memory_count = sectors.memory_count + 1,
				last_accessed = EXCLUDED.last_accessed,
				topics = (
					SELECT COALESCE(jsonb_agg(DISTINCT t), '[]'::jsonb)
					FROM jsonb_array_elements_text(sectors.topics || EXCLUDED.topics) AS t
				)
			RETURNING id`,
			sec.ID, sec.Name, nullable(sec.ParentID), sec.DecayMultiplier,
			topics, m.CreatedAt, secMeta,
		).Scan(&m.SectorID)
		if err != nil {
			return fmt.Errorf("upsert sector %s: %w", sec.ID, err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO memories (id, content, owner_id, conversation_id, owner_type, embedding_id,
				strength, initial_strength, decay_rate, access_count, reinforcement_count,
				last_accessed, created_at, sector_id, tier_override, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
			m.ID, m.Content, m.OwnerID, m.ConversationID, string(m.OwnerType), m.EmbeddingID,
			m.Strength, m.InitialStrength, m.DecayRate, m.AccessCount, m.ReinforcementCount,
			m.LastAccessed, m.CreatedAt, m.SectorID, nullable(string(m.TierOverride)), meta,
		)
		if err != nil {
			return fmt.Errorf("insert memory %s: %w", m.ID, err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO decay_schedule (memory_id, last_decay_at, next_decay_at, decay_interval_hours, is_active)
			VALUES ($1, $2, $3, $4, TRUE)`,
			m.ID, m.CreatedAt, m.CreatedAt.Add(memory.DefaultIntervalHours*time.Hour), memory.DefaultIntervalHours,
		)
		if err != nil {
			return fmt.Errorf("insert decay schedule %s: %w", m.ID, err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO vector_index (memory_id, label, dimension, embedding, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $5)`,
			m.ID, m.EmbeddingID, len(vec), pgvector.NewVector(vec), m.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert vector %s: %w", m.ID, err)
		}
		return nil
	})
	if err != nil {
		return memory.Memory{}, err
	}
	return m, nil
}

// GetMemory returns nil, nil when the memory does not exist.
func (s *Store) GetMemory(ctx context.Context, id string) (*memory.Memory, error) {
	m, err := scanMemory(s.db.QueryRow(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get memory %s: %w", id, err)
	}
	return &m, nil
}

// GetMemories returns the memories with the given ids, ordered by id.
// Missing ids are skipped.
func (s *Store) GetMemories(ctx context.Context, ids []string) ([]memory.Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, fmt.Errorf("get memories: %w", err)
	}
	return collectMemories(rows)
}

// GetMemoriesByLabels resolves index labels to memories.
func (s *Store) GetMemoriesByLabels(ctx context.Context, labels []int64) (map[int64]memory.Memory, error) {
	if len(labels) == 0 {
		return map[int64]memory.Memory{}, nil
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE embedding_id = ANY($1)`, labels)
	if err != nil {
		return nil, fmt.Errorf("get memories by labels: %w", err)
	}
	list, err := collectMemories(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]memory.Memory, len(list))
	for _, m := range list {
		out[m.EmbeddingID] = m
	}
	return out, nil
}

// PreviousInConversation returns the most recent other memory of m's owner
// and conversation created no later than m, or nil.
func (s *Store) PreviousInConversation(ctx context.Context, m memory.Memory) (*memory.Memory, error) {
	prev, err := scanMemory(s.db.QueryRow(ctx, `
		SELECT `+memoryColumns+` FROM memories
		WHERE owner_id = $1 AND conversation_id = $2 AND id <> $3 AND created_at <= $4
		ORDER BY created_at DESC, id DESC
		LIMIT 1`,
		m.OwnerID, m.ConversationID, m.ID, m.CreatedAt))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("previous memory of %s: %w", m.ID, err)
	}
	return &prev, nil
}

// ScanMemories pages through all memories by id. Pass the last id of the
// previous page as after.
func (s *Store) ScanMemories(ctx context.Context, after string, limit int) ([]memory.Memory, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id > $1 ORDER BY id LIMIT $2`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("scan memories: %w", err)
	}
	return collectMemories(rows)
}

// CountMemories returns the number of stored memories.
func (s *Store) CountMemories(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM memories`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return n, nil
}

// ApplyAccess locks the memory row, lets fn compute the new snapshot and
// writes its strength, counters and lastAccessed together with an access
// log row. It returns memory.ErrNotFound for a missing id.
func (s *Store) ApplyAccess(ctx context.Context, id string, accessType memory.AccessType, queryContext string, fn func(memory.Memory) memory.Memory) (memory.Memory, error) {
	var updated memory.Memory
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		cur, err := scanMemory(tx.QueryRow(ctx,
			`SELECT `+memoryColumns+` FROM memories WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("memory %s: %w", id, memory.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock memory %s: %w", id, err)
		}

		updated = fn(cur)
		if err := updated.Validate(); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE memories SET strength = $2, access_count = $3, reinforcement_count = $4, last_accessed = $5
			WHERE id = $1`,
			id, updated.Strength, updated.AccessCount, updated.ReinforcementCount, updated.LastAccessed)
		if err != nil {
			return fmt.Errorf("update memory %s: %w", id, err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO memory_access_log (memory_id, access_type, query_context, strength_before, strength_after, accessed_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			id, string(accessType), nullable(queryContext), cur.Strength, updated.Strength, updated.LastAccessed)
		if err != nil {
			return fmt.Errorf("log access %s: %w", id, err)
		}

		if cur.SectorID != "" {
			if _, err := tx.Exec(ctx,
				`UPDATE sectors SET last_accessed = $2 WHERE id = $1`, cur.SectorID, updated.LastAccessed); err != nil {
				return fmt.Errorf("touch sector %s: %w", cur.SectorID, err)
			}
		}
		return nil
	})
	if err != nil {
		return memory.Memory{}, err
	}
	return updated, nil
}

// AccessLog returns the most recent access rows of a memory, newest first.
func (s *Store) AccessLog(ctx context.Context, id string, limit int) ([]memory.AccessLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT memory_id, access_type, COALESCE(query_context, ''),
		       COALESCE(strength_before, 0), COALESCE(strength_after, 0), accessed_at
		FROM memory_access_log WHERE memory_id = $1
		ORDER BY accessed_at DESC, id DESC
		LIMIT $2`, id, limit)
	if err != nil {
		return nil, fmt.Errorf("access log %s: %w", id, err)
	}
	defer rows.Close()

	var out []memory.AccessLog
	for rows.Next() {
		var l memory.AccessLog
		if err := rows.Scan(&l.MemoryID, &l.AccessType, &l.QueryContext,
			&l.StrengthBefore, &l.StrengthAfter, &l.AccessedAt); err != nil {
			return nil, fmt.Errorf("scan access log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// UpdateStrengths writes cached strengths in one statement and returns the
// number of rows changed.
func (s *Store) UpdateStrengths(ctx context.Context, strengths map[string]float64) (int64, error) {
	if len(strengths) == 0 {
		return 0, nil
	}
	ids := make([]string, 0, len(strengths))
	vals := make([]float64, 0, len(strengths))
	for id, v := range strengths {
		ids = append(ids, id)
		vals = append(vals, v)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE memories m SET strength = u.strength
		FROM unnest($1::text[], $2::float8[]) AS u(id, strength)
		WHERE m.id = u.id`, ids, vals)
	if err != nil {
		return 0, fmt.Errorf("update strengths: %w", err)
	}
	return tag.RowsAffected(), nil
}
