package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/mnemo/internal/memory"
)

const sectorColumns = `id, name, COALESCE(parent_id, ''), decay_multiplier, memory_count,
	topics, last_accessed, created_at, metadata`

func scanSector(row pgx.Row) (memory.Sector, error) {
	var sec memory.Sector
	var topicsJSON, metaJSON []byte
	if err := row.Scan(&sec.ID, &sec.Name, &sec.ParentID, &sec.DecayMultiplier, &sec.MemoryCount,
		&topicsJSON, &sec.LastAccessed, &sec.CreatedAt, &metaJSON); err != nil {
		return memory.Sector{}, err
	}
	if err := decodeJSON("sector topics", topicsJSON, &sec.Topics); err != nil {
		return memory.Sector{}, fmt.Errorf("sector %s: %w", sec.ID, err)
	}
	if sec.Topics == nil {
		sec.Topics = []string{}
	}
	if err := decodeJSON("sector metadata", metaJSON, &sec.Metadata); err != nil {
		return memory.Sector{}, fmt.Errorf("sector %s: %w", sec.ID, err)
	}
	return sec, nil
}

// ListSectors returns all sectors, roots first.
func (s *Store) ListSectors(ctx context.Context) ([]memory.Sector, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+sectorColumns+` FROM sectors
		ORDER BY parent_id NULLS FIRST, id`)
	if err != nil {
		return nil, fmt.Errorf("list sectors: %w", err)
	}
	defer rows.Close()

	var out []memory.Sector
	for rows.Next() {
		sec, err := scanSector(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sector: %w", err)
		}
		out = append(out, sec)
	}
	return out, rows.Err()
}

// GetSector returns nil, nil when the sector does not exist.
func (s *Store) GetSector(ctx context.Context, id string) (*memory.Sector, error) {
	sec, err := scanSector(s.db.QueryRow(ctx,
		`SELECT `+sectorColumns+` FROM sectors WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sector %s: %w", id, err)
	}
	return &sec, nil
}

// UpsertSector inserts or updates a sector definition. The parent is
// checked against the current tree so no cycle can be stored.
func (s *Store) UpsertSector(ctx context.Context, sec memory.Sector) error {
	if err := sec.Validate(); err != nil {
		return err
	}
	topics, err := jsonArray(sec.Topics)
	if err != nil {
		return err
	}
	meta, err := jsonObject(sec.Metadata)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if sec.ParentID != "" {
			tree, err := sectorTree(ctx, tx)
			if err != nil {
				return err
			}
			if err := memory.ValidateSectorParent(tree, sec.ID, sec.ParentID); err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO sectors (id, name, parent_id, decay_multiplier, topics, metadata)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				parent_id = EXCLUDED.parent_id,
				decay_multiplier = EXCLUDED.decay_multiplier,
				topics = EXCLUDED.topics,
				metadata = EXCLUDED.metadata`,
			sec.ID, sec.Name, nullable(sec.ParentID), sec.DecayMultiplier,
			topics, meta)
		if err != nil {
			return fmt.Errorf("upsert sector %s: %w", sec.ID, err)
		}
		return nil
	})
}

func sectorTree(ctx context.Context, q querier) (map[string]*memory.Sector, error) {
	rows, err := q.Query(ctx, `SELECT id, COALESCE(parent_id, '') FROM sectors FOR UPDATE`)
	if err != nil {
		return nil, fmt.Errorf("load sector tree: %w", err)
	}
	defer rows.Close()

	tree := make(map[string]*memory.Sector)
	for rows.Next() {
		var sec memory.Sector
		if err := rows.Scan(&sec.ID, &sec.ParentID); err != nil {
			return nil, fmt.Errorf("scan sector tree: %w", err)
		}
		tree[sec.ID] = &sec
	}
	return tree, rows.Err()
}

// RecomputeSectorCounts rebuilds every memory_count from the memories table
// and returns the number of sectors whose count changed.
func (s *Store) RecomputeSectorCounts(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE sectors s SET memory_count = c.n
		FROM (
			SELECT s2.id, count(m.id) AS n
			FROM sectors s2 LEFT JOIN memories m ON m.sector_id = s2.id
			GROUP BY s2.id
		) c
		WHERE s.id = c.id AND s.memory_count <> c.n`)
	if err != nil {
		return 0, fmt.Errorf("recompute sector counts: %w", err)
	}
	return tag.RowsAffected(), nil
}
