package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/mnemo/internal/memory"
)

const waypointColumns = `id, source_memory_id, target_memory_id, relationship_type, strength, created_at, metadata`

func scanWaypoint(row pgx.Row) (memory.Waypoint, error) {
	var w memory.Waypoint
	var metaJSON []byte
	if err := row.Scan(&w.ID, &w.SourceMemoryID, &w.TargetMemoryID,
		&w.RelationshipType, &w.Strength, &w.CreatedAt, &metaJSON); err != nil {
		return memory.Waypoint{}, err
	}
	if err := decodeJSON("waypoint metadata", metaJSON, &w.Metadata); err != nil {
		return memory.Waypoint{}, fmt.Errorf("waypoint %s: %w", w.ID, err)
	}
	return w, nil
}

// CreateWaypoint inserts w after checking that both endpoints exist. A
// missing endpoint yields memory.ErrNotFound.
func (s *Store) CreateWaypoint(ctx context.Context, w memory.Waypoint) error {
	if err := w.Validate(); err != nil {
		return err
	}
	meta, err := jsonObject(w.Metadata)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var n int
		err := tx.QueryRow(ctx,
			`SELECT count(*) FROM (SELECT id FROM memories WHERE id = ANY($1) FOR SHARE) m`,
			[]string{w.SourceMemoryID, w.TargetMemoryID}).Scan(&n)
		if err != nil {
			return fmt.Errorf("check waypoint endpoints: %w", err)
		}
		if n != 2 {
			return fmt.Errorf("waypoint endpoints %s -> %s: %w", w.SourceMemoryID, w.TargetMemoryID, memory.ErrNotFound)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO waypoints (id, source_memory_id, target_memory_id, relationship_type, strength, created_at, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			w.ID, w.SourceMemoryID, w.TargetMemoryID, string(w.RelationshipType),
			w.Strength, w.CreatedAt, meta)
		if err != nil {
			return fmt.Errorf("insert waypoint %s: %w", w.ID, err)
		}
		return nil
	})
}

// GetWaypoint returns nil, nil when the waypoint does not exist.
func (s *Store) GetWaypoint(ctx context.Context, id string) (*memory.Waypoint, error) {
	w, err := scanWaypoint(s.db.QueryRow(ctx,
		`SELECT `+waypointColumns+` FROM waypoints WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get waypoint %s: %w", id, err)
	}
	return &w, nil
}

// ReinforceWaypoint moves the edge strength toward 1 by alpha of the
// remaining gap.
func (s *Store) ReinforceWaypoint(ctx context.Context, id string, alpha float64) (memory.Waypoint, error) {
	w, err := scanWaypoint(s.db.QueryRow(ctx, `
		UPDATE waypoints SET strength = LEAST(1.0, strength + $2 * (1.0 - strength))
		WHERE id = $1
		RETURNING `+waypointColumns, id, alpha))
	if errors.Is(err, pgx.ErrNoRows) {
		return memory.Waypoint{}, fmt.Errorf("waypoint %s: %w", id, memory.ErrNotFound)
	}
	if err != nil {
		return memory.Waypoint{}, fmt.Errorf("reinforce waypoint %s: %w", id, err)
	}
	return w, nil
}

// WaypointsFor returns every waypoint with an endpoint in ids.
func (s *Store) WaypointsFor(ctx context.Context, ids []string) ([]memory.Waypoint, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+waypointColumns+` FROM waypoints
		WHERE source_memory_id = ANY($1) OR target_memory_id = ANY($1)
		ORDER BY strength DESC, id`, ids)
	if err != nil {
		return nil, fmt.Errorf("waypoints for: %w", err)
	}
	defer rows.Close()

	var out []memory.Waypoint
	for rows.Next() {
		w, err := scanWaypoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan waypoint: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// RelatedAccessCounts sums, per memory in ids, the access counts of the
// memories it shares a waypoint with. Memories without neighbors are absent.
func (s *Store) RelatedAccessCounts(ctx context.Context, ids []string) (map[string]int, error) {
	out := make(map[string]int)
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT e.memory_id, COALESCE(SUM(m.access_count), 0)
		FROM (
			SELECT source_memory_id AS memory_id, target_memory_id AS other
			FROM waypoints WHERE source_memory_id = ANY($1)
			UNION ALL
			SELECT target_memory_id, source_memory_id
			FROM waypoints WHERE target_memory_id = ANY($1)
		) e
		JOIN memories m ON m.id = e.other
		GROUP BY e.memory_id`, ids)
	if err != nil {
		return nil, fmt.Errorf("related access counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scan related access: %w", err)
		}
		out[id] = n
	}
	return out, rows.Err()
}
