package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/mnemo/internal/memory"
)

const scheduleColumns = `memory_id, last_decay_at, next_decay_at, decay_interval_hours, is_active`

func scanSchedule(row pgx.Row) (memory.DecaySchedule, error) {
	var d memory.DecaySchedule
	err := row.Scan(&d.MemoryID, &d.LastDecayAt, &d.NextDecayAt, &d.DecayIntervalHours, &d.IsActive)
	return d, err
}

// GetSchedule returns nil, nil when the memory has no schedule.
func (s *Store) GetSchedule(ctx context.Context, memoryID string) (*memory.DecaySchedule, error) {
	d, err := scanSchedule(s.db.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM decay_schedule WHERE memory_id = $1`, memoryID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule %s: %w", memoryID, err)
	}
	return &d, nil
}

// SaveReview stores a rescheduled review and the adjusted decay rate of the
// memory together.
func (s *Store) SaveReview(ctx context.Context, d memory.DecaySchedule, rate float64) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE decay_schedule
			SET last_decay_at = $2, next_decay_at = $3, decay_interval_hours = $4, is_active = $5
			WHERE memory_id = $1`,
			d.MemoryID, d.LastDecayAt, d.NextDecayAt, d.DecayIntervalHours, d.IsActive)
		if err != nil {
			return fmt.Errorf("update schedule %s: %w", d.MemoryID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("schedule %s: %w", d.MemoryID, memory.ErrNotFound)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE memories SET decay_rate = $2 WHERE id = $1`, d.MemoryID, rate); err != nil {
			return fmt.Errorf("update decay rate %s: %w", d.MemoryID, err)
		}
		return nil
	})
}

// DueSchedules returns active schedules whose next decay is at or before now.
func (s *Store) DueSchedules(ctx context.Context, now time.Time, limit int) ([]memory.DecaySchedule, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+scheduleColumns+` FROM decay_schedule
		WHERE is_active AND next_decay_at <= $1
		ORDER BY next_decay_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("due schedules: %w", err)
	}
	defer rows.Close()

	var out []memory.DecaySchedule
	for rows.Next() {
		d, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// MarkSwept records a decay pass over ids and pushes their next pass out by
// each schedule's interval.
func (s *Store) MarkSwept(ctx context.Context, ids []string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		UPDATE decay_schedule
		SET last_decay_at = $2, next_decay_at = $2 + make_interval(hours => decay_interval_hours)
		WHERE memory_id = ANY($1)`, ids, now)
	if err != nil {
		return fmt.Errorf("mark swept: %w", err)
	}
	return nil
}

// DeactivateSchedules stops decay passes for archived memories.
func (s *Store) DeactivateSchedules(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE decay_schedule SET is_active = FALSE WHERE memory_id = ANY($1) AND is_active`, ids)
	if err != nil {
		return 0, fmt.Errorf("deactivate schedules: %w", err)
	}
	return tag.RowsAffected(), nil
}
