package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/mnemo/internal/memory"
)

// GetSetting returns nil, nil for an unknown key.
func (s *Store) GetSetting(ctx context.Context, key string) (*memory.Setting, error) {
	var st memory.Setting
	err := s.db.QueryRow(ctx,
		`SELECT key, value, value_type FROM system_config WHERE key = $1`, key,
	).Scan(&st.Key, &st.Value, &st.ValueType)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get setting %s: %w", key, err)
	}
	return &st, nil
}

// ListSettings returns every configuration row ordered by key.
func (s *Store) ListSettings(ctx context.Context) ([]memory.Setting, error) {
	rows, err := s.db.Query(ctx,
		`SELECT key, value, value_type FROM system_config ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	var out []memory.Setting
	for rows.Next() {
		var st memory.Setting
		if err := rows.Scan(&st.Key, &st.Value, &st.ValueType); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// PutSettings writes settings in one transaction. Existing keys are only
// changed when overwrite is set, so seeding never clobbers tuned values.
func (s *Store) PutSettings(ctx context.Context, settings []memory.Setting, overwrite bool) error {
	conflict := `ON CONFLICT (key) DO NOTHING`
	if overwrite {
		conflict = `ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value, value_type = EXCLUDED.value_type, updated_at = NOW()`
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		for _, st := range settings {
			vt := st.ValueType
			if vt == "" {
				vt = "string"
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO system_config (key, value, value_type) VALUES ($1, $2, $3) `+conflict,
				st.Key, st.Value, vt); err != nil {
				return fmt.Errorf("put setting %s: %w", st.Key, err)
			}
		}
		return nil
	})
}
