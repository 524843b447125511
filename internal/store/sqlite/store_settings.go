package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/cat4igp/cat4igp/internal/domain"
)

// ListSettings returns every stored setting.
func (s *Store) ListSettings(ctx context.Context) ([]domain.Setting, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, key, value, created_at, updated_at
FROM settings
ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Setting
	for rows.Next() {
		var st domain.Setting
		if err := rows.Scan(&st.ID, &st.Key, &st.Value, &st.CreatedAt, &st.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// GetSetting returns one setting or [domain.ErrSettingNotFound].
func (s *Store) GetSetting(ctx context.Context, key string) (domain.Setting, error) {
	var st domain.Setting
	err := s.db.QueryRowContext(ctx, `
SELECT id, key, value, created_at, updated_at
FROM settings
WHERE key = ?`, key).Scan(&st.ID, &st.Key, &st.Value, &st.CreatedAt, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Setting{}, domain.ErrSettingNotFound
	}
	return st, err
}

// SetSetting creates the setting on first write and updates it thereafter.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO settings(key, value, created_at, updated_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`, key, value, now, now)
	return err
}

// SetSettingIfAbsent writes the setting only when it does not exist yet and
// returns the stored value either way.
func (s *Store) SetSettingIfAbsent(ctx context.Context, key, value string) (string, error) {
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO settings(key, value, created_at, updated_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(key) DO NOTHING`, key, value, now, now); err != nil {
		return "", err
	}
	st, err := s.GetSetting(ctx, key)
	if err != nil {
		return "", err
	}
	return st.Value, nil
}
