package sqlstore

import (
	"context"
	"fmt"
)

// LoadSettings returns every row of the settings table.
func (s *Store) LoadSettings(ctx context.Context) (map[string]string, error) {
	rows, err := query(ctx, s.db, s.builder.Select("key", "data").From("settings"))
	if err != nil {
		return nil, fmt.Errorf("sqlstore: load settings: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var key, data string
		if err := rows.Scan(&key, &data); err != nil {
			return nil, fmt.Errorf("sqlstore: load settings: %w", err)
		}
		out[key] = data
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: load settings: %w", err)
	}
	return out, nil
}

// PutSetting writes a single setting.
func (s *Store) PutSetting(ctx context.Context, key, data string) error {
	_, err := exec(ctx, s.db, s.builder.Insert("settings").
		Columns("key", "data").
		Values(key, data).
		Suffix("ON CONFLICT (key) DO UPDATE SET data = excluded.data"))
	if err != nil {
		return fmt.Errorf("sqlstore: put setting %s: %w", key, err)
	}
	return nil
}
