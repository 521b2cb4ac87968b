package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CursorStore keeps one opaque cursor value per sensor.
type CursorStore struct {
	db  DB
	now func() time.Time
}

func NewCursorStore(db DB) *CursorStore {
	if db == nil {
		return nil
	}
	return &CursorStore{db: db, now: time.Now}
}

func (s *CursorStore) Load(ctx context.Context, sensor string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, fmt.Errorf("cursor store not initialized")
	}
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT cursor_value FROM sensor_cursors WHERE sensor = $1`, strings.TrimSpace(sensor)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load cursor: %w", err)
	}
	return value, true, nil
}

func (s *CursorStore) Save(ctx context.Context, sensor string, value string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("cursor store not initialized")
	}
	sensor = strings.TrimSpace(sensor)
	if sensor == "" {
		return fmt.Errorf("sensor name is required")
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO sensor_cursors (sensor, cursor_value, updated_at) VALUES ($1,$2,$3)
		 ON CONFLICT (sensor) DO UPDATE SET cursor_value = EXCLUDED.cursor_value, updated_at = EXCLUDED.updated_at`,
		sensor,
		value,
		s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}
