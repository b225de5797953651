package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/HerbHall/fleethub/internal/store"
	"github.com/HerbHall/fleethub/pkg/models"
	"github.com/HerbHall/fleethub/pkg/plugin"
)

// Compile-time interface guard.
var _ Sink = (*SQLiteSink)(nil)

// SQLiteSink stores one row per telemetry field in the embedded database.
type SQLiteSink struct {
	db    *store.SQLiteStore
	owned bool
}

// OpenSQLiteSink opens (or creates) the database at path and migrates it.
func OpenSQLiteSink(ctx context.Context, path string) (*SQLiteSink, error) {
	db, err := store.New(path)
	if err != nil {
		return nil, err
	}
	s, err := NewSQLiteSink(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewSQLiteSink migrates db and returns a sink writing to it. The caller
// keeps ownership of db.
func NewSQLiteSink(ctx context.Context, db *store.SQLiteStore) (*SQLiteSink, error) {
	if err := db.Migrate(ctx, "telemetry", migrations()); err != nil {
		return nil, fmt.Errorf("migrate telemetry: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

func migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "create telemetry_readings",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE telemetry_readings (
						id          INTEGER PRIMARY KEY AUTOINCREMENT,
						device_id   TEXT     NOT NULL,
						recorded_at DATETIME NOT NULL,
						field       TEXT     NOT NULL,
						value       REAL     NOT NULL
					);
					CREATE INDEX idx_telemetry_device_time
						ON telemetry_readings(device_id, recorded_at);
				`)
				return err
			},
		},
	}
}

func (s *SQLiteSink) Name() string { return KindSQLite }

// WriteSample inserts every field of sample in one transaction.
func (s *SQLiteSink) WriteSample(ctx context.Context, sample models.TelemetrySample) error {
	names := make([]string, 0, len(sample.Fields))
	for name := range sample.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	return s.db.Tx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			"INSERT INTO telemetry_readings (device_id, recorded_at, field, value) VALUES (?, ?, ?, ?)")
		if err != nil {
			return err
		}
		defer stmt.Close()

		ts := sample.Timestamp.UTC().Format(time.RFC3339Nano)
		for _, name := range names {
			if _, err := stmt.ExecContext(ctx, sample.DeviceID, ts, name, sample.Fields[name]); err != nil {
				return fmt.Errorf("insert %s/%s: %w", sample.DeviceID, name, err)
			}
		}
		return nil
	})
}

// Latest returns the most recent value of every field recorded for
// deviceID.
func (s *SQLiteSink) Latest(ctx context.Context, deviceID string) (map[string]float64, error) {
	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT field, value FROM telemetry_readings t
		WHERE device_id = ? AND id = (
			SELECT MAX(id) FROM telemetry_readings
			WHERE device_id = t.device_id AND field = t.field
		)`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("query latest telemetry: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var field string
		var value float64
		if err := rows.Scan(&field, &value); err != nil {
			return nil, err
		}
		out[field] = value
	}
	return out, rows.Err()
}

// Close closes the database if the sink opened it.
func (s *SQLiteSink) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}
