package telemetry

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/HerbHall/fleethub/pkg/models"
)

// Compile-time interface guard.
var _ Sink = (*PostgresSink)(nil)

const (
	createReadingsTable = `
		CREATE TABLE IF NOT EXISTS telemetry_readings (
			id          BIGSERIAL PRIMARY KEY,
			device_id   TEXT             NOT NULL,
			recorded_at TIMESTAMPTZ      NOT NULL,
			field       TEXT             NOT NULL,
			value       DOUBLE PRECISION NOT NULL
		)`
	createReadingsIndex = `
		CREATE INDEX IF NOT EXISTS idx_telemetry_device_time
			ON telemetry_readings (device_id, recorded_at)`
	insertReading = `
		INSERT INTO telemetry_readings (device_id, recorded_at, field, value)
		VALUES ($1, $2, $3, $4)`
)

// PostgresSink writes telemetry to PostgreSQL through a pgx pool.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// OpenPostgresSink connects to dsn and ensures the readings table exists.
func OpenPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	for _, stmt := range []string{createReadingsTable, createReadingsIndex} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("create telemetry schema: %w", err)
		}
	}
	return &PostgresSink{pool: pool}, nil
}

func (s *PostgresSink) Name() string { return KindPostgres }

// WriteSample inserts every field of sample in one batch round trip.
func (s *PostgresSink) WriteSample(ctx context.Context, sample models.TelemetrySample) error {
	batch := sampleBatch(sample)
	if batch.Len() == 0 {
		return nil
	}
	results := s.pool.SendBatch(ctx, batch)
	for range batch.Len() {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("insert telemetry for %s: %w", sample.DeviceID, err)
		}
	}
	return results.Close()
}

// sampleBatch queues one insert per field, in field-name order.
func sampleBatch(sample models.TelemetrySample) *pgx.Batch {
	names := make([]string, 0, len(sample.Fields))
	for name := range sample.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	batch := &pgx.Batch{}
	for _, name := range names {
		batch.Queue(insertReading, sample.DeviceID, sample.Timestamp, name, sample.Fields[name])
	}
	return batch
}

// Close closes the pool.
func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}
