// Package telemetry forwards heartbeat telemetry and device AI logs to
// external sinks without blocking connection processing.
package telemetry

import (
	"context"

	"github.com/HerbHall/fleethub/pkg/models"
)

// Sink persists telemetry samples.
type Sink interface {
	Name() string
	WriteSample(ctx context.Context, s models.TelemetrySample) error
	Close() error
}

// LogSink receives device AI log entries.
type LogSink interface {
	Name() string
	WriteLog(ctx context.Context, l models.AILog) error
	Close() error
}

// Sink kinds accepted in configuration.
const (
	KindSQLite   = "sqlite"
	KindPostgres = "postgres"
	KindMQTT     = "mqtt"
	KindRedis    = "redis"
	KindLog      = "log"
	KindNone     = "none"
)
