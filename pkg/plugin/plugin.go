// Package plugin defines the contracts shared by FleetHub modules and the
// server that hosts them.
package plugin

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Route represents an HTTP route exposed by a module.
type Route struct {
	Method  string
	Path    string
	Handler http.HandlerFunc
}

// Plugin defines the interface that all FleetHub modules must implement.
type Plugin interface {
	// Name returns the module's unique identifier (e.g., "hub", "session").
	Name() string

	// Version returns the module's semantic version.
	Version() string

	// Init initializes the module with its configuration section and logger.
	Init(config Config, logger *zap.Logger) error

	// Start begins the module's background operations.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the module.
	Stop(ctx context.Context) error
}

// Config is a read-only view over a configuration section.
type Config interface {
	GetString(key string) string
	GetInt(key string) int
	GetBool(key string) bool
	GetFloat64(key string) float64
	GetDuration(key string) time.Duration
	GetStringSlice(key string) []string
	IsSet(key string) bool
	Sub(key string) Config
	Unmarshal(target any) error
}

// Event is a message published on the in-process event bus.
type Event struct {
	Topic     string
	Source    string
	Timestamp time.Time
	Payload   any
}

// EventHandler receives events from the bus.
type EventHandler func(ctx context.Context, event Event)

// EventBus is the in-process publish/subscribe channel between modules.
type EventBus interface {
	Publish(ctx context.Context, event Event) error
	PublishAsync(ctx context.Context, event Event)
	Subscribe(topic string, handler EventHandler) (unsubscribe func())
	SubscribeAll(handler EventHandler) (unsubscribe func())
}

// Migration is a versioned schema change applied by the store.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}
