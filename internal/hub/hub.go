// Package hub serves the device and dashboard websocket channels and the
// device REST endpoints.
package hub

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/fleethub/internal/broadcast"
	"github.com/HerbHall/fleethub/internal/fleet"
	"github.com/HerbHall/fleethub/internal/metrics"
	"github.com/HerbHall/fleethub/internal/router"
	"github.com/HerbHall/fleethub/internal/transport"
	"github.com/HerbHall/fleethub/pkg/plugin"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin         = (*Module)(nil)
	_ plugin.HTTPProvider   = (*Module)(nil)
	_ plugin.StreamProvider = (*Module)(nil)
	_ plugin.CountReporter  = (*Module)(nil)
	_ plugin.Validator      = (*Module)(nil)
)

// Config holds the hub settings.
type Config struct {
	DeviceQueueSize    int           `mapstructure:"device_queue_size"`
	DashboardQueueSize int           `mapstructure:"dashboard_queue_size"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	PingInterval       time.Duration `mapstructure:"ping_interval"`
	DeviceReadLimit    int64         `mapstructure:"device_read_limit"`
	DashboardReadLimit int64         `mapstructure:"dashboard_read_limit"`
	// AllowedOrigins are host patterns accepted in the Origin header of
	// browser clients. Clients that send no Origin are always accepted.
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	TelemetryFields []string `mapstructure:"telemetry_fields"`
}

// DefaultConfig returns the hub defaults.
func DefaultConfig() Config {
	return Config{
		DeviceQueueSize:    64,
		DashboardQueueSize: 256,
		WriteTimeout:       10 * time.Second,
		PingInterval:       30 * time.Second,
		DeviceReadLimit:    4 << 20,
		DashboardReadLimit: 64 << 10,
		AllowedOrigins:     []string{"*"},
		TelemetryFields:    slices.Clone(router.DefaultTelemetryFields),
	}
}

// Module owns the websocket endpoints, the dashboard broadcast bus and the
// protocol router.
type Module struct {
	logger   *zap.Logger
	cfg      Config
	registry *fleet.Registry
	events   plugin.EventBus
	sessions router.SessionVerifier
	metrics  *metrics.Metrics

	router    *router.Router
	dashboard *broadcast.Bus
	forwarder *broadcast.Forwarder

	closing atomic.Bool
	mu      sync.Mutex
	conns   map[*transport.Conn]struct{}
}

// New creates the hub module. sessions and m may be nil.
func New(registry *fleet.Registry, events plugin.EventBus, sessions router.SessionVerifier, m *metrics.Metrics) *Module {
	return &Module{
		registry: registry,
		events:   events,
		sessions: sessions,
		metrics:  m,
		conns:    make(map[*transport.Conn]struct{}),
	}
}

func (m *Module) Name() string    { return "hub" }
func (m *Module) Version() string { return "0.1.0" }

func (m *Module) Init(config plugin.Config, logger *zap.Logger) error {
	m.logger = logger
	m.cfg = DefaultConfig()
	if err := config.Unmarshal(&m.cfg); err != nil {
		return err
	}
	if err := m.ValidateConfig(); err != nil {
		return err
	}

	m.router = router.New(m.registry, m.events, logger.Named("router"), router.Options{
		TelemetryFields: m.cfg.TelemetryFields,
		Sessions:        m.sessions,
	})
	m.dashboard = broadcast.NewBus(logger.Named("broadcast"))
	m.forwarder = broadcast.NewForwarder(m.events, m.dashboard, logger.Named("broadcast"))

	m.registerGauges()
	m.logger.Info("hub module initialized",
		zap.Int("device_queue_size", m.cfg.DeviceQueueSize),
		zap.Int("dashboard_queue_size", m.cfg.DashboardQueueSize),
		zap.Duration("ping_interval", m.cfg.PingInterval),
	)
	return nil
}

// ValidateConfig implements plugin.Validator.
func (m *Module) ValidateConfig() error {
	switch {
	case m.cfg.DeviceQueueSize <= 0:
		return errors.New("hub: device_queue_size must be positive")
	case m.cfg.DashboardQueueSize <= 0:
		return errors.New("hub: dashboard_queue_size must be positive")
	case m.cfg.WriteTimeout <= 0:
		return errors.New("hub: write_timeout must be positive")
	case m.cfg.DeviceReadLimit <= 0 || m.cfg.DashboardReadLimit <= 0:
		return errors.New("hub: read limits must be positive")
	}
	return nil
}

func (m *Module) Start(_ context.Context) error {
	m.forwarder.Start()
	m.logger.Info("hub module started")
	return nil
}

// Stop refuses new connections, closes every open one letting queued
// frames flush, and waits for the writers to finish or ctx to expire.
func (m *Module) Stop(ctx context.Context) error {
	m.closing.Store(true)
	m.forwarder.Stop()

	m.mu.Lock()
	conns := make([]*transport.Conn, 0, len(m.conns))
	for c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.Shutdown()
	}
	for _, c := range conns {
		if err := c.Wait(ctx); err != nil {
			m.logger.Warn("connections still open at shutdown deadline", zap.Error(err))
			break
		}
	}
	m.logger.Info("hub module stopped", zap.Int("closed_connections", len(conns)))
	return nil
}

// Counts implements plugin.CountReporter.
func (m *Module) Counts() map[string]int {
	known, online := m.registry.Counts()
	dashboards := 0
	if m.dashboard != nil {
		dashboards = m.dashboard.Count()
	}
	return map[string]int{
		"devices_known":     known,
		"devices_connected": online,
		"dashboards":        dashboards,
	}
}

func (m *Module) registerGauges() {
	gauges := []struct {
		name, help string
		fn         func() float64
	}{
		{"devices_known", "Devices seen since startup.", func() float64 {
			known, _ := m.registry.Counts()
			return float64(known)
		}},
		{"devices_connected", "Devices with a live connection.", func() float64 {
			_, online := m.registry.Counts()
			return float64(online)
		}},
		{"dashboards_connected", "Attached dashboards.", func() float64 {
			return float64(m.dashboard.Count())
		}},
	}
	for _, g := range gauges {
		if err := m.metrics.Gauge(g.name, g.help, g.fn); err != nil {
			m.logger.Warn("register gauge failed", zap.String("gauge", g.name), zap.Error(err))
		}
	}
}

func (m *Module) track(c *transport.Conn) {
	m.mu.Lock()
	m.conns[c] = struct{}{}
	m.mu.Unlock()
}

func (m *Module) untrack(c *transport.Conn) {
	m.mu.Lock()
	delete(m.conns, c)
	m.mu.Unlock()
}
