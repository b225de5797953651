package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/fleethub/pkg/plugin"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin        = (*Module)(nil)
	_ plugin.HTTPProvider  = (*Module)(nil)
	_ plugin.CountReporter = (*Module)(nil)
)

// Config holds the session module settings.
type Config struct {
	// TokenSecret signs session tokens. Empty means a random per-process
	// secret.
	TokenSecret string `mapstructure:"token_secret"`
	// TokenGrace extends token expiry past the session duration.
	TokenGrace time.Duration `mapstructure:"token_grace"`
}

// DefaultConfig returns the session module defaults.
func DefaultConfig() Config {
	return Config{TokenGrace: 5 * time.Minute}
}

// Module exposes the session orchestrator as a hub module.
type Module struct {
	logger *zap.Logger
	cfg    Config
	sender Sender
	events plugin.EventBus
	now    func() time.Time
	orch   *Orchestrator
}

// New creates the session module. Sessions reach devices through sender.
func New(sender Sender, events plugin.EventBus) *Module {
	return &Module{sender: sender, events: events}
}

func (m *Module) Name() string    { return "session" }
func (m *Module) Version() string { return "0.1.0" }

func (m *Module) Init(config plugin.Config, logger *zap.Logger) error {
	m.logger = logger
	m.cfg = DefaultConfig()
	if err := config.Unmarshal(&m.cfg); err != nil {
		return err
	}
	if m.cfg.TokenSecret == "" {
		m.logger.Warn("no session token secret configured; tokens will not survive a restart")
	}

	tokens, err := NewTokenIssuer([]byte(m.cfg.TokenSecret), m.cfg.TokenGrace, m.now)
	if err != nil {
		return err
	}
	m.orch = NewOrchestrator(m.sender, m.events, tokens, m.now, logger)
	m.logger.Info("session module initialized", zap.Duration("token_grace", m.cfg.TokenGrace))
	return nil
}

func (m *Module) Start(_ context.Context) error {
	m.logger.Info("session module started")
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	m.logger.Info("session module stopped")
	return nil
}

// SessionFor lets the protocol router tag sensor frames with sessions.
func (m *Module) SessionFor(token, deviceID string) (string, bool) {
	if m.orch == nil {
		return "", false
	}
	return m.orch.SessionFor(token, deviceID)
}

// Counts implements plugin.CountReporter.
func (m *Module) Counts() map[string]int {
	if m.orch == nil {
		return nil
	}
	total, active := m.orch.Counts()
	return map[string]int{"sessions": total, "active_sessions": active}
}
