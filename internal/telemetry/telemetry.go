package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/fleethub/internal/fleet"
	"github.com/HerbHall/fleethub/internal/metrics"
	"github.com/HerbHall/fleethub/pkg/models"
	"github.com/HerbHall/fleethub/pkg/plugin"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin        = (*Module)(nil)
	_ plugin.Validator     = (*Module)(nil)
	_ plugin.CountReporter = (*Module)(nil)
	_ plugin.HTTPProvider  = (*Module)(nil)
)

// Config holds the telemetry module settings.
type Config struct {
	Sink            string        `mapstructure:"sink"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	PostgresDSN     string        `mapstructure:"postgres_dsn"`
	LogSink         string        `mapstructure:"log_sink"`
	RedisAddr       string        `mapstructure:"redis_addr"`
	RedisStream     string        `mapstructure:"redis_stream"`
	RedisMaxLen     int64         `mapstructure:"redis_max_len"`
	MQTTBroker      string        `mapstructure:"mqtt_broker"`
	MQTTClientID    string        `mapstructure:"mqtt_client_id"`
	MQTTTopicPrefix string        `mapstructure:"mqtt_topic_prefix"`
	Workers         int           `mapstructure:"workers"`
	QueueSize       int           `mapstructure:"queue_size"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// DefaultConfig returns the telemetry defaults.
func DefaultConfig() Config {
	return Config{
		Sink:            KindSQLite,
		SQLitePath:      "fleethub.db",
		LogSink:         KindLog,
		RedisAddr:       "localhost:6379",
		RedisStream:     "fleethub:ai_logs",
		RedisMaxLen:     10000,
		MQTTBroker:      "tcp://localhost:1883",
		MQTTClientID:    "fleethub",
		MQTTTopicPrefix: "fleethub",
		Workers:         4,
		QueueSize:       1024,
		Timeout:         5 * time.Second,
	}
}

// Option customizes a Module.
type Option func(*Module)

// WithSink replaces the configured telemetry sink.
func WithSink(s Sink) Option {
	return func(m *Module) { m.sink = s }
}

// WithLogSink replaces the configured AI log sink.
func WithLogSink(s LogSink) Option {
	return func(m *Module) { m.logSink = s }
}

// Module forwards heartbeat telemetry and AI logs from the event bus to the
// configured sinks.
type Module struct {
	logger  *zap.Logger
	cfg     Config
	events  plugin.EventBus
	metrics *metrics.Metrics

	sink       Sink
	logSink    LogSink
	dispatcher *Dispatcher
	mqtt       *PahoPublisher

	mu       sync.Mutex
	unsubs   []func()
	samples  int
	aiLogs   int
	injected bool
}

// New creates the telemetry module. m may be nil.
func New(events plugin.EventBus, m *metrics.Metrics, opts ...Option) *Module {
	mod := &Module{events: events, metrics: m}
	for _, opt := range opts {
		opt(mod)
	}
	mod.injected = mod.sink != nil || mod.logSink != nil
	return mod
}

func (m *Module) Name() string    { return "telemetry" }
func (m *Module) Version() string { return "0.1.0" }

func (m *Module) Init(config plugin.Config, logger *zap.Logger) error {
	m.logger = logger
	m.cfg = DefaultConfig()
	if err := config.Unmarshal(&m.cfg); err != nil {
		return err
	}
	m.logger.Info("telemetry module initialized",
		zap.String("sink", m.cfg.Sink),
		zap.String("log_sink", m.cfg.LogSink),
		zap.Int("workers", m.cfg.Workers),
	)
	return nil
}

// ValidateConfig implements plugin.Validator.
func (m *Module) ValidateConfig() error {
	switch m.cfg.Sink {
	case KindSQLite, KindPostgres, KindMQTT, KindNone:
	default:
		return fmt.Errorf("telemetry: unknown sink %q", m.cfg.Sink)
	}
	switch m.cfg.LogSink {
	case KindLog, KindRedis, KindMQTT, KindNone:
	default:
		return fmt.Errorf("telemetry: unknown log sink %q", m.cfg.LogSink)
	}
	if m.cfg.Sink == KindPostgres && m.cfg.PostgresDSN == "" {
		return errors.New("telemetry: postgres sink requires postgres_dsn")
	}
	if m.cfg.Workers <= 0 {
		return errors.New("telemetry: workers must be positive")
	}
	if m.cfg.QueueSize <= 0 {
		return errors.New("telemetry: queue_size must be positive")
	}
	return nil
}

// Start opens the sinks and subscribes to fleet events.
func (m *Module) Start(ctx context.Context) error {
	if !m.injected {
		if err := m.openSinks(ctx); err != nil {
			m.closeSinks()
			return err
		}
	}

	m.dispatcher = NewDispatcher(m.cfg.Workers, m.cfg.QueueSize, m.cfg.Timeout, m.logger, m.metrics)
	m.dispatcher.Start()

	m.mu.Lock()
	if m.sink != nil {
		m.unsubs = append(m.unsubs, m.events.Subscribe(fleet.TopicDeviceHeartbeat, m.handleHeartbeat))
	}
	if m.logSink != nil {
		m.unsubs = append(m.unsubs, m.events.Subscribe(fleet.TopicAILog, m.handleAILog))
	}
	m.mu.Unlock()

	m.logger.Info("telemetry module started")
	return nil
}

// Stop unsubscribes, drains queued writes, and closes the sinks.
func (m *Module) Stop(ctx context.Context) error {
	m.mu.Lock()
	for _, unsub := range m.unsubs {
		unsub()
	}
	m.unsubs = nil
	m.mu.Unlock()

	var err error
	if m.dispatcher != nil {
		if derr := m.dispatcher.Stop(ctx); derr != nil {
			m.logger.Warn("telemetry writes still pending at shutdown", zap.Error(derr))
			err = derr
		}
	}
	m.closeSinks()
	m.logger.Info("telemetry module stopped")
	return err
}

// Counts implements plugin.CountReporter.
func (m *Module) Counts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]int{"telemetry_samples": m.samples, "ai_logs": m.aiLogs}
}

func (m *Module) handleHeartbeat(_ context.Context, event plugin.Event) {
	hb, ok := event.Payload.(fleet.HeartbeatEvent)
	if !ok || len(hb.Telemetry) == 0 {
		return
	}
	sample := models.TelemetrySample{
		DeviceID:  hb.Device.ID,
		Timestamp: event.Timestamp,
		Fields:    hb.Telemetry,
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = hb.Device.LastSeen
	}
	sink := m.sink
	if m.dispatcher.Submit(Job{
		Sink: sink.Name(),
		Run:  func(ctx context.Context) error { return sink.WriteSample(ctx, sample) },
	}) {
		m.mu.Lock()
		m.samples++
		m.mu.Unlock()
	}
}

func (m *Module) handleAILog(_ context.Context, event plugin.Event) {
	ev, ok := event.Payload.(fleet.AILogEvent)
	if !ok {
		return
	}
	entry := ev.Log
	sink := m.logSink
	if m.dispatcher.Submit(Job{
		Sink: sink.Name(),
		Run:  func(ctx context.Context) error { return sink.WriteLog(ctx, entry) },
	}) {
		m.mu.Lock()
		m.aiLogs++
		m.mu.Unlock()
	}
}

func (m *Module) openSinks(ctx context.Context) error {
	var err error
	switch m.cfg.Sink {
	case KindSQLite:
		m.sink, err = OpenSQLiteSink(ctx, m.cfg.SQLitePath)
	case KindPostgres:
		m.sink, err = OpenPostgresSink(ctx, m.cfg.PostgresDSN)
	case KindMQTT:
		var pub *PahoPublisher
		if pub, err = m.mqttPublisher(); err == nil {
			m.sink = NewMQTTSink(pub, m.cfg.MQTTTopicPrefix)
		}
	}
	if err != nil {
		return fmt.Errorf("open %s telemetry sink: %w", m.cfg.Sink, err)
	}

	switch m.cfg.LogSink {
	case KindLog:
		m.logSink = NewZapLogSink(m.logger.Named("ai"))
	case KindRedis:
		client, rerr := DialRedis(ctx, m.cfg.RedisAddr)
		if rerr != nil {
			err = rerr
			break
		}
		m.logSink = NewRedisLogSink(client, m.cfg.RedisStream, m.cfg.RedisMaxLen)
	case KindMQTT:
		if shared, ok := m.sink.(*MQTTSink); ok {
			m.logSink = shared
			break
		}
		var pub *PahoPublisher
		if pub, err = m.mqttPublisher(); err == nil {
			m.logSink = NewMQTTSink(pub, m.cfg.MQTTTopicPrefix)
		}
	}
	if err != nil {
		return fmt.Errorf("open %s log sink: %w", m.cfg.LogSink, err)
	}
	return nil
}

// mqttPublisher returns the shared MQTT connection, dialing it once.
func (m *Module) mqttPublisher() (*PahoPublisher, error) {
	if m.mqtt != nil {
		return m.mqtt, nil
	}
	pub, err := DialMQTT(m.cfg.MQTTBroker, m.cfg.MQTTClientID, m.cfg.Timeout)
	if err != nil {
		return nil, err
	}
	m.mqtt = pub
	return pub, nil
}

func (m *Module) closeSinks() {
	closed := make(map[any]bool)
	for _, c := range []interface{ Close() error }{m.sink, m.logSink} {
		if c == nil || closed[c] {
			continue
		}
		closed[c] = true
		if err := c.Close(); err != nil {
			m.logger.Warn("closing sink", zap.Error(err))
		}
	}
}
