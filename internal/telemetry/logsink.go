package telemetry

import (
	"context"

	"go.uber.org/zap"

	"github.com/HerbHall/fleethub/pkg/models"
)

// Compile-time interface guard.
var _ LogSink = (*ZapLogSink)(nil)

// ZapLogSink writes AI log entries to the service log.
type ZapLogSink struct {
	logger *zap.Logger
}

func NewZapLogSink(logger *zap.Logger) *ZapLogSink {
	return &ZapLogSink{logger: logger}
}

func (s *ZapLogSink) Name() string { return KindLog }

func (s *ZapLogSink) WriteLog(_ context.Context, l models.AILog) error {
	s.logger.Info("device ai log",
		zap.String("device_id", l.DeviceID),
		zap.Time("timestamp", l.Timestamp),
		zap.ByteString("payload", l.Payload),
	)
	return nil
}

func (s *ZapLogSink) Close() error { return nil }
