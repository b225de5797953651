package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/HerbHall/fleethub/pkg/models"
)

// Compile-time interface guards.
var (
	_ Sink    = (*MQTTSink)(nil)
	_ LogSink = (*MQTTSink)(nil)
)

// Publisher sends a payload to an MQTT topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

// MQTTSink publishes telemetry samples and AI logs as JSON:
// <prefix>/telemetry/<deviceId> and <prefix>/ai_log/<deviceId>.
type MQTTSink struct {
	pub    Publisher
	prefix string
}

// NewMQTTSink wraps pub. An empty prefix defaults to "fleethub".
func NewMQTTSink(pub Publisher, prefix string) *MQTTSink {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "fleethub"
	}
	return &MQTTSink{pub: pub, prefix: prefix}
}

func (s *MQTTSink) Name() string { return KindMQTT }

func (s *MQTTSink) WriteSample(ctx context.Context, sample models.TelemetrySample) error {
	payload, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("encode telemetry: %w", err)
	}
	return s.pub.Publish(ctx, s.topic("telemetry", sample.DeviceID), payload)
}

func (s *MQTTSink) WriteLog(ctx context.Context, l models.AILog) error {
	payload, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("encode ai log: %w", err)
	}
	return s.pub.Publish(ctx, s.topic("ai_log", l.DeviceID), payload)
}

func (s *MQTTSink) topic(kind, deviceID string) string {
	return s.prefix + "/" + kind + "/" + deviceID
}

func (s *MQTTSink) Close() error { return s.pub.Close() }

// PahoPublisher is a Publisher backed by an Eclipse Paho client.
type PahoPublisher struct {
	client mqtt.Client
	qos    byte
}

// DialMQTT connects to broker with auto-reconnect enabled.
func DialMQTT(broker, clientID string, connectTimeout time.Duration) (*PahoPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(connectTimeout)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("connect to MQTT broker %s: timed out", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to MQTT broker %s: %w", broker, err)
	}
	return &PahoPublisher{client: client, qos: 1}, nil
}

// Publish sends payload and waits for the broker acknowledgement or ctx.
func (p *PahoPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	token := p.client.Publish(topic, p.qos, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Close disconnects, allowing in-flight work 250ms to complete.
func (p *PahoPublisher) Close() error {
	p.client.Disconnect(250)
	return nil
}
