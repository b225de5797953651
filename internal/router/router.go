// Package router dispatches inbound device and dashboard messages.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/fleethub/internal/fleet"
	"github.com/HerbHall/fleethub/internal/protocol"
	"github.com/HerbHall/fleethub/internal/transport"
	"github.com/HerbHall/fleethub/pkg/models"
	"github.com/HerbHall/fleethub/pkg/plugin"
)

// DefaultTelemetryFields are the heartbeat fields forwarded as telemetry
// when none are configured (PZEM-004T readings).
var DefaultTelemetryFields = []string{"voltage", "current", "power", "energy", "frequency", "pf"}

// SessionVerifier resolves a session token presented by a device.
type SessionVerifier interface {
	// SessionFor returns the session the token belongs to when it is valid
	// and names deviceID as a participant.
	SessionFor(token, deviceID string) (sessionID string, ok bool)
}

// Options configures a Router.
type Options struct {
	TelemetryFields []string
	Sessions        SessionVerifier
	Now             func() time.Time
}

// Router applies device and dashboard messages to the registry and
// publishes the resulting events.
type Router struct {
	registry *fleet.Registry
	events   plugin.EventBus
	fields   []string
	sessions SessionVerifier
	now      func() time.Time
	logger   *zap.Logger
}

// New creates a Router.
func New(registry *fleet.Registry, events plugin.EventBus, logger *zap.Logger, opts Options) *Router {
	r := &Router{
		registry: registry,
		events:   events,
		fields:   opts.TelemetryFields,
		sessions: opts.Sessions,
		now:      opts.Now,
		logger:   logger,
	}
	if len(r.fields) == 0 {
		r.fields = DefaultTelemetryFields
	}
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	return r
}

// DeviceConn is the router's state for one device connection. It is owned
// by that connection's read loop and must not be shared.
type DeviceConn struct {
	Out      transport.Outbound
	RemoteIP string

	current string
	ids     []string
}

// NewDeviceConn returns the state for a freshly accepted device connection.
func NewDeviceConn(out transport.Outbound, remoteIP string) *DeviceConn {
	return &DeviceConn{Out: out, RemoteIP: remoteIP}
}

// DeviceID returns the most recently registered ID, or "".
func (c *DeviceConn) DeviceID() string { return c.current }

// Registered reports whether id was registered on this connection.
func (c *DeviceConn) Registered(id string) bool {
	return slices.Contains(c.ids, id)
}

func (c *DeviceConn) remember(id string) {
	c.current = id
	if !c.Registered(id) {
		c.ids = append(c.ids, id)
	}
}

// resolve picks the device a message speaks for: an explicit deviceId must
// have been registered on this connection, otherwise the current one.
func (c *DeviceConn) resolve(env protocol.Envelope) (string, bool) {
	if id := env.String("deviceId"); id != "" {
		return id, c.Registered(id)
	}
	return c.current, c.current != ""
}

// HandleDevice processes one frame received on a device connection.
// Malformed and unexpected messages are logged and dropped; the
// connection stays open.
func (r *Router) HandleDevice(ctx context.Context, c *DeviceConn, f transport.Frame) {
	if f.Binary {
		r.handleBinary(ctx, c, f.Data)
		return
	}

	env, err := protocol.Decode(f.Data)
	if err != nil {
		r.logger.Warn("malformed device message",
			zap.String("device_id", c.current),
			zap.String("remote_addr", c.RemoteIP),
			zap.Error(err),
		)
		return
	}

	if env.Type == protocol.KindRegister {
		r.register(ctx, c, env)
		return
	}

	id, ok := c.resolve(env)
	if !ok {
		r.logger.Debug("message from unregistered device ignored",
			zap.String("type", env.Type),
			zap.String("device_id", env.String("deviceId")),
			zap.String("remote_addr", c.RemoteIP),
		)
		return
	}

	switch env.Type {
	case protocol.KindHeartbeat:
		r.heartbeat(ctx, id, env)
	case protocol.KindSensorFrame:
		r.sensorFrame(ctx, id, env)
	case protocol.KindAILog:
		r.publish(ctx, fleet.TopicAILog, fleet.AILogEvent{Log: models.AILog{
			DeviceID:  id,
			Timestamp: r.now(),
			Payload:   env.WithDeviceID(id),
		}})
	case protocol.KindConfigUpdateAck, protocol.KindSessionStartAck,
		protocol.KindSessionStopAck, protocol.KindCommandAck:
		r.logger.Info("device acknowledged",
			zap.String("device_id", id),
			zap.String("type", env.Type),
			zap.String("session_id", env.String("sessionId")),
			zap.String("command_id", env.String("commandId")),
		)
	default:
		r.logger.Debug("unsupported device message",
			zap.String("device_id", id),
			zap.String("type", env.Type),
		)
	}
}

func (r *Router) register(ctx context.Context, c *DeviceConn, env protocol.Envelope) {
	id, meta := env.Register()
	dev := r.registry.Upsert(id, meta, c.Out, c.RemoteIP)
	c.remember(dev.ID)

	r.logger.Info("device registered",
		zap.String("device_id", dev.ID),
		zap.String("name", dev.Name),
		zap.String("firmware", dev.FirmwareVersion),
		zap.String("remote_addr", c.RemoteIP),
	)
	r.publish(ctx, fleet.TopicDeviceRegistered, fleet.DeviceEvent{Device: dev})

	ack, err := transport.JSON(protocol.NewRegistrationAck(dev.ID, r.now()))
	if err == nil {
		err = c.Out.Enqueue(ack)
	}
	if err != nil {
		r.logger.Warn("registration ack failed", zap.String("device_id", dev.ID), zap.Error(err))
	}
}

func (r *Router) heartbeat(ctx context.Context, id string, env protocol.Envelope) {
	dev, ok := r.registry.TouchHeartbeat(id, r.now())
	if !ok {
		return
	}
	r.publish(ctx, fleet.TopicDeviceHeartbeat, fleet.HeartbeatEvent{
		Device:    dev,
		Telemetry: env.Telemetry(r.fields),
	})
}

func (r *Router) sensorFrame(ctx context.Context, id string, env protocol.Envelope) {
	ev := fleet.FrameEvent{DeviceID: id, Frame: env.WithDeviceID(id, "sessionToken")}
	if token := env.String("sessionToken"); token != "" && r.sessions != nil {
		if sid, ok := r.sessions.SessionFor(token, id); ok {
			ev.SessionID = sid
		} else {
			r.logger.Debug("sensor frame carried an invalid session token", zap.String("device_id", id))
		}
	}
	r.publish(ctx, fleet.TopicSensorFrame, ev)
}

func (r *Router) handleBinary(ctx context.Context, c *DeviceConn, data []byte) {
	if c.current == "" {
		r.logger.Debug("binary frame from unregistered device ignored",
			zap.String("remote_addr", c.RemoteIP),
			zap.Int("bytes", len(data)),
		)
		return
	}
	r.publish(ctx, fleet.TopicSensorFrame, fleet.FrameEvent{
		DeviceID: c.current,
		Data:     slices.Clone(data),
	})
}

// DeviceClosed marks every device registered on c offline, unless a newer
// connection has taken the device over, and publishes the transitions.
func (r *Router) DeviceClosed(ctx context.Context, c *DeviceConn) {
	for _, id := range c.ids {
		dev, changed := r.registry.MarkOffline(id, c.Out)
		if !changed {
			continue
		}
		r.logger.Info("device offline", zap.String("device_id", id))
		r.publish(ctx, fleet.TopicDeviceOffline, fleet.DeviceEvent{Device: dev})
	}
}

// HandleDashboard processes one frame received on a dashboard connection.
// Replies go to out.
func (r *Router) HandleDashboard(ctx context.Context, out transport.Outbound, f transport.Frame) {
	if f.Binary {
		r.reply(out, protocol.NewError(protocol.ReasonUnsupportedType, "", ""))
		return
	}
	env, err := protocol.Decode(f.Data)
	if err != nil {
		r.logger.Debug("malformed dashboard message", zap.Error(err))
		r.reply(out, protocol.NewError(protocol.ReasonInvalidMessage, "", ""))
		return
	}

	switch env.Type {
	case protocol.KindBinaryCmd:
		cmd := env.BinaryCommand()
		payload := protocol.DecodeHex(cmd.PayloadHex)
		r.forward(out, env.Type, cmd.Target, transport.Binary(payload))

	case protocol.KindRelay:
		relay := env.Relay()
		if len(relay.Message) == 0 {
			r.reply(out, protocol.NewError(protocol.ReasonInvalidMessage, relay.Target, env.Type))
			return
		}
		r.forward(out, env.Type, relay.Target, transport.Text(relayText(relay.Message)))

	default:
		r.reply(out, protocol.NewError(protocol.ReasonUnsupportedType, "", env.Type))
	}
}

func (r *Router) forward(out transport.Outbound, kind, target string, f transport.Frame) {
	err := r.registry.Send(target, f)
	if err == nil {
		return
	}
	if !errors.Is(err, fleet.ErrDeviceNotFound) && !errors.Is(err, fleet.ErrDeviceOffline) {
		r.logger.Warn("dashboard forward failed",
			zap.String("type", kind),
			zap.String("device_id", target),
			zap.Error(err),
		)
	}
	r.reply(out, protocol.NewError(protocol.ReasonDeviceNotConnected, target, kind))
}

// relayText returns the text sent to the device for a relay message. A
// JSON string is unwrapped; anything else is sent as its JSON encoding.
func relayText(msg json.RawMessage) []byte {
	var s string
	if err := json.Unmarshal(msg, &s); err == nil {
		return []byte(s)
	}
	return msg
}

func (r *Router) reply(out transport.Outbound, v any) {
	f, err := transport.JSON(v)
	if err == nil {
		err = out.Enqueue(f)
	}
	if err != nil {
		r.logger.Debug("dashboard reply dropped", zap.Error(err))
	}
}

func (r *Router) publish(ctx context.Context, topic string, payload any) {
	err := r.events.Publish(ctx, plugin.Event{
		Topic:     topic,
		Source:    "router",
		Timestamp: r.now(),
		Payload:   payload,
	})
	if err != nil {
		r.logger.Warn("publish failed", zap.String("topic", topic), zap.Error(err))
	}
}
