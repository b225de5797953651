package broadcast

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/HerbHall/fleethub/internal/fleet"
	"github.com/HerbHall/fleethub/internal/protocol"
	"github.com/HerbHall/fleethub/internal/session"
	"github.com/HerbHall/fleethub/pkg/plugin"
)

// forwardedTopics lists the event topics rendered for dashboards.
var forwardedTopics = []string{
	fleet.TopicDeviceRegistered,
	fleet.TopicDeviceHeartbeat,
	fleet.TopicDeviceOffline,
	fleet.TopicDeviceUpdated,
	fleet.TopicSensorFrame,
	session.TopicSessionCreated,
	session.TopicSessionStarted,
	session.TopicSessionStopped,
}

// Forwarder subscribes to the event bus and rebroadcasts fleet and session
// events to dashboards.
type Forwarder struct {
	events plugin.EventBus
	out    *Bus
	logger *zap.Logger

	mu     sync.Mutex
	unsubs []func()
}

// NewForwarder creates a Forwarder. Call Start to subscribe.
func NewForwarder(events plugin.EventBus, out *Bus, logger *zap.Logger) *Forwarder {
	return &Forwarder{events: events, out: out, logger: logger}
}

// Start subscribes to every forwarded topic.
func (f *Forwarder) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unsubs != nil {
		return
	}
	for _, topic := range forwardedTopics {
		f.unsubs = append(f.unsubs, f.events.Subscribe(topic, f.handle))
	}
}

// Stop removes all subscriptions.
func (f *Forwarder) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, unsub := range f.unsubs {
		unsub()
	}
	f.unsubs = nil
}

func (f *Forwarder) handle(_ context.Context, ev plugin.Event) {
	msg, ok := Render(ev)
	if !ok {
		f.logger.Debug("event not rendered for dashboards", zap.String("topic", ev.Topic))
		return
	}
	if _, err := f.out.BroadcastJSON(msg); err != nil {
		f.logger.Warn("render dashboard message failed",
			zap.String("topic", ev.Topic),
			zap.Error(err),
		)
	}
}

// Render converts an event into the dashboard message for its topic. It
// reports false for topics and payloads dashboards do not receive.
func Render(ev plugin.Event) (any, bool) {
	switch p := ev.Payload.(type) {
	case fleet.DeviceEvent:
		kind, ok := deviceKinds[ev.Topic]
		if !ok {
			return nil, false
		}
		if kind == protocol.KindDeviceOffline {
			return protocol.DeviceOffline{Type: kind, DeviceID: p.Device.ID, LastSeen: p.Device.LastSeen}, true
		}
		return protocol.DeviceEvent{Type: kind, Device: p.Device}, true

	case fleet.HeartbeatEvent:
		return protocol.DeviceHeartbeat{
			Type:      protocol.KindDeviceHeartbeat,
			DeviceID:  p.Device.ID,
			Status:    p.Device.Status,
			LastSeen:  p.Device.LastSeen,
			Telemetry: p.Telemetry,
		}, true

	case fleet.FrameEvent:
		msg := protocol.SensorFrame{
			Type:      protocol.KindSensorFrame,
			DeviceID:  p.DeviceID,
			SessionID: p.SessionID,
		}
		if p.Frame != nil {
			msg.Frame = p.Frame
		} else {
			msg.Encoding = "base64"
			msg.Data = p.Data
		}
		return msg, true

	case session.Event:
		kind, ok := sessionKinds[ev.Topic]
		if !ok {
			return nil, false
		}
		s := p.Session
		s.Token = ""
		return protocol.SessionEvent{Type: kind, Session: s}, true
	}
	return nil, false
}

var deviceKinds = map[string]string{
	fleet.TopicDeviceRegistered: protocol.KindDeviceRegistered,
	fleet.TopicDeviceOffline:    protocol.KindDeviceOffline,
	fleet.TopicDeviceUpdated:    protocol.KindDeviceUpdated,
}

var sessionKinds = map[string]string{
	session.TopicSessionCreated: protocol.KindSessionCreated,
	session.TopicSessionStarted: protocol.KindSessionStarted,
	session.TopicSessionStopped: protocol.KindSessionStopped,
}
