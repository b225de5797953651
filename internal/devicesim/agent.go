// Package devicesim simulates a fleet device: it registers with a hub,
// sends heartbeats carrying power telemetry, and acknowledges the
// configuration, session and actuator messages the hub pushes.
package devicesim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/HerbHall/fleethub/internal/protocol"
	"github.com/HerbHall/fleethub/internal/version"
)

// Agent is one simulated device.
type Agent struct {
	url    string
	logger *zap.Logger
	meter  *powerMeter

	mu      sync.Mutex
	profile Profile
	session string
	cancel  context.CancelFunc
}

// NewAgent creates an agent that connects to the hub device endpoint at
// url (e.g. ws://localhost:8080/ws/esp32).
func NewAgent(url string, profile Profile, logger *zap.Logger) *Agent {
	return &Agent{
		url:     url,
		logger:  logger.With(zap.String("device_id", profile.DeviceID)),
		meter:   newPowerMeter(profile.Power),
		profile: profile,
	}
}

// Run connects, registers, and serves the hub until ctx is cancelled or
// the connection drops.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()
	defer cancel()

	conn, _, err := websocket.Dial(ctx, a.url, &websocket.DialOptions{
		HTTPHeader: http.Header{"User-Agent": {version.UserAgent("devicesim")}},
	})
	if err != nil {
		return fmt.Errorf("dial %s: %w", a.url, err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1 << 20)

	profile := a.Profile()
	a.logger.Info("simulated device connected",
		zap.String("url", a.url),
		zap.String("name", profile.Name),
		zap.Duration("heartbeat_interval", profile.HeartbeatInterval),
	)
	if err := wsjson.Write(ctx, conn, profile.register()); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	go a.heartbeats(ctx, conn, profile.HeartbeatInterval)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				a.logger.Info("simulated device shutting down")
				conn.Close(websocket.StatusNormalClosure, "")
				return nil
			}
			if websocket.CloseStatus(err) == websocket.StatusGoingAway {
				return errors.New("hub is shutting down")
			}
			return fmt.Errorf("read: %w", err)
		}
		if reply := a.handle(data); reply != nil {
			if err := wsjson.Write(ctx, conn, reply); err != nil {
				return fmt.Errorf("write %T: %w", reply, err)
			}
		}
	}
}

// Stop signals the agent to shut down.
func (a *Agent) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
	}
}

// Profile returns the current profile, including pushed configuration.
func (a *Agent) Profile() Profile {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.profile
}

// SessionID returns the active session, if any.
func (a *Agent) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

func (a *Agent) heartbeats(ctx context.Context, conn *websocket.Conn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := wsjson.Write(ctx, conn, a.heartbeat()); err != nil {
				a.logger.Warn("heartbeat failed", zap.Error(err))
				return
			}
		}
	}
}

type heartbeatMessage struct {
	Type      string             `json:"type"`
	DeviceID  string             `json:"deviceId"`
	Telemetry map[string]float64 `json:"telemetry"`
}

func (a *Agent) heartbeat() heartbeatMessage {
	return heartbeatMessage{
		Type:      protocol.KindHeartbeat,
		DeviceID:  a.Profile().DeviceID,
		Telemetry: a.meter.read(),
	}
}

type ack struct {
	Type      string `json:"type"`
	DeviceID  string `json:"deviceId"`
	SessionID string `json:"sessionId,omitempty"`
	CommandID string `json:"commandId,omitempty"`
	Status    string `json:"status"`
}

// handle applies one hub message and returns the acknowledgement to send,
// or nil.
func (a *Agent) handle(data []byte) any {
	env, err := protocol.Decode(data)
	if err != nil {
		a.logger.Warn("ignoring malformed hub message", zap.Error(err))
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.profile.DeviceID

	switch env.Type {
	case protocol.KindRegistrationAck:
		a.logger.Info("registration acknowledged", zap.String("assigned_id", env.String("deviceId")))
		return nil

	case protocol.KindConfigUpdate:
		raw, _ := env.Field("config")
		cfg, err := protocol.DeviceConfigFrom(raw)
		if err != nil {
			a.logger.Warn("ignoring malformed config update", zap.Error(err))
			return ack{Type: protocol.KindConfigUpdateAck, DeviceID: id, Status: "rejected"}
		}
		a.profile.apply(cfg)
		a.logger.Info("configuration updated", zap.ByteString("config", raw))
		return ack{Type: protocol.KindConfigUpdateAck, DeviceID: id, Status: "applied"}

	case protocol.KindSessionStart:
		a.session = env.String("sessionId")
		a.logger.Info("session started", zap.String("session_id", a.session), zap.String("name", env.String("name")))
		return ack{Type: protocol.KindSessionStartAck, DeviceID: id, SessionID: a.session, Status: "started"}

	case protocol.KindSessionStop:
		sid := env.String("sessionId")
		if sid == a.session {
			a.session = ""
		}
		a.logger.Info("session stopped", zap.String("session_id", sid))
		return ack{Type: protocol.KindSessionStopAck, DeviceID: id, SessionID: sid, Status: "stopped"}

	case protocol.KindActuatorCommand:
		var cmd protocol.ActuatorCommand
		_ = json.Unmarshal(data, &cmd)
		a.logger.Info("actuator command",
			zap.String("command_id", cmd.CommandID),
			zap.String("actuator_id", cmd.ActuatorID),
			zap.Any("value", cmd.Value),
		)
		return ack{Type: protocol.KindCommandAck, DeviceID: id, CommandID: cmd.CommandID, Status: "executed"}

	default:
		a.logger.Debug("unhandled hub message", zap.String("type", env.Type))
		return nil
	}
}
