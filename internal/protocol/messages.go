// Package protocol defines the JSON message vocabulary spoken on the device
// and dashboard channels.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/HerbHall/fleethub/pkg/models"
)

// Device → hub message kinds.
const (
	KindRegister        = "register"
	KindHeartbeat       = "heartbeat"
	KindSensorFrame     = "sensor_frame"
	KindAILog           = "ai_log"
	KindConfigUpdateAck = "config_update_ack"
	KindSessionStartAck = "session_start_ack"
	KindSessionStopAck  = "session_stop_ack"
	KindCommandAck      = "command_ack"
)

// Dashboard → hub message kinds.
const (
	KindBinaryCmd = "binary_cmd"
	KindRelay     = "relay"
)

// Hub → device message kinds.
const (
	KindRegistrationAck = "registration_ack"
	KindConfigUpdate    = "config_update"
	KindSessionStart    = "session_start"
	KindSessionStop     = "session_stop"
	KindActuatorCommand = "actuator_command"
)

// Hub → dashboard message kinds.
const (
	KindDevicesList      = "devices_list"
	KindDeviceRegistered = "device_registered"
	KindDeviceHeartbeat  = "device_heartbeat"
	KindDeviceOffline    = "device_offline"
	KindDeviceUpdated    = "device_updated"
	KindSessionCreated   = "session_created"
	KindSessionStarted   = "session_started"
	KindSessionStopped   = "session_stopped"
	KindError            = "error"
)

// Error reasons reported to dashboards.
const (
	ReasonDeviceNotConnected = "device not connected"
	ReasonUnsupportedType    = "unsupported message type"
	ReasonInvalidMessage     = "invalid message"
)

// RegistrationAck confirms a registration and tells the device its ID.
type RegistrationAck struct {
	Type       string    `json:"type"`
	DeviceID   string    `json:"deviceId"`
	ServerTime time.Time `json:"serverTime"`
}

// NewRegistrationAck builds a registration_ack.
func NewRegistrationAck(deviceID string, now time.Time) RegistrationAck {
	return RegistrationAck{Type: KindRegistrationAck, DeviceID: deviceID, ServerTime: now}
}

// ConfigUpdate pushes configuration fields to a device.
type ConfigUpdate struct {
	Type   string              `json:"type"`
	Config models.DeviceConfig `json:"config"`
}

// NewConfigUpdate builds a config_update.
func NewConfigUpdate(cfg models.DeviceConfig) ConfigUpdate {
	return ConfigUpdate{Type: KindConfigUpdate, Config: cfg}
}

// SessionStart directs a device to begin collecting for a session.
type SessionStart struct {
	Type         string   `json:"type"`
	SessionID    string   `json:"sessionId"`
	SessionToken string   `json:"sessionToken"`
	Name         string   `json:"name"`
	Sensors      []string `json:"sensors"`
	Duration     int      `json:"duration"`
}

// NewSessionStart builds a session_start from s.
func NewSessionStart(s models.Session) SessionStart {
	return SessionStart{
		Type:         KindSessionStart,
		SessionID:    s.ID,
		SessionToken: s.Token,
		Name:         s.Name,
		Sensors:      s.Sensors,
		Duration:     s.Duration,
	}
}

// SessionStop directs a device to end a session.
type SessionStop struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// NewSessionStop builds a session_stop.
func NewSessionStop(sessionID string) SessionStop {
	return SessionStop{Type: KindSessionStop, SessionID: sessionID}
}

// ActuatorCommand drives one actuator on a device.
type ActuatorCommand struct {
	Type       string    `json:"type"`
	CommandID  string    `json:"commandId"`
	ActuatorID string    `json:"actuatorId"`
	Value      any       `json:"value"`
	Nonce      string    `json:"nonce,omitempty"`
	IssuedAt   time.Time `json:"issuedAt"`
}

// Error is reported to a dashboard whose request could not be served.
type Error struct {
	Type        string `json:"type"`
	Reason      string `json:"reason"`
	Target      string `json:"target,omitempty"`
	RequestType string `json:"requestType,omitempty"`
}

// NewError builds an error reply.
func NewError(reason, target, requestType string) Error {
	return Error{Type: KindError, Reason: reason, Target: target, RequestType: requestType}
}

// DevicesList is the registry snapshot pushed when a dashboard connects.
type DevicesList struct {
	Type    string          `json:"type"`
	Devices []models.Device `json:"devices"`
}

// NewDevicesList builds a devices_list.
func NewDevicesList(devices []models.Device) DevicesList {
	if devices == nil {
		devices = []models.Device{}
	}
	return DevicesList{Type: KindDevicesList, Devices: devices}
}

// DeviceEvent carries a full device snapshot to dashboards.
type DeviceEvent struct {
	Type   string        `json:"type"`
	Device models.Device `json:"device"`
}

// DeviceHeartbeat summarizes a heartbeat for dashboards.
type DeviceHeartbeat struct {
	Type      string              `json:"type"`
	DeviceID  string              `json:"deviceId"`
	Status    models.DeviceStatus `json:"status"`
	LastSeen  time.Time           `json:"lastSeen"`
	Telemetry map[string]float64  `json:"telemetry,omitempty"`
}

// DeviceOffline tells dashboards a device disconnected.
type DeviceOffline struct {
	Type     string    `json:"type"`
	DeviceID string    `json:"deviceId"`
	LastSeen time.Time `json:"lastSeen"`
}

// SensorFrame forwards device data to dashboards. Structured frames travel
// in Frame; opaque binary frames travel base64-encoded in Data.
type SensorFrame struct {
	Type      string          `json:"type"`
	DeviceID  string          `json:"deviceId"`
	SessionID string          `json:"sessionId,omitempty"`
	Encoding  string          `json:"encoding,omitempty"`
	Data      []byte          `json:"data,omitempty"`
	Frame     json.RawMessage `json:"frame,omitempty"`
}

// SessionEvent carries a session snapshot to dashboards.
type SessionEvent struct {
	Type    string         `json:"type"`
	Session models.Session `json:"session"`
}
