package fleet

import (
	"encoding/json"

	"github.com/HerbHall/fleethub/pkg/models"
)

// Event topics published for fleet activity.
const (
	TopicDeviceRegistered = "fleet.device.registered"
	TopicDeviceHeartbeat  = "fleet.device.heartbeat"
	TopicDeviceOffline    = "fleet.device.offline"
	TopicDeviceUpdated    = "fleet.device.updated"
	TopicSensorFrame      = "fleet.sensor.frame"
	TopicAILog            = "fleet.ai.log"
)

// DeviceEvent is the payload for registered, offline and updated events.
type DeviceEvent struct {
	Device models.Device
}

// HeartbeatEvent is the payload for TopicDeviceHeartbeat.
type HeartbeatEvent struct {
	Device    models.Device
	Telemetry map[string]float64
}

// FrameEvent is the payload for TopicSensorFrame. Exactly one of Data
// (opaque binary) and Frame (structured, already tagged) is set.
type FrameEvent struct {
	DeviceID  string
	SessionID string
	Data      []byte
	Frame     json.RawMessage
}

// AILogEvent is the payload for TopicAILog.
type AILogEvent struct {
	Log models.AILog
}
