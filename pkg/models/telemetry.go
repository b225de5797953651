package models

import (
	"encoding/json"
	"time"
)

// TelemetrySample is a set of named numeric readings from one heartbeat.
type TelemetrySample struct {
	DeviceID  string             `json:"deviceId"`
	Timestamp time.Time          `json:"timestamp"`
	Fields    map[string]float64 `json:"fields"`
}

// AILog is an inference log entry emitted by a device, kept as the raw
// message the device sent.
type AILog struct {
	DeviceID  string          `json:"deviceId"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}
