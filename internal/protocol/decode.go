package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/HerbHall/fleethub/pkg/models"
)

// ErrMalformed is returned for frames that are not a JSON object with a
// string "type" field.
var ErrMalformed = errors.New("malformed message")

// Envelope is a decoded structured frame: its discriminator plus the raw
// object for kind-specific decoding.
type Envelope struct {
	Type   string
	Raw    json.RawMessage
	fields map[string]json.RawMessage
}

// Decode parses a text frame into an Envelope.
func Decode(data []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if fields == nil {
		return Envelope{}, fmt.Errorf("%w: not an object", ErrMalformed)
	}
	var kind string
	if err := json.Unmarshal(fields["type"], &kind); err != nil || kind == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return Envelope{Type: kind, Raw: json.RawMessage(data), fields: fields}, nil
}

// String returns the string field key, or "" when absent or not a string.
func (e Envelope) String(key string) string {
	var s string
	if raw, ok := e.fields[key]; ok {
		_ = json.Unmarshal(raw, &s)
	}
	return s
}

// Field returns the raw value of key.
func (e Envelope) Field(key string) (json.RawMessage, bool) {
	raw, ok := e.fields[key]
	return raw, ok
}

// Register decodes a register message. Absent fields stay nil; present but
// malformed fields are replaced with their documented default.
func (e Envelope) Register() (deviceID string, meta models.DeviceMetadata) {
	deviceID = strings.TrimSpace(e.String("deviceId"))

	meta.Name = e.stringOr("name", models.DefaultDeviceName)
	meta.FirmwareVersion = e.stringOr("firmwareVersion", models.DefaultFirmwareVersion)
	meta.CameraResolution = e.stringOr("cameraResolution", models.DefaultCameraResolution)
	meta.SamplingRate = e.positiveIntOr("samplingRate", models.DefaultSamplingRate)
	meta.CompressionEnabled = e.boolOr("compressionEnabled", false)
	meta.OTAEnabled = e.boolOr("otaEnabled", false)

	if raw, ok := e.fields["capabilities"]; ok {
		meta.HasCapabilities = true
		meta.Capabilities = decodeCapabilities(raw)
	}
	return deviceID, meta
}

// Telemetry extracts the named numeric fields of a heartbeat. Fields may be
// top-level or nested in a "telemetry" object; nested values win.
func (e Envelope) Telemetry(names []string) map[string]float64 {
	var nested map[string]json.RawMessage
	if raw, ok := e.fields["telemetry"]; ok {
		_ = json.Unmarshal(raw, &nested)
	}

	out := make(map[string]float64)
	for _, name := range names {
		for _, src := range []map[string]json.RawMessage{e.fields, nested} {
			raw, ok := src[name]
			if !ok || isNull(raw) {
				continue
			}
			var v float64
			if err := json.Unmarshal(raw, &v); err == nil {
				out[name] = v
			}
		}
	}
	return out
}

// WithDeviceID returns the raw object with deviceId set, used to tag
// structured sensor frames with their origin. Keys named in drop are
// omitted.
func (e Envelope) WithDeviceID(deviceID string, drop ...string) json.RawMessage {
	tagged := make(map[string]json.RawMessage, len(e.fields)+1)
	for k, v := range e.fields {
		if !slices.Contains(drop, k) {
			tagged[k] = v
		}
	}
	id, _ := json.Marshal(deviceID)
	tagged["deviceId"] = id
	data, err := json.Marshal(tagged)
	if err != nil {
		return e.Raw
	}
	return data
}

// DeviceConfigFrom decodes a configuration update leniently. Fields of the
// wrong type are dropped rather than defaulted, since the caller asked for
// a change it did not express. A body wrapped as {"config": {...}} is
// unwrapped.
func DeviceConfigFrom(data []byte) (models.DeviceConfig, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return models.DeviceConfig{}, fmt.Errorf("%w: configuration must be an object", ErrMalformed)
	}
	if inner, ok := fields["config"]; ok {
		var nested map[string]json.RawMessage
		if err := json.Unmarshal(inner, &nested); err == nil && nested != nil {
			fields = nested
		}
	}
	e := Envelope{fields: fields}
	var cfg models.DeviceConfig
	if s, ok := e.validString("name"); ok {
		cfg.Name = &s
	}
	if s, ok := e.validString("cameraResolution"); ok {
		cfg.CameraResolution = &s
	}
	if raw, ok := fields["samplingRate"]; ok {
		if n, ok := positiveInt(raw); ok {
			cfg.SamplingRate = &n
		}
	}
	if raw, ok := fields["compressionEnabled"]; ok && !isNull(raw) {
		var b bool
		if json.Unmarshal(raw, &b) == nil {
			cfg.CompressionEnabled = &b
		}
	}
	if raw, ok := fields["otaEnabled"]; ok && !isNull(raw) {
		var b bool
		if json.Unmarshal(raw, &b) == nil {
			cfg.OTAEnabled = &b
		}
	}
	return cfg, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func (e Envelope) validString(key string) (string, bool) {
	raw, ok := e.fields[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

func (e Envelope) stringOr(key, def string) *string {
	if _, ok := e.fields[key]; !ok {
		return nil
	}
	if s, ok := e.validString(key); ok {
		return &s
	}
	return &def
}

func (e Envelope) positiveIntOr(key string, def int) *int {
	raw, ok := e.fields[key]
	if !ok {
		return nil
	}
	n, ok := positiveInt(raw)
	if !ok {
		return &def
	}
	return &n
}

// positiveInt decodes a JSON number in (0, MaxInt32], truncating any
// fraction. Larger values are treated as malformed.
func positiveInt(raw json.RawMessage) (int, bool) {
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil || f < 1 || f > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}

func (e Envelope) boolOr(key string, def bool) *bool {
	raw, ok := e.fields[key]
	if !ok {
		return nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return &def
	}
	return &b
}

// decodeCapabilities accepts an array of tag strings or of
// {id,label,configurable} objects, collapsing duplicate IDs.
func decodeCapabilities(raw json.RawMessage) []models.Capability {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return []models.Capability{}
	}

	out := make([]models.Capability, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		var c models.Capability
		item = bytes.TrimSpace(item)
		if len(item) > 0 && item[0] == '"' {
			var tag string
			if json.Unmarshal(item, &tag) != nil {
				continue
			}
			c = models.Capability{ID: tag, Label: tag}
		} else if json.Unmarshal(item, &c) != nil {
			continue
		}
		c.ID = strings.TrimSpace(c.ID)
		if c.ID == "" || seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		if c.Label == "" {
			c.Label = c.ID
		}
		out = append(out, c)
	}
	return out
}

// BinaryCommand is a dashboard request to send raw bytes to a device.
type BinaryCommand struct {
	Target     string `json:"target"`
	PayloadHex string `json:"payloadHex"`
}

// Relay is a dashboard request to forward a structured message verbatim.
type Relay struct {
	Target  string          `json:"target"`
	Message json.RawMessage `json:"message"`
}

// BinaryCommand decodes a binary_cmd message.
func (e Envelope) BinaryCommand() BinaryCommand {
	return BinaryCommand{Target: e.String("target"), PayloadHex: e.String("payloadHex")}
}

// Relay decodes a relay message.
func (e Envelope) Relay() Relay {
	msg := e.fields["message"]
	return Relay{Target: e.String("target"), Message: msg}
}
