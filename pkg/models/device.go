package models

import "time"

// DeviceStatus represents the connection state of a device.
type DeviceStatus string

const (
	DeviceStatusOnline  DeviceStatus = "online"
	DeviceStatusOffline DeviceStatus = "offline"
)

// Defaults applied to device-supplied metadata that is absent on first
// registration or present but malformed.
const (
	DefaultDeviceName       = "Unnamed Device"
	DefaultFirmwareVersion  = "unknown"
	DefaultCameraResolution = "640x480"
	DefaultSamplingRate     = 1000
)

// Capability is a hardware feature advertised by a device.
type Capability struct {
	ID           string `json:"id"`
	Label        string `json:"label,omitempty"`
	Configurable bool   `json:"configurable"`
}

// Device is a sensor/actuator node tracked by the hub. The live connection
// handle is owned by the fleet registry and is never part of this value.
type Device struct {
	ID                 string       `json:"deviceId"`
	Name               string       `json:"name"`
	FirmwareVersion    string       `json:"firmwareVersion"`
	Capabilities       []Capability `json:"capabilities"`
	CameraResolution   string       `json:"cameraResolution"`
	SamplingRate       int          `json:"samplingRate"`
	CompressionEnabled bool         `json:"compressionEnabled"`
	OTAEnabled         bool         `json:"otaEnabled"`
	Status             DeviceStatus `json:"status"`
	Connected          bool         `json:"connected"`
	PublicIP           string       `json:"publicIp,omitempty"`
	FirstSeen          time.Time    `json:"firstSeen"`
	LastSeen           time.Time    `json:"lastSeen"`
}

// DeviceMetadata carries the device-supplied descriptive fields of a
// registration. Nil fields were absent and leave stored values untouched.
type DeviceMetadata struct {
	Name               *string
	FirmwareVersion    *string
	Capabilities       []Capability
	HasCapabilities    bool
	CameraResolution   *string
	SamplingRate       *int
	CompressionEnabled *bool
	OTAEnabled         *bool
}

// DeviceConfig is a partial configuration update pushed to a device.
// Nil fields are left unchanged.
type DeviceConfig struct {
	Name               *string `json:"name,omitempty"`
	CameraResolution   *string `json:"cameraResolution,omitempty"`
	SamplingRate       *int    `json:"samplingRate,omitempty"`
	CompressionEnabled *bool   `json:"compressionEnabled,omitempty"`
	OTAEnabled         *bool   `json:"otaEnabled,omitempty"`
}

// Empty reports whether the update carries no fields.
func (c DeviceConfig) Empty() bool {
	return c.Name == nil && c.CameraResolution == nil && c.SamplingRate == nil &&
		c.CompressionEnabled == nil && c.OTAEnabled == nil
}

// NewDevice returns a device with every descriptive field at its default.
func NewDevice(id string, now time.Time) Device {
	return Device{
		ID:               id,
		Name:             DefaultDeviceName,
		FirmwareVersion:  DefaultFirmwareVersion,
		Capabilities:     []Capability{},
		CameraResolution: DefaultCameraResolution,
		SamplingRate:     DefaultSamplingRate,
		Status:           DeviceStatusOnline,
		FirstSeen:        now,
		LastSeen:         now,
	}
}

// Apply merges the present metadata fields into d.
func (m DeviceMetadata) Apply(d *Device) {
	if m.Name != nil {
		d.Name = *m.Name
	}
	if m.FirmwareVersion != nil {
		d.FirmwareVersion = *m.FirmwareVersion
	}
	if m.HasCapabilities {
		d.Capabilities = append([]Capability(nil), m.Capabilities...)
	}
	if m.CameraResolution != nil {
		d.CameraResolution = *m.CameraResolution
	}
	if m.SamplingRate != nil {
		d.SamplingRate = *m.SamplingRate
	}
	if m.CompressionEnabled != nil {
		d.CompressionEnabled = *m.CompressionEnabled
	}
	if m.OTAEnabled != nil {
		d.OTAEnabled = *m.OTAEnabled
	}
}

// Apply merges the present configuration fields into d.
func (c DeviceConfig) Apply(d *Device) {
	if c.Name != nil {
		d.Name = *c.Name
	}
	if c.CameraResolution != nil {
		d.CameraResolution = *c.CameraResolution
	}
	if c.SamplingRate != nil {
		d.SamplingRate = *c.SamplingRate
	}
	if c.CompressionEnabled != nil {
		d.CompressionEnabled = *c.CompressionEnabled
	}
	if c.OTAEnabled != nil {
		d.OTAEnabled = *c.OTAEnabled
	}
}

// Clone returns a deep copy of d.
func (d Device) Clone() Device {
	d.Capabilities = append([]Capability{}, d.Capabilities...)
	return d
}
