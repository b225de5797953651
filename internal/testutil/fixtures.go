package testutil

import (
	"time"

	"github.com/google/uuid"

	"github.com/HerbHall/fleethub/pkg/models"
)

// NewDevice returns a Device with documented defaults, suitable for test
// fixtures. Override individual fields with options.
func NewDevice(opts ...func(*models.Device)) models.Device {
	d := models.NewDevice(uuid.New().String(), time.Now().UTC())
	d.Name = "test-device"
	d.Connected = true
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// WithID sets the device ID.
func WithID(id string) func(*models.Device) {
	return func(d *models.Device) { d.ID = id }
}

// WithName sets the device name.
func WithName(name string) func(*models.Device) {
	return func(d *models.Device) { d.Name = name }
}

// WithStatus sets the device status.
func WithStatus(s models.DeviceStatus) func(*models.Device) {
	return func(d *models.Device) {
		d.Status = s
		d.Connected = s == models.DeviceStatusOnline
	}
}

// WithCapabilities sets configurable capabilities from IDs.
func WithCapabilities(ids ...string) func(*models.Device) {
	return func(d *models.Device) {
		d.Capabilities = make([]models.Capability, 0, len(ids))
		for _, id := range ids {
			d.Capabilities = append(d.Capabilities, models.Capability{ID: id, Label: id, Configurable: true})
		}
	}
}

// WithLastSeen sets the device's lastSeen timestamp.
func WithLastSeen(t time.Time) func(*models.Device) {
	return func(d *models.Device) { d.LastSeen = t }
}

// Metadata returns registration metadata carrying only a name.
func Metadata(name string) models.DeviceMetadata {
	return models.DeviceMetadata{Name: &name}
}
