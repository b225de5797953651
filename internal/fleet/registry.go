// Package fleet holds the connection registry: the authoritative map from
// device identity to live connection handle and metadata.
package fleet

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/HerbHall/fleethub/internal/protocol"
	"github.com/HerbHall/fleethub/internal/transport"
	"github.com/HerbHall/fleethub/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Sentinel errors returned by the registry.
var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrDeviceOffline  = errors.New("device offline")
)

type entry struct {
	device models.Device
	// handle is the exclusive, revocable reference to the device's
	// outbound queue. It is nil while the device is offline.
	handle transport.Outbound
}

// Registry tracks every device seen since startup. Entries are never
// removed: a disconnected device stays listed as offline.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*entry
	now     func() time.Time
	newID   func() string
	logger  *zap.Logger
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithIDGenerator overrides how IDs are assigned to devices that register
// without one.
func WithIDGenerator(gen func() string) Option {
	return func(r *Registry) { r.newID = gen }
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		devices: make(map[string]*entry),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Upsert records a registration. An empty id is replaced by a generated
// one. Present metadata fields overwrite stored ones, the handle replaces
// any previous handle, and a superseded handle is closed.
func (r *Registry) Upsert(id string, meta models.DeviceMetadata, handle transport.Outbound, publicIP string) models.Device {
	if id == "" {
		id = r.newID()
	}
	now := r.now()

	r.mu.Lock()
	e, ok := r.devices[id]
	if !ok {
		e = &entry{device: models.NewDevice(id, now)}
		r.devices[id] = e
	}
	meta.Apply(&e.device)
	prev := e.handle
	e.handle = handle
	e.device.Status = models.DeviceStatusOnline
	e.device.Connected = handle != nil
	e.device.LastSeen = now
	if publicIP != "" {
		e.device.PublicIP = publicIP
	}
	snap := e.device.Clone()
	r.mu.Unlock()

	if prev != nil && prev != handle {
		r.logger.Info("registration superseded previous connection", zap.String("device_id", id))
		prev.Close("superseded by a new registration")
	}
	return snap
}

// TouchHeartbeat refreshes lastSeen and forces the device online. It
// reports false, changing nothing, for an unknown id.
func (r *Registry) TouchHeartbeat(id string, ts time.Time) (models.Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.devices[id]
	if !ok {
		return models.Device{}, false
	}
	e.device.LastSeen = ts
	e.device.Status = models.DeviceStatusOnline
	return e.device.Clone(), true
}

// MarkOffline clears the handle of id and marks it offline. When owner is
// non-nil the entry is only changed if owner is still its current handle,
// so a superseded connection closing late cannot take down its successor.
// It reports whether the entry changed; repeated calls are no-ops.
func (r *Registry) MarkOffline(id string, owner transport.Outbound) (models.Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.devices[id]
	if !ok {
		return models.Device{}, false
	}
	if owner != nil && e.handle != owner {
		return e.device.Clone(), false
	}
	if e.handle == nil && e.device.Status == models.DeviceStatusOffline {
		return e.device.Clone(), false
	}
	e.handle = nil
	e.device.Connected = false
	e.device.Status = models.DeviceStatusOffline
	return e.device.Clone(), true
}

// Get returns a snapshot of one device.
func (r *Registry) Get(id string) (models.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.devices[id]
	if !ok {
		return models.Device{}, false
	}
	return e.device.Clone(), true
}

// List returns snapshots of all devices ordered by ID. The result shares
// nothing with the registry and may be serialized without locking.
func (r *Registry) List() []models.Device {
	r.mu.RLock()
	out := make([]models.Device, 0, len(r.devices))
	for _, e := range r.devices {
		out = append(out, e.device.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdateConfig applies a partial configuration to a known device and, if
// it is connected, pushes a config_update to it. The configuration is
// stored even when the device is offline; pushed reports whether the
// message was queued.
func (r *Registry) UpdateConfig(id string, cfg models.DeviceConfig) (dev models.Device, pushed bool, err error) {
	r.mu.Lock()
	e, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return models.Device{}, false, fmt.Errorf("update config %q: %w", id, ErrDeviceNotFound)
	}
	cfg.Apply(&e.device)
	handle := e.handle
	dev = e.device.Clone()
	r.mu.Unlock()

	if handle == nil {
		return dev, false, nil
	}
	frame, err := transport.JSON(protocol.NewConfigUpdate(cfg))
	if err != nil {
		return dev, false, err
	}
	if err := handle.Enqueue(frame); err != nil {
		r.logger.Warn("config push failed",
			zap.String("device_id", id),
			zap.Error(err),
		)
		return dev, false, nil
	}
	return dev, true, nil
}

// Send queues frame on the device's connection. The handle is used only
// for the duration of this call.
func (r *Registry) Send(id string, frame transport.Frame) error {
	r.mu.RLock()
	e, ok := r.devices[id]
	var handle transport.Outbound
	online := false
	if ok {
		handle = e.handle
		online = e.device.Status == models.DeviceStatusOnline
	}
	r.mu.RUnlock()

	switch {
	case !ok:
		return fmt.Errorf("send to %q: %w", id, ErrDeviceNotFound)
	case handle == nil || !online:
		return fmt.Errorf("send to %q: %w", id, ErrDeviceOffline)
	}
	if err := handle.Enqueue(frame); err != nil {
		return fmt.Errorf("send to %q: %w", id, err)
	}
	return nil
}

// SendJSON marshals v and sends it as a text frame.
func (r *Registry) SendJSON(id string, v any) error {
	frame, err := transport.JSON(v)
	if err != nil {
		return err
	}
	return r.Send(id, frame)
}

// Counts returns the number of known devices and of connected devices.
func (r *Registry) Counts() (known, online int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.devices {
		if e.handle != nil && e.device.Status == models.DeviceStatusOnline {
			online++
		}
	}
	return len(r.devices), online
}
