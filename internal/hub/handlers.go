package hub

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/fleethub/internal/fleet"
	"github.com/HerbHall/fleethub/internal/protocol"
	"github.com/HerbHall/fleethub/pkg/models"
	"github.com/HerbHall/fleethub/pkg/plugin"
)

// Routes implements plugin.HTTPProvider.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "GET", Path: "/devices", Handler: m.handleListDevices},
		{Method: "GET", Path: "/devices/{id}", Handler: m.handleGetDevice},
		{Method: "PUT", Path: "/devices/{id}/configure", Handler: m.handleConfigureDevice},
	}
}

// ConfigureResponse reports the stored device and whether the update
// reached a live connection.
type ConfigureResponse struct {
	Device models.Device `json:"device"`
	Pushed bool          `json:"pushed"`
}

// handleListDevices returns every known device.
//
//	@Summary		List devices
//	@Description	Returns every device seen since startup, online or offline.
//	@Tags			devices
//	@Produce		json
//	@Success		200	{array}	models.Device
//	@Router			/devices [get]
func (m *Module) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	hubWriteJSON(w, http.StatusOK, m.registry.List())
}

// handleGetDevice returns one device.
//
//	@Summary		Get device
//	@Tags			devices
//	@Produce		json
//	@Param			id	path		string	true	"Device ID"
//	@Success		200	{object}	models.Device
//	@Failure		404	{object}	models.APIProblem
//	@Router			/devices/{id} [get]
func (m *Module) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, ok := m.registry.Get(r.PathValue("id"))
	if !ok {
		hubWriteError(w, r, http.StatusNotFound, "device not found")
		return
	}
	hubWriteJSON(w, http.StatusOK, dev)
}

// handleConfigureDevice applies a partial configuration and pushes it to
// the device when connected.
//
//	@Summary		Configure device
//	@Description	Stores the supplied configuration fields and sends config_update to the device if it is online.
//	@Tags			devices
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string				true	"Device ID"
//	@Param			request	body		models.DeviceConfig	true	"Configuration fields"
//	@Success		200		{object}	ConfigureResponse
//	@Failure		400		{object}	models.APIProblem
//	@Failure		404		{object}	models.APIProblem
//	@Router			/devices/{id}/configure [put]
func (m *Module) handleConfigureDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := m.registry.Get(id); !ok {
		hubWriteError(w, r, http.StatusNotFound, "device not found")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 64<<10))
	if err != nil {
		hubWriteError(w, r, http.StatusBadRequest, "request body too large")
		return
	}
	cfg, err := protocol.DeviceConfigFrom(body)
	if err != nil {
		hubWriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if cfg.Empty() {
		hubWriteError(w, r, http.StatusBadRequest, "no configurable fields in request")
		return
	}

	dev, pushed, err := m.registry.UpdateConfig(id, cfg)
	if errors.Is(err, fleet.ErrDeviceNotFound) {
		hubWriteError(w, r, http.StatusNotFound, "device not found")
		return
	}
	if err != nil {
		m.logger.Error("configure device failed", zap.String("device_id", id), zap.Error(err))
		hubWriteError(w, r, http.StatusInternalServerError, "configure device failed")
		return
	}

	m.logger.Info("device configured", zap.String("device_id", id), zap.Bool("pushed", pushed))
	if err := m.events.Publish(r.Context(), plugin.Event{
		Topic:     fleet.TopicDeviceUpdated,
		Source:    "hub",
		Timestamp: time.Now().UTC(),
		Payload:   fleet.DeviceEvent{Device: dev},
	}); err != nil {
		m.logger.Warn("publish failed", zap.String("topic", fleet.TopicDeviceUpdated), zap.Error(err))
	}

	hubWriteJSON(w, http.StatusOK, ConfigureResponse{Device: dev, Pushed: pushed})
}

// --- Helpers ---

// hubWriteJSON writes a JSON response with the given status code.
func hubWriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// hubWriteError writes a problem+json error response.
func hubWriteError(w http.ResponseWriter, r *http.Request, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(models.NewProblem(status, detail, r.URL.Path))
}
