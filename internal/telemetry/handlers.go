package telemetry

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/HerbHall/fleethub/pkg/models"
	"github.com/HerbHall/fleethub/pkg/plugin"
)

// LatestReader is implemented by sinks that retain readings and can report
// the newest value of each field.
type LatestReader interface {
	Latest(ctx context.Context, deviceID string) (map[string]float64, error)
}

// Routes implements plugin.HTTPProvider.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "GET", Path: "/telemetry/{id}/latest", Handler: m.handleLatest},
	}
}

// LatestResponse is the body of GET /telemetry/{id}/latest.
type LatestResponse struct {
	DeviceID string             `json:"deviceId"`
	Readings map[string]float64 `json:"readings"`
}

// handleLatest returns the newest stored value of each telemetry field.
//
//	@Summary		Latest telemetry
//	@Description	Returns the newest stored reading per field. Requires a sink that retains readings.
//	@Tags			telemetry
//	@Produce		json
//	@Param			id	path		string	true	"Device ID"
//	@Success		200	{object}	LatestResponse
//	@Failure		404	{object}	models.APIProblem
//	@Failure		501	{object}	models.APIProblem
//	@Router			/telemetry/{id}/latest [get]
func (m *Module) handleLatest(w http.ResponseWriter, r *http.Request) {
	reader, ok := m.sink.(LatestReader)
	if !ok {
		telemetryWriteError(w, r, http.StatusNotImplemented, "telemetry sink does not retain readings")
		return
	}
	id := r.PathValue("id")
	readings, err := reader.Latest(r.Context(), id)
	if err != nil {
		m.logger.Warn("latest telemetry query failed", zap.String("device_id", id), zap.Error(err))
		telemetryWriteError(w, r, http.StatusInternalServerError, "failed to read telemetry")
		return
	}
	if len(readings) == 0 {
		telemetryWriteError(w, r, http.StatusNotFound, "no telemetry recorded for device")
		return
	}
	telemetryWriteJSON(w, http.StatusOK, LatestResponse{DeviceID: id, Readings: readings})
}

func telemetryWriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// telemetryWriteError writes a problem+json error response.
func telemetryWriteError(w http.ResponseWriter, r *http.Request, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(models.NewProblem(status, detail, r.URL.Path))
}
