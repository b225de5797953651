package command

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/HerbHall/fleethub/internal/fleet"
	"github.com/HerbHall/fleethub/pkg/models"
	"github.com/HerbHall/fleethub/pkg/plugin"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin       = (*Module)(nil)
	_ plugin.HTTPProvider = (*Module)(nil)
)

// Module exposes the command gateway over REST.
type Module struct {
	logger  *zap.Logger
	sender  Sender
	gateway *Gateway
}

// New creates the command module.
func New(sender Sender) *Module {
	return &Module{sender: sender}
}

func (m *Module) Name() string    { return "command" }
func (m *Module) Version() string { return "0.1.0" }

func (m *Module) Init(_ plugin.Config, logger *zap.Logger) error {
	m.logger = logger
	m.gateway = NewGateway(m.sender, nil, logger)
	m.logger.Info("command module initialized")
	return nil
}

func (m *Module) Start(_ context.Context) error { return nil }
func (m *Module) Stop(_ context.Context) error  { return nil }

// Routes implements plugin.HTTPProvider.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "POST", Path: "/nodes/{id}/actuators/{aid}/command", Handler: m.handleCommand},
	}
}

// CommandRequest is the body of an actuator command request.
type CommandRequest struct {
	Value any    `json:"value"`
	Nonce string `json:"nonce,omitempty"`
}

// handleCommand sends an actuator command to a node.
//
//	@Summary		Send actuator command
//	@Description	Queues an actuator_command on the node's connection and returns a receipt.
//	@Tags			commands
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string			true	"Node (device) ID"
//	@Param			aid		path		string			true	"Actuator ID"
//	@Param			request	body		CommandRequest	true	"Command value"
//	@Success		200		{object}	Receipt
//	@Failure		400		{object}	models.APIProblem
//	@Failure		404		{object}	models.APIProblem
//	@Failure		503		{object}	models.APIProblem
//	@Router			/nodes/{id}/actuators/{aid}/command [post]
func (m *Module) handleCommand(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("id")
	actuatorID := strings.TrimSpace(r.PathValue("aid"))
	if actuatorID == "" {
		commandWriteError(w, r, http.StatusBadRequest, "actuator id is required")
		return
	}

	var req CommandRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		commandWriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	receipt, err := m.gateway.SendActuatorCommand(r.Context(), nodeID, actuatorID, req.Value, req.Nonce)
	switch {
	case err == nil:
		commandWriteJSON(w, http.StatusOK, receipt)
	case errors.Is(err, fleet.ErrDeviceNotFound):
		commandWriteError(w, r, http.StatusNotFound, "device not found")
	case errors.Is(err, fleet.ErrDeviceOffline):
		commandWriteError(w, r, http.StatusServiceUnavailable, "device not connected")
	default:
		m.logger.Warn("actuator command failed",
			zap.String("device_id", nodeID),
			zap.String("actuator_id", actuatorID),
			zap.Error(err),
		)
		commandWriteError(w, r, http.StatusServiceUnavailable, "device connection unavailable")
	}
}

// --- Helpers ---

// commandWriteJSON writes a JSON response with the given status code.
func commandWriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// commandWriteError writes a problem+json error response.
func commandWriteError(w http.ResponseWriter, r *http.Request, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(models.NewProblem(status, detail, r.URL.Path))
}
