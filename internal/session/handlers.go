package session

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/HerbHall/fleethub/pkg/models"
	"github.com/HerbHall/fleethub/pkg/plugin"
)

const maxBodyBytes = 1 << 20

// Routes implements plugin.HTTPProvider.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "POST", Path: "/sessions", Handler: m.handleCreate},
		{Method: "GET", Path: "/sessions", Handler: m.handleList},
		{Method: "GET", Path: "/sessions/{id}", Handler: m.handleGet},
		{Method: "POST", Path: "/sessions/{id}/start", Handler: m.handleStart},
		{Method: "POST", Path: "/sessions/{id}/stop", Handler: m.handleStop},
	}
}

// handleCreate creates a session and starts it on its online nodes.
//
//	@Summary		Create session
//	@Description	Creates a data-collection session and sends session_start to every online node.
//	@Tags			sessions
//	@Accept			json
//	@Produce		json
//	@Param			request	body		Spec	true	"Session definition"
//	@Success		201		{object}	models.Session
//	@Failure		400		{object}	models.APIProblem
//	@Router			/sessions [post]
func (m *Module) handleCreate(w http.ResponseWriter, r *http.Request) {
	var spec Spec
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&spec); err != nil {
		sessionWriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	s, err := m.orch.Create(r.Context(), spec)
	if err != nil {
		m.writeOrchestratorError(w, r, err)
		return
	}
	sessionWriteJSON(w, http.StatusCreated, s)
}

// handleList returns every session.
//
//	@Summary		List sessions
//	@Tags			sessions
//	@Produce		json
//	@Success		200	{array}	models.Session
//	@Router			/sessions [get]
func (m *Module) handleList(w http.ResponseWriter, _ *http.Request) {
	sessionWriteJSON(w, http.StatusOK, m.orch.List())
}

// handleGet returns one session.
//
//	@Summary		Get session
//	@Tags			sessions
//	@Produce		json
//	@Param			id	path		string	true	"Session ID"
//	@Success		200	{object}	models.Session
//	@Failure		404	{object}	models.APIProblem
//	@Router			/sessions/{id} [get]
func (m *Module) handleGet(w http.ResponseWriter, r *http.Request) {
	s, ok := m.orch.Get(r.PathValue("id"))
	if !ok {
		sessionWriteError(w, r, http.StatusNotFound, "session not found")
		return
	}
	sessionWriteJSON(w, http.StatusOK, s)
}

// handleStart re-sends session_start for an active session.
//
//	@Summary		Start session
//	@Tags			sessions
//	@Produce		json
//	@Param			id	path		string	true	"Session ID"
//	@Success		200	{object}	models.Session
//	@Failure		404	{object}	models.APIProblem
//	@Failure		409	{object}	models.APIProblem
//	@Router			/sessions/{id}/start [post]
func (m *Module) handleStart(w http.ResponseWriter, r *http.Request) {
	s, err := m.orch.Start(r.Context(), r.PathValue("id"))
	if err != nil {
		m.writeOrchestratorError(w, r, err)
		return
	}
	sessionWriteJSON(w, http.StatusOK, s)
}

// handleStop stops a session. Stopping twice is not an error.
//
//	@Summary		Stop session
//	@Tags			sessions
//	@Produce		json
//	@Param			id	path		string	true	"Session ID"
//	@Success		200	{object}	models.Session
//	@Failure		404	{object}	models.APIProblem
//	@Router			/sessions/{id}/stop [post]
func (m *Module) handleStop(w http.ResponseWriter, r *http.Request) {
	s, err := m.orch.Stop(r.Context(), r.PathValue("id"))
	if err != nil {
		m.writeOrchestratorError(w, r, err)
		return
	}
	sessionWriteJSON(w, http.StatusOK, s)
}

func (m *Module) writeOrchestratorError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInvalidSpec):
		sessionWriteError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrSessionNotFound):
		sessionWriteError(w, r, http.StatusNotFound, "session not found")
	case errors.Is(err, ErrSessionStopped):
		sessionWriteError(w, r, http.StatusConflict, "session is stopped")
	default:
		m.logger.Error("session operation failed", zap.Error(err))
		sessionWriteError(w, r, http.StatusInternalServerError, "session operation failed")
	}
}

// --- Helpers ---

// sessionWriteJSON writes a JSON response with the given status code.
func sessionWriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// sessionWriteError writes a problem+json error response.
func sessionWriteError(w http.ResponseWriter, r *http.Request, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(models.NewProblem(status, detail, r.URL.Path))
}
