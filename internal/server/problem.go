package server

import (
	"encoding/json"
	"net/http"

	"github.com/HerbHall/fleethub/pkg/models"
)

// Problem types for RFC 7807 Problem Details responses. They match the
// types produced by models.NewProblem for the same status.
const (
	ProblemTypeNotFound    = models.ProblemBaseURL + "not-found"
	ProblemTypeBadRequest  = models.ProblemBaseURL + "bad-request"
	ProblemTypeInternal    = models.ProblemBaseURL + "internal-server-error"
	ProblemTypeRateLimited = models.ProblemBaseURL + "too-many-requests"
	ProblemTypeConflict    = models.ProblemBaseURL + "conflict"
	ProblemTypeUnavailable = models.ProblemBaseURL + "service-unavailable"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem = models.APIProblem

// WriteProblem writes an RFC 7807 Problem Details JSON response.
func WriteProblem(w http.ResponseWriter, p Problem) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// NotFound writes a 404 problem response.
func NotFound(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, models.NewProblem(http.StatusNotFound, detail, instance))
}

// BadRequest writes a 400 problem response.
func BadRequest(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, models.NewProblem(http.StatusBadRequest, detail, instance))
}

// InternalError writes a 500 problem response.
func InternalError(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, models.NewProblem(http.StatusInternalServerError, detail, instance))
}

// RateLimited writes a 429 problem response.
func RateLimited(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, models.NewProblem(http.StatusTooManyRequests, detail, instance))
}

// Unavailable writes a 503 problem response.
func Unavailable(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, models.NewProblem(http.StatusServiceUnavailable, detail, instance))
}
