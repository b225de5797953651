package models

import (
	"net/http"
	"strings"
)

// ProblemBaseURL prefixes every problem type URI.
const ProblemBaseURL = "https://fleethub.dev/problems/"

// APIProblem is an RFC 7807 Problem Details body.
type APIProblem struct {
	Type     string `json:"type" example:"https://fleethub.dev/problems/not-found"`
	Title    string `json:"title" example:"Not Found"`
	Status   int    `json:"status" example:"404"`
	Detail   string `json:"detail,omitempty" example:"device not found"`
	Instance string `json:"instance,omitempty" example:"/api/v1/devices/esp32-1"`
}

// NewProblem builds a problem for an HTTP status. The type URI is derived
// from the status text, e.g. 404 -> .../problems/not-found.
func NewProblem(status int, detail, instance string) APIProblem {
	title := http.StatusText(status)
	slug := strings.ToLower(strings.ReplaceAll(title, " ", "-"))
	return APIProblem{
		Type:     ProblemBaseURL + slug,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	}
}
