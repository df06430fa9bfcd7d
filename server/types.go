package server

import (
	"errors"
	"net/http"

	"github.com/bitserve/bitserve/events"
	"github.com/bitserve/bitserve/lifecycle"
)

// errorResponse is the JSON body for failed requests.
type errorResponse struct {
	Error string `json:"error"`
}

// healthResponse is the body for GET /health. Warnings carries the
// inconsistencies found during startup reconciliation.
type healthResponse struct {
	Status   string   `json:"status"`
	Warnings []string `json:"warnings,omitempty"`
}

// addItemResult is the per-descriptor outcome of a batch add.
type addItemResult struct {
	OK     bool              `json:"ok"`
	Status *lifecycle.Status `json:"status,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// addResponse is the body for POST /torrents.
type addResponse struct {
	Results []addItemResult `json:"results"`
}

// removeRequest is the body for POST /torrents/remove.
type removeRequest struct {
	IDs         []string `json:"info_hashes"`
	DeleteFiles bool     `json:"remove_files"`
}

// removeItemResult is the per-id outcome of a batch remove.
type removeItemResult struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// removeResponse is the body for POST /torrents/remove.
type removeResponse struct {
	Results []removeItemResult `json:"results"`
}

// listResponse is the body for GET /torrents.
type listResponse struct {
	Torrents []*lifecycle.Status `json:"torrents"`
	Count    int                 `json:"count"`
}

// statsResponse is the body for GET /stats.
type statsResponse struct {
	Resident int `json:"resident"`
	Capacity int `json:"capacity"`
	Total    int `json:"total"`
}

// webhookRequest is the body for POST /webhooks. An empty event
// subscribes the URL to every event type.
type webhookRequest struct {
	Event string `json:"event"`
	URL   string `json:"url"`
}

// webhooksResponse is the body for GET /webhooks.
type webhooksResponse struct {
	Webhooks []events.Subscription `json:"webhooks"`
}

// statusCodeFor maps lifecycle errors onto HTTP status codes.
func statusCodeFor(err error) int {
	var (
		validation  *lifecycle.ValidationError
		conflict    *lifecycle.ConflictError
		notFound    *lifecycle.NotFoundError
		engineErr   *lifecycle.EngineError
		consistency *lifecycle.ConsistencyError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &conflict):
		return http.StatusConflict
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &engineErr):
		return http.StatusBadGateway
	case errors.As(err, &consistency):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
