// Package incidentapi exposes the incident lifecycle over HTTP: the alert
// webhook that opens incidents, read endpoints for records, timelines, and
// aggregate stats, and the operator approval commands.
package incidentapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/remedy/internal/alert"
	"github.com/linnemanlabs/remedy/internal/incident"
)

// IncidentService defines the business operations incidentapi needs.
type IncidentService interface {
	CreateIncident(ctx context.Context, ev *alert.Event) (*incident.Incident, error)
	Get(ctx context.Context, id string) (*incident.Incident, bool, error)
	List(ctx context.Context, f incident.Filter) ([]*incident.Incident, error)
	ApproveMerge(ctx context.Context, id, approver string) (*incident.Incident, error)
	RejectMerge(ctx context.Context, id, rejecter, reason string) (*incident.Incident, error)
	Stats(ctx context.Context) (*incident.Stats, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    IncidentService
}

// New creates a new API handler.
func New(logger log.Logger, svc IncidentService) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("incident service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
	}
}

// RegisterWebhookRoutes attaches the alert ingestion endpoint. It is
// registered separately so the router can protect it with the webhook token
// instead of the operator bearer token.
func (a *API) RegisterWebhookRoutes(r chi.Router) {
	r.Post("/webhooks/alert", a.handleAlertWebhook)
}

// RegisterRoutes attaches the operator API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/incidents", a.handleListIncidents)
		r.Get("/incidents/{id}", a.handleGetIncident)
		r.Get("/incidents/{id}/timeline", a.handleGetTimeline)
		r.Post("/incidents/{id}/approve-merge", a.handleApproveMerge)
		r.Post("/incidents/{id}/reject-merge", a.handleRejectMerge)
		r.Get("/stats", a.handleStats)
	})
}

// errorBody is the JSON error envelope every non-2xx response carries.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

// writeServiceError maps the incident package's error taxonomy onto HTTP:
// unknown IDs are 404, command-in-wrong-state is 409 with the state code,
// and anything else is a 500 the caller can retry.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var ise *incident.InvalidStateError
	switch {
	case errors.Is(err, incident.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "incident not found")
	case errors.As(err, &ise):
		writeError(w, http.StatusConflict, ise.Code, ise.Reason)
	case errors.Is(err, incident.ErrAlreadyTerminal):
		writeError(w, http.StatusConflict, "already_terminal", "incident is already resolved or failed")
	default:
		a.logger.Error(r.Context(), err, "request failed", "path", r.URL.Path)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func setIncidentSpanAttrs(r *http.Request, in *incident.Incident) {
	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("remedy.incident.id", in.ID),
		attribute.String("remedy.incident.status", string(in.Status)),
	)
}
