package incidentapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/remedy/internal/incident"
)

const defaultListLimit = 100

func (a *API) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := incident.Filter{
		Status:  incident.Status(q.Get("status")),
		Service: q.Get("service"),
		Limit:   defaultListLimit,
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		f.Limit = n
	}

	incidents, err := a.svc.List(r.Context(), f)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.Int("remedy.incidents.count", len(incidents)))

	writeJSON(w, http.StatusOK, map[string]any{
		"incidents": incidents,
		"count":     len(incidents),
	})
}

func (a *API) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	in, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "incident not found")
		return
	}

	setIncidentSpanAttrs(r, in)
	writeJSON(w, http.StatusOK, in)
}

func (a *API) handleGetTimeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	in, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "incident not found")
		return
	}

	setIncidentSpanAttrs(r, in)
	writeJSON(w, http.StatusOK, map[string]any{
		"incident_id": in.ID,
		"events":      in.Timeline(),
	})
}

func (a *API) handleApproveMerge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		ApprovedBy string `json:"approved_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "request body must be JSON")
		return
	}
	if req.ApprovedBy == "" {
		writeError(w, http.StatusBadRequest, "missing_approver", "approved_by is required")
		return
	}

	in, err := a.svc.ApproveMerge(r.Context(), id, req.ApprovedBy)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	setIncidentSpanAttrs(r, in)
	a.logger.Info(r.Context(), "merge approved",
		"incident_id", in.ID, "approved_by", req.ApprovedBy)
	writeJSON(w, http.StatusOK, in)
}

func (a *API) handleRejectMerge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		RejectedBy string `json:"rejected_by"`
		Reason     string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "request body must be JSON")
		return
	}
	if req.RejectedBy == "" {
		writeError(w, http.StatusBadRequest, "missing_rejecter", "rejected_by is required")
		return
	}

	in, err := a.svc.RejectMerge(r.Context(), id, req.RejectedBy, req.Reason)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	setIncidentSpanAttrs(r, in)
	a.logger.Info(r.Context(), "merge rejected",
		"incident_id", in.ID, "rejected_by", req.RejectedBy, "reason", req.Reason)
	writeJSON(w, http.StatusOK, in)
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.svc.Stats(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
