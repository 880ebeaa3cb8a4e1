package incidentapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/linnemanlabs/remedy/internal/alert"
)

// maxWebhookBody caps alert payloads; monitoring systems send small JSON
// bodies and anything larger is misconfigured or hostile.
const maxWebhookBody = 1 << 20

func (a *API) handleAlertWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "failed to read request body")
		return
	}

	var ev alert.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "request body must be a JSON alert event")
		return
	}
	if ev.Source == "" {
		writeError(w, http.StatusBadRequest, "missing_source", "source is required")
		return
	}

	in, err := a.svc.CreateIncident(r.Context(), &ev)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	setIncidentSpanAttrs(r, in)
	a.logger.Info(r.Context(), "alert accepted",
		"incident_id", in.ID, "source", ev.Source, "service", in.ServiceName)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"incident_id": in.ID,
		"status":      in.Status,
	})
}
