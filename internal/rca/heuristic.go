package rca

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/remedy/internal/alert"
	"github.com/linnemanlabs/remedy/internal/incident"
)

// Heuristic is a deterministic incident.AnalysisProvider for dev mode: it
// classifies the root cause from the triage signals without an LLM, so the
// full pipeline can run end to end against in-memory providers.
type Heuristic struct {
	repository string
	logger     log.Logger
}

// NewHeuristic creates a heuristic analysis provider targeting the given
// repository for remediation PRs.
func NewHeuristic(repository string, logger log.Logger) *Heuristic {
	if logger == nil {
		logger = log.Nop()
	}
	return &Heuristic{repository: repository, logger: logger}
}

// Analyze classifies the incident from its signal text. It never fails.
func (h *Heuristic) Analyze(ctx context.Context, incidentID string, va *incident.ValidatedAlert, ev *alert.Event) (*incident.RootCauseAnalysis, error) {
	category, rootCause, action := classify(va, ev)

	confidence := va.Confidence
	if confidence > 0.92 {
		confidence = 0.92
	}

	rca := &incident.RootCauseAnalysis{
		RootCause:  rootCause,
		Category:   category,
		Confidence: confidence,
		EvidenceChain: []incident.Evidence{{
			Source:    "triage",
			Timestamp: time.Now().UTC(),
			Content:   va.TriageReason,
		}},
		TargetRepository:  h.repository,
		TargetFile:        targetFile(category, va.ServiceName),
		RecommendedAction: action,
	}

	h.logger.Info(ctx, "heuristic analysis complete",
		"incident_id", incidentID,
		"category", category,
		"confidence", confidence,
	)
	return rca, nil
}

func classify(va *incident.ValidatedAlert, ev *alert.Event) (category, rootCause, action string) {
	text := strings.ToLower(strings.Join([]string{
		va.ErrorType, va.TriageReason, ev.Title, ev.Description,
	}, " "))

	switch {
	case strings.Contains(text, "timeout") || strings.Contains(text, "dependency"):
		return "dependency_failure",
			fmt.Sprintf("Downstream dependency of %s is timing out", va.ServiceName),
			"Add timeout handling and a retry budget around the failing dependency call"
	case strings.Contains(text, "backlog") || strings.Contains(text, "queue"):
		return "resource_exhaustion",
			fmt.Sprintf("Work queue for %s is growing faster than consumers drain it", va.ServiceName),
			"Scale consumer concurrency and add backpressure at the producer"
	case strings.Contains(text, "flapping") || strings.Contains(text, "alternating"):
		return "config_error",
			fmt.Sprintf("Health check for %s flaps under load, causing restart churn", va.ServiceName),
			"Raise the health check failure threshold and grace period"
	default:
		return "code_bug",
			fmt.Sprintf("Unhandled error path in %s request handling", va.ServiceName),
			"Add the missing error handling on the failing request path"
	}
}

func targetFile(category, service string) string {
	switch category {
	case "config_error":
		return fmt.Sprintf("deploy/%s/healthcheck.yaml", service)
	case "resource_exhaustion":
		return fmt.Sprintf("deploy/%s/scaling.yaml", service)
	default:
		return fmt.Sprintf("services/%s/handler.go", service)
	}
}
