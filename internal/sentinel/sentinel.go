// Package sentinel implements deterministic alert triage: it scores known
// incident signals from the alert payload and decides actionability,
// severity, and confidence without calling a model.
package sentinel

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/remedy/internal/alert"
	"github.com/linnemanlabs/remedy/internal/incident"
)

// signalWeights are the base contribution of each recognized signal.
var signalWeights = map[string]float64{
	alert.SignalErrorRateHigh:     3.0,
	alert.SignalHealthFlapping:    3.0,
	alert.SignalBacklogGrowth:     2.0,
	alert.SignalDependencyTimeout: 2.0,
}

// queueDepthThreshold is the backlog depth above which queue growth counts
// as an incident signal on its own.
const queueDepthThreshold = 200_000

// Sentinel is a deterministic incident.TriageProvider.
type Sentinel struct {
	logger log.Logger
}

// New creates a sentinel triage provider.
func New(logger log.Logger) *Sentinel {
	if logger == nil {
		logger = log.Nop()
	}
	return &Sentinel{logger: logger}
}

// Validate scores the alert's signals and returns the triage verdict.
// It never returns an error: deterministic scoring has no failure mode,
// and an alert with no recognizable signals is simply not actionable.
func (s *Sentinel) Validate(ctx context.Context, incidentID string, ev *alert.Event) (*incident.ValidatedAlert, error) {
	hits := collectSignalHits(ev)
	score := scoreSignals(hits)
	confidence := min(0.95, 0.45+score*0.06)
	ambiguous := score < 2.5 || len(hits) == 0

	va := &incident.ValidatedAlert{
		IsActionable:      score >= 2,
		Ambiguous:         ambiguous,
		Severity:          severityFromScore(score, ev.Labels["severity"]),
		ServiceName:       serviceName(ev),
		ErrorType:         errorType(ev),
		AffectedEndpoints: append([]string(nil), ev.Endpoints...),
		TriageReason:      triageReason(hits),
		Score:             score,
		Confidence:        confidence,
	}

	s.logger.Info(ctx, "alert triaged",
		"incident_id", incidentID,
		"service", va.ServiceName,
		"score", score,
		"severity", va.Severity,
		"actionable", va.IsActionable,
		"ambiguous", ambiguous,
	)
	return va, nil
}

// collectSignalHits counts signal occurrences from the explicit signal list,
// the alert text, and the reported metrics.
func collectSignalHits(ev *alert.Event) map[string]int {
	hits := make(map[string]int)

	for _, sig := range ev.Signals {
		if _, ok := signalWeights[sig]; ok {
			hits[sig]++
		}
	}

	text := strings.ToLower(strings.Join([]string{
		ev.Title,
		ev.Description,
		ev.Labels["alertname"],
		ev.Labels["severity"],
	}, " "))
	if strings.Contains(text, "error") || strings.Contains(text, "5xx") || strings.Contains(text, "higherrorrate") {
		hits[alert.SignalErrorRateHigh]++
	}
	if strings.Contains(text, "flapping") || strings.Contains(text, "alternating") {
		hits[alert.SignalHealthFlapping]++
	}
	if strings.Contains(text, "timeout") || strings.Contains(text, "timed out") {
		hits[alert.SignalDependencyTimeout]++
	}
	if ev.Metrics.QueueDepth > queueDepthThreshold {
		hits[alert.SignalBacklogGrowth]++
	}

	return hits
}

// scoreSignals sums each distinct signal's weight plus 0.5 per repeat hit,
// capped at three repeats per signal.
func scoreSignals(hits map[string]int) float64 {
	var score float64
	for sig, count := range hits {
		w, ok := signalWeights[sig]
		if !ok {
			continue
		}
		score += w
		score += float64(min(max(count-1, 0), 3)) * 0.5
	}
	return score
}

// severityFromScore maps the weighted score to a severity, never downgrading
// below the label severity the alert arrived with. Labels that are not one of
// the four severity values ("warning", "none", ...) carry no floor.
func severityFromScore(score float64, label string) incident.Severity {
	fromScore := incident.SeverityLow
	switch {
	case score >= 6:
		fromScore = incident.SeverityCritical
	case score >= 4:
		fromScore = incident.SeverityHigh
	case score >= 2:
		fromScore = incident.SeverityMedium
	}
	switch fromLabel := incident.Severity(strings.ToLower(label)); fromLabel {
	case incident.SeverityCritical, incident.SeverityHigh, incident.SeverityMedium, incident.SeverityLow:
		if severityRank(fromLabel) > severityRank(fromScore) {
			return fromLabel
		}
	}
	return fromScore
}

func severityRank(s incident.Severity) int {
	switch s {
	case incident.SeverityCritical:
		return 4
	case incident.SeverityHigh:
		return 3
	case incident.SeverityMedium:
		return 2
	default:
		return 1
	}
}

func triageReason(hits map[string]int) string {
	if len(hits) == 0 {
		return "No deterministic incident signals were detected."
	}
	names := make([]string, 0, len(hits))
	for sig := range hits {
		names = append(names, sig)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, sig := range names {
		parts[i] = fmt.Sprintf("%s:%d", sig, hits[sig])
	}
	return "Signals detected: " + strings.Join(parts, ", ")
}

func serviceName(ev *alert.Event) string {
	if ev.ServiceName != "" {
		return ev.ServiceName
	}
	if svc := ev.Labels["service"]; svc != "" {
		return svc
	}
	return "unknown-service"
}

func errorType(ev *alert.Event) string {
	if name := ev.Labels["alertname"]; name != "" {
		return name
	}
	if ev.Title != "" {
		return ev.Title
	}
	return "UnknownAlert"
}
