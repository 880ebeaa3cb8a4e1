// Package alert defines the inbound alert event payload accepted by the
// webhook endpoint. Events arrive pre-parsed from monitoring systems; the
// sentinel decides whether they are actionable.
package alert

import "time"

// Event is a single alert notification from a monitoring source.
type Event struct {
	Source      string            `json:"source"`
	ServiceName string            `json:"service_name"`
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	Signals     []string          `json:"signals,omitempty"`
	Metrics     Metrics           `json:"metrics,omitempty"`
	Endpoints   []string          `json:"endpoints,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	StartsAt    time.Time         `json:"starts_at,omitempty"`
}

// Metrics carries the numeric observations attached to an alert event.
// Zero values mean "not reported".
type Metrics struct {
	ErrorRate    float64 `json:"error_rate,omitempty"`
	LatencyP99MS float64 `json:"latency_p99_ms,omitempty"`
	QueueDepth   int64   `json:"queue_depth,omitempty"`
	TimeoutRate  float64 `json:"timeout_rate,omitempty"`
}

// Known signal names emitted by monitoring sources. Anything else is
// ignored by the sentinel scoring pass.
const (
	SignalErrorRateHigh     = "error_rate_high"
	SignalHealthFlapping    = "health_flapping"
	SignalBacklogGrowth     = "backlog_growth"
	SignalDependencyTimeout = "dependency_timeout"
)
