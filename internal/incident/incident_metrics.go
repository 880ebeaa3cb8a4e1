package incident

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the incident subsystem.
type Metrics struct {
	IncidentsTotal   *prometheus.CounterVec
	PipelineDuration *prometheus.HistogramVec
	StageDuration    *prometheus.HistogramVec
	StageRetries     *prometheus.CounterVec
	SubmitsTotal     *prometheus.CounterVec
	ApprovalsTotal   *prometheus.CounterVec
	ApprovalsPending prometheus.Gauge
	ApprovalsStale   prometheus.Gauge
	MTTRSeconds      prometheus.Histogram
}

// NewMetrics registers and returns incident metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IncidentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remedy_incidents_total",
			Help: "Total incidents by terminal status.",
		}, []string{"status"}),
		PipelineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "remedy_pipeline_duration_seconds",
			Help:    "Duration of pipeline runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s .. ~2048s
		}, []string{"status"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "remedy_stage_duration_seconds",
			Help:    "Duration of pipeline stage executions in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s .. ~204s
		}, []string{"stage", "outcome"}),
		StageRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remedy_stage_retries_total",
			Help: "Total stage adapter retry attempts by stage.",
		}, []string{"stage"}),
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remedy_submits_total",
			Help: "Total alert submissions by result.",
		}, []string{"result"}),
		ApprovalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remedy_approvals_total",
			Help: "Total merge approval decisions.",
		}, []string{"decision"}),
		ApprovalsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "remedy_approvals_pending",
			Help: "Incidents currently awaiting human approval.",
		}),
		ApprovalsStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "remedy_approvals_stale",
			Help: "Incidents awaiting approval past the staleness threshold.",
		}),
		MTTRSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "remedy_mttr_seconds",
			Help:    "Time from incident creation to resolution in seconds.",
			Buckets: prometheus.ExponentialBuckets(10, 2, 14), // 10s .. ~1.9d
		}),
	}

	reg.MustRegister(
		m.IncidentsTotal,
		m.PipelineDuration,
		m.StageDuration,
		m.StageRetries,
		m.SubmitsTotal,
		m.ApprovalsTotal,
		m.ApprovalsPending,
		m.ApprovalsStale,
		m.MTTRSeconds,
	)

	return m
}

// EngineHooks lets the Engine and Service report progress without depending
// on a metrics backend. All fields are optional.
type EngineHooks struct {
	OnStage    func(stage Stage, outcome string, seconds float64)
	OnRetry    func(stage Stage)
	OnRunEnd   func(status Status, seconds float64)
	OnTerminal func(status Status, mttrSeconds float64)
	OnSubmit   func(result string)
	OnApproval func(decision string)
}

// Hooks returns an EngineHooks that increments the corresponding metrics.
func (m *Metrics) Hooks() EngineHooks {
	return EngineHooks{
		OnStage: func(stage Stage, outcome string, seconds float64) {
			m.StageDuration.WithLabelValues(string(stage), outcome).Observe(seconds)
		},
		OnRetry: func(stage Stage) {
			m.StageRetries.WithLabelValues(string(stage)).Inc()
		},
		OnRunEnd: func(status Status, seconds float64) {
			m.PipelineDuration.WithLabelValues(string(status)).Observe(seconds)
		},
		OnTerminal: func(status Status, mttrSeconds float64) {
			m.IncidentsTotal.WithLabelValues(string(status)).Inc()
			if mttrSeconds >= 0 {
				m.MTTRSeconds.Observe(mttrSeconds)
			}
		},
		OnSubmit: func(result string) {
			m.SubmitsTotal.WithLabelValues(result).Inc()
		},
		OnApproval: func(decision string) {
			m.ApprovalsTotal.WithLabelValues(decision).Inc()
		},
	}
}
