package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"time"
)

// maxInstantSeries caps how many series an instant query feeds back to the
// model. Incident queries matching more are almost always missing a service
// or endpoint selector.
const maxInstantSeries = 25

// PrometheusQuery checks the current value of metrics implicated in an
// incident.
type PrometheusQuery struct {
	endpoint   string
	tenantID   string
	httpClient *http.Client
}

// NewPrometheusQuery creates the instant-query tool against a Prometheus or
// Mimir endpoint.
func NewPrometheusQuery(endpoint, tenantID string) *PrometheusQuery {
	return &PrometheusQuery{
		endpoint:   endpoint,
		tenantID:   tenantID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *PrometheusQuery) Name() string { return "query_metrics" }

func (p *PrometheusQuery) Description() string {
	return `Check the current value of Prometheus/Mimir metrics using PromQL. Use this to confirm
whether the alerting condition still holds (error rate, latency, queue depth, restart counts) and
to compare the affected service against its neighbors.

Scope queries to the incident: filter on the service's job/service labels and, where known, the
affected endpoints. Returns one labeled value per matching series.`
}

func (p *PrometheusQuery) Parameters() json.RawMessage {
	return json.RawMessage(`{
        "type": "object",
        "properties": {
            "query": {
                "type": "string",
                "description": "PromQL query expression. Example: sum(rate(http_requests_total{service=\"checkout\",code=~\"5..\"}[5m]))"
            },
            "time": {
                "type": "string",
                "description": "Evaluation timestamp (RFC3339). Omit for the current state; set it to the alert time to see the state when the incident fired."
            }
        },
        "required": ["query"]
    }`)
}

// instantSample is one series of an instant query, flattened for the model.
type instantSample struct {
	Labels map[string]string `json:"labels"`
	Value  string            `json:"value"`
}

// metricEvidence is the instant-query result shape fed back to the model.
type metricEvidence struct {
	Source      string          `json:"source"`
	ResultType  string          `json:"result_type"`
	SeriesCount int             `json:"series_count"`
	Truncated   bool            `json:"truncated"`
	Samples     []instantSample `json:"samples"`
}

func (p *PrometheusQuery) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var input struct {
		Query string `json:"query"`
		Time  string `json:"time,omitempty"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if input.Query == "" {
		return nil, fmt.Errorf("query is required")
	}

	u, err := url.Parse(p.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	u.Path = path.Join(u.Path, "api/v1/query")

	q := u.Query()
	q.Set("query", input.Query)
	if input.Time != "" {
		q.Set("time", input.Time)
	}
	u.RawQuery = q.Encode()

	body, err := getJSON(ctx, p.httpClient, u, p.tenantID)
	if err != nil {
		return nil, fmt.Errorf("prometheus query failed: %w", err)
	}

	var promResp struct {
		Status string `json:"status"`
		Data   struct {
			ResultType string `json:"resultType"`
			Result     []struct {
				Metric map[string]string `json:"metric"`
				Value  []json.RawMessage `json:"value"` // [unix_ts, "value"]
			} `json:"result"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &promResp); err != nil {
		return body, nil // scalar/string results pass through unshaped
	}
	if promResp.Status != "success" {
		return nil, fmt.Errorf("prometheus query failed: %s", string(body))
	}

	results := promResp.Data.Result
	truncated := len(results) > maxInstantSeries
	if truncated {
		results = results[:maxInstantSeries]
	}

	samples := make([]instantSample, 0, len(results))
	for _, r := range results {
		s := instantSample{Labels: r.Metric}
		if len(r.Value) == 2 {
			_ = json.Unmarshal(r.Value[1], &s.Value)
		}
		samples = append(samples, s)
	}

	return json.Marshal(metricEvidence{
		Source:      "prometheus",
		ResultType:  promResp.Data.ResultType,
		SeriesCount: len(promResp.Data.Result),
		Truncated:   truncated,
		Samples:     samples,
	})
}
