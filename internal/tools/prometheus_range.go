package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

const (
	// maxRangeSeries and maxRangePoints bound how much trend data one call
	// returns. An incident investigation needs the shape of a handful of
	// series, not the full matrix.
	maxRangeSeries = 10
	maxRangePoints = 40

	// defaultRangeWindow is the hour leading up to now, where the cause of
	// a fresh alert almost always lives. maxRangeWindow bounds a single
	// call; longer lookbacks take multiple calls with shifted windows.
	defaultRangeWindow = time.Hour
	maxRangeWindow     = 6 * time.Hour

	defaultRangeStep = "60s"
)

// PrometheusQueryRange reconstructs how a metric behaved across the
// incident window.
type PrometheusQueryRange struct {
	endpoint   string
	tenantID   string
	httpClient *http.Client
}

// NewPrometheusQueryRange creates the range-query tool against a Prometheus
// or Mimir endpoint.
func NewPrometheusQueryRange(endpoint, tenantID string) *PrometheusQueryRange {
	return &PrometheusQueryRange{
		endpoint:   endpoint,
		tenantID:   tenantID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *PrometheusQueryRange) Name() string { return "query_metrics_range" }

func (p *PrometheusQueryRange) Description() string {
	return `Query Prometheus/Mimir metrics over a time range using PromQL. Use this to pin down when
the incident started, whether it correlates with a deploy or traffic change, and whether the
metric is degrading or recovering.

Defaults to the last hour, which covers most fresh alerts; a single call spans at most 6 hours.
Each matching series comes back with its observed min/max and a downsampled trend.`
}

func (p *PrometheusQueryRange) Parameters() json.RawMessage {
	return json.RawMessage(`{
        "type": "object",
        "properties": {
            "query": {
                "type": "string",
                "description": "PromQL query expression"
            },
            "start": {
                "type": "string",
                "description": "Range start (RFC3339). Defaults to 1 hour before end."
            },
            "end": {
                "type": "string",
                "description": "Range end (RFC3339). Defaults to now."
            },
            "step": {
                "type": "string",
                "description": "Query resolution step (e.g. 60s, 5m). Default 60s."
            }
        },
        "required": ["query"]
    }`)
}

// rangeSeries is one series of a range query, summarized for the model.
type rangeSeries struct {
	Labels map[string]string `json:"labels"`
	Points int               `json:"points"`
	Min    string            `json:"min,omitempty"`
	Max    string            `json:"max,omitempty"`
	// Trend is a downsampled list of [unix_ts, value] pairs.
	Trend [][2]json.RawMessage `json:"trend"`
}

// trendEvidence is the range-query result shape fed back to the model.
type trendEvidence struct {
	Source      string        `json:"source"`
	Window      string        `json:"window"`
	Step        string        `json:"step"`
	SeriesCount int           `json:"series_count"`
	Truncated   bool          `json:"truncated"`
	Series      []rangeSeries `json:"series"`
}

func (p *PrometheusQueryRange) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var input struct {
		Query string `json:"query"`
		Start string `json:"start,omitempty"`
		End   string `json:"end,omitempty"`
		Step  string `json:"step,omitempty"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if input.Query == "" {
		return nil, fmt.Errorf("query is required")
	}
	if input.Step == "" {
		input.Step = defaultRangeStep
	}

	start, end := investigationWindow(input.Start, input.End, defaultRangeWindow, maxRangeWindow)

	u, err := url.Parse(p.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	u.Path = path.Join(u.Path, "api/v1/query_range")

	q := u.Query()
	q.Set("query", input.Query)
	q.Set("start", start.Format(time.RFC3339Nano))
	q.Set("end", end.Format(time.RFC3339Nano))
	q.Set("step", input.Step)
	u.RawQuery = q.Encode()

	body, err := getJSON(ctx, p.httpClient, u, p.tenantID)
	if err != nil {
		return nil, fmt.Errorf("prometheus range query failed: %w", err)
	}

	var promResp struct {
		Status string `json:"status"`
		Data   struct {
			ResultType string `json:"resultType"`
			Result     []struct {
				Metric map[string]string    `json:"metric"`
				Values [][2]json.RawMessage `json:"values"` // [[unix_ts, "value"], ...]
			} `json:"result"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &promResp); err != nil {
		return body, nil
	}
	if promResp.Status != "success" {
		return nil, fmt.Errorf("prometheus range query failed: %s", string(body))
	}

	results := promResp.Data.Result
	truncated := len(results) > maxRangeSeries
	if truncated {
		results = results[:maxRangeSeries]
	}

	series := make([]rangeSeries, 0, len(results))
	for _, r := range results {
		s := rangeSeries{
			Labels: r.Metric,
			Points: len(r.Values),
			Trend:  downsample(r.Values, maxRangePoints),
		}
		s.Min, s.Max = valueBounds(r.Values)
		series = append(series, s)
	}

	return json.Marshal(trendEvidence{
		Source:      "prometheus",
		Window:      start.Format(time.RFC3339) + " to " + end.Format(time.RFC3339),
		Step:        input.Step,
		SeriesCount: len(promResp.Data.Result),
		Truncated:   truncated,
		Series:      series,
	})
}

// downsample keeps at most limit points, evenly strided, always including
// the final point so the model sees the latest state.
func downsample(values [][2]json.RawMessage, limit int) [][2]json.RawMessage {
	if len(values) <= limit {
		return values
	}
	stride := (len(values) + limit - 1) / limit
	out := make([][2]json.RawMessage, 0, limit+1)
	lastKept := -1
	for i := 0; i < len(values); i += stride {
		out = append(out, values[i])
		lastKept = i
	}
	if lastKept != len(values)-1 {
		out = append(out, values[len(values)-1])
	}
	return out
}

// valueBounds reports the min and max sample values of the series, skipping
// NaN markers and samples that do not parse as floats.
func valueBounds(values [][2]json.RawMessage) (string, string) {
	var lo, hi float64
	found := false
	for _, v := range values {
		var raw string
		if err := json.Unmarshal(v[1], &raw); err != nil {
			continue
		}
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(f) {
			continue
		}
		if !found || f < lo {
			lo = f
		}
		if !found || f > hi {
			hi = f
		}
		found = true
	}
	if !found {
		return "", ""
	}
	return strconv.FormatFloat(lo, 'g', -1, 64), strconv.FormatFloat(hi, 'g', -1, 64)
}
