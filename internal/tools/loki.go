package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 500

	// defaultLogWindow is the hour leading up to the incident, where the
	// triggering log lines almost always live. maxLogWindow bounds a single
	// call; longer lookbacks take multiple calls with shifted windows.
	defaultLogWindow = time.Hour
	maxLogWindow     = 6 * time.Hour
)

// failureMarkers are substrings that flag a log line as likely failure
// evidence. The count gives the model a quick signal-to-noise read on the
// window it just queried.
var failureMarkers = []string{"error", "panic", "fatal", "oom", "killed", "timeout", "refused"}

// LokiQuery searches service logs for failure evidence around the incident
// window.
type LokiQuery struct {
	endpoint   string
	tenantID   string
	httpClient *http.Client
}

// NewLokiQuery creates the log-search tool against a Loki endpoint.
func NewLokiQuery(endpoint, tenantID string) *LokiQuery {
	return &LokiQuery{
		endpoint:   endpoint,
		tenantID:   tenantID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (l *LokiQuery) Name() string { return "query_logs" }

func (l *LokiQuery) Description() string {
	return `Search Loki logs with LogQL for the failure evidence behind an incident: panics, stack
traces, OOM kills, connection errors, and deploy markers around the alert window.

Scope the stream selector to the affected service: {service_name="checkout"} or {job="checkout"},
then add line filters: |= "panic" or |~ "OOM|killed". Defaults to the last hour, newest lines
first; a single call spans at most 6 hours.

Prefer exact string matches (|= "exact") over regex (|~); regex with short common alternations
("log", "tmp") matches too broadly and times out. For multiple terms, make multiple calls with |=
rather than one regex with many alternations.`
}

func (l *LokiQuery) Parameters() json.RawMessage {
	return json.RawMessage(`{
        "type": "object",
        "properties": {
            "query": {
                "type": "string",
                "description": "LogQL query expression. Example: {service_name=\"checkout\"} |= \"panic\""
            },
            "start": {
                "type": "string",
                "description": "Start time (RFC3339). Defaults to 1 hour before end."
            },
            "end": {
                "type": "string",
                "description": "End time (RFC3339). Defaults to now."
            },
            "limit": {
                "type": "integer",
                "description": "Maximum log lines to return. Default 100, max 500."
            }
        },
        "required": ["query"]
    }`)
}

// logLine is one flattened log entry. Labels appear on the first line of
// each stream only, to avoid repeating them per line.
type logLine struct {
	Timestamp string            `json:"ts"`
	Line      string            `json:"line"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// logEvidence is the log-search result shape fed back to the model.
type logEvidence struct {
	Source       string    `json:"source"`
	Window       string    `json:"window"`
	StreamCount  int       `json:"stream_count"`
	LineCount    int       `json:"line_count"`
	FlaggedLines int       `json:"flagged_lines"`
	Truncated    bool      `json:"truncated"`
	Lines        []logLine `json:"lines"`
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

type lokiInput struct {
	Query string `json:"query"`
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

func parseLokiInput(params json.RawMessage) (lokiInput, error) {
	var input lokiInput
	if err := json.Unmarshal(params, &input); err != nil {
		return input, fmt.Errorf("invalid params: %w", err)
	}
	if input.Query == "" {
		return input, fmt.Errorf("query is required")
	}

	switch {
	case input.Limit <= 0:
		input.Limit = defaultLogLimit
	case input.Limit > maxLogLimit:
		input.Limit = maxLogLimit
	}

	start, end := investigationWindow(input.Start, input.End, defaultLogWindow, maxLogWindow)
	input.Start = start.Format(time.RFC3339Nano)
	input.End = end.Format(time.RFC3339Nano)
	return input, nil
}

// flattenStreams merges stream entries into a single line list, carrying
// each stream's labels on its first line only.
func flattenStreams(streams []lokiStream, limit int) []logLine {
	lines := make([]logLine, 0, limit)
	for _, stream := range streams {
		includeLabels := true
		for _, entry := range stream.Values {
			if len(entry) < 2 {
				continue
			}
			ll := logLine{Timestamp: entry[0], Line: entry[1]}
			if includeLabels {
				ll.Labels = stream.Stream
				includeLabels = false
			}
			lines = append(lines, ll)
			if len(lines) >= limit {
				return lines
			}
		}
	}
	return lines
}

// countFlagged reports how many lines carry a failure marker.
func countFlagged(lines []logLine) int {
	n := 0
	for _, ll := range lines {
		lower := strings.ToLower(ll.Line)
		for _, marker := range failureMarkers {
			if strings.Contains(lower, marker) {
				n++
				break
			}
		}
	}
	return n
}

func (l *LokiQuery) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	input, err := parseLokiInput(params)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(l.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	u.Path = path.Join(u.Path, "loki/api/v1/query_range")

	q := u.Query()
	q.Set("query", input.Query)
	q.Set("start", input.Start)
	q.Set("end", input.End)
	q.Set("limit", strconv.Itoa(input.Limit))
	q.Set("direction", "backward")
	u.RawQuery = q.Encode()

	body, err := getJSON(ctx, l.httpClient, u, l.tenantID)
	if err != nil {
		return nil, fmt.Errorf("loki query failed: %w", err)
	}

	var lokiResp struct {
		Status string `json:"status"`
		Data   struct {
			ResultType string       `json:"resultType"`
			Result     []lokiStream `json:"result"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &lokiResp); err != nil {
		return body, nil
	}
	if lokiResp.Status != "success" {
		return nil, fmt.Errorf("loki query failed: %s", string(body))
	}

	lines := flattenStreams(lokiResp.Data.Result, input.Limit)

	return json.Marshal(logEvidence{
		Source:       "loki",
		Window:       input.Start + " to " + input.End,
		StreamCount:  len(lokiResp.Data.Result),
		LineCount:    len(lines),
		FlaggedLines: countFlagged(lines),
		Truncated:    len(lines) >= input.Limit,
		Lines:        lines,
	})
}
