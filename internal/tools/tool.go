// Package tools implements the evidence-gathering capabilities offered to
// the model during root-cause analysis. Each tool queries one observability
// backend, trims the response to what an incident investigation needs, and
// tags it with a source the model can cite in its evidence chain.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Tool is a single investigation capability.
type Tool interface {
	Name() string
	Description() string
	Parameters() json.RawMessage // JSON Schema
	Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error)
}

// ToolDef is the tool definition format the model API expects.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Registry holds the tools available to an analysis run.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, keyed by its Name. A later registration under the
// same name replaces the earlier one.
func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// ToToolDefs returns the registered tools as model API tool definitions.
func (r *Registry) ToToolDefs() []ToolDef {
	out := make([]ToolDef, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.Parameters(),
		})
	}
	return out
}

// maxToolResponse caps how much of a backend response a tool will read.
const maxToolResponse = 5 << 20 // 5 MB

// getJSON issues the query and returns the response body. tenantID, when
// non-empty, is sent as the X-Scope-OrgID multi-tenancy header.
func getJSON(ctx context.Context, client *http.Client, u *url.URL, tenantID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if tenantID != "" {
		req.Header.Set("X-Scope-OrgID", tenantID)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxToolResponse))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// investigationWindow normalizes the time window of a query. Missing bounds
// default to the fallback duration ending now, and the window is clamped to
// limit so a single tool call cannot scan days of data.
func investigationWindow(start, end string, fallback, limit time.Duration) (time.Time, time.Time) {
	endT := time.Now().UTC()
	if end != "" {
		if t, err := time.Parse(time.RFC3339, end); err == nil {
			endT = t.UTC()
		}
	}
	startT := endT.Add(-fallback)
	if start != "" {
		if t, err := time.Parse(time.RFC3339, start); err == nil {
			startT = t.UTC()
		}
	}
	if endT.Sub(startT) > limit {
		startT = endT.Add(-limit)
	}
	return startT, endT
}
