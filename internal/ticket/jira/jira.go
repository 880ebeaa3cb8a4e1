// Package jira implements incident.TicketingProvider against the Jira Cloud
// REST API (v3).
package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/remedy/internal/incident"
)

const httpTimeout = 15 * time.Second

// Client creates and transitions incident tickets in a Jira project.
type Client struct {
	baseURL    string
	username   string
	apiToken   string
	projectKey string
	issueType  string
	client     *http.Client
	logger     log.Logger
}

// Config holds the Jira connection settings.
type Config struct {
	BaseURL    string
	Username   string
	APIToken   string
	ProjectKey string
	IssueType  string
}

// New creates a Jira ticketing client.
func New(cfg Config, logger log.Logger) *Client {
	if logger == nil {
		logger = log.Nop()
	}
	issueType := cfg.IssueType
	if issueType == "" {
		issueType = "Task"
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		username:   cfg.Username,
		apiToken:   cfg.APIToken,
		projectKey: cfg.ProjectKey,
		issueType:  issueType,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// CreateTicket creates the tracking issue for an incident. The idempotency
// key is attached as a label and searched before creation, so a retried
// stage finds the issue from the earlier attempt instead of filing twice.
func (c *Client) CreateTicket(ctx context.Context, req *incident.TicketRequest) (*incident.TicketRecord, error) {
	idemLabel := labelize(req.IdempotencyKey)

	if existing, err := c.findByLabel(ctx, idemLabel); err != nil {
		c.logger.Warn(ctx, "idempotency lookup failed, proceeding with create", "error", err)
	} else if existing != nil {
		c.logger.Info(ctx, "reusing ticket from earlier attempt", "ticket_key", existing.Key)
		existing.Priority = req.Priority
		return existing, nil
	}

	fields := map[string]any{
		"project":     map[string]any{"key": c.projectKey},
		"summary":     req.Summary,
		"description": toADF(req.Description),
		"issuetype":   map[string]any{"name": c.issueType},
		"priority":    map[string]any{"name": priorityName(req.Priority)},
		"labels":      []string{"remedy-auto", "incident", strings.ToLower(req.IncidentID), idemLabel},
	}

	status, body, err := c.do(ctx, http.MethodPost, "/rest/api/3/issue", map[string]any{"fields": fields})
	if err != nil {
		return nil, incident.TransientError(incident.StageTicketing, err)
	}
	if status == http.StatusBadRequest {
		// some projects use custom priority schemes; retry without priority
		delete(fields, "priority")
		status, body, err = c.do(ctx, http.MethodPost, "/rest/api/3/issue", map[string]any{"fields": fields})
		if err != nil {
			return nil, incident.TransientError(incident.StageTicketing, err)
		}
	}
	if err := classifyStatus(status, body); err != nil {
		return nil, err
	}

	var created struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		return nil, incident.PermanentError(incident.StageTicketing, fmt.Errorf("decode create response: %w", err))
	}
	if created.Key == "" {
		created.Key = "UNKNOWN-0"
	}

	return &incident.TicketRecord{
		Key:      created.Key,
		URL:      fmt.Sprintf("%s/browse/%s", c.baseURL, created.Key),
		Status:   "Open",
		Priority: req.Priority,
	}, nil
}

// TransitionTicket moves the issue to the named status via the transitions
// API, matching the transition by its target status name.
func (c *Client) TransitionTicket(ctx context.Context, key, targetStatus string) error {
	status, body, err := c.do(ctx, http.MethodGet, "/rest/api/3/issue/"+url.PathEscape(key)+"/transitions", nil)
	if err != nil {
		return incident.TransientError(incident.StageTicketing, err)
	}
	if err := classifyStatus(status, body); err != nil {
		return err
	}

	var payload struct {
		Transitions []struct {
			ID string `json:"id"`
			To struct {
				Name string `json:"name"`
			} `json:"to"`
		} `json:"transitions"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return incident.PermanentError(incident.StageTicketing, fmt.Errorf("decode transitions: %w", err))
	}

	var transitionID string
	for _, t := range payload.Transitions {
		if strings.EqualFold(t.To.Name, targetStatus) {
			transitionID = t.ID
			break
		}
	}
	if transitionID == "" {
		return incident.PermanentError(incident.StageTicketing,
			fmt.Errorf("no transition to %q available on %s", targetStatus, key))
	}

	status, body, err = c.do(ctx, http.MethodPost, "/rest/api/3/issue/"+url.PathEscape(key)+"/transitions",
		map[string]any{"transition": map[string]any{"id": transitionID}})
	if err != nil {
		return incident.TransientError(incident.StageTicketing, err)
	}
	return classifyStatus(status, body)
}

// findByLabel searches for an open issue carrying the idempotency label.
func (c *Client) findByLabel(ctx context.Context, label string) (*incident.TicketRecord, error) {
	jql := fmt.Sprintf(`project = %q AND labels = %q ORDER BY created DESC`, c.projectKey, label)
	path := "/rest/api/3/search?maxResults=1&jql=" + url.QueryEscape(jql)

	status, body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("jira search returned %d: %s", status, truncateBody(body))
	}

	var result struct {
		Issues []struct {
			Key    string `json:"key"`
			Fields struct {
				Status struct {
					Name string `json:"name"`
				} `json:"status"`
			} `json:"fields"`
		} `json:"issues"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	if len(result.Issues) == 0 {
		return nil, nil
	}

	issue := result.Issues[0]
	return &incident.TicketRecord{
		Key:    issue.Key,
		URL:    fmt.Sprintf("%s/browse/%s", c.baseURL, issue.Key),
		Status: issue.Fields.Status.Name,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	var reqBody io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("jira: marshal payload: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("jira: create request: %w", err)
	}
	req.SetBasicAuth(c.username, c.apiToken)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("jira: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("jira: read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// classifyStatus maps an HTTP status to the stage error taxonomy: rate
// limits and server errors retry, other non-2xx responses do not.
func classifyStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return incident.TransientError(incident.StageTicketing,
			fmt.Errorf("jira returned %d: %s", status, truncateBody(body)))
	default:
		return incident.PermanentError(incident.StageTicketing,
			fmt.Errorf("jira returned %d: %s", status, truncateBody(body)))
	}
}

// toADF wraps plain text in a minimal Atlassian Document Format body.
func toADF(text string) map[string]any {
	if text == "" {
		text = "Automated incident ticket."
	}
	return map[string]any{
		"type":    "doc",
		"version": 1,
		"content": []map[string]any{{
			"type":    "paragraph",
			"content": []map[string]any{{"type": "text", "text": text}},
		}},
	}
}

// labelize makes an idempotency key safe as a Jira label (no spaces or
// colons allowed).
func labelize(key string) string {
	r := strings.NewReplacer(":", "-", " ", "-")
	return strings.ToLower(r.Replace(key))
}

// priorityName maps internal P1-P4 priorities to default Jira names.
func priorityName(p string) string {
	switch p {
	case "P1":
		return "Highest"
	case "P2":
		return "High"
	case "P3":
		return "Medium"
	default:
		return "Low"
	}
}

func truncateBody(b []byte) string {
	const n = 512
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
