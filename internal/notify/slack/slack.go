// Package slack sends incident notifications to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/remedy/internal/incident"
)

const (
	maxRootCauseLen = 3000
	httpTimeout     = 10 * time.Second
)

// Notifier posts incident lifecycle updates to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
}

// New creates a new Slack notifier. If webhookURL is empty, Notify is a no-op.
func New(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
	}
}

// Notify posts the incident's current state to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Notify(ctx context.Context, in *incident.Incident) error {
	if n.webhookURL == "" {
		return nil
	}

	msg := buildMessage(in)

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildMessage(in *incident.Incident) map[string]any {
	blocks := []map[string]any{
		headerBlock(in),
		{"type": "divider"},
		fieldsBlock(in),
	}
	if b := rootCauseBlock(in); b != nil {
		blocks = append(blocks, map[string]any{"type": "divider"}, b)
	}
	if b := linksBlock(in); b != nil {
		blocks = append(blocks, map[string]any{"type": "divider"}, b)
	}
	blocks = append(blocks, map[string]any{"type": "divider"}, contextBlock(in))

	return map[string]any{"blocks": blocks}
}

func headerBlock(in *incident.Incident) map[string]any {
	emoji := statusEmoji(in.Status, in.Severity)
	text := fmt.Sprintf("%s %s: %s on %s", emoji, statusTitle(in.Status), in.ID, in.ServiceName)

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(in *incident.Incident) map[string]any {
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Status:* %s", in.Status),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Severity:* %s", in.Severity),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Service:* %s", in.ServiceName),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Priority:* %s", in.Severity.Priority()),
		},
	}

	if in.Remediation != nil && in.Remediation.PRNumber > 0 {
		fields = append(fields, map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*PR:* #%d (%s)", in.Remediation.PRNumber, in.PRStatus),
		})
	}
	if mttr, ok := in.MTTR(); ok {
		fields = append(fields, map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*MTTR:* %.0fs", mttr.Seconds()),
		})
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func rootCauseBlock(in *incident.Incident) map[string]any {
	var text string
	switch {
	case in.Status == incident.StatusFailed && in.ErrorMessage != "":
		text = fmt.Sprintf("*Failure*\n\n%s", truncate(in.ErrorMessage, maxRootCauseLen))
	case in.Analysis != nil:
		text = fmt.Sprintf("*Root cause* (%s, %.0f%% confidence)\n\n%s",
			in.Analysis.Category, in.Analysis.Confidence*100,
			truncate(in.Analysis.RootCause, maxRootCauseLen))
	default:
		return nil
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": text,
		},
	}
}

func linksBlock(in *incident.Incident) map[string]any {
	var parts []string
	if in.Ticket != nil && in.Ticket.URL != "" {
		parts = append(parts, fmt.Sprintf("<%s|%s>", in.Ticket.URL, in.Ticket.Key))
	}
	if in.Remediation != nil && in.Remediation.PRURL != "" {
		parts = append(parts, fmt.Sprintf("<%s|PR #%d>", in.Remediation.PRURL, in.Remediation.PRNumber))
	}
	if len(parts) == 0 {
		return nil
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": "*Links:* " + strings.Join(parts, " • "),
		},
	}
}

func contextBlock(in *incident.Incident) map[string]any {
	ts := in.UpdatedAt
	if ts.IsZero() {
		ts = in.CreatedAt
	}

	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("remedy • incident %s • %s", in.ID, ts.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func statusTitle(status incident.Status) string {
	switch status {
	case incident.StatusAwaitingApproval:
		return "Approval Needed"
	case incident.StatusResolved:
		return "Incident Resolved"
	case incident.StatusFailed:
		return "Incident Failed"
	default:
		return "Incident Update"
	}
}

func statusEmoji(status incident.Status, severity incident.Severity) string {
	switch status {
	case incident.StatusFailed:
		return "\U0001f534" // red circle
	case incident.StatusResolved:
		return "\U0001f7e2" // green circle
	case incident.StatusAwaitingApproval:
		return "\U0001f7e3" // purple circle
	}
	switch severity {
	case incident.SeverityCritical:
		return "\U0001f534" // red circle
	case incident.SeverityHigh:
		return "\U0001f7e0" // orange circle
	case incident.SeverityMedium:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
