package cfg

import (
	"errors"
	"flag"
	"fmt"
)

// Config holds every runtime setting for the incident orchestrator. Fields
// are bound to flags and filled from REMEDY_-prefixed environment variables.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int

	DatabaseURL string

	APIToken     string
	WebhookToken string

	DevMode bool
	Project string

	ClaudeAPIKey string
	ClaudeModel  string

	PrometheusEndpoint string
	PrometheusTenantID string
	LokiEndpoint       string
	LokiTenantID       string

	SlackWebhookURL string

	JiraBaseURL    string
	JiraUsername   string
	JiraAPIToken   string
	JiraProjectKey string
	JiraIssueType  string

	GitHubToken       string
	GitHubOwner       string
	DefaultRepository string

	RequireCIPass          bool
	RequireCodeownerReview bool
	RequirePRApproval      bool
	MergeMethod            string

	CIPollIntervalSeconds int
	CITimeoutSeconds      int

	StageMaxAttempts      int
	StageTimeoutSeconds   int
	ProcessingTimeoutMin  int
	ApprovalStaleAfterMin int
	ApprovalTimeoutMin    int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")

	fs.StringVar(&c.APIToken, "api-token", "", "bearer token protecting the operator API")
	fs.StringVar(&c.WebhookToken, "webhook-token", "", "token expected in X-Webhook-Token on the alert webhook")

	fs.BoolVar(&c.DevMode, "dev-mode", false, "use deterministic in-process providers instead of Claude/Jira/GitHub")
	fs.StringVar(&c.Project, "project", "remedy", "project name used in branch names")

	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for accessing the Claude LLM provider")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")

	fs.StringVar(&c.PrometheusEndpoint, "prometheus-endpoint", "", "Prometheus endpoint for metrics collection by tool use")
	fs.StringVar(&c.PrometheusTenantID, "prometheus-tenant-id", "", "Prometheus tenant ID for multi-tenant setups")
	fs.StringVar(&c.LokiEndpoint, "loki-endpoint", "", "Loki endpoint for log collection by tool use")
	fs.StringVar(&c.LokiTenantID, "loki-tenant-id", "", "Loki tenant ID for multi-tenant setups")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notifications")

	fs.StringVar(&c.JiraBaseURL, "jira-base-url", "", "Jira Cloud base URL, e.g. https://example.atlassian.net")
	fs.StringVar(&c.JiraUsername, "jira-username", "", "Jira account email for basic auth")
	fs.StringVar(&c.JiraAPIToken, "jira-api-token", "", "Jira API token for basic auth")
	fs.StringVar(&c.JiraProjectKey, "jira-project-key", "SRE", "Jira project key for incident tickets")
	fs.StringVar(&c.JiraIssueType, "jira-issue-type", "Task", "Jira issue type for incident tickets")

	fs.StringVar(&c.GitHubToken, "github-token", "", "GitHub token for remediation PRs")
	fs.StringVar(&c.GitHubOwner, "github-owner", "", "GitHub organization or user owning the target repositories")
	fs.StringVar(&c.DefaultRepository, "default-repository", "", "repository used when root-cause analysis names none")

	fs.BoolVar(&c.RequireCIPass, "require-ci-pass", true, "hold merges for human approval once CI passes")
	fs.BoolVar(&c.RequireCodeownerReview, "require-codeowner-review", false, "hold merges for human approval pending a codeowner review")
	fs.BoolVar(&c.RequirePRApproval, "require-pr-approval", true, "hold merges for human approval pending an approving PR review")
	fs.StringVar(&c.MergeMethod, "merge-method", "squash", "PR merge method: merge, squash, or rebase")

	fs.IntVar(&c.CIPollIntervalSeconds, "ci-poll-interval-seconds", 5, "seconds between CI status polls (1..300)")
	fs.IntVar(&c.CITimeoutSeconds, "ci-timeout-seconds", 900, "seconds to wait for CI before failing the incident (1..7200)")

	fs.IntVar(&c.StageMaxAttempts, "stage-max-attempts", 3, "attempts per pipeline stage before a transient error becomes fatal (1..10)")
	fs.IntVar(&c.StageTimeoutSeconds, "stage-timeout-seconds", 60, "per-attempt timeout for stage provider calls (1..600)")
	fs.IntVar(&c.ProcessingTimeoutMin, "processing-timeout-minutes", 30, "minutes before a stuck processing incident is failed by the sweeper (1..1440)")
	fs.IntVar(&c.ApprovalStaleAfterMin, "approval-stale-after-minutes", 240, "minutes before a pending approval is flagged stale (1..10080)")
	fs.IntVar(&c.ApprovalTimeoutMin, "approval-timeout-minutes", 0, "minutes before a pending approval is auto-rejected (0 = never)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.APIToken == "" {
		errs = append(errs, errors.New("API_TOKEN is required"))
	}
	if c.WebhookToken == "" {
		errs = append(errs, errors.New("WEBHOOK_TOKEN is required"))
	}

	switch c.MergeMethod {
	case "merge", "squash", "rebase":
	default:
		errs = append(errs, fmt.Errorf("invalid MERGE_METHOD %q (must be merge, squash, or rebase)", c.MergeMethod))
	}

	if c.CIPollIntervalSeconds <= 0 || c.CIPollIntervalSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid CI_POLL_INTERVAL_SECONDS %d (must be 1..300)", c.CIPollIntervalSeconds))
	}
	if c.CITimeoutSeconds <= 0 || c.CITimeoutSeconds > 7200 {
		errs = append(errs, fmt.Errorf("invalid CI_TIMEOUT_SECONDS %d (must be 1..7200)", c.CITimeoutSeconds))
	}
	if c.CITimeoutSeconds <= c.CIPollIntervalSeconds {
		errs = append(errs, fmt.Errorf("CI_TIMEOUT_SECONDS %d must be greater than CI_POLL_INTERVAL_SECONDS %d", c.CITimeoutSeconds, c.CIPollIntervalSeconds))
	}

	if c.StageMaxAttempts <= 0 || c.StageMaxAttempts > 10 {
		errs = append(errs, fmt.Errorf("invalid STAGE_MAX_ATTEMPTS %d (must be 1..10)", c.StageMaxAttempts))
	}
	if c.StageTimeoutSeconds <= 0 || c.StageTimeoutSeconds > 600 {
		errs = append(errs, fmt.Errorf("invalid STAGE_TIMEOUT_SECONDS %d (must be 1..600)", c.StageTimeoutSeconds))
	}
	if c.ProcessingTimeoutMin <= 0 || c.ProcessingTimeoutMin > 1440 {
		errs = append(errs, fmt.Errorf("invalid PROCESSING_TIMEOUT_MINUTES %d (must be 1..1440)", c.ProcessingTimeoutMin))
	}
	if c.ApprovalStaleAfterMin <= 0 || c.ApprovalStaleAfterMin > 10080 {
		errs = append(errs, fmt.Errorf("invalid APPROVAL_STALE_AFTER_MINUTES %d (must be 1..10080)", c.ApprovalStaleAfterMin))
	}
	if c.ApprovalTimeoutMin < 0 {
		errs = append(errs, fmt.Errorf("invalid APPROVAL_TIMEOUT_MINUTES %d (must be >= 0)", c.ApprovalTimeoutMin))
	}

	// Live integrations are only required outside dev mode.
	if !c.DevMode {
		if c.ClaudeAPIKey == "" {
			errs = append(errs, errors.New("CLAUDE_API_KEY is required unless DEV_MODE is set"))
		}
		if c.ClaudeModel == "" {
			errs = append(errs, errors.New("CLAUDE_MODEL is required"))
		}
		if c.PrometheusEndpoint == "" {
			errs = append(errs, errors.New("PROMETHEUS_ENDPOINT is required unless DEV_MODE is set"))
		}
		if c.JiraBaseURL == "" || c.JiraUsername == "" || c.JiraAPIToken == "" {
			errs = append(errs, errors.New("JIRA_BASE_URL, JIRA_USERNAME, and JIRA_API_TOKEN are required unless DEV_MODE is set"))
		}
		if c.GitHubToken == "" || c.GitHubOwner == "" {
			errs = append(errs, errors.New("GITHUB_TOKEN and GITHUB_OWNER are required unless DEV_MODE is set"))
		}
		if c.DefaultRepository == "" {
			errs = append(errs, errors.New("DEFAULT_REPOSITORY is required unless DEV_MODE is set"))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
