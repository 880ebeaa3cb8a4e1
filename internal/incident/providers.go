package incident

import (
	"context"

	"github.com/linnemanlabs/remedy/internal/alert"
)

// CIStatus is the CI state a VCS provider reports for a pull request.
type CIStatus string

const (
	CIPending CIStatus = "pending"
	CIPassed  CIStatus = "passed"
	CIFailed  CIStatus = "failed"
)

// ReviewStatus is the review state observed from the VCS provider.
// Observed approvals can satisfy the corresponding merge-gate flags.
type ReviewStatus struct {
	Approved          bool
	CodeownerApproved bool
}

// TriageProvider validates a raw alert event into an actionable (or
// suppressed) triage verdict.
type TriageProvider interface {
	Validate(ctx context.Context, incidentID string, ev *alert.Event) (*ValidatedAlert, error)
}

// AnalysisProvider produces a root-cause analysis from a validated alert.
type AnalysisProvider interface {
	Analyze(ctx context.Context, incidentID string, va *ValidatedAlert, ev *alert.Event) (*RootCauseAnalysis, error)
}

// TicketRequest describes the tracking ticket to open for an incident.
type TicketRequest struct {
	IdempotencyKey string
	IncidentID     string
	Summary        string
	Description    string
	Priority       string
}

// TicketingProvider wraps the external ticketing system. CreateTicket must
// honor the idempotency key: a repeat call for the same incident returns the
// previously created ticket instead of opening a second one.
type TicketingProvider interface {
	CreateTicket(ctx context.Context, req *TicketRequest) (*TicketRecord, error)
	TransitionTicket(ctx context.Context, key, targetState string) error
}

// BranchRequest asks the VCS provider to create a remediation branch.
// Creating a branch that already exists is success, not failure.
type BranchRequest struct {
	IdempotencyKey string
	Repository     string
	BranchName     string
}

// PushRequest commits one file's content to a remediation branch.
type PushRequest struct {
	IdempotencyKey string
	Repository     string
	BranchName     string
	Path           string
	Content        string
	CommitMessage  string
}

// PullRequestRequest opens the remediation PR.
type PullRequestRequest struct {
	IdempotencyKey string
	Repository     string
	BranchName     string
	Title          string
	Body           string
}

// PullRequest identifies an open (or reused) pull request.
type PullRequest struct {
	Number int
	URL    string
}

// VCSProvider wraps the version-control/PR system. Every side-effecting call
// carries an idempotency key and must tolerate re-invocation: an existing
// branch or PR for the same key is the prior result, and merging an
// already-merged PR reports merged=true.
type VCSProvider interface {
	CreateBranch(ctx context.Context, req *BranchRequest) error
	PushFiles(ctx context.Context, req *PushRequest) error
	CreatePullRequest(ctx context.Context, req *PullRequestRequest) (*PullRequest, error)
	GetCIStatus(ctx context.Context, repository string, prNumber int) (CIStatus, error)
	GetReviewStatus(ctx context.Context, repository string, prNumber int) (ReviewStatus, error)
	MergePullRequest(ctx context.Context, repository string, prNumber int, method string) (bool, error)
}

// Notifier delivers incident lifecycle notifications (awaiting approval,
// resolved, failed) to operators. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, in *Incident) error
}
