package incident

import (
	"fmt"
	"time"
)

// Status tracks where an incident is in its lifecycle.
type Status string

const (
	// StatusProcessing means the pipeline is running
	StatusProcessing Status = "processing"

	// StatusAwaitingApproval means the PR is gated on a human decision
	StatusAwaitingApproval Status = "awaiting_approval"

	// StatusMerging means an approved or auto-approved merge is executing
	StatusMerging Status = "merging"

	// StatusResolved means finished successfully (or suppressed at triage)
	StatusResolved Status = "resolved"

	// StatusFailed means finished with an unrecoverable error
	StatusFailed Status = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusFailed
}

// validTransitions enumerates the allowed state machine edges.
var validTransitions = map[Status][]Status{
	StatusProcessing:       {StatusAwaitingApproval, StatusMerging, StatusResolved, StatusFailed},
	StatusAwaitingApproval: {StatusMerging, StatusFailed},
	StatusMerging:          {StatusResolved, StatusFailed},
}

// Severity classifies incident impact.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// ParseSeverity normalizes a severity string; unknown values map to high so
// a malformed upstream label never downgrades an incident.
func ParseSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return Severity(s)
	default:
		return SeverityHigh
	}
}

// Priority returns the ticket priority for a severity.
func (s Severity) Priority() string {
	switch s {
	case SeverityCritical:
		return "P1"
	case SeverityHigh:
		return "P2"
	case SeverityMedium:
		return "P3"
	default:
		return "P4"
	}
}

// ApprovalStatus tracks the human-approval half of the merge gate.
type ApprovalStatus string

const (
	ApprovalNotRequired ApprovalStatus = "not_required"
	ApprovalPending     ApprovalStatus = "pending"
	ApprovalApproved    ApprovalStatus = "approved"
	ApprovalRejected    ApprovalStatus = "rejected"
)

// PRStatus tracks the remediation pull request as observed from the VCS.
type PRStatus string

const (
	PRNotCreated PRStatus = "not_created"
	PRPendingCI  PRStatus = "pending_ci"
	PRCIPassed   PRStatus = "ci_passed"
	PRCIFailed   PRStatus = "ci_failed"
	PRMerged     PRStatus = "merged"
)

// ValidatedAlert is the triage stage output. Created once, immutable after.
type ValidatedAlert struct {
	IsActionable      bool     `json:"is_actionable"`
	Ambiguous         bool     `json:"ambiguous,omitempty"`
	Severity          Severity `json:"severity"`
	ServiceName       string   `json:"service_name"`
	ErrorType         string   `json:"error_type"`
	AffectedEndpoints []string `json:"affected_endpoints,omitempty"`
	TriageReason      string   `json:"triage_reason"`
	Score             float64  `json:"score"`
	Confidence        float64  `json:"confidence"`
}

// Evidence is one entry in an analysis evidence chain.
type Evidence struct {
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Content   string    `json:"content"`
}

// RootCauseAnalysis is the analysis stage output, consumed by both
// the ticketing and remediation stages. Immutable once produced.
type RootCauseAnalysis struct {
	RootCause         string     `json:"root_cause"`
	Category          string     `json:"category"`
	EvidenceChain     []Evidence `json:"evidence_chain,omitempty"`
	Confidence        float64    `json:"confidence"`
	TargetRepository  string     `json:"target_repository"`
	TargetFile        string     `json:"target_file"`
	RecommendedAction string     `json:"recommended_action"`
}

// TicketRecord mirrors the ticketing provider's view of the tracking issue.
// Status values come from the provider, never invented locally.
type TicketRecord struct {
	Key      string `json:"key"`
	URL      string `json:"url"`
	Status   string `json:"status"`
	Priority string `json:"priority"`
}

// RemediationRecord tracks the generated fix and its pull request.
type RemediationRecord struct {
	Success      bool   `json:"success"`
	BranchName   string `json:"branch_name,omitempty"`
	PRNumber     int    `json:"pr_number,omitempty"`
	PRURL        string `json:"pr_url,omitempty"`
	PRMerged     bool   `json:"pr_merged"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Incident is the full state of one tracked response to an alert.
type Incident struct {
	ID          string   `json:"id"`
	Status      Status   `json:"status"`
	Severity    Severity `json:"severity"`
	ServiceName string   `json:"service_name"`
	Source      string   `json:"source,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`

	ApprovalStatus      ApprovalStatus `json:"approval_status"`
	ApprovalRequestedAt *time.Time     `json:"approval_requested_at,omitempty"`
	PRStatus            PRStatus       `json:"pr_status"`

	Triage      *ValidatedAlert    `json:"triage,omitempty"`
	Analysis    *RootCauseAnalysis `json:"analysis,omitempty"`
	Ticket      *TicketRecord      `json:"ticket,omitempty"`
	Remediation *RemediationRecord `json:"remediation,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`

	Events []TimelineEvent `json:"events"`
}

// Transition moves the incident to a new status, enforcing the state machine
// edges, and appends exactly one timeline event for the transition. Terminal
// incidents reject every attempt with ErrAlreadyTerminal so repeated
// completion handling stays a no-op.
func (in *Incident) Transition(to Status, agent string, details map[string]string) error {
	if in.Status.Terminal() {
		return ErrAlreadyTerminal
	}
	allowed := false
	for _, next := range validTransitions[in.Status] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return &InvalidStateError{
			Code:   "invalid_transition",
			Reason: fmt.Sprintf("cannot transition from %s to %s", in.Status, to),
		}
	}

	now := time.Now().UTC()
	in.Status = to
	in.UpdatedAt = now

	switch to {
	case StatusAwaitingApproval:
		ts := now
		in.ApprovalRequestedAt = &ts
	case StatusResolved, StatusFailed:
		ts := now
		if ts.Before(in.CreatedAt) {
			ts = in.CreatedAt
		}
		in.ResolvedAt = &ts
	}

	in.AppendEvent(TimelineEvent{
		Type:      transitionEvent(to),
		Agent:     agent,
		Timestamp: now,
		Details:   details,
	})
	return nil
}

// transitionEvent maps a destination status to its timeline marker.
func transitionEvent(to Status) EventType {
	switch to {
	case StatusAwaitingApproval:
		return EventApprovalRequested
	case StatusMerging:
		return EventMergeApproved
	case StatusResolved:
		return EventIncidentResolved
	case StatusFailed:
		return EventIncidentFailed
	default:
		return EventIncidentCreated
	}
}

// Fail is a convenience transition to StatusFailed that records the cause
// and the originating stage for postmortem visibility.
func (in *Incident) Fail(stage Stage, cause string) error {
	in.ErrorMessage = cause
	return in.Transition(StatusFailed, string(stage), map[string]string{
		"stage": string(stage),
		"error": cause,
	})
}

// MTTR returns the time from creation to resolution, or zero and false
// while the incident is still open. Timeline ordering guarantees the
// result is never negative.
func (in *Incident) MTTR() (time.Duration, bool) {
	if in.ResolvedAt == nil {
		return 0, false
	}
	d := in.ResolvedAt.Sub(in.CreatedAt)
	if d < 0 {
		d = 0
	}
	return d, true
}

// Clone returns a deep copy so store implementations can hand out
// snapshots without sharing mutable state.
func (in *Incident) Clone() *Incident {
	cp := *in
	if in.ResolvedAt != nil {
		ts := *in.ResolvedAt
		cp.ResolvedAt = &ts
	}
	if in.ApprovalRequestedAt != nil {
		ts := *in.ApprovalRequestedAt
		cp.ApprovalRequestedAt = &ts
	}
	if in.Triage != nil {
		t := *in.Triage
		t.AffectedEndpoints = append([]string(nil), in.Triage.AffectedEndpoints...)
		cp.Triage = &t
	}
	if in.Analysis != nil {
		a := *in.Analysis
		a.EvidenceChain = append([]Evidence(nil), in.Analysis.EvidenceChain...)
		cp.Analysis = &a
	}
	if in.Ticket != nil {
		t := *in.Ticket
		cp.Ticket = &t
	}
	if in.Remediation != nil {
		r := *in.Remediation
		cp.Remediation = &r
	}
	cp.Events = make([]TimelineEvent, len(in.Events))
	for i, ev := range in.Events {
		cp.Events[i] = ev.clone()
	}
	return &cp
}
