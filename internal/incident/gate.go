package incident

// GateConfig holds the merge-gate policy flags. Setting any flag routes the
// incident to a human decision before its PR may merge.
type GateConfig struct {
	RequireCIPass          bool
	RequireCodeownerReview bool
	RequirePRApproval      bool
}

// gated reports whether any policy flag is set.
func (g GateConfig) gated() bool {
	return g.RequireCIPass || g.RequireCodeownerReview || g.RequirePRApproval
}

// GateDecision is the outcome of a merge-gate evaluation.
type GateDecision string

const (
	// DecisionAutoMerge permits merging immediately.
	DecisionAutoMerge GateDecision = "auto_merge"

	// DecisionRequireApproval holds the incident for a human decision.
	DecisionRequireApproval GateDecision = "require_approval"

	// DecisionBlock holds (or, when terminal, fails) the incident.
	DecisionBlock GateDecision = "block"
)

// GateResult carries the decision plus a machine-readable code for the
// timeline and API responses. Terminal marks a block that can never clear
// (CI failed), as opposed to one that is still in flight.
type GateResult struct {
	Decision GateDecision
	Terminal bool
	Code     string
	Reason   string
}

// EvaluateGate is the pure merge-gate policy. Auto-merge is permitted only
// when CI has passed and none of the gate flags is set; any set flag routes
// the incident to human approval once CI has passed. CI still pending blocks
// without failing; CI failed blocks terminally. Severity is recorded for
// operator context; it does not alter the decision.
func EvaluateGate(cfg GateConfig, prStatus PRStatus, severity Severity) GateResult {
	switch prStatus {
	case PRMerged:
		return GateResult{Decision: DecisionBlock, Code: "already_merged", Reason: "PR already merged"}
	case PRCIFailed:
		return GateResult{Decision: DecisionBlock, Terminal: true, Code: "ci_failed", Reason: "CI checks failed"}
	case PRNotCreated:
		return GateResult{Decision: DecisionBlock, Code: "pr_not_created", Reason: "PR not created"}
	case PRPendingCI:
		return GateResult{Decision: DecisionBlock, Code: "ci_pending", Reason: "CI checks are not complete"}
	}

	if cfg.gated() {
		return GateResult{
			Decision: DecisionRequireApproval,
			Code:     "approval_pending",
			Reason:   "manual approval is pending (severity " + string(severity) + ")",
		}
	}

	return GateResult{Decision: DecisionAutoMerge, Code: "eligible", Reason: "PR merge is allowed"}
}
