package incident

import (
	"fmt"
	"strings"
)

// branchName derives the remediation branch for an incident:
// fix/<project>-<incident-id-lower>.
func branchName(project, incidentID string) string {
	return fmt.Sprintf("fix/%s-%s", project, strings.ToLower(incidentID))
}

// prTitle derives the remediation PR title: [AUTO] <category>: <root cause>.
func prTitle(rca *RootCauseAnalysis) string {
	return fmt.Sprintf("[AUTO] %s: %s", rca.Category, rca.RootCause)
}

func ticketSummary(rca *RootCauseAnalysis) string {
	return prTitle(rca)
}

func commitMessage(incidentID string, rca *RootCauseAnalysis) string {
	return fmt.Sprintf("fix: %s (%s)", rca.RootCause, incidentID)
}

func ticketDescription(incidentID string, va *ValidatedAlert, rca *RootCauseAnalysis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Incident %s on %s (%s).\n\n", incidentID, va.ServiceName, va.Severity)
	fmt.Fprintf(&b, "Root cause: %s\n", rca.RootCause)
	fmt.Fprintf(&b, "Category: %s (confidence %.2f)\n", rca.Category, rca.Confidence)
	fmt.Fprintf(&b, "Recommended action: %s\n", rca.RecommendedAction)
	if len(va.AffectedEndpoints) > 0 {
		fmt.Fprintf(&b, "Affected endpoints: %s\n", strings.Join(va.AffectedEndpoints, ", "))
	}
	if len(rca.EvidenceChain) > 0 {
		b.WriteString("\nEvidence:\n")
		for _, ev := range rca.EvidenceChain {
			fmt.Fprintf(&b, "- [%s] %s\n", ev.Source, ev.Content)
		}
	}
	return b.String()
}

func prBody(incidentID string, rca *RootCauseAnalysis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Automated remediation for incident %s.\n\n", incidentID)
	fmt.Fprintf(&b, "**Root cause:** %s\n\n", rca.RootCause)
	fmt.Fprintf(&b, "**Category:** %s (confidence %.2f)\n\n", rca.Category, rca.Confidence)
	fmt.Fprintf(&b, "**Recommended action:** %s\n", rca.RecommendedAction)
	if len(rca.EvidenceChain) > 0 {
		b.WriteString("\n**Evidence chain:**\n")
		for _, ev := range rca.EvidenceChain {
			fmt.Fprintf(&b, "- `%s` %s: %s\n", ev.Source, ev.Timestamp.UTC().Format("2006-01-02T15:04:05Z"), ev.Content)
		}
	}
	return b.String()
}

// fixContent renders the remediation change pushed to the target file. Fix
// synthesis beyond the analysis provider's recommendation is out of scope,
// so the committed content carries the recommended change and its rationale
// for the reviewer.
func fixContent(incidentID string, rca *RootCauseAnalysis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Remediation for %s\n\n", incidentID)
	fmt.Fprintf(&b, "Target: %s\n", rca.TargetFile)
	fmt.Fprintf(&b, "Root cause: %s\n", rca.RootCause)
	fmt.Fprintf(&b, "Change: %s\n", rca.RecommendedAction)
	return b.String()
}
