package incident

import (
	"maps"
	"time"
)

// EventType marks which pipeline step produced a timeline entry.
type EventType string

const (
	EventIncidentCreated      EventType = "incident_created"
	EventAlertValidated       EventType = "alert_validated"
	EventEscalatedToHuman     EventType = "escalated_to_human"
	EventInvestigationStarted EventType = "investigation_started"
	EventEvidenceCollected    EventType = "evidence_collected"
	EventRootCauseIdentified  EventType = "root_cause_identified"
	EventTicketCreated        EventType = "ticket_created"
	EventFixGenerated         EventType = "fix_generated"
	EventPRCreated            EventType = "pr_created"
	EventApprovalRequested    EventType = "approval_requested"
	EventMergeApproved        EventType = "merge_approved"
	EventMergeRejected        EventType = "merge_rejected"
	EventTicketFailed         EventType = "ticket_failed"
	EventRemediationFailed    EventType = "remediation_failed"
	EventPRMerged             EventType = "pr_merged"
	EventIncidentResolved     EventType = "incident_resolved"
	EventIncidentFailed       EventType = "incident_failed"
)

// TimelineEvent is one entry in an incident's audit timeline. The timeline is
// append-only and its ordering is the source of truth for MTTR.
type TimelineEvent struct {
	Type       EventType         `json:"event_type"`
	Agent      string            `json:"agent"`
	Timestamp  time.Time         `json:"timestamp"`
	DurationMS int64             `json:"duration_ms,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
}

func (ev TimelineEvent) clone() TimelineEvent {
	cp := ev
	if ev.Details != nil {
		cp.Details = maps.Clone(ev.Details)
	}
	return cp
}

// AppendEvent adds an event to the incident's timeline. Appending never fails
// and never reorders: a timestamp earlier than the last appended event is
// clamped to the last event's timestamp so the timeline stays non-decreasing
// (clamp rather than reject - a skewed clock must not lose audit entries).
func (in *Incident) AppendEvent(ev TimelineEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if n := len(in.Events); n > 0 && ev.Timestamp.Before(in.Events[n-1].Timestamp) {
		ev.Timestamp = in.Events[n-1].Timestamp
	}
	in.Events = append(in.Events, ev)
}

// Timeline returns a copy of the incident's timeline events in append order.
func (in *Incident) Timeline() []TimelineEvent {
	out := make([]TimelineEvent, len(in.Events))
	for i, ev := range in.Events {
		out[i] = ev.clone()
	}
	return out
}
