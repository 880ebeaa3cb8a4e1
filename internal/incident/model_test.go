package incident

import (
	"errors"
	"testing"
	"time"
)

func openIncident(status Status) *Incident {
	now := time.Now().UTC()
	return &Incident{
		ID:             "INC-01TEST",
		Status:         status,
		Severity:       SeverityHigh,
		ServiceName:    "checkout",
		CreatedAt:      now.Add(-time.Minute),
		UpdatedAt:      now.Add(-time.Minute),
		ApprovalStatus: ApprovalNotRequired,
		PRStatus:       PRNotCreated,
	}
}

func TestTransition_AllowedEdges(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from Status
		to   Status
	}{
		{StatusProcessing, StatusAwaitingApproval},
		{StatusProcessing, StatusMerging},
		{StatusProcessing, StatusResolved},
		{StatusProcessing, StatusFailed},
		{StatusAwaitingApproval, StatusMerging},
		{StatusAwaitingApproval, StatusFailed},
		{StatusMerging, StatusResolved},
		{StatusMerging, StatusFailed},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			t.Parallel()

			in := openIncident(tt.from)
			if err := in.Transition(tt.to, "test", nil); err != nil {
				t.Fatalf("Transition(%s -> %s) = %v, want nil", tt.from, tt.to, err)
			}
			if in.Status != tt.to {
				t.Errorf("status = %s, want %s", in.Status, tt.to)
			}
			if len(in.Events) != 1 {
				t.Fatalf("events = %d, want 1", len(in.Events))
			}
			if in.UpdatedAt.Before(in.CreatedAt) {
				t.Error("UpdatedAt not advanced")
			}
		})
	}
}

func TestTransition_DisallowedEdges(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from Status
		to   Status
	}{
		{StatusAwaitingApproval, StatusResolved},
		{StatusAwaitingApproval, StatusAwaitingApproval},
		{StatusMerging, StatusAwaitingApproval},
		{StatusMerging, StatusProcessing},
		{StatusProcessing, StatusProcessing},
	}

	for _, tt := range tests {
		in := openIncident(tt.from)
		err := in.Transition(tt.to, "test", nil)

		var ise *InvalidStateError
		if !errors.As(err, &ise) {
			t.Fatalf("Transition(%s -> %s) = %v, want InvalidStateError", tt.from, tt.to, err)
		}
		if ise.Code != "invalid_transition" {
			t.Errorf("code = %q, want invalid_transition", ise.Code)
		}
		if in.Status != tt.from {
			t.Errorf("status changed to %s on rejected transition", in.Status)
		}
		if len(in.Events) != 0 {
			t.Errorf("events appended on rejected transition: %d", len(in.Events))
		}
	}
}

func TestTransition_TerminalRejectsEverything(t *testing.T) {
	t.Parallel()

	for _, from := range []Status{StatusResolved, StatusFailed} {
		for _, to := range []Status{StatusProcessing, StatusAwaitingApproval, StatusMerging, StatusResolved, StatusFailed} {
			in := openIncident(from)
			if err := in.Transition(to, "test", nil); !errors.Is(err, ErrAlreadyTerminal) {
				t.Errorf("Transition(%s -> %s) = %v, want ErrAlreadyTerminal", from, to, err)
			}
		}
	}
}

func TestTransition_RecordsApprovalRequestTime(t *testing.T) {
	t.Parallel()

	in := openIncident(StatusProcessing)
	if err := in.Transition(StatusAwaitingApproval, "gate", nil); err != nil {
		t.Fatal(err)
	}
	if in.ApprovalRequestedAt == nil {
		t.Fatal("ApprovalRequestedAt not set")
	}
	if in.Events[0].Type != EventApprovalRequested {
		t.Errorf("event = %s, want %s", in.Events[0].Type, EventApprovalRequested)
	}
}

func TestTransition_RecordsResolutionTime(t *testing.T) {
	t.Parallel()

	in := openIncident(StatusProcessing)
	if err := in.Transition(StatusResolved, "triage", map[string]string{"outcome": "suppressed"}); err != nil {
		t.Fatal(err)
	}
	if in.ResolvedAt == nil {
		t.Fatal("ResolvedAt not set")
	}
	if in.ResolvedAt.Before(in.CreatedAt) {
		t.Error("ResolvedAt before CreatedAt")
	}
	ev := in.Events[0]
	if ev.Type != EventIncidentResolved {
		t.Errorf("event = %s, want %s", ev.Type, EventIncidentResolved)
	}
	if ev.Details["outcome"] != "suppressed" {
		t.Errorf("details = %v, want outcome=suppressed", ev.Details)
	}
}

func TestFail(t *testing.T) {
	t.Parallel()

	in := openIncident(StatusProcessing)
	if err := in.Fail(StageAnalysis, "provider exploded"); err != nil {
		t.Fatal(err)
	}
	if in.Status != StatusFailed {
		t.Errorf("status = %s, want %s", in.Status, StatusFailed)
	}
	if in.ErrorMessage != "provider exploded" {
		t.Errorf("error message = %q", in.ErrorMessage)
	}
	ev := in.Events[len(in.Events)-1]
	if ev.Type != EventIncidentFailed {
		t.Errorf("event = %s, want %s", ev.Type, EventIncidentFailed)
	}
	if ev.Agent != "analysis" || ev.Details["stage"] != "analysis" {
		t.Errorf("event agent/stage = %q/%q", ev.Agent, ev.Details["stage"])
	}

	// A second Fail on a terminal incident is rejected.
	if err := in.Fail(StageMerge, "again"); !errors.Is(err, ErrAlreadyTerminal) {
		t.Errorf("second Fail = %v, want ErrAlreadyTerminal", err)
	}
}

func TestMTTR(t *testing.T) {
	t.Parallel()

	in := openIncident(StatusProcessing)
	if _, ok := in.MTTR(); ok {
		t.Error("open incident should have no MTTR")
	}

	resolved := in.CreatedAt.Add(90 * time.Second)
	in.ResolvedAt = &resolved
	d, ok := in.MTTR()
	if !ok || d != 90*time.Second {
		t.Errorf("MTTR = %v/%v, want 90s/true", d, ok)
	}

	// A skewed clock can never yield a negative MTTR.
	before := in.CreatedAt.Add(-time.Minute)
	in.ResolvedAt = &before
	d, ok = in.MTTR()
	if !ok || d != 0 {
		t.Errorf("skewed MTTR = %v/%v, want 0/true", d, ok)
	}
}

func TestParseSeverity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Severity
	}{
		{"critical", SeverityCritical},
		{"high", SeverityHigh},
		{"medium", SeverityMedium},
		{"low", SeverityLow},
		{"", SeverityHigh},
		{"CRITICAL", SeverityHigh},
		{"sev1", SeverityHigh},
	}
	for _, tt := range tests {
		if got := ParseSeverity(tt.in); got != tt.want {
			t.Errorf("ParseSeverity(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestSeverityPriority(t *testing.T) {
	t.Parallel()

	tests := []struct {
		sev  Severity
		want string
	}{
		{SeverityCritical, "P1"},
		{SeverityHigh, "P2"},
		{SeverityMedium, "P3"},
		{SeverityLow, "P4"},
		{Severity("bogus"), "P4"},
	}
	for _, tt := range tests {
		if got := tt.sev.Priority(); got != tt.want {
			t.Errorf("%s.Priority() = %s, want %s", tt.sev, got, tt.want)
		}
	}
}

func TestClone_DeepCopy(t *testing.T) {
	t.Parallel()

	in := openIncident(StatusProcessing)
	in.Triage = &ValidatedAlert{
		IsActionable:      true,
		Severity:          SeverityCritical,
		AffectedEndpoints: []string{"/api/checkout"},
	}
	in.Analysis = &RootCauseAnalysis{
		RootCause:     "nil deref",
		Category:      "code_bug",
		EvidenceChain: []Evidence{{Source: "loki", Content: "panic"}},
	}
	in.Ticket = &TicketRecord{Key: "SRE-1"}
	in.Remediation = &RemediationRecord{PRNumber: 7}
	ts := time.Now().UTC()
	in.ResolvedAt = &ts
	in.AppendEvent(TimelineEvent{Type: EventIncidentCreated, Details: map[string]string{"source": "prometheus"}})

	cp := in.Clone()
	cp.Triage.AffectedEndpoints[0] = "mutated"
	cp.Analysis.EvidenceChain[0].Content = "mutated"
	cp.Ticket.Key = "SRE-2"
	cp.Remediation.PRNumber = 99
	*cp.ResolvedAt = ts.Add(time.Hour)
	cp.Events[0].Details["source"] = "mutated"

	if in.Triage.AffectedEndpoints[0] != "/api/checkout" {
		t.Error("clone shares triage endpoints slice")
	}
	if in.Analysis.EvidenceChain[0].Content != "panic" {
		t.Error("clone shares evidence chain")
	}
	if in.Ticket.Key != "SRE-1" {
		t.Error("clone shares ticket record")
	}
	if in.Remediation.PRNumber != 7 {
		t.Error("clone shares remediation record")
	}
	if !in.ResolvedAt.Equal(ts) {
		t.Error("clone shares ResolvedAt pointer")
	}
	if in.Events[0].Details["source"] != "prometheus" {
		t.Error("clone shares event details map")
	}
}

func TestAppendEvent_ClampsBackwardTimestamps(t *testing.T) {
	t.Parallel()

	in := openIncident(StatusProcessing)
	t0 := time.Now().UTC()
	in.AppendEvent(TimelineEvent{Type: EventIncidentCreated, Timestamp: t0})
	in.AppendEvent(TimelineEvent{Type: EventAlertValidated, Timestamp: t0.Add(-time.Hour)})
	in.AppendEvent(TimelineEvent{Type: EventInvestigationStarted, Timestamp: t0.Add(time.Second)})

	if len(in.Events) != 3 {
		t.Fatalf("events = %d, want 3 (clamp, never drop)", len(in.Events))
	}
	for i := 1; i < len(in.Events); i++ {
		if in.Events[i].Timestamp.Before(in.Events[i-1].Timestamp) {
			t.Errorf("timeline not monotonic at %d: %v < %v", i, in.Events[i].Timestamp, in.Events[i-1].Timestamp)
		}
	}
	if !in.Events[1].Timestamp.Equal(t0) {
		t.Errorf("backward event clamped to %v, want %v", in.Events[1].Timestamp, t0)
	}
}

func TestAppendEvent_FillsZeroTimestamp(t *testing.T) {
	t.Parallel()

	in := openIncident(StatusProcessing)
	in.AppendEvent(TimelineEvent{Type: EventIncidentCreated})
	if in.Events[0].Timestamp.IsZero() {
		t.Error("zero timestamp not filled")
	}
}

func TestTimeline_ReturnsCopies(t *testing.T) {
	t.Parallel()

	in := openIncident(StatusProcessing)
	in.AppendEvent(TimelineEvent{Type: EventIncidentCreated, Details: map[string]string{"k": "v"}})

	tl := in.Timeline()
	tl[0].Details["k"] = "mutated"
	if in.Events[0].Details["k"] != "v" {
		t.Error("Timeline shares details map with the incident")
	}
}
