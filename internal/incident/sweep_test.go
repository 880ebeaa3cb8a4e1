package incident_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/remedy/internal/incident"
	"github.com/linnemanlabs/remedy/internal/incident/memstore"
)

func newSweeperFixture(t *testing.T, store incident.Store, cfg incident.SweeperConfig, hooks incident.SweeperHooks) *incident.Sweeper {
	t.Helper()
	engine := incident.NewEngine(store, incident.Providers{
		Triage:    &stubTriage{va: actionableVerdict()},
		Analysis:  &stubAnalysis{rca: sampleRCA()},
		Ticketing: &stubTicketing{},
		VCS:       &stubVCS{mergeResult: true},
	}, testEngineConfig(incident.GateConfig{}), log.Nop(), incident.EngineHooks{})
	svc := incident.NewService(store, engine, log.Nop(), incident.EngineHooks{})
	return incident.NewSweeper(store, svc, cfg, log.Nop(), hooks)
}

func seedAged(t *testing.T, store incident.Store, id string, status incident.Status, age time.Duration) {
	t.Helper()
	then := time.Now().UTC().Add(-age)
	in := &incident.Incident{
		ID:             id,
		Status:         status,
		Severity:       incident.SeverityHigh,
		ServiceName:    "checkout",
		CreatedAt:      then.Add(-time.Minute),
		UpdatedAt:      then,
		ApprovalStatus: incident.ApprovalNotRequired,
		PRStatus:       incident.PRNotCreated,
	}
	if status == incident.StatusAwaitingApproval {
		requested := then
		in.ApprovalStatus = incident.ApprovalPending
		in.ApprovalRequestedAt = &requested
		in.PRStatus = incident.PRCIPassed
		in.Analysis = sampleRCA()
		in.Remediation = &incident.RemediationRecord{Success: true, PRNumber: 101}
	}
	if err := store.Create(context.Background(), in); err != nil {
		t.Fatal(err)
	}
}

func TestSweep_FailsStalledProcessing(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	seedAged(t, store, "INC-STUCK", incident.StatusProcessing, 45*time.Minute)
	seedAged(t, store, "INC-STUCK-MERGE", incident.StatusMerging, 45*time.Minute)
	seedAged(t, store, "INC-FRESH", incident.StatusProcessing, time.Minute)

	var terminal []incident.Status
	sweeper := newSweeperFixture(t, store, incident.SweeperConfig{
		ProcessingTimeout: 30 * time.Minute,
	}, incident.SweeperHooks{
		OnTerminal: func(s incident.Status, _ float64) { terminal = append(terminal, s) },
	})

	sweeper.Sweep(context.Background())

	for _, id := range []string{"INC-STUCK", "INC-STUCK-MERGE"} {
		in := mustGet(t, store, id)
		if in.Status != incident.StatusFailed {
			t.Errorf("%s status = %s, want failed", id, in.Status)
		}
		if !strings.Contains(in.ErrorMessage, "no pipeline progress") {
			t.Errorf("%s error = %q", id, in.ErrorMessage)
		}
		last := in.Timeline()[len(in.Timeline())-1]
		if last.Agent != "sweeper" {
			t.Errorf("%s closed by %q, want sweeper", id, last.Agent)
		}
	}

	if in := mustGet(t, store, "INC-FRESH"); in.Status != incident.StatusProcessing {
		t.Errorf("fresh incident status = %s, want untouched", in.Status)
	}
	if len(terminal) != 2 {
		t.Errorf("terminal hook calls = %d, want 2", len(terminal))
	}
}

func TestSweep_SecondPassIsNoOp(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	seedAged(t, store, "INC-ONCE", incident.StatusProcessing, time.Hour)

	var terminal int
	sweeper := newSweeperFixture(t, store, incident.SweeperConfig{
		ProcessingTimeout: 30 * time.Minute,
	}, incident.SweeperHooks{
		OnTerminal: func(incident.Status, float64) { terminal++ },
	})

	sweeper.Sweep(context.Background())
	sweeper.Sweep(context.Background())

	if terminal != 1 {
		t.Errorf("terminal hook calls = %d, want 1 (already-terminal is a no-op)", terminal)
	}
}

func TestSweep_CountsPendingAndStaleApprovals(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	seedAged(t, store, "INC-WAIT-FRESH", incident.StatusAwaitingApproval, time.Hour)
	seedAged(t, store, "INC-WAIT-STALE", incident.StatusAwaitingApproval, 5*time.Hour)

	var pending, stale int
	sweeper := newSweeperFixture(t, store, incident.SweeperConfig{
		ProcessingTimeout:  30 * time.Minute,
		ApprovalStaleAfter: 4 * time.Hour,
	}, incident.SweeperHooks{
		OnPending: func(n int) { pending = n },
		OnStale:   func(n int) { stale = n },
	})

	sweeper.Sweep(context.Background())

	if pending != 2 {
		t.Errorf("pending = %d, want 2", pending)
	}
	if stale != 1 {
		t.Errorf("stale = %d, want 1", stale)
	}

	// Without an ApprovalTimeout, stale approvals are reported but not expired.
	for _, id := range []string{"INC-WAIT-FRESH", "INC-WAIT-STALE"} {
		if in := mustGet(t, store, id); in.Status != incident.StatusAwaitingApproval {
			t.Errorf("%s status = %s, want awaiting_approval", id, in.Status)
		}
	}
}

func TestSweep_ExpiresTimedOutApprovals(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	seedAged(t, store, "INC-EXPIRE", incident.StatusAwaitingApproval, 3*time.Hour)
	seedAged(t, store, "INC-KEEP", incident.StatusAwaitingApproval, time.Hour)

	sweeper := newSweeperFixture(t, store, incident.SweeperConfig{
		ProcessingTimeout:  30 * time.Minute,
		ApprovalStaleAfter: 4 * time.Hour,
		ApprovalTimeout:    2 * time.Hour,
	}, incident.SweeperHooks{})

	sweeper.Sweep(context.Background())

	expired := mustGet(t, store, "INC-EXPIRE")
	if expired.Status != incident.StatusFailed {
		t.Fatalf("status = %s, want failed", expired.Status)
	}
	if expired.ApprovalStatus != incident.ApprovalRejected {
		t.Errorf("approval = %s, want rejected", expired.ApprovalStatus)
	}
	if !strings.Contains(expired.ErrorMessage, "approval timed out") {
		t.Errorf("error = %q", expired.ErrorMessage)
	}
	rejectedBy := ""
	for _, ev := range expired.Timeline() {
		if ev.Type == incident.EventMergeRejected {
			rejectedBy = ev.Details["rejected_by"]
		}
	}
	if rejectedBy != "sweeper" {
		t.Errorf("rejected_by = %q, want sweeper", rejectedBy)
	}

	if in := mustGet(t, store, "INC-KEEP"); in.Status != incident.StatusAwaitingApproval {
		t.Errorf("young approval expired: %s", in.Status)
	}
}

func TestSweeper_StartStop(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	seedAged(t, store, "INC-LOOP", incident.StatusProcessing, time.Hour)

	sweeper := newSweeperFixture(t, store, incident.SweeperConfig{
		Interval:          5 * time.Millisecond,
		ProcessingTimeout: 30 * time.Minute,
	}, incident.SweeperHooks{})

	sweeper.Start()
	defer sweeper.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if in := mustGet(t, store, "INC-LOOP"); in.Status == incident.StatusFailed {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("sweep loop never closed the stalled incident")
}
