package incident

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/remedy/internal/alert"
)

// Stats aggregates incident counts and resolution timing across the store.
type Stats struct {
	Total            int            `json:"total_incidents"`
	ByStatus         map[Status]int `json:"by_status"`
	BySeverity       map[string]int `json:"by_severity"`
	AwaitingApproval int            `json:"awaiting_approval"`
	AvgMTTRSeconds   float64        `json:"avg_mttr_seconds"`
	ResolvedCount    int            `json:"resolved_count"`
}

// Service is the business boundary for incident operations. HTTP handlers
// talk to the Service; the Service owns record creation, async pipeline
// dispatch, and the approve/reject decisions that resume a gated merge.
type Service struct {
	store  Store
	engine *Engine
	logger log.Logger
	hooks  EngineHooks
}

// NewService creates a new incident service.
func NewService(store Store, engine *Engine, logger log.Logger, hooks EngineHooks) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		store:  store,
		engine: engine,
		logger: logger,
		hooks:  hooks,
	}
}

// CreateIncident opens a new incident for an alert and dispatches the
// pipeline asynchronously. The returned snapshot reflects the record
// immediately after creation, before any stage has run.
func (s *Service) CreateIncident(ctx context.Context, ev *alert.Event) (*Incident, error) {
	id := "INC-" + ulid.Make().String()
	now := time.Now().UTC()

	in := &Incident{
		ID:             id,
		Status:         StatusProcessing,
		Severity:       SeverityHigh,
		ServiceName:    ev.ServiceName,
		Source:         ev.Source,
		CreatedAt:      now,
		UpdatedAt:      now,
		ApprovalStatus: ApprovalNotRequired,
		PRStatus:       PRNotCreated,
	}
	in.AppendEvent(TimelineEvent{
		Type:      EventIncidentCreated,
		Agent:     "service",
		Timestamp: now,
		Details: map[string]string{
			"source": ev.Source,
			"title":  ev.Title,
		},
	})

	if err := s.store.Create(ctx, in); err != nil {
		if s.hooks.OnSubmit != nil {
			s.hooks.OnSubmit("error")
		}
		return nil, err
	}
	if s.hooks.OnSubmit != nil {
		s.hooks.OnSubmit("accepted")
	}

	// kick off the pipeline detached from the request - pass only the ID to
	// avoid sharing the record pointer.
	go s.runPipeline(context.WithoutCancel(ctx), id, ev)

	return in.Clone(), nil
}

func (s *Service) runPipeline(ctx context.Context, id string, ev *alert.Event) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if _, err := s.store.Update(ctx, id, func(in *Incident) error {
			return in.Fail(StageTriage, fmt.Sprintf("pipeline panic: %v", r))
		}); err != nil {
			s.logger.Error(ctx, err, "failed to record pipeline panic", "incident_id", id)
		}
	}()
	s.engine.Run(ctx, id, ev)
}

// Get retrieves one incident by ID.
func (s *Service) Get(ctx context.Context, id string) (*Incident, bool, error) {
	return s.store.Get(ctx, id)
}

// List returns incidents matching the filter, newest first.
func (s *Service) List(ctx context.Context, f Filter) ([]*Incident, error) {
	return s.store.List(ctx, f)
}

// ApproveMerge records a human approval for a gated incident and executes
// the merge. All state checks happen under the store's per-incident lock so
// exactly one of two concurrent approvals wins; the loser gets an
// InvalidStateError naming why.
func (s *Service) ApproveMerge(ctx context.Context, id, approver string) (*Incident, error) {
	_, err := s.store.Update(ctx, id, func(in *Incident) error {
		if err := checkApprovable(in); err != nil {
			return err
		}
		in.ApprovalStatus = ApprovalApproved
		return in.Transition(StatusMerging, "operator", map[string]string{
			"approved_by": approver,
		})
	})
	if err != nil {
		return nil, err
	}
	if s.hooks.OnApproval != nil {
		s.hooks.OnApproval("approved")
	}

	s.logger.Info(ctx, "merge approved", "incident_id", id, "approver", approver)
	return s.engine.ExecuteMerge(ctx, id)
}

// RejectMerge records a human rejection for a gated incident. The incident
// fails terminally; the PR is left open for manual follow-up.
func (s *Service) RejectMerge(ctx context.Context, id, rejecter, reason string) (*Incident, error) {
	out, err := s.store.Update(ctx, id, func(in *Incident) error {
		if err := checkApprovable(in); err != nil {
			return err
		}
		in.ApprovalStatus = ApprovalRejected
		in.ErrorMessage = rejectCause(rejecter, reason)
		in.AppendEvent(TimelineEvent{
			Type:  EventMergeRejected,
			Agent: "operator",
			Details: map[string]string{
				"rejected_by": rejecter,
				"reason":      reason,
			},
		})
		return in.Transition(StatusFailed, "operator", map[string]string{
			"rejected_by": rejecter,
			"reason":      reason,
		})
	})
	if err != nil {
		return nil, err
	}
	if s.hooks.OnApproval != nil {
		s.hooks.OnApproval("rejected")
	}

	s.logger.Info(ctx, "merge rejected", "incident_id", id, "rejecter", rejecter)
	s.engine.terminal(ctx, out)
	return out, nil
}

func rejectCause(rejecter, reason string) string {
	if reason == "" {
		return fmt.Sprintf("merge rejected by %s", rejecter)
	}
	return fmt.Sprintf("merge rejected by %s: %s", rejecter, reason)
}

// checkApprovable validates an approve/reject decision against the
// incident's state, returning a coded InvalidStateError for each distinct
// refusal so clients can tell a stale button from a double-click.
func checkApprovable(in *Incident) error {
	if in.Remediation == nil || in.Remediation.PRNumber == 0 {
		return &InvalidStateError{Code: "pr_not_created", Reason: "no remediation PR exists"}
	}
	if in.PRStatus == PRMerged {
		return &InvalidStateError{Code: "already_merged", Reason: "remediation PR is already merged"}
	}
	if in.Status != StatusAwaitingApproval {
		return &InvalidStateError{Code: "not_awaiting_approval", Reason: fmt.Sprintf("incident is %s", in.Status)}
	}
	if in.PRStatus != PRCIPassed {
		return &InvalidStateError{Code: "ci_not_passed", Reason: fmt.Sprintf("PR CI status is %s", in.PRStatus)}
	}
	switch in.ApprovalStatus {
	case ApprovalPending:
		return nil
	case ApprovalApproved:
		return &InvalidStateError{Code: "already_approved", Reason: "merge already approved"}
	case ApprovalNotRequired:
		return &InvalidStateError{Code: "approval_not_required", Reason: "merge gate did not request approval"}
	default:
		return &InvalidStateError{Code: "approval_pending", Reason: fmt.Sprintf("approval status is %s", in.ApprovalStatus)}
	}
}

// Stats computes aggregate counts over all stored incidents.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	all, err := s.store.List(ctx, Filter{})
	if err != nil {
		return nil, err
	}

	st := &Stats{
		ByStatus:   make(map[Status]int),
		BySeverity: make(map[string]int),
	}
	var mttrSum float64
	for _, in := range all {
		st.Total++
		st.ByStatus[in.Status]++
		if in.Severity != "" {
			st.BySeverity[strings.ToLower(string(in.Severity))]++
		}
		if in.Status == StatusAwaitingApproval {
			st.AwaitingApproval++
		}
		if in.Status == StatusResolved {
			if d, ok := in.MTTR(); ok {
				st.ResolvedCount++
				mttrSum += d.Seconds()
			}
		}
	}
	if st.ResolvedCount > 0 {
		st.AvgMTTRSeconds = mttrSum / float64(st.ResolvedCount)
	}
	return st, nil
}
