package incident

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/linnemanlabs/remedy/internal/alert"
)

var tracer = otel.Tracer("github.com/linnemanlabs/remedy/internal/incident")

// EngineConfig tunes pipeline execution: merge-gate flags, stage retry
// policy, CI polling, and merge mechanics.
type EngineConfig struct {
	Gate           GateConfig
	Retry          RetryPolicy
	CIPollInterval time.Duration
	CITimeout      time.Duration
	MergeMethod    string
	Project        string
}

// Providers bundles the external collaborators the pipeline drives.
// Notifier is optional; everything else is required.
type Providers struct {
	Triage    TriageProvider
	Analysis  AnalysisProvider
	Ticketing TicketingProvider
	VCS       VCSProvider
	Notifier  Notifier
}

// Engine drives one incident through the ordered/parallel stage sequence,
// updating the record and appending timeline events as it goes. The engine
// itself is stateless; all incident state lives in the Store.
type Engine struct {
	store     Store
	providers Providers
	cfg       EngineConfig
	logger    log.Logger
	hooks     EngineHooks
}

// NewEngine creates a pipeline engine with the given dependencies.
func NewEngine(store Store, p Providers, cfg EngineConfig, logger log.Logger, hooks EngineHooks) *Engine {
	if store == nil {
		panic(xerrors.New("incident store is required"))
	}
	if p.Triage == nil || p.Analysis == nil || p.Ticketing == nil || p.VCS == nil {
		panic(xerrors.New("triage, analysis, ticketing, and vcs providers are required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.CIPollInterval <= 0 {
		cfg.CIPollInterval = 5 * time.Second
	}
	if cfg.CITimeout <= 0 {
		cfg.CITimeout = 10 * time.Minute
	}
	if cfg.MergeMethod == "" {
		cfg.MergeMethod = "squash"
	}
	if cfg.Project == "" {
		cfg.Project = "remedy"
	}
	return &Engine{
		store:     store,
		providers: p,
		cfg:       cfg,
		logger:    logger,
		hooks:     hooks,
	}
}

// timedStage runs one stage call through the retry runner and reports its
// duration and outcome to the metrics hooks.
func timedStage[T any](ctx context.Context, e *Engine, stage Stage, fn func(context.Context) (T, error)) (T, error) {
	start := time.Now()
	out, err := runStage(ctx, e.cfg.Retry, stage, e.hooks.OnRetry, fn)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	if e.hooks.OnStage != nil {
		e.hooks.OnStage(stage, outcome, time.Since(start).Seconds())
	}
	return out, err
}

// Run executes the full pipeline for one incident. It owns the record
// exclusively while the status is processing or merging; if the merge gate
// requires human approval the run suspends by returning, and resumption
// happens through Service.ApproveMerge.
func (e *Engine) Run(ctx context.Context, incidentID string, ev *alert.Event) {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("remedy.incident.id", incidentID),
		attribute.String("remedy.alert.service", ev.ServiceName),
	))
	defer span.End()

	L := e.logger.With("incident_id", incidentID, "service", ev.ServiceName)

	status := e.run(ctx, L, incidentID, ev)

	span.SetAttributes(attribute.String("remedy.incident.status", string(status)))
	if e.hooks.OnRunEnd != nil {
		e.hooks.OnRunEnd(status, time.Since(start).Seconds())
	}
	L.Info(ctx, "pipeline run ended",
		"status", status,
		"duration", time.Since(start).Seconds(),
	)
}

// run returns the incident status when the orchestrator run ends (terminal,
// or awaiting_approval when suspended on the gate).
func (e *Engine) run(ctx context.Context, L log.Logger, incidentID string, ev *alert.Event) Status {
	// Stage 1: triage. A non-actionable alert resolves as suppressed - a
	// valid terminal short-circuit, not a failure.
	va, err := timedStage(ctx, e, StageTriage, func(c context.Context) (*ValidatedAlert, error) {
		return e.providers.Triage.Validate(c, incidentID, ev)
	})
	if err != nil {
		return e.fail(ctx, incidentID, StageTriage, err)
	}

	_, err = e.store.Update(ctx, incidentID, func(in *Incident) error {
		in.Triage = va
		in.Severity = va.Severity
		if va.ServiceName != "" {
			in.ServiceName = va.ServiceName
		}
		in.AppendEvent(TimelineEvent{
			Type:  EventAlertValidated,
			Agent: string(StageTriage),
			Details: map[string]string{
				"actionable": strconv.FormatBool(va.IsActionable),
				"severity":   string(va.Severity),
				"reason":     va.TriageReason,
			},
		})
		if va.Ambiguous {
			in.AppendEvent(TimelineEvent{
				Type:    EventEscalatedToHuman,
				Agent:   string(StageTriage),
				Details: map[string]string{"reason": "triage signals ambiguous"},
			})
		}
		return nil
	})
	if err != nil {
		L.Error(ctx, err, "failed to record triage result")
		return e.fail(ctx, incidentID, StageTriage, err)
	}

	if !va.IsActionable {
		in, uerr := e.store.Update(ctx, incidentID, func(in *Incident) error {
			return in.Transition(StatusResolved, string(StageTriage), map[string]string{
				"outcome": "suppressed",
				"reason":  va.TriageReason,
			})
		})
		if uerr != nil {
			L.Error(ctx, uerr, "failed to resolve suppressed incident")
			return StatusProcessing
		}
		L.Info(ctx, "alert suppressed at triage", "reason", va.TriageReason)
		e.terminal(ctx, in)
		return in.Status
	}

	// Stage 2: root-cause analysis.
	_, err = e.store.Update(ctx, incidentID, func(in *Incident) error {
		in.AppendEvent(TimelineEvent{Type: EventInvestigationStarted, Agent: string(StageAnalysis)})
		return nil
	})
	if err != nil {
		L.Error(ctx, err, "failed to record investigation start")
	}

	analysisStart := time.Now()
	rca, err := timedStage(ctx, e, StageAnalysis, func(c context.Context) (*RootCauseAnalysis, error) {
		return e.providers.Analysis.Analyze(c, incidentID, va, ev)
	})
	if err != nil {
		return e.fail(ctx, incidentID, StageAnalysis, err)
	}

	_, err = e.store.Update(ctx, incidentID, func(in *Incident) error {
		in.Analysis = rca
		in.AppendEvent(TimelineEvent{
			Type:    EventEvidenceCollected,
			Agent:   string(StageAnalysis),
			Details: map[string]string{"evidence_count": strconv.Itoa(len(rca.EvidenceChain))},
		})
		in.AppendEvent(TimelineEvent{
			Type:       EventRootCauseIdentified,
			Agent:      string(StageAnalysis),
			DurationMS: time.Since(analysisStart).Milliseconds(),
			Details: map[string]string{
				"root_cause": rca.RootCause,
				"category":   rca.Category,
				"confidence": strconv.FormatFloat(rca.Confidence, 'f', 2, 64),
			},
		})
		return nil
	})
	if err != nil {
		L.Error(ctx, err, "failed to record analysis result")
		return e.fail(ctx, incidentID, StageAnalysis, err)
	}

	// Stage 3: ticketing and remediation run concurrently with independent
	// inputs. Each failure is recorded on its own; ticketing failure does
	// not block remediation, but remediation failure fails the incident
	// (no PR to gate on) while a created ticket remains as audit artifact.
	tErr, remErr := e.runParallelStages(ctx, L, incidentID, va, rca)

	if remErr != nil {
		cause := remErr
		if tErr != nil {
			cause = fmt.Errorf("remediation: %w (ticketing also failed: %v)", remErr, tErr)
		}
		return e.fail(ctx, incidentID, StageRemediation, cause)
	}
	if tErr != nil {
		L.Warn(ctx, "ticketing failed, continuing with remediation PR", "error", tErr)
	}

	// Stage 4: observe CI until it settles or the pipeline-level timeout
	// elapses.
	status, waitErr := e.waitForCI(ctx, L, incidentID, rca.TargetRepository)
	if waitErr != nil {
		return e.fail(ctx, incidentID, StageRemediation, waitErr)
	}
	if status == CIFailed {
		in, uerr := e.store.Update(ctx, incidentID, func(in *Incident) error {
			in.PRStatus = PRCIFailed
			return in.Fail(StageRemediation, "CI checks failed for remediation PR")
		})
		if uerr != nil {
			L.Error(ctx, uerr, "failed to record CI failure")
			return StatusProcessing
		}
		e.terminal(ctx, in)
		return in.Status
	}

	_, err = e.store.Update(ctx, incidentID, func(in *Incident) error {
		in.PRStatus = PRCIPassed
		return nil
	})
	if err != nil {
		L.Error(ctx, err, "failed to record CI pass")
		return e.fail(ctx, incidentID, StageRemediation, err)
	}

	// Stage 5: merge gate. Auto-merge immediately, or suspend awaiting a
	// human decision - the run ends here and resumes via approve-merge.
	return e.evaluateGateAndFinish(ctx, L, incidentID, va.Severity, rca.TargetRepository)
}

func (e *Engine) runParallelStages(ctx context.Context, L log.Logger, incidentID string, va *ValidatedAlert, rca *RootCauseAnalysis) (ticketErr, remediationErr error) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		ticketErr = e.runTicketing(ctx, L, incidentID, va, rca)
	}()
	go func() {
		defer wg.Done()
		remediationErr = e.runRemediation(ctx, L, incidentID, rca)
	}()

	wg.Wait()
	return ticketErr, remediationErr
}

func (e *Engine) runTicketing(ctx context.Context, L log.Logger, incidentID string, va *ValidatedAlert, rca *RootCauseAnalysis) error {
	req := &TicketRequest{
		IdempotencyKey: IdempotencyKey(incidentID, StageTicketing),
		IncidentID:     incidentID,
		Summary:        ticketSummary(rca),
		Description:    ticketDescription(incidentID, va, rca),
		Priority:       va.Severity.Priority(),
	}

	tkt, err := timedStage(ctx, e, StageTicketing, func(c context.Context) (*TicketRecord, error) {
		return e.providers.Ticketing.CreateTicket(c, req)
	})
	if err != nil {
		if _, uerr := e.store.Update(ctx, incidentID, func(in *Incident) error {
			in.AppendEvent(TimelineEvent{
				Type:    EventTicketFailed,
				Agent:   string(StageTicketing),
				Details: map[string]string{"error": err.Error()},
			})
			return nil
		}); uerr != nil {
			L.Error(ctx, uerr, "failed to record ticketing failure")
		}
		return err
	}

	_, uerr := e.store.Update(ctx, incidentID, func(in *Incident) error {
		in.Ticket = tkt
		in.AppendEvent(TimelineEvent{
			Type:  EventTicketCreated,
			Agent: string(StageTicketing),
			Details: map[string]string{
				"ticket_key": tkt.Key,
				"ticket_url": tkt.URL,
			},
		})
		return nil
	})
	if uerr != nil {
		L.Error(ctx, uerr, "failed to record ticket", "ticket_key", tkt.Key)
		return uerr
	}

	L.Info(ctx, "ticket created", "ticket_key", tkt.Key, "priority", req.Priority)
	return nil
}

func (e *Engine) runRemediation(ctx context.Context, L log.Logger, incidentID string, rca *RootCauseAnalysis) error {
	key := IdempotencyKey(incidentID, StageRemediation)
	branch := branchName(e.cfg.Project, incidentID)
	fixStart := time.Now()

	rem, err := timedStage(ctx, e, StageRemediation, func(c context.Context) (*RemediationRecord, error) {
		if err := e.providers.VCS.CreateBranch(c, &BranchRequest{
			IdempotencyKey: key,
			Repository:     rca.TargetRepository,
			BranchName:     branch,
		}); err != nil {
			return nil, err
		}

		if err := e.providers.VCS.PushFiles(c, &PushRequest{
			IdempotencyKey: key,
			Repository:     rca.TargetRepository,
			BranchName:     branch,
			Path:           rca.TargetFile,
			Content:        fixContent(incidentID, rca),
			CommitMessage:  commitMessage(incidentID, rca),
		}); err != nil {
			return nil, err
		}

		pr, err := e.providers.VCS.CreatePullRequest(c, &PullRequestRequest{
			IdempotencyKey: key,
			Repository:     rca.TargetRepository,
			BranchName:     branch,
			Title:          prTitle(rca),
			Body:           prBody(incidentID, rca),
		})
		if err != nil {
			return nil, err
		}

		return &RemediationRecord{
			Success:    true,
			BranchName: branch,
			PRNumber:   pr.Number,
			PRURL:      pr.URL,
		}, nil
	})
	if err != nil {
		if _, uerr := e.store.Update(ctx, incidentID, func(in *Incident) error {
			in.Remediation = &RemediationRecord{Success: false, BranchName: branch, ErrorMessage: err.Error()}
			in.AppendEvent(TimelineEvent{
				Type:    EventRemediationFailed,
				Agent:   string(StageRemediation),
				Details: map[string]string{"error": err.Error()},
			})
			return nil
		}); uerr != nil {
			L.Error(ctx, uerr, "failed to record remediation failure")
		}
		return err
	}

	_, uerr := e.store.Update(ctx, incidentID, func(in *Incident) error {
		in.Remediation = rem
		in.PRStatus = PRPendingCI
		in.AppendEvent(TimelineEvent{
			Type:       EventFixGenerated,
			Agent:      string(StageRemediation),
			DurationMS: time.Since(fixStart).Milliseconds(),
			Details: map[string]string{
				"target_file": rca.TargetFile,
				"branch":      branch,
			},
		})
		in.AppendEvent(TimelineEvent{
			Type:  EventPRCreated,
			Agent: string(StageRemediation),
			Details: map[string]string{
				"pr_number": strconv.Itoa(rem.PRNumber),
				"pr_url":    rem.PRURL,
			},
		})
		return nil
	})
	if uerr != nil {
		L.Error(ctx, uerr, "failed to record remediation PR", "pr_number", rem.PRNumber)
		return uerr
	}

	L.Info(ctx, "remediation PR opened", "pr_number", rem.PRNumber, "branch", branch)
	return nil
}

// waitForCI polls the VCS provider until CI settles, the pipeline-level
// timeout elapses, or the context is canceled. Poll errors are logged and
// absorbed; the next tick retries.
func (e *Engine) waitForCI(ctx context.Context, L log.Logger, incidentID, repository string) (CIStatus, error) {
	in, ok, err := e.store.Get(ctx, incidentID)
	if err != nil {
		return CIPending, err
	}
	if !ok {
		return CIPending, ErrNotFound
	}
	if in.Remediation == nil || in.Remediation.PRNumber == 0 {
		return CIPending, PermanentError(StageRemediation, errors.New("no PR to observe CI for"))
	}
	prNumber := in.Remediation.PRNumber

	deadline := time.NewTimer(e.cfg.CITimeout)
	defer deadline.Stop()
	tick := time.NewTicker(e.cfg.CIPollInterval)
	defer tick.Stop()

	for {
		status, err := e.providers.VCS.GetCIStatus(ctx, repository, prNumber)
		if err != nil {
			L.Warn(ctx, "CI status poll failed, will retry", "pr_number", prNumber, "error", err)
		} else if status != CIPending {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return CIPending, ctx.Err()
		case <-deadline.C:
			return CIPending, PermanentError(StageRemediation,
				fmt.Errorf("timed out after %s waiting for CI on PR #%d", e.cfg.CITimeout, prNumber))
		case <-tick.C:
		}
	}
}

func (e *Engine) evaluateGateAndFinish(ctx context.Context, L log.Logger, incidentID string, severity Severity, repository string) Status {
	in, ok, err := e.store.Get(ctx, incidentID)
	if err != nil || !ok {
		L.Error(ctx, err, "failed to load incident for gate evaluation")
		return StatusProcessing
	}

	res := EvaluateGate(e.cfg.Gate, in.PRStatus, severity)
	L.Info(ctx, "merge gate evaluated", "decision", res.Decision, "code", res.Code)

	switch res.Decision {
	case DecisionAutoMerge:
		in, err = e.store.Update(ctx, incidentID, func(in *Incident) error {
			return in.Transition(StatusMerging, "gate", map[string]string{
				"decision": string(DecisionAutoMerge),
				"code":     res.Code,
			})
		})
		if err != nil {
			L.Error(ctx, err, "failed to transition to merging")
			return StatusProcessing
		}
		merged, err := e.ExecuteMerge(ctx, incidentID)
		if err != nil {
			L.Error(ctx, err, "auto-merge execution failed")
			return in.Status
		}
		return merged.Status

	case DecisionRequireApproval:
		details := map[string]string{
			"code":   res.Code,
			"reason": res.Reason,
		}
		// Observed review state is operator context on the approval
		// request; the decision itself never depends on it.
		if e.cfg.Gate.RequireCodeownerReview || e.cfg.Gate.RequirePRApproval {
			review, rerr := e.providers.VCS.GetReviewStatus(ctx, repository, in.Remediation.PRNumber)
			if rerr != nil {
				L.Warn(ctx, "review status lookup failed", "error", rerr)
			} else {
				details["review_approved"] = strconv.FormatBool(review.Approved)
				details["codeowner_approved"] = strconv.FormatBool(review.CodeownerApproved)
			}
		}
		in, err = e.store.Update(ctx, incidentID, func(in *Incident) error {
			in.ApprovalStatus = ApprovalPending
			return in.Transition(StatusAwaitingApproval, "gate", details)
		})
		if err != nil {
			L.Error(ctx, err, "failed to transition to awaiting_approval")
			return StatusProcessing
		}
		e.notify(ctx, in)
		return in.Status

	default:
		// CI failed/pending blocks are handled before the gate; reaching
		// here means the record changed underneath us.
		return e.fail(ctx, incidentID, StageMerge, PermanentError(StageMerge,
			fmt.Errorf("merge gate blocked: %s", res.Reason)))
	}
}

// ExecuteMerge performs the merge stage for an incident in merging status.
// It is invoked by the pipeline on auto-merge and by the Service after a
// human approval. Merge failure is recorded as a failed incident, not
// returned as an error.
func (e *Engine) ExecuteMerge(ctx context.Context, incidentID string) (*Incident, error) {
	in, ok, err := e.store.Get(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	if in.Status != StatusMerging {
		return nil, &InvalidStateError{Code: "not_merging", Reason: "incident is not in merging state"}
	}
	if in.ApprovalStatus != ApprovalApproved && in.ApprovalStatus != ApprovalNotRequired {
		return nil, &InvalidStateError{Code: "approval_required", Reason: "merge requires approval"}
	}
	if in.Remediation == nil || in.Remediation.PRNumber == 0 {
		return nil, &InvalidStateError{Code: "pr_not_created", Reason: "PR not created"}
	}

	L := e.logger.With("incident_id", incidentID, "pr_number", in.Remediation.PRNumber)
	repository := in.Analysis.TargetRepository
	prNumber := in.Remediation.PRNumber

	merged, err := timedStage(ctx, e, StageMerge, func(c context.Context) (bool, error) {
		return e.providers.VCS.MergePullRequest(c, repository, prNumber, e.cfg.MergeMethod)
	})
	if err != nil || !merged {
		cause := "merge rejected by provider"
		if err != nil {
			cause = err.Error()
		}
		out, uerr := e.store.Update(ctx, incidentID, func(in *Incident) error {
			return in.Fail(StageMerge, cause)
		})
		if uerr != nil {
			return nil, uerr
		}
		L.Warn(ctx, "merge failed", "cause", cause)
		e.terminal(ctx, out)
		return out, nil
	}

	out, err := e.store.Update(ctx, incidentID, func(in *Incident) error {
		in.PRStatus = PRMerged
		if in.Remediation != nil {
			in.Remediation.PRMerged = true
		}
		in.AppendEvent(TimelineEvent{
			Type:    EventPRMerged,
			Agent:   string(StageMerge),
			Details: map[string]string{"pr_number": strconv.Itoa(prNumber)},
		})
		return in.Transition(StatusResolved, string(StageMerge), map[string]string{
			"pr_number": strconv.Itoa(prNumber),
		})
	})
	if err != nil {
		return nil, err
	}

	// Close the tracking ticket best effort; a ticketing hiccup must not
	// unsettle a resolved incident.
	if out.Ticket != nil {
		if terr := e.providers.Ticketing.TransitionTicket(ctx, out.Ticket.Key, "Done"); terr != nil {
			L.Warn(ctx, "failed to close ticket after merge", "ticket_key", out.Ticket.Key, "error", terr)
		}
	}

	L.Info(ctx, "remediation PR merged, incident resolved")
	e.terminal(ctx, out)
	return out, nil
}

// fail moves the incident to failed with the cause recorded for postmortem.
// A concurrent terminal transition makes this a no-op.
func (e *Engine) fail(ctx context.Context, incidentID string, stage Stage, cause error) Status {
	in, err := e.store.Update(ctx, incidentID, func(in *Incident) error {
		return in.Fail(stage, cause.Error())
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyTerminal) {
			return StatusFailed
		}
		e.logger.Error(ctx, err, "failed to record incident failure",
			"incident_id", incidentID, "stage", stage, "cause", cause)
		return StatusProcessing
	}
	e.logger.Warn(ctx, "incident failed",
		"incident_id", incidentID, "stage", stage, "cause", cause)
	e.terminal(ctx, in)
	return in.Status
}

// terminal reports a terminal transition to metrics and notifies operators.
func (e *Engine) terminal(ctx context.Context, in *Incident) {
	if in == nil || !in.Status.Terminal() {
		return
	}
	if e.hooks.OnTerminal != nil {
		mttr := -1.0
		if d, ok := in.MTTR(); ok {
			mttr = d.Seconds()
		}
		e.hooks.OnTerminal(in.Status, mttr)
	}
	e.notify(ctx, in)
}

func (e *Engine) notify(ctx context.Context, in *Incident) {
	if e.providers.Notifier == nil || in == nil {
		return
	}
	if err := e.providers.Notifier.Notify(ctx, in); err != nil {
		e.logger.Warn(ctx, "notification delivery failed", "incident_id", in.ID, "error", err)
	}
}
