package incident

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// SweeperConfig tunes the background watchdog.
type SweeperConfig struct {
	// Interval between sweeps.
	Interval time.Duration

	// ProcessingTimeout fails incidents stuck in processing or merging with
	// no record update for this long. The pipeline goroutine may have died
	// with the record open; the watchdog closes it out.
	ProcessingTimeout time.Duration

	// ApprovalStaleAfter marks awaiting_approval incidents as stale for
	// alerting once the approval request is older than this.
	ApprovalStaleAfter time.Duration

	// ApprovalTimeout auto-rejects awaiting_approval incidents older than
	// this. Zero disables auto-rejection; stale approvals then wait forever.
	ApprovalTimeout time.Duration
}

// SweeperHooks reports sweep observations. All fields are optional.
type SweeperHooks struct {
	OnPending  func(n int)
	OnStale    func(n int)
	OnTerminal func(status Status, mttrSeconds float64)
}

// SweeperHooks returns hooks that publish sweep observations as metrics.
func (m *Metrics) SweeperHooks() SweeperHooks {
	return SweeperHooks{
		OnPending: func(n int) { m.ApprovalsPending.Set(float64(n)) },
		OnStale:   func(n int) { m.ApprovalsStale.Set(float64(n)) },
		OnTerminal: func(status Status, mttrSeconds float64) {
			m.IncidentsTotal.WithLabelValues(string(status)).Inc()
			if mttrSeconds >= 0 {
				m.MTTRSeconds.Observe(mttrSeconds)
			}
		},
	}
}

// Sweeper is the background watchdog over the incident store: it fails
// stalled pipelines, tracks how many incidents sit on the approval gate,
// and optionally expires approvals that nobody acted on.
type Sweeper struct {
	store  Store
	svc    *Service
	cfg    SweeperConfig
	logger log.Logger
	hooks  SweeperHooks

	stop chan struct{}
	done chan struct{}
}

// NewSweeper creates a sweeper over the given store.
func NewSweeper(store Store, svc *Service, cfg SweeperConfig, logger log.Logger, hooks SweeperHooks) *Sweeper {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 30 * time.Minute
	}
	if cfg.ApprovalStaleAfter <= 0 {
		cfg.ApprovalStaleAfter = 4 * time.Hour
	}
	return &Sweeper{
		store:  store,
		svc:    svc,
		cfg:    cfg,
		logger: logger,
		hooks:  hooks,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the sweep loop in a goroutine.
func (s *Sweeper) Start() {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.Sweep(context.Background())
			}
		}
	}()
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

// Sweep runs one pass over all open incidents.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	all, err := s.store.List(ctx, Filter{})
	if err != nil {
		s.logger.Error(ctx, err, "sweep list failed")
		return
	}

	var pending, stale int
	for _, in := range all {
		switch in.Status {
		case StatusProcessing, StatusMerging:
			if age := now.Sub(in.UpdatedAt); age > s.cfg.ProcessingTimeout {
				s.failStalled(ctx, in.ID, age)
			}

		case StatusAwaitingApproval:
			pending++
			requested := in.UpdatedAt
			if in.ApprovalRequestedAt != nil {
				requested = *in.ApprovalRequestedAt
			}
			age := now.Sub(requested)
			if age > s.cfg.ApprovalStaleAfter {
				stale++
			}
			if s.cfg.ApprovalTimeout > 0 && age > s.cfg.ApprovalTimeout {
				s.expireApproval(ctx, in.ID, age)
			}
		}
	}

	if s.hooks.OnPending != nil {
		s.hooks.OnPending(pending)
	}
	if s.hooks.OnStale != nil {
		s.hooks.OnStale(stale)
	}
	if stale > 0 {
		s.logger.Warn(ctx, "incidents awaiting approval past staleness threshold",
			"stale", stale, "pending", pending, "threshold", s.cfg.ApprovalStaleAfter)
	}
}

// failStalled closes out an incident whose pipeline stopped making progress.
// A concurrent terminal transition makes this a no-op.
func (s *Sweeper) failStalled(ctx context.Context, id string, age time.Duration) {
	cause := fmt.Sprintf("no pipeline progress for %s", age.Truncate(time.Second))
	in, err := s.store.Update(ctx, id, func(in *Incident) error {
		if in.Status != StatusProcessing && in.Status != StatusMerging {
			return ErrAlreadyTerminal
		}
		in.ErrorMessage = cause
		return in.Transition(StatusFailed, "sweeper", map[string]string{
			"error": cause,
		})
	})
	if err != nil {
		if !errors.Is(err, ErrAlreadyTerminal) {
			s.logger.Error(ctx, err, "failed to close stalled incident", "incident_id", id)
		}
		return
	}

	s.logger.Warn(ctx, "stalled incident failed by watchdog", "incident_id", id, "age", age)
	if s.hooks.OnTerminal != nil {
		mttr := -1.0
		if d, ok := in.MTTR(); ok {
			mttr = d.Seconds()
		}
		s.hooks.OnTerminal(in.Status, mttr)
	}
}

// expireApproval rejects an approval request that aged out. The rejection
// goes through the service so the decision is recorded like an operator's.
func (s *Sweeper) expireApproval(ctx context.Context, id string, age time.Duration) {
	reason := fmt.Sprintf("approval timed out after %s", age.Truncate(time.Second))
	if _, err := s.svc.RejectMerge(ctx, id, "sweeper", reason); err != nil {
		var ise *InvalidStateError
		if errors.As(err, &ise) {
			// someone decided between List and here
			return
		}
		s.logger.Error(ctx, err, "failed to expire approval", "incident_id", id)
		return
	}
	s.logger.Warn(ctx, "approval request expired", "incident_id", id, "age", age)
}
