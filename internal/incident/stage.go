package incident

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Stage identifies one discrete pipeline step.
type Stage string

const (
	StageTriage      Stage = "triage"
	StageAnalysis    Stage = "analysis"
	StageTicketing   Stage = "ticketing"
	StageRemediation Stage = "remediation"
	StageMerge       Stage = "merge"
)

// IdempotencyKey derives the deterministic token attached to every
// externally side-effecting call for a stage. Providers use it to treat
// re-invocation after a crash or retry as a lookup of the prior result
// rather than a second ticket, branch, or PR.
func IdempotencyKey(incidentID string, stage Stage) string {
	return incidentID + ":" + string(stage)
}

// RetryPolicy bounds stage adapter calls: a per-attempt timeout plus
// exponential backoff with jitter for transient failures.
type RetryPolicy struct {
	MaxAttempts  int
	BaseInterval time.Duration
	MaxInterval  time.Duration
	CallTimeout  time.Duration
}

// DefaultRetryPolicy matches the adapter contract: up to 3 attempts,
// base 1s, capped at 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		BaseInterval: time.Second,
		MaxInterval:  10 * time.Second,
		CallTimeout:  60 * time.Second,
	}
}

// runStage invokes fn with the policy's per-attempt timeout, retrying only
// transient IntegrationErrors. Permanent errors propagate immediately. A
// per-attempt deadline expiry counts as transient; parent context
// cancellation aborts the retry loop.
func runStage[T any](ctx context.Context, policy RetryPolicy, stage Stage, onRetry func(Stage), fn func(context.Context) (T, error)) (T, error) {
	attempt := 0
	op := func() (T, error) {
		attempt++
		if attempt > 1 && onRetry != nil {
			onRetry(stage)
		}

		cctx := ctx
		if policy.CallTimeout > 0 {
			var cancel context.CancelFunc
			cctx, cancel = context.WithTimeout(ctx, policy.CallTimeout)
			defer cancel()
		}

		out, err := fn(cctx)
		if err == nil {
			return out, nil
		}
		if IsTransient(err) {
			return out, err
		}
		// The per-attempt deadline fired but the parent is still live:
		// treat as a transient provider stall.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return out, TransientError(stage, err)
		}
		var ie *IntegrationError
		if !errors.As(err, &ie) {
			err = PermanentError(stage, err)
		}
		return out, backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.BaseInterval
	b.MaxInterval = policy.MaxInterval

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(policy.MaxAttempts)), //nolint:gosec // MaxAttempts is validated small and positive
	)
}
