package pipeline

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/driftpost/driftpost-backend/internal/logger"
	pkgerrors "github.com/driftpost/driftpost-backend/internal/pkg/errors"
	"github.com/driftpost/driftpost-backend/internal/utils"
)

// Outcome is the retry engine's disposition after all in-process handling.
type Outcome string

const (
	// OutcomeOK: the operation eventually succeeded.
	OutcomeOK Outcome = "ok"
	// OutcomeDeferred: the item should be parked and re-claimed later
	// (quota exhausted). No retry budget was consumed.
	OutcomeDeferred Outcome = "deferred"
	// OutcomeEscalate: retries exhausted or an unrecoverable technical
	// failure. The item goes to manual review.
	OutcomeEscalate Outcome = "escalate"
	// OutcomeReject: the failure condemns the content itself. The item
	// goes to rejected.
	OutcomeReject Outcome = "reject"
)

// RetryPolicy tunes the per-kind handling. Zero values are filled by
// DefaultRetryPolicy.
type RetryPolicy struct {
	MaxTransientAttempts int
	BaseBackoff          time.Duration
	MaxBackoff           time.Duration
	JitterFraction       float64
	// DefaultRateReset applies when a rate-limited response carries no
	// provider hint.
	DefaultRateReset time.Duration
	// QuotaDeferral is how long an item is parked when the daily or billing
	// quota is gone.
	QuotaDeferral time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxTransientAttempts: 3,
		BaseBackoff:          2 * time.Second,
		MaxBackoff:           60 * time.Second,
		JitterFraction:       0.2,
		DefaultRateReset:     60 * time.Second,
		QuotaDeferral:        time.Hour,
	}
}

func RetryPolicyFromEnv(log *logger.Logger) RetryPolicy {
	p := DefaultRetryPolicy()
	p.MaxTransientAttempts = utils.GetEnvAsInt("RETRY_MAX_TRANSIENT_ATTEMPTS", p.MaxTransientAttempts, log)
	p.BaseBackoff = time.Duration(utils.GetEnvAsInt("RETRY_BASE_BACKOFF_SECONDS", int(p.BaseBackoff/time.Second), log)) * time.Second
	p.MaxBackoff = time.Duration(utils.GetEnvAsInt("RETRY_MAX_BACKOFF_SECONDS", int(p.MaxBackoff/time.Second), log)) * time.Second
	p.DefaultRateReset = time.Duration(utils.GetEnvAsInt("RETRY_DEFAULT_RATE_RESET_SECONDS", int(p.DefaultRateReset/time.Second), log)) * time.Second
	p.QuotaDeferral = time.Duration(utils.GetEnvAsInt("RETRY_QUOTA_DEFERRAL_MINUTES", int(p.QuotaDeferral/time.Minute), log)) * time.Minute
	return p
}

// RetryResult is what the orchestrator acts on.
type RetryResult struct {
	Outcome  Outcome
	Attempts int
	Kind     pkgerrors.FailureKind
	Err      error
	// ResumeAt is set for OutcomeDeferred.
	ResumeAt *time.Time
}

// Fixup runs between a permanent-technical failure and its single retry
// (payload shrink, field re-encode). Nil means no fixup is possible and the
// failure escalates immediately.
type Fixup func(ctx context.Context) error

/*
RetryEngine owns every retry decision in the system. Clients classify
failures at the edge and return immediately; nothing below this layer sleeps
or re-invokes on its own.
	- transient: exponential backoff with jitter, bounded attempts, then
	  escalate.
	- rate_limited: wait out the provider reset (or the default), retry
	  exactly once, then escalate.
	- quota_exhausted: defer without consuming any attempt budget.
	- permanent_content: reject immediately, zero retries.
	- permanent_technical: one retry after fixup, then escalate.
	- invariant_violation: escalate immediately, never retried.
*/
type RetryEngine struct {
	log    *logger.Logger
	policy RetryPolicy
	sleep  func(time.Duration)
	jitter func() float64
}

func NewRetryEngine(log *logger.Logger, policy RetryPolicy) *RetryEngine {
	return &RetryEngine{
		log:    log.With("component", "RetryEngine"),
		policy: policy,
		sleep:  time.Sleep,
		jitter: rand.Float64,
	}
}

func (e *RetryEngine) backoff(failures int) time.Duration {
	d := time.Duration(float64(e.policy.BaseBackoff) * math.Pow(2, float64(failures-1)))
	if d > e.policy.MaxBackoff {
		d = e.policy.MaxBackoff
	}
	if e.policy.JitterFraction > 0 {
		d += time.Duration(e.jitter() * e.policy.JitterFraction * float64(d))
	}
	return d
}

func (e *RetryEngine) wait(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.sleep(d)
	return ctx.Err()
}

// Execute runs op under the retry discipline above. It only returns once the
// operation succeeded or a final disposition is known.
func (e *RetryEngine) Execute(ctx context.Context, op func(ctx context.Context) error, fixup Fixup) RetryResult {
	transientFailures := 0
	rateRetried := false
	fixupTried := false
	attempts := 0
	var lastErr error
	var lastKind pkgerrors.FailureKind

	for {
		attempts++
		err := op(ctx)
		if err == nil {
			// Err carries the last failure of a recovered run so the caller
			// can record it as resolved.
			return RetryResult{Outcome: OutcomeOK, Attempts: attempts, Kind: lastKind, Err: lastErr}
		}

		kind := pkgerrors.Classify(err)
		lastErr, lastKind = err, kind
		switch kind {
		case pkgerrors.KindTransient:
			transientFailures++
			if transientFailures > e.policy.MaxTransientAttempts {
				e.log.Warn("Transient retries exhausted", "failures", transientFailures, "error", err)
				return RetryResult{Outcome: OutcomeEscalate, Attempts: attempts, Kind: kind, Err: err}
			}
			d := e.backoff(transientFailures)
			e.log.Debug("Transient failure, backing off", "failure", transientFailures, "backoff", d, "error", err)
			if waitErr := e.wait(ctx, d); waitErr != nil {
				return RetryResult{Outcome: OutcomeEscalate, Attempts: attempts, Kind: kind, Err: waitErr}
			}

		case pkgerrors.KindRateLimited:
			if rateRetried {
				e.log.Warn("Rate limited again after reset wait", "error", err)
				return RetryResult{Outcome: OutcomeEscalate, Attempts: attempts, Kind: kind, Err: err}
			}
			rateRetried = true
			reset := e.policy.DefaultRateReset
			if hint, ok := pkgerrors.ResetHint(err); ok {
				reset = hint
			}
			e.log.Info("Rate limited, waiting for provider reset", "reset", reset)
			if waitErr := e.wait(ctx, reset); waitErr != nil {
				return RetryResult{Outcome: OutcomeEscalate, Attempts: attempts, Kind: kind, Err: waitErr}
			}

		case pkgerrors.KindQuotaExhausted:
			resumeAt := time.Now().Add(e.policy.QuotaDeferral)
			e.log.Info("Quota exhausted, deferring", "resume_at", resumeAt)
			return RetryResult{Outcome: OutcomeDeferred, Attempts: attempts, Kind: kind, Err: err, ResumeAt: &resumeAt}

		case pkgerrors.KindPermanentContent:
			return RetryResult{Outcome: OutcomeReject, Attempts: attempts, Kind: kind, Err: err}

		case pkgerrors.KindPermanentTechnical:
			if fixupTried || fixup == nil {
				return RetryResult{Outcome: OutcomeEscalate, Attempts: attempts, Kind: kind, Err: err}
			}
			fixupTried = true
			if fixErr := fixup(ctx); fixErr != nil {
				e.log.Warn("Fixup failed", "error", fixErr)
				return RetryResult{Outcome: OutcomeEscalate, Attempts: attempts, Kind: kind, Err: err}
			}

		case pkgerrors.KindInvariantViolation:
			e.log.Error("Invariant violation", "error", err)
			return RetryResult{Outcome: OutcomeEscalate, Attempts: attempts, Kind: kind, Err: err}

		default:
			return RetryResult{Outcome: OutcomeEscalate, Attempts: attempts, Kind: kind, Err: err}
		}
	}
}
