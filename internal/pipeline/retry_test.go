package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/driftpost/driftpost-backend/internal/logger"
	pkgerrors "github.com/driftpost/driftpost-backend/internal/pkg/errors"
)

func testEngine(t *testing.T) (*RetryEngine, *[]time.Duration) {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger init: %v", err)
	}
	engine := NewRetryEngine(log, DefaultRetryPolicy())
	sleeps := &[]time.Duration{}
	engine.sleep = func(d time.Duration) { *sleeps = append(*sleeps, d) }
	engine.jitter = func() float64 { return 0 }
	return engine, sleeps
}

func TestRetryEngine_TransientRecoversWithBackoff(t *testing.T) {
	engine, sleeps := testEngine(t)
	calls := 0
	res := engine.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return pkgerrors.Transient(errors.New("connection reset"))
		}
		return nil
	}, nil)
	if res.Outcome != OutcomeOK {
		t.Fatalf("expected ok, got %q (%v)", res.Outcome, res.Err)
	}
	if calls != 3 || res.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got calls=%d attempts=%d", calls, res.Attempts)
	}
	if len(*sleeps) != 2 {
		t.Fatalf("expected 2 backoff sleeps, got %d", len(*sleeps))
	}
	if (*sleeps)[1] != 2*(*sleeps)[0] {
		t.Fatalf("expected exponential backoff, got %v then %v", (*sleeps)[0], (*sleeps)[1])
	}
}

func TestRetryEngine_TransientExhaustionEscalates(t *testing.T) {
	engine, _ := testEngine(t)
	calls := 0
	res := engine.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return pkgerrors.Transient(errors.New("still down"))
	}, nil)
	if res.Outcome != OutcomeEscalate {
		t.Fatalf("expected escalate, got %q", res.Outcome)
	}
	// 3 retried failures plus the one that breaks the budget.
	if calls != 4 {
		t.Fatalf("expected 4 calls, got %d", calls)
	}
	if res.Kind != pkgerrors.KindTransient {
		t.Fatalf("expected transient kind, got %q", res.Kind)
	}
}

func TestRetryEngine_BackoffIsCapped(t *testing.T) {
	engine, sleeps := testEngine(t)
	engine.policy.MaxTransientAttempts = 10
	calls := 0
	engine.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls <= 8 {
			return pkgerrors.Transient(errors.New("flaky"))
		}
		return nil
	}, nil)
	for _, d := range *sleeps {
		if d > engine.policy.MaxBackoff {
			t.Fatalf("backoff %v exceeds cap %v", d, engine.policy.MaxBackoff)
		}
	}
}

func TestRetryEngine_RateLimitedWaitsResetThenRetriesOnce(t *testing.T) {
	engine, sleeps := testEngine(t)
	calls := 0
	res := engine.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return pkgerrors.RateLimited(errors.New("too many requests"), 60*time.Second)
		}
		return nil
	}, nil)
	if res.Outcome != OutcomeOK {
		t.Fatalf("expected ok after reset wait, got %q", res.Outcome)
	}
	if calls != 2 {
		t.Fatalf("expected exactly one retry, got %d calls", calls)
	}
	if len(*sleeps) != 1 || (*sleeps)[0] != 60*time.Second {
		t.Fatalf("expected a single 60s wait, got %v", *sleeps)
	}
}

func TestRetryEngine_SecondRateLimitEscalates(t *testing.T) {
	engine, _ := testEngine(t)
	calls := 0
	res := engine.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return pkgerrors.RateLimited(errors.New("too many requests"), 60*time.Second)
	}, nil)
	if res.Outcome != OutcomeEscalate {
		t.Fatalf("expected escalate on second rate limit, got %q", res.Outcome)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
	if res.Kind != pkgerrors.KindRateLimited {
		t.Fatalf("expected rate_limited kind, got %q", res.Kind)
	}
}

func TestRetryEngine_RateLimitWithoutHintUsesDefault(t *testing.T) {
	engine, sleeps := testEngine(t)
	engine.policy.DefaultRateReset = 45 * time.Second
	calls := 0
	engine.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return pkgerrors.RateLimited(errors.New("too many requests"), 0)
		}
		return nil
	}, nil)
	if len(*sleeps) != 1 || (*sleeps)[0] != 45*time.Second {
		t.Fatalf("expected default reset wait, got %v", *sleeps)
	}
}

func TestRetryEngine_QuotaDefersWithoutConsumingBudget(t *testing.T) {
	engine, sleeps := testEngine(t)
	calls := 0
	before := time.Now()
	res := engine.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return pkgerrors.QuotaExhausted(errors.New("daily quota reached"))
	}, nil)
	if res.Outcome != OutcomeDeferred {
		t.Fatalf("expected deferred, got %q", res.Outcome)
	}
	if calls != 1 || len(*sleeps) != 0 {
		t.Fatalf("quota must not retry or sleep in-process: calls=%d sleeps=%d", calls, len(*sleeps))
	}
	if res.ResumeAt == nil || res.ResumeAt.Before(before.Add(engine.policy.QuotaDeferral-time.Minute)) {
		t.Fatalf("expected resume around %v later, got %v", engine.policy.QuotaDeferral, res.ResumeAt)
	}
}

func TestRetryEngine_PermanentContentRejectsImmediately(t *testing.T) {
	engine, sleeps := testEngine(t)
	calls := 0
	res := engine.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return pkgerrors.PermanentContent(errors.New("moderation block"))
	}, nil)
	if res.Outcome != OutcomeReject {
		t.Fatalf("expected reject, got %q", res.Outcome)
	}
	if calls != 1 || len(*sleeps) != 0 {
		t.Fatalf("permanent content must never retry: calls=%d sleeps=%d", calls, len(*sleeps))
	}
}

func TestRetryEngine_PermanentTechnicalRetriesOnceAfterFixup(t *testing.T) {
	engine, _ := testEngine(t)
	calls, fixups := 0, 0
	res := engine.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return pkgerrors.PermanentTechnical(errors.New("payload too large"))
		}
		return nil
	}, func(ctx context.Context) error {
		fixups++
		return nil
	})
	if res.Outcome != OutcomeOK {
		t.Fatalf("expected ok after fixup, got %q", res.Outcome)
	}
	if calls != 2 || fixups != 1 {
		t.Fatalf("expected one fixup and one retry, got calls=%d fixups=%d", calls, fixups)
	}
}

func TestRetryEngine_PermanentTechnicalWithoutFixupEscalates(t *testing.T) {
	engine, _ := testEngine(t)
	calls := 0
	res := engine.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return pkgerrors.PermanentTechnical(errors.New("bad request"))
	}, nil)
	if res.Outcome != OutcomeEscalate || calls != 1 {
		t.Fatalf("expected immediate escalate, got %q after %d calls", res.Outcome, calls)
	}
}

func TestRetryEngine_InvariantViolationNeverRetries(t *testing.T) {
	engine, _ := testEngine(t)
	calls := 0
	res := engine.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return pkgerrors.InvariantViolation(errors.New("item has no prompt"))
	}, func(ctx context.Context) error {
		t.Fatalf("fixup must not run for invariant violations")
		return nil
	})
	if res.Outcome != OutcomeEscalate || calls != 1 {
		t.Fatalf("expected immediate escalate, got %q after %d calls", res.Outcome, calls)
	}
}

func TestRetryEngine_RecoveredRunCarriesLastError(t *testing.T) {
	engine, _ := testEngine(t)
	calls := 0
	res := engine.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return pkgerrors.Transient(errors.New("blip"))
		}
		return nil
	}, nil)
	if res.Outcome != OutcomeOK {
		t.Fatalf("expected ok, got %q", res.Outcome)
	}
	if res.Err == nil || res.Kind != pkgerrors.KindTransient {
		t.Fatalf("expected recovered failure to be reported, got kind=%q err=%v", res.Kind, res.Err)
	}
}
