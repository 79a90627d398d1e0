package pipeline

import (
	"testing"

	"github.com/driftpost/driftpost-backend/internal/types"
)

func testGateConfig() *types.QualityGateConfig {
	return &types.QualityGateConfig{
		PassThreshold:     7.0,
		RefineLowerBound:  4.0,
		MaxRefineAttempts: 2,
	}
}

func TestEvaluateGate_PassAboveThreshold(t *testing.T) {
	if v := EvaluateGate(testGateConfig(), 8.2, 0); v != VerdictPass {
		t.Fatalf("expected pass, got %q", v)
	}
}

func TestEvaluateGate_PassAtExactThreshold(t *testing.T) {
	if v := EvaluateGate(testGateConfig(), 7.0, 0); v != VerdictPass {
		t.Fatalf("expected pass at exact threshold, got %q", v)
	}
}

func TestEvaluateGate_RefineInBandWithBudget(t *testing.T) {
	if v := EvaluateGate(testGateConfig(), 5.5, 0); v != VerdictRefine {
		t.Fatalf("expected refine, got %q", v)
	}
	if v := EvaluateGate(testGateConfig(), 5.5, 1); v != VerdictRefine {
		t.Fatalf("expected refine on second attempt, got %q", v)
	}
}

func TestEvaluateGate_RefineAtExactLowerBound(t *testing.T) {
	if v := EvaluateGate(testGateConfig(), 4.0, 0); v != VerdictRefine {
		t.Fatalf("expected refine at lower bound, got %q", v)
	}
}

func TestEvaluateGate_RejectBelowBand(t *testing.T) {
	if v := EvaluateGate(testGateConfig(), 3.0, 0); v != VerdictReject {
		t.Fatalf("expected reject, got %q", v)
	}
}

func TestEvaluateGate_RejectWhenAttemptsExhausted(t *testing.T) {
	if v := EvaluateGate(testGateConfig(), 5.5, 2); v != VerdictReject {
		t.Fatalf("expected reject once attempts are used up, got %q", v)
	}
}

func TestEvaluateGate_NilConfigRejects(t *testing.T) {
	if v := EvaluateGate(nil, 9.9, 0); v != VerdictReject {
		t.Fatalf("expected reject on nil config, got %q", v)
	}
}
