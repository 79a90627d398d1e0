package pipeline

import (
	"testing"

	"github.com/driftpost/driftpost-backend/internal/types"
)

func TestNext_WalksTheFullOrder(t *testing.T) {
	expected := map[string]string{
		types.StageDrafted:          types.StagePromptApproved,
		types.StagePromptApproved:   types.StageReformatted,
		types.StageReformatted:      types.StageMediaSynthesized,
		types.StageMediaSynthesized: types.StageQualityApproved,
		types.StageQualityApproved:  types.StageAnnotated,
		types.StageAnnotated:        types.StageQueued,
		types.StageQueued:           types.StagePublished,
		types.StagePublished:        types.StageTracked,
	}
	for from, want := range expected {
		got, ok := Next(from)
		if !ok || got != want {
			t.Fatalf("Next(%s) = %q, %v; want %q", from, got, ok, want)
		}
	}
	if _, ok := Next(types.StageTracked); ok {
		t.Fatalf("expected no stage after tracked")
	}
}

func TestIsTerminal(t *testing.T) {
	for _, stage := range []string{types.StageTracked, types.StageRejected, types.StageManualReview} {
		if !IsTerminal(stage) {
			t.Fatalf("expected %s to be terminal", stage)
		}
	}
	if IsTerminal(types.StageQueued) {
		t.Fatalf("queued must not be terminal")
	}
}

func TestRunnableStages_ExcludesTrackedAndTerminals(t *testing.T) {
	for _, stage := range RunnableStages() {
		if IsTerminal(stage) {
			t.Fatalf("runnable stages must not contain terminal %s", stage)
		}
	}
	if len(RunnableStages()) != 8 {
		t.Fatalf("expected 8 runnable stages, got %d", len(RunnableStages()))
	}
}

func TestAdvances_OnlyForwardOrTerminal(t *testing.T) {
	if !Advances(types.StageDrafted, types.StagePromptApproved) {
		t.Fatalf("drafted -> prompt_approved must advance")
	}
	if Advances(types.StagePromptApproved, types.StageDrafted) {
		t.Fatalf("stage order must never regress")
	}
	if Advances(types.StageDrafted, types.StageQueued) {
		t.Fatalf("stages must not be skipped")
	}
	if !Advances(types.StageMediaSynthesized, types.StageRejected) {
		t.Fatalf("any ordered stage may fall to rejected")
	}
	if !Advances(types.StageQueued, types.StageManualReview) {
		t.Fatalf("any ordered stage may fall to manual review")
	}
}
