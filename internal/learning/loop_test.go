package learning

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/driftpost/driftpost-backend/internal/logger"
	"github.com/driftpost/driftpost-backend/internal/repos"
	"github.com/driftpost/driftpost-backend/internal/types"
)

// -------- fakes --------

type fakePerfRepo struct {
	observations []repos.JoinedObservation
}

func (r *fakePerfRepo) Append(ctx context.Context, tx *gorm.DB, recs []*types.PerformanceRecord) error {
	return nil
}

func (r *fakePerfRepo) ListByQueueEntry(ctx context.Context, tx *gorm.DB, queueEntryID uuid.UUID) ([]*types.PerformanceRecord, error) {
	return nil, nil
}

func (r *fakePerfRepo) ListJoinedSince(ctx context.Context, tx *gorm.DB, since time.Time) ([]repos.JoinedObservation, error) {
	return r.observations, nil
}

type fakeGateRepo struct {
	active   map[string]*types.QualityGateConfig
	inserted []*types.QualityGateConfig
}

func (r *fakeGateRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.QualityGateConfig, error) {
	return nil, nil
}

func (r *fakeGateRepo) ActiveForStage(ctx context.Context, tx *gorm.DB, stage string) (*types.QualityGateConfig, error) {
	return r.active[stage], nil
}

func (r *fakeGateRepo) ListByStage(ctx context.Context, tx *gorm.DB, stage string) ([]*types.QualityGateConfig, error) {
	return nil, nil
}

func (r *fakeGateRepo) InsertSnapshot(ctx context.Context, tx *gorm.DB, cfg *types.QualityGateConfig) (*types.QualityGateConfig, error) {
	cfg.Version = len(r.inserted) + 2
	cfg.Active = true
	r.inserted = append(r.inserted, cfg)
	return cfg, nil
}

func observation(t *testing.T, stage string, score, engagement float64) repos.JoinedObservation {
	t.Helper()
	history, err := json.Marshal([]types.EvaluationRecord{
		{Stage: stage, Score: score - 1, Verdict: "refine"},
		{Stage: stage, Score: score, Verdict: "pass"},
	})
	if err != nil {
		t.Fatalf("marshal history: %v", err)
	}
	return repos.JoinedObservation{
		QueueEntryID:      uuid.New(),
		ContentItemID:     uuid.New(),
		Theme:             "golden_hour_urban",
		Kind:              types.KindPhoto,
		EvaluationHistory: datatypes.JSON(history),
		EngagementRate:    engagement,
	}
}

func testLoop(t *testing.T, perf *fakePerfRepo, gates *fakeGateRepo, minSamples int) *Loop {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger init: %v", err)
	}
	return NewLoop(log, Config{
		Interval:         time.Hour,
		Lookback:         14 * 24 * time.Hour,
		MinSamples:       minSamples,
		MaxThresholdStep: 0.5,
		MinCorrelation:   0.2,
	}, perf, gates)
}

// -------- tests --------

func TestPearson_KnownValues(t *testing.T) {
	if r := Pearson([]float64{1, 2, 3, 4}, []float64{2, 4, 6, 8}); math.Abs(r-1) > 1e-9 {
		t.Fatalf("expected perfect positive correlation, got %f", r)
	}
	if r := Pearson([]float64{1, 2, 3, 4}, []float64{8, 6, 4, 2}); math.Abs(r+1) > 1e-9 {
		t.Fatalf("expected perfect negative correlation, got %f", r)
	}
	if r := Pearson([]float64{1, 2, 3}, []float64{5, 5, 5}); r != 0 {
		t.Fatalf("constant series must yield zero, got %f", r)
	}
	if r := Pearson([]float64{1}, []float64{2}); r != 0 {
		t.Fatalf("too-short series must yield zero, got %f", r)
	}
}

func TestProposeThreshold_WeakSignalLeavesCurrent(t *testing.T) {
	if got := ProposeThreshold(7.0, 4.0, 0.1, 0.5, 0.2); got != 7.0 {
		t.Fatalf("weak correlation must not move the threshold, got %f", got)
	}
}

func TestProposeThreshold_MovesBoundedAndClamped(t *testing.T) {
	if got := ProposeThreshold(7.0, 4.0, 1.0, 0.5, 0.2); math.Abs(got-7.5) > 1e-9 {
		t.Fatalf("expected 7.5, got %f", got)
	}
	if got := ProposeThreshold(7.0, 4.0, -1.0, 0.5, 0.2); math.Abs(got-6.5) > 1e-9 {
		t.Fatalf("expected 6.5, got %f", got)
	}
	if got := ProposeThreshold(4.6, 4.0, -1.0, 0.5, 0.2); math.Abs(got-4.5) > 1e-9 {
		t.Fatalf("expected clamp to refine band floor, got %f", got)
	}
	if got := ProposeThreshold(9.4, 4.0, 1.0, 0.5, 0.2); math.Abs(got-9.5) > 1e-9 {
		t.Fatalf("expected ceiling clamp at 9.5, got %f", got)
	}
}

func TestRunOnce_MinSamplesGuardLeavesConfigUntouched(t *testing.T) {
	perf := &fakePerfRepo{observations: []repos.JoinedObservation{
		observation(t, types.StageDrafted, 7.0, 0.02),
		observation(t, types.StageDrafted, 8.0, 0.04),
	}}
	gates := &fakeGateRepo{active: map[string]*types.QualityGateConfig{
		types.StageDrafted: {ID: uuid.New(), Stage: types.StageDrafted, Version: 1, PassThreshold: 7.0, RefineLowerBound: 4.0, MaxRefineAttempts: 2},
	}}
	loop := testLoop(t, perf, gates, 5)

	if err := loop.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(gates.inserted) != 0 {
		t.Fatalf("below min samples no snapshot may be inserted, got %d", len(gates.inserted))
	}
}

func TestRunOnce_PositiveCorrelationRaisesThreshold(t *testing.T) {
	perf := &fakePerfRepo{observations: []repos.JoinedObservation{
		observation(t, types.StageDrafted, 6.0, 0.01),
		observation(t, types.StageDrafted, 7.0, 0.02),
		observation(t, types.StageDrafted, 8.0, 0.03),
		observation(t, types.StageDrafted, 9.0, 0.04),
	}}
	active := &types.QualityGateConfig{
		ID: uuid.New(), Stage: types.StageDrafted, Version: 1,
		PassThreshold: 7.0, RefineLowerBound: 4.0, MaxRefineAttempts: 2,
	}
	gates := &fakeGateRepo{active: map[string]*types.QualityGateConfig{types.StageDrafted: active}}
	loop := testLoop(t, perf, gates, 3)

	if err := loop.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(gates.inserted) != 1 {
		t.Fatalf("expected one snapshot, got %d", len(gates.inserted))
	}
	snap := gates.inserted[0]
	if snap.Stage != types.StageDrafted {
		t.Fatalf("unexpected stage %s", snap.Stage)
	}
	if math.Abs(snap.PassThreshold-7.5) > 1e-9 {
		t.Fatalf("expected raised threshold 7.5, got %f", snap.PassThreshold)
	}
	if snap.SampleSize != 4 {
		t.Fatalf("snapshot must record its sample size, got %d", snap.SampleSize)
	}
	if snap.RefineLowerBound != active.RefineLowerBound || snap.MaxRefineAttempts != active.MaxRefineAttempts {
		t.Fatalf("untuned fields must carry over from the active config")
	}
}

func TestFinalScore_UsesLastRecordForStage(t *testing.T) {
	history, _ := json.Marshal([]types.EvaluationRecord{
		{Stage: types.StageDrafted, Score: 5.0, Verdict: "refine"},
		{Stage: types.StageMediaSynthesized, Score: 6.0, Verdict: "pass"},
		{Stage: types.StageDrafted, Score: 7.5, Verdict: "pass"},
	})
	score, ok := finalScore(datatypes.JSON(history), types.StageDrafted)
	if !ok || score != 7.5 {
		t.Fatalf("expected last drafted score 7.5, got %f ok=%v", score, ok)
	}
	if _, ok := finalScore(datatypes.JSON(history), types.StageQueued); ok {
		t.Fatalf("missing stage must report not found")
	}
}
