package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/driftpost/driftpost-backend/internal/logger"
	pkgerrors "github.com/driftpost/driftpost-backend/internal/pkg/errors"
	"github.com/driftpost/driftpost-backend/internal/services"
	"github.com/driftpost/driftpost-backend/internal/types"
)

// -------- fakes --------

type fakeItemRepo struct {
	item        *types.ContentItem
	events      []string
	evals       []types.EvaluationRecord
	errRecords  []types.ErrorRecord
	updates     []map[string]interface{}
	transitions []map[string]interface{}
	released    int
}

func (r *fakeItemRepo) Create(ctx context.Context, tx *gorm.DB, items []*types.ContentItem) ([]*types.ContentItem, error) {
	return items, nil
}

func (r *fakeItemRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.ContentItem, error) {
	if r.item == nil || r.item.ID != id {
		return nil, nil
	}
	cp := *r.item
	return &cp, nil
}

func (r *fakeItemRepo) ListByStage(ctx context.Context, tx *gorm.DB, stage string, since, until *time.Time) ([]*types.ContentItem, error) {
	return nil, nil
}

func (r *fakeItemRepo) ClaimNextRunnable(ctx context.Context, tx *gorm.DB, stages []string, staleRunning time.Duration) (*types.ContentItem, error) {
	return nil, nil
}

func (r *fakeItemRepo) TransitionStage(ctx context.Context, tx *gorm.DB, id uuid.UUID, fromStage string, fromVersion int, updates map[string]interface{}) (bool, error) {
	if r.item == nil || r.item.ID != id || r.item.Stage != fromStage || r.item.StageVersion != fromVersion {
		return false, nil
	}
	r.events = append(r.events, "transition")
	r.transitions = append(r.transitions, updates)
	r.item.StageVersion = fromVersion + 1
	if v, ok := updates["stage"].(string); ok {
		r.item.Stage = v
	}
	if v, ok := updates["prompt"].(string); ok {
		r.item.Prompt = v
	}
	if v, ok := updates["feedback"].(string); ok {
		r.item.Feedback = v
	}
	if v, ok := updates["attempt_counts"].(datatypes.JSON); ok {
		r.item.AttemptCounts = v
	}
	return true, nil
}

func (r *fakeItemRepo) AppendEvaluation(ctx context.Context, tx *gorm.DB, id uuid.UUID, rec types.EvaluationRecord) error {
	r.events = append(r.events, "evaluation")
	r.evals = append(r.evals, rec)
	return nil
}

func (r *fakeItemRepo) AppendError(ctx context.Context, tx *gorm.DB, id uuid.UUID, rec types.ErrorRecord) error {
	r.events = append(r.events, "error")
	r.errRecords = append(r.errRecords, rec)
	return nil
}

func (r *fakeItemRepo) ResolveErrors(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	r.events = append(r.events, "resolve")
	return nil
}

func (r *fakeItemRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	r.events = append(r.events, "update")
	r.updates = append(r.updates, updates)
	return nil
}

func (r *fakeItemRepo) Heartbeat(ctx context.Context, tx *gorm.DB, id uuid.UUID) error { return nil }

func (r *fakeItemRepo) ReleaseLock(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	r.released++
	return nil
}

type fakeGateRepo struct {
	cfg *types.QualityGateConfig
}

func (r *fakeGateRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.QualityGateConfig, error) {
	return r.cfg, nil
}

func (r *fakeGateRepo) ActiveForStage(ctx context.Context, tx *gorm.DB, stage string) (*types.QualityGateConfig, error) {
	return r.cfg, nil
}

func (r *fakeGateRepo) ListByStage(ctx context.Context, tx *gorm.DB, stage string) ([]*types.QualityGateConfig, error) {
	return nil, nil
}

func (r *fakeGateRepo) InsertSnapshot(ctx context.Context, tx *gorm.DB, cfg *types.QualityGateConfig) (*types.QualityGateConfig, error) {
	return cfg, nil
}

type fakeExecutor struct {
	stage      string
	evaluative bool
	result     *StageResult
	err        error
	calls      int
}

func (e *fakeExecutor) Stage() string    { return e.stage }
func (e *fakeExecutor) Evaluative() bool { return e.evaluative }
func (e *fakeExecutor) Execute(ctx context.Context, item *types.ContentItem) (*StageResult, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	return e.result, nil
}

func newTestOrchestrator(t *testing.T, items *fakeItemRepo, gates *fakeGateRepo, exec StageExecutor) *Orchestrator {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger init: %v", err)
	}
	engine := NewRetryEngine(log, DefaultRetryPolicy())
	engine.sleep = func(time.Duration) {}
	engine.jitter = func() float64 { return 0 }
	return NewOrchestrator(log, OrchestratorConfig{}, items, gates, nil, services.NopNotifier{}, engine, []StageExecutor{exec})
}

func draftedItem() *types.ContentItem {
	return &types.ContentItem{
		ID:     uuid.New(),
		Theme:  "golden_hour_urban",
		Kind:   types.KindPhoto,
		Stage:  types.StageDrafted,
		Prompt: "a street at dusk",
	}
}

func scoreOf(v float64) *float64 { return &v }

// -------- tests --------

func TestAdvance_EvaluativePassMovesForward(t *testing.T) {
	items := &fakeItemRepo{item: draftedItem()}
	gates := &fakeGateRepo{cfg: testGateConfig()}
	exec := &fakeExecutor{stage: types.StageDrafted, evaluative: true, result: &StageResult{
		Score:   scoreOf(8.5),
		Updates: map[string]interface{}{"prompt": "refined prompt"},
	}}
	orch := newTestOrchestrator(t, items, gates, exec)

	if err := orch.Advance(context.Background(), items.item); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if items.item.Stage != types.StagePromptApproved {
		t.Fatalf("expected prompt_approved, got %s", items.item.Stage)
	}
	if items.item.StageVersion != 1 {
		t.Fatalf("expected version bump to 1, got %d", items.item.StageVersion)
	}
	if len(items.evals) != 1 || items.evals[0].Verdict != string(VerdictPass) {
		t.Fatalf("expected one pass evaluation, got %+v", items.evals)
	}
	if items.item.Prompt != "refined prompt" {
		t.Fatalf("executor updates must be applied on transition")
	}
}

func TestAdvance_RefineStaysAndAccumulatesFeedback(t *testing.T) {
	item := draftedItem()
	item.Feedback = "first feedback"
	counts, _ := json.Marshal(map[string]int{types.StageDrafted: 1})
	item.AttemptCounts = datatypes.JSON(counts)

	items := &fakeItemRepo{item: item}
	gates := &fakeGateRepo{cfg: testGateConfig()}
	exec := &fakeExecutor{stage: types.StageDrafted, evaluative: true, result: &StageResult{
		Score:    scoreOf(5.5),
		Feedback: "second feedback",
	}}
	orch := newTestOrchestrator(t, items, gates, exec)

	if err := orch.Advance(context.Background(), items.item); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if items.item.Stage != types.StageDrafted {
		t.Fatalf("refine must stay in stage, got %s", items.item.Stage)
	}
	if items.item.StageVersion != 1 {
		t.Fatalf("refine must bump the version guard, got %d", items.item.StageVersion)
	}
	if got := items.item.AttemptCount(types.StageDrafted); got != 2 {
		t.Fatalf("expected attempt counter 2, got %d", got)
	}
	if !strings.Contains(items.item.Feedback, "first feedback") || !strings.Contains(items.item.Feedback, "second feedback") {
		t.Fatalf("feedback must accumulate, got %q", items.item.Feedback)
	}
	if len(items.evals) != 1 || items.evals[0].Verdict != string(VerdictRefine) {
		t.Fatalf("expected refine evaluation, got %+v", items.evals)
	}
}

func TestAdvance_PassAfterRefineResetsAttemptCounter(t *testing.T) {
	item := draftedItem()
	counts, _ := json.Marshal(map[string]int{types.StageDrafted: 2})
	item.AttemptCounts = datatypes.JSON(counts)

	items := &fakeItemRepo{item: item}
	gates := &fakeGateRepo{cfg: testGateConfig()}
	exec := &fakeExecutor{stage: types.StageDrafted, evaluative: true, result: &StageResult{
		Score: scoreOf(8.5),
	}}
	orch := newTestOrchestrator(t, items, gates, exec)

	if err := orch.Advance(context.Background(), items.item); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if items.item.Stage != types.StagePromptApproved {
		t.Fatalf("expected prompt_approved, got %s", items.item.Stage)
	}
	if got := items.item.AttemptCount(types.StageDrafted); got != 0 {
		t.Fatalf("pass must reset the stage attempt counter, still %d", got)
	}
}

func TestAdvance_AttemptBudgetExhaustedRejects(t *testing.T) {
	item := draftedItem()
	counts, _ := json.Marshal(map[string]int{types.StageDrafted: 2})
	item.AttemptCounts = datatypes.JSON(counts)

	items := &fakeItemRepo{item: item}
	gates := &fakeGateRepo{cfg: testGateConfig()}
	exec := &fakeExecutor{stage: types.StageDrafted, evaluative: true, result: &StageResult{
		Score: scoreOf(5.5),
	}}
	orch := newTestOrchestrator(t, items, gates, exec)

	if err := orch.Advance(context.Background(), items.item); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if items.item.Stage != types.StageRejected {
		t.Fatalf("expected rejected, got %s", items.item.Stage)
	}
	if len(items.evals) != 1 || items.evals[0].Verdict != string(VerdictReject) {
		t.Fatalf("expected reject evaluation, got %+v", items.evals)
	}
}

func TestAdvance_PermanentContentGoesToRejected(t *testing.T) {
	items := &fakeItemRepo{item: draftedItem()}
	gates := &fakeGateRepo{cfg: testGateConfig()}
	exec := &fakeExecutor{
		stage:      types.StageDrafted,
		evaluative: true,
		err:        pkgerrors.PermanentContent(errors.New("moderation block")),
	}
	orch := newTestOrchestrator(t, items, gates, exec)

	if err := orch.Advance(context.Background(), items.item); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if items.item.Stage != types.StageRejected {
		t.Fatalf("expected rejected, got %s", items.item.Stage)
	}
	if exec.calls != 1 {
		t.Fatalf("permanent content must not retry, got %d calls", exec.calls)
	}
	// Error history entry lands before the terminal transition.
	if len(items.events) < 2 || items.events[0] != "error" || items.events[1] != "transition" {
		t.Fatalf("expected error append before transition, got %v", items.events)
	}
}

func TestAdvance_QuotaDefersWithoutTransition(t *testing.T) {
	items := &fakeItemRepo{item: draftedItem()}
	gates := &fakeGateRepo{cfg: testGateConfig()}
	exec := &fakeExecutor{
		stage:      types.StageDrafted,
		evaluative: true,
		err:        pkgerrors.QuotaExhausted(errors.New("daily quota reached")),
	}
	orch := newTestOrchestrator(t, items, gates, exec)

	if err := orch.Advance(context.Background(), items.item); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if items.item.Stage != types.StageDrafted || items.item.StageVersion != 0 {
		t.Fatalf("deferral must not transition, got %s v%d", items.item.Stage, items.item.StageVersion)
	}
	if len(items.updates) != 1 || items.updates[0]["resume_at"] == nil {
		t.Fatalf("expected a resume_at parking update, got %+v", items.updates)
	}
	if len(items.errRecords) != 1 || items.errRecords[0].Kind != string(pkgerrors.KindQuotaExhausted) {
		t.Fatalf("expected quota error record, got %+v", items.errRecords)
	}
}

func TestAdvance_ReplayedClaimSkipsExecutor(t *testing.T) {
	item := draftedItem()
	items := &fakeItemRepo{item: item}
	gates := &fakeGateRepo{cfg: testGateConfig()}
	exec := &fakeExecutor{stage: types.StageDrafted, evaluative: true, result: &StageResult{Score: scoreOf(9)}}
	orch := newTestOrchestrator(t, items, gates, exec)

	stale := *item
	items.item.StageVersion = 3 // another worker already moved it

	if err := orch.Advance(context.Background(), &stale); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if exec.calls != 0 {
		t.Fatalf("replay must not re-invoke the executor, got %d calls", exec.calls)
	}
	if items.released != 1 {
		t.Fatalf("replay must release the claim lock")
	}
}

func TestAdvance_NonEvaluativeAdvancesWithUpdates(t *testing.T) {
	item := draftedItem()
	item.Stage = types.StagePromptApproved
	items := &fakeItemRepo{item: item}
	gates := &fakeGateRepo{cfg: testGateConfig()}
	exec := &fakeExecutor{stage: types.StagePromptApproved, result: &StageResult{
		Updates: map[string]interface{}{"prompt": "generator-ready prompt"},
	}}
	orch := newTestOrchestrator(t, items, gates, exec)

	if err := orch.Advance(context.Background(), items.item); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if items.item.Stage != types.StageReformatted {
		t.Fatalf("expected reformatted, got %s", items.item.Stage)
	}
	if items.item.Prompt != "generator-ready prompt" {
		t.Fatalf("updates must apply atomically with the transition")
	}
	if len(items.evals) != 0 {
		t.Fatalf("non-evaluative stages must not consult the gate")
	}
}

func TestAdvance_ExecutorResumeParksItem(t *testing.T) {
	item := draftedItem()
	item.Stage = types.StagePublished
	items := &fakeItemRepo{item: item}
	gates := &fakeGateRepo{cfg: testGateConfig()}
	resumeAt := time.Now().Add(time.Hour)
	exec := &fakeExecutor{stage: types.StagePublished, result: &StageResult{ResumeAt: &resumeAt}}
	orch := newTestOrchestrator(t, items, gates, exec)

	if err := orch.Advance(context.Background(), items.item); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if items.item.Stage != types.StagePublished || items.item.StageVersion != 0 {
		t.Fatalf("parked item must not transition")
	}
	if len(items.updates) != 1 || items.updates[0]["resume_at"] == nil {
		t.Fatalf("expected resume_at update, got %+v", items.updates)
	}
}

func TestAdvance_MissingExecutorEscalates(t *testing.T) {
	item := draftedItem()
	item.Stage = types.StageQueued
	items := &fakeItemRepo{item: item}
	gates := &fakeGateRepo{cfg: testGateConfig()}
	exec := &fakeExecutor{stage: types.StageDrafted, evaluative: true}
	orch := newTestOrchestrator(t, items, gates, exec)

	if err := orch.Advance(context.Background(), items.item); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if items.item.Stage != types.StageManualReview {
		t.Fatalf("expected manual_review, got %s", items.item.Stage)
	}
	if len(items.errRecords) != 1 || items.errRecords[0].Kind != string(pkgerrors.KindInvariantViolation) {
		t.Fatalf("expected invariant violation record, got %+v", items.errRecords)
	}
}
