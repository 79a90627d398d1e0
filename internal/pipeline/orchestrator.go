package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/driftpost/driftpost-backend/internal/clients/redisx"
	"github.com/driftpost/driftpost-backend/internal/logger"
	pkgerrors "github.com/driftpost/driftpost-backend/internal/pkg/errors"
	"github.com/driftpost/driftpost-backend/internal/repos"
	"github.com/driftpost/driftpost-backend/internal/services"
	"github.com/driftpost/driftpost-backend/internal/types"
	"github.com/driftpost/driftpost-backend/internal/utils"
)

// OrchestratorConfig tunes dispatch budgets.
type OrchestratorConfig struct {
	// BudgetLimit caps external dispatches per bucket per BudgetWindow.
	// Zero disables the proactive budget entirely.
	BudgetLimit  int
	BudgetWindow time.Duration
	// BudgetDeferral parks an item that found its bucket exhausted.
	BudgetDeferral time.Duration
}

func OrchestratorConfigFromEnv(log *logger.Logger) OrchestratorConfig {
	return OrchestratorConfig{
		BudgetLimit:    utils.GetEnvAsInt("DISPATCH_BUDGET_LIMIT", 60, log),
		BudgetWindow:   time.Duration(utils.GetEnvAsInt("DISPATCH_BUDGET_WINDOW_SECONDS", 60, log)) * time.Second,
		BudgetDeferral: time.Duration(utils.GetEnvAsInt("DISPATCH_BUDGET_DEFERRAL_SECONDS", 30, log)) * time.Second,
	}
}

/*
Orchestrator advances one claimed content item by exactly one stage step.
Ordering and safety:
	- a fresh read guards against replay: if the stage or version moved since
	  the claim, another worker already applied this step and Advance is a
	  no-op without any external call;
	- every external failure is appended to the error history before the
	  resulting state transition is attempted;
	- all stage writes go through the version-guarded TransitionStage, losing
	  the race is logged and dropped, never retried blindly.
*/
type Orchestrator struct {
	log       *logger.Logger
	cfg       OrchestratorConfig
	items     repos.ContentItemRepo
	gates     repos.GateConfigRepo
	budget    redisx.RateBudget
	notifier  services.PipelineNotifier
	retry     *RetryEngine
	executors map[string]StageExecutor
}

func NewOrchestrator(
	log *logger.Logger,
	cfg OrchestratorConfig,
	items repos.ContentItemRepo,
	gates repos.GateConfigRepo,
	budget redisx.RateBudget,
	notifier services.PipelineNotifier,
	retry *RetryEngine,
	executors []StageExecutor,
) *Orchestrator {
	byStage := make(map[string]StageExecutor, len(executors))
	for _, exec := range executors {
		byStage[exec.Stage()] = exec
	}
	if notifier == nil {
		notifier = services.NopNotifier{}
	}
	return &Orchestrator{
		log:       log.With("component", "Orchestrator"),
		cfg:       cfg,
		items:     items,
		gates:     gates,
		budget:    budget,
		notifier:  notifier,
		retry:     retry,
		executors: byStage,
	}
}

// budgetBucket names the proactive dispatch budget an item's next step draws
// from. Generation stages share one provider bucket; publishing and metrics
// are budgeted per destination.
func budgetBucket(item *types.ContentItem) string {
	switch item.Stage {
	case types.StageQueued, types.StagePublished:
		return "publisher:" + item.Destination
	case types.StageTracked, types.StageRejected, types.StageManualReview:
		return ""
	default:
		return "genai"
	}
}

func (o *Orchestrator) Advance(ctx context.Context, item *types.ContentItem) error {
	if item == nil {
		return nil
	}
	log := o.log.With("item_id", item.ID, "stage", item.Stage, "stage_version", item.StageVersion)
	if IsTerminal(item.Stage) {
		return o.items.ReleaseLock(ctx, nil, item.ID)
	}
	exec, ok := o.executors[item.Stage]
	if !ok {
		return o.fail(ctx, item, types.StageManualReview, RetryResult{
			Kind: pkgerrors.KindInvariantViolation,
			Err:  fmt.Errorf("no executor registered for stage %s", item.Stage),
		})
	}

	fresh, err := o.items.GetByID(ctx, nil, item.ID)
	if err != nil {
		_ = o.items.ReleaseLock(ctx, nil, item.ID)
		return err
	}
	if fresh == nil || fresh.Stage != item.Stage || fresh.StageVersion != item.StageVersion {
		log.Debug("Stage step already applied elsewhere, skipping")
		return o.items.ReleaseLock(ctx, nil, item.ID)
	}
	item = fresh

	if o.budget != nil && o.cfg.BudgetLimit > 0 {
		if bucket := budgetBucket(item); bucket != "" {
			allowed, budgetErr := o.budget.Allow(ctx, bucket, o.cfg.BudgetLimit, o.cfg.BudgetWindow)
			if budgetErr != nil {
				log.Warn("Rate budget check failed, proceeding without it", "bucket", bucket, "error", budgetErr)
			} else if !allowed {
				resumeAt := time.Now().Add(o.cfg.BudgetDeferral)
				log.Info("Dispatch budget exhausted, parking item", "bucket", bucket, "resume_at", resumeAt)
				return o.items.UpdateFields(ctx, nil, item.ID, map[string]interface{}{
					"resume_at": resumeAt,
					"locked_at": nil,
				})
			}
		}
	}

	var result *StageResult
	op := func(ctx context.Context) error {
		r, execErr := exec.Execute(ctx, item)
		if execErr != nil {
			return execErr
		}
		result = r
		return nil
	}
	rr := o.retry.Execute(ctx, op, nil)

	switch rr.Outcome {
	case OutcomeOK:
	case OutcomeDeferred:
		if recErr := o.recordFailure(ctx, item, rr); recErr != nil {
			return recErr
		}
		log.Info("Item deferred", "kind", rr.Kind, "resume_at", rr.ResumeAt)
		o.notifier.ItemProgress(item.ID, item.Stage, "deferred: "+string(rr.Kind))
		return o.items.UpdateFields(ctx, nil, item.ID, map[string]interface{}{
			"resume_at": rr.ResumeAt,
			"locked_at": nil,
		})
	case OutcomeReject:
		return o.fail(ctx, item, types.StageRejected, rr)
	default:
		return o.fail(ctx, item, types.StageManualReview, rr)
	}

	if rr.Attempts > 1 {
		// Earlier attempts failed, keep the trail complete even on success.
		if recErr := o.recordFailure(ctx, item, rr); recErr != nil {
			return recErr
		}
	}
	if result == nil {
		return o.fail(ctx, item, types.StageManualReview, RetryResult{
			Kind: pkgerrors.KindInvariantViolation,
			Err:  fmt.Errorf("executor for stage %s returned no result", item.Stage),
		})
	}
	if result.ResumeAt != nil {
		log.Debug("Stage not yet actionable, parking item", "resume_at", result.ResumeAt)
		return o.items.UpdateFields(ctx, nil, item.ID, map[string]interface{}{
			"resume_at": result.ResumeAt,
			"locked_at": nil,
		})
	}

	if exec.Evaluative() {
		return o.applyGate(ctx, item, result)
	}
	return o.advanceNext(ctx, item, result.Updates)
}

// recordFailure appends the retry engine's last failure to the error history.
// This always happens before the corresponding state transition.
func (o *Orchestrator) recordFailure(ctx context.Context, item *types.ContentItem, rr RetryResult) error {
	if rr.Err == nil {
		return nil
	}
	resolved := rr.Outcome == OutcomeOK
	return o.items.AppendError(ctx, nil, item.ID, types.ErrorRecord{
		Kind:       string(rr.Kind),
		Stage:      item.Stage,
		Message:    rr.Err.Error(),
		RetryCount: rr.Attempts,
		Resolved:   resolved,
	})
}

func (o *Orchestrator) fail(ctx context.Context, item *types.ContentItem, target string, rr RetryResult) error {
	if err := o.recordFailure(ctx, item, rr); err != nil {
		return err
	}
	moved, err := o.items.TransitionStage(ctx, nil, item.ID, item.Stage, item.StageVersion, map[string]interface{}{
		"stage":     target,
		"locked_at": nil,
		"resume_at": nil,
	})
	if err != nil {
		return err
	}
	if !moved {
		o.log.Warn("Lost terminal transition race", "item_id", item.ID, "target", target)
		return nil
	}
	reason := string(rr.Kind)
	if rr.Err != nil {
		reason = rr.Err.Error()
	}
	if target == types.StageRejected {
		o.log.Info("Item rejected", "item_id", item.ID, "stage", item.Stage, "reason", reason)
		o.notifier.ItemRejected(item.ID, item.Stage, reason)
	} else {
		o.log.Warn("Item escalated to manual review", "item_id", item.ID, "stage", item.Stage, "reason", reason)
		o.notifier.ItemManualReview(item.ID, item.Stage, reason)
	}
	return nil
}

func (o *Orchestrator) advanceNext(ctx context.Context, item *types.ContentItem, updates map[string]interface{}) error {
	next, ok := Next(item.Stage)
	if !ok {
		return o.fail(ctx, item, types.StageManualReview, RetryResult{
			Kind: pkgerrors.KindInvariantViolation,
			Err:  fmt.Errorf("no next stage after %s", item.Stage),
		})
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["stage"] = next
	updates["locked_at"] = nil
	updates["resume_at"] = nil
	moved, err := o.items.TransitionStage(ctx, nil, item.ID, item.Stage, item.StageVersion, updates)
	if err != nil {
		return err
	}
	if !moved {
		o.log.Warn("Lost stage transition race", "item_id", item.ID, "from", item.Stage, "to", next)
		return nil
	}
	if err := o.items.ResolveErrors(ctx, nil, item.ID); err != nil {
		o.log.Warn("Failed to resolve error history", "item_id", item.ID, "error", err)
	}
	o.log.Info("Stage advanced", "item_id", item.ID, "from", item.Stage, "to", next)
	o.notifier.ItemProgress(item.ID, next, "advanced from "+item.Stage)
	return nil
}

func (o *Orchestrator) applyGate(ctx context.Context, item *types.ContentItem, result *StageResult) error {
	if result.Score == nil {
		return o.fail(ctx, item, types.StageManualReview, RetryResult{
			Kind: pkgerrors.KindInvariantViolation,
			Err:  fmt.Errorf("evaluative stage %s produced no score", item.Stage),
		})
	}
	cfg, err := o.gates.ActiveForStage(ctx, nil, item.Stage)
	if err != nil {
		_ = o.items.ReleaseLock(ctx, nil, item.ID)
		return err
	}
	if cfg == nil {
		return o.fail(ctx, item, types.StageManualReview, RetryResult{
			Kind: pkgerrors.KindInvariantViolation,
			Err:  fmt.Errorf("no active gate config for stage %s", item.Stage),
		})
	}

	score := *result.Score
	attempts := item.AttemptCount(item.Stage)
	verdict := EvaluateGate(cfg, score, attempts)
	if evalErr := o.items.AppendEvaluation(ctx, nil, item.ID, types.EvaluationRecord{
		Stage:    item.Stage,
		Score:    score,
		Verdict:  string(verdict),
		Feedback: result.Feedback,
		ConfigID: cfg.ID,
	}); evalErr != nil {
		_ = o.items.ReleaseLock(ctx, nil, item.ID)
		return evalErr
	}
	o.log.Info("Gate evaluated",
		"item_id", item.ID, "stage", item.Stage, "score", score,
		"verdict", verdict, "attempts", attempts, "config_version", cfg.Version)

	switch verdict {
	case VerdictPass:
		updates := result.Updates
		if updates == nil {
			updates = map[string]interface{}{}
		}
		if attempts > 0 {
			// The stage is done, its refine counter starts over.
			counts := map[string]int{}
			_ = json.Unmarshal(item.AttemptCounts, &counts)
			counts[item.Stage] = 0
			countsJSON, mErr := json.Marshal(counts)
			if mErr != nil {
				return mErr
			}
			updates["attempt_counts"] = datatypes.JSON(countsJSON)
		}
		updates["feedback"] = ""
		return o.advanceNext(ctx, item, updates)

	case VerdictRefine:
		counts := map[string]int{}
		if len(item.AttemptCounts) > 0 {
			_ = json.Unmarshal(item.AttemptCounts, &counts)
		}
		counts[item.Stage]++
		countsJSON, mErr := json.Marshal(counts)
		if mErr != nil {
			return mErr
		}
		feedback := result.Feedback
		if item.Feedback != "" {
			feedback = item.Feedback + "\n---\n" + result.Feedback
		}
		updates := result.Updates
		if updates == nil {
			updates = map[string]interface{}{}
		}
		updates["attempt_counts"] = datatypes.JSON(countsJSON)
		updates["feedback"] = feedback
		updates["locked_at"] = nil
		moved, tErr := o.items.TransitionStage(ctx, nil, item.ID, item.Stage, item.StageVersion, updates)
		if tErr != nil {
			return tErr
		}
		if !moved {
			o.log.Warn("Lost refine update race", "item_id", item.ID, "stage", item.Stage)
			return nil
		}
		o.notifier.ItemProgress(item.ID, item.Stage, fmt.Sprintf("refine round %d", counts[item.Stage]))
		return nil

	default:
		return o.fail(ctx, item, types.StageRejected, RetryResult{
			Kind: pkgerrors.KindPermanentContent,
			Err:  fmt.Errorf("gate rejected with score %.2f against config v%d", score, cfg.Version),
		})
	}
}
