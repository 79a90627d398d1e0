package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/driftpost/driftpost-backend/internal/logger"
	pkgerrors "github.com/driftpost/driftpost-backend/internal/pkg/errors"
	"github.com/driftpost/driftpost-backend/internal/repos"
	"github.com/driftpost/driftpost-backend/internal/types"
	"github.com/driftpost/driftpost-backend/internal/utils"
)

type WorkerConfig struct {
	Size              int
	ClaimInterval     time.Duration
	HeartbeatInterval time.Duration
	// StaleRunning is how long a heartbeat may be missing before another
	// worker may steal a locked item.
	StaleRunning time.Duration
}

func WorkerConfigFromEnv(log *logger.Logger) WorkerConfig {
	return WorkerConfig{
		Size:              utils.GetEnvAsInt("WORKER_POOL_SIZE", 4, log),
		ClaimInterval:     time.Duration(utils.GetEnvAsInt("WORKER_CLAIM_INTERVAL_SECONDS", 5, log)) * time.Second,
		HeartbeatInterval: time.Duration(utils.GetEnvAsInt("WORKER_HEARTBEAT_INTERVAL_SECONDS", 15, log)) * time.Second,
		StaleRunning:      time.Duration(utils.GetEnvAsInt("WORKER_STALE_RUNNING_SECONDS", 300, log)) * time.Second,
	}
}

// WorkerPool claims runnable items and drives them through the orchestrator,
// one stage step per claim. Claimed items are heartbeated for the duration of
// the step so a crashed worker's items become stealable.
type WorkerPool struct {
	log   *logger.Logger
	cfg   WorkerConfig
	items repos.ContentItemRepo
	orch  *Orchestrator
}

func NewWorkerPool(log *logger.Logger, cfg WorkerConfig, items repos.ContentItemRepo, orch *Orchestrator) *WorkerPool {
	return &WorkerPool{
		log:   log.With("component", "WorkerPool"),
		cfg:   cfg,
		items: items,
		orch:  orch,
	}
}

func (p *WorkerPool) Run(ctx context.Context) error {
	p.log.Info("Starting worker pool", "size", p.cfg.Size, "claim_interval", p.cfg.ClaimInterval)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Size; i++ {
		workerID := i
		g.Go(func() error {
			return p.runWorker(ctx, workerID)
		})
	}
	return g.Wait()
}

func (p *WorkerPool) runWorker(ctx context.Context, workerID int) error {
	log := p.log.With("worker", workerID)
	ticker := time.NewTicker(p.cfg.ClaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		// Drain available work before sleeping again.
		for {
			item, err := p.items.ClaimNextRunnable(ctx, nil, RunnableStages(), p.cfg.StaleRunning)
			if err != nil {
				log.Error("Claim failed", "error", err)
				break
			}
			if item == nil {
				break
			}
			p.process(ctx, log, item)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
}

// process runs one stage step with heartbeating and panic isolation. A panic
// in an executor marks the item for manual review instead of killing the pool.
func (p *WorkerPool) process(ctx context.Context, log *logger.Logger, item *types.ContentItem) {
	hbCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go p.heartbeat(hbCtx, item)

	defer func() {
		if r := recover(); r != nil {
			log.Error("Stage step panicked", "item_id", item.ID, "stage", item.Stage, "panic", r, "stack", string(debug.Stack()))
			recoverCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = p.items.AppendError(recoverCtx, nil, item.ID, types.ErrorRecord{
				Kind:    string(pkgerrors.KindInvariantViolation),
				Stage:   item.Stage,
				Message: fmt.Sprintf("panic: %v", r),
			})
			_, _ = p.items.TransitionStage(recoverCtx, nil, item.ID, item.Stage, item.StageVersion, map[string]interface{}{
				"stage":     types.StageManualReview,
				"locked_at": nil,
				"resume_at": nil,
			})
		}
	}()

	if err := p.orch.Advance(ctx, item); err != nil {
		log.Error("Stage step failed", "item_id", item.ID, "stage", item.Stage, "error", err)
		releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = p.items.ReleaseLock(releaseCtx, nil, item.ID)
	}
}

func (p *WorkerPool) heartbeat(ctx context.Context, item *types.ContentItem) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.items.Heartbeat(ctx, nil, item.ID); err != nil {
				p.log.Warn("Heartbeat failed", "item_id", item.ID, "error", err)
			}
		}
	}
}
