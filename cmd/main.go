package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/driftpost/driftpost-backend/internal/clients/genai"
	"github.com/driftpost/driftpost-backend/internal/clients/publisher"
	"github.com/driftpost/driftpost-backend/internal/clients/redisx"
	"github.com/driftpost/driftpost-backend/internal/db"
	"github.com/driftpost/driftpost-backend/internal/handlers"
	"github.com/driftpost/driftpost-backend/internal/learning"
	"github.com/driftpost/driftpost-backend/internal/logger"
	"github.com/driftpost/driftpost-backend/internal/observability"
	"github.com/driftpost/driftpost-backend/internal/pipeline"
	pkgerrors "github.com/driftpost/driftpost-backend/internal/pkg/errors"
	"github.com/driftpost/driftpost-backend/internal/queue"
	"github.com/driftpost/driftpost-backend/internal/repos"
	"github.com/driftpost/driftpost-backend/internal/server"
	"github.com/driftpost/driftpost-backend/internal/services"
	"github.com/driftpost/driftpost-backend/internal/types"
	"github.com/driftpost/driftpost-backend/internal/utils"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	otelShutdown := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "driftpost-backend",
		Environment: utils.GetEnv("ENVIRONMENT", "development", log),
		Version:     utils.GetEnv("SERVICE_VERSION", "dev", log),
	})
	if otelShutdown != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Warn("Postgres auto migration failed", "error", err)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up Repos from main...")
	itemRepo := repos.NewContentItemRepo(thePG, log)
	gateRepo := repos.NewGateConfigRepo(thePG, log)
	entryRepo := repos.NewQueueEntryRepo(thePG, log)
	perfRepo := repos.NewPerformanceRecordRepo(thePG, log)

	// Redis
	log.Info("Setting up redis from main...")
	rateBudget, err := redisx.NewRateBudget(log)
	if err != nil {
		log.Warn("Rate budget unavailable, proceeding without proactive budgets", "error", err)
		rateBudget = nil
	} else {
		defer rateBudget.Close()
	}
	eventBus, err := redisx.NewEventBus(log)
	if err != nil {
		log.Warn("Event bus unavailable, pipeline notifications disabled", "error", err)
		eventBus = nil
	} else {
		defer eventBus.Close()
	}

	// Clients
	log.Info("Setting up clients from main...")
	genaiClient, err := genai.NewClient(log)
	if err != nil {
		log.Error("Could not init GenAIClient", "error", err)
		os.Exit(1)
	}
	publisherClient, err := publisher.NewClient(log)
	if err != nil {
		log.Error("Could not init PublisherClient", "error", err)
		os.Exit(1)
	}

	// Services
	log.Info("Setting up Services from main...")
	bucketService, err := services.NewBucketService(log)
	if err != nil {
		log.Error("Could not init BucketService", "error", err)
		os.Exit(1)
	}
	themeService, err := services.NewThemeService(log, utils.GetEnv("THEMES_DIR", "configs/themes", log))
	if err != nil {
		log.Error("Could not init ThemeService", "error", err)
		os.Exit(1)
	}
	var notifier services.PipelineNotifier = services.NopNotifier{}
	if eventBus != nil {
		notifier = services.NewPipelineNotifier(log, eventBus)
	}
	contentService := services.NewContentService(thePG, log, itemRepo, entryRepo, perfRepo, themeService)
	queueExportService := services.NewQueueExportService(log, entryRepo)
	gateService := services.NewGateService(log, gateRepo)

	// Gate config seeds
	if err := seedGateConfigs(ctx, log, gateService); err != nil {
		log.Error("Gate config seeding failed", "error", err)
		os.Exit(1)
	}

	// Pipeline
	log.Info("Setting up pipeline from main...")
	publishAccount := utils.GetEnv("PUBLISH_ACCOUNT", "driftpost", log)
	aggregator := queue.NewAggregator(log, entryRepo)
	retryEngine := pipeline.NewRetryEngine(log, pipeline.RetryPolicyFromEnv(log))
	executors := []pipeline.StageExecutor{
		pipeline.NewDraftExecutor(log, genaiClient, themeService),
		pipeline.NewReformatExecutor(log, genaiClient),
		pipeline.NewMediaExecutor(log, genaiClient, bucketService),
		pipeline.NewAssessExecutor(log, genaiClient, bucketService, themeService),
		pipeline.NewAnnotateExecutor(log, genaiClient, themeService),
		pipeline.NewScheduleExecutor(log, aggregator, publishAccount),
		pipeline.NewPublishExecutor(log, publisherClient, entryRepo, notifier),
		pipeline.NewTrackExecutor(log, publisherClient, entryRepo, perfRepo),
	}
	orchestrator := pipeline.NewOrchestrator(
		log,
		pipeline.OrchestratorConfigFromEnv(log),
		itemRepo,
		gateRepo,
		rateBudget,
		notifier,
		retryEngine,
		executors,
	)
	workerPool := pipeline.NewWorkerPool(log, pipeline.WorkerConfigFromEnv(log), itemRepo, orchestrator)
	learningLoop := learning.NewLoop(log, learning.ConfigFromEnv(log), perfRepo, gateRepo)

	// Handlers
	log.Info("Setting up handlers from main...")
	itemHandler := handlers.NewItemHandler(log, contentService)
	queueHandler := handlers.NewQueueHandler(log, queueExportService)
	gateHandler := handlers.NewGateHandler(log, gateService)

	// Router
	log.Info("Setting up router from main...")
	router := server.NewRouter(server.RouterConfig{
		ItemHandler:  itemHandler,
		QueueHandler: queueHandler,
		GateHandler:  gateHandler,
	})

	port := utils.GetEnv("PORT", "8080", log)
	httpServer := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return workerPool.Run(gctx)
	})
	g.Go(func() error {
		return learningLoop.Run(gctx)
	})
	g.Go(func() error {
		log.Info("Server listening", "port", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Error("Shutdown with error", "error", err)
		os.Exit(1)
	}
	log.Info("Shutdown complete")
}

// seedGateConfigs makes sure every evaluative stage has an active threshold
// snapshot before the first worker claims anything.
func seedGateConfigs(ctx context.Context, log *logger.Logger, gateService services.GateService) error {
	for _, stage := range []string{types.StageDrafted, types.StageMediaSynthesized} {
		_, err := gateService.Active(ctx, stage)
		if err == nil {
			continue
		}
		if !errors.Is(err, pkgerrors.ErrNotFound) {
			return err
		}
		cfg, err := gateService.Snapshot(ctx, services.GateConfigInput{
			Stage:             stage,
			PassThreshold:     utils.GetEnvAsFloat("GATE_PASS_THRESHOLD", 7.0, log),
			RefineLowerBound:  utils.GetEnvAsFloat("GATE_REFINE_LOWER_BOUND", 4.0, log),
			MaxRefineAttempts: utils.GetEnvAsInt("GATE_MAX_REFINE_ATTEMPTS", 2, log),
		})
		if err != nil {
			return err
		}
		log.Info("Seeded gate config", "stage", stage, "version", cfg.Version)
	}
	return nil
}
