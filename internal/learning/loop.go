package learning

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"gorm.io/datatypes"

	"github.com/driftpost/driftpost-backend/internal/logger"
	"github.com/driftpost/driftpost-backend/internal/repos"
	"github.com/driftpost/driftpost-backend/internal/types"
	"github.com/driftpost/driftpost-backend/internal/utils"
)

type Config struct {
	Interval time.Duration
	Lookback time.Duration
	// MinSamples guards retuning: below this many observations per stage the
	// active config stays untouched.
	MinSamples int
	// MaxThresholdStep bounds how far one cycle may move a pass threshold.
	MaxThresholdStep float64
	// MinCorrelation is the strength below which the signal is considered
	// noise and no retune happens.
	MinCorrelation float64
}

func ConfigFromEnv(log *logger.Logger) Config {
	return Config{
		Interval:         time.Duration(utils.GetEnvAsInt("LEARNING_INTERVAL_MINUTES", 360, log)) * time.Minute,
		Lookback:         time.Duration(utils.GetEnvAsInt("LEARNING_LOOKBACK_DAYS", 14, log)) * 24 * time.Hour,
		MinSamples:       utils.GetEnvAsInt("LEARNING_MIN_SAMPLES", 20, log),
		MaxThresholdStep: utils.GetEnvAsFloat("LEARNING_MAX_THRESHOLD_STEP", 0.5, log),
		MinCorrelation:   utils.GetEnvAsFloat("LEARNING_MIN_CORRELATION", 0.2, log),
	}
}

// evaluative stages the loop retunes.
var tunedStages = []string{types.StageDrafted, types.StageMediaSynthesized}

/*
Loop closes the feedback cycle: it correlates the final gate score of
published items with their observed engagement and retunes the pass
thresholds accordingly. Retuning never edits a config in place; it inserts a
new active snapshot, so every recorded verdict keeps pointing at the exact
thresholds it was judged against.
*/
type Loop struct {
	log   *logger.Logger
	cfg   Config
	perf  repos.PerformanceRecordRepo
	gates repos.GateConfigRepo
}

func NewLoop(log *logger.Logger, cfg Config, perf repos.PerformanceRecordRepo, gates repos.GateConfigRepo) *Loop {
	return &Loop{
		log:   log.With("component", "LearningLoop"),
		cfg:   cfg,
		perf:  perf,
		gates: gates,
	}
}

func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("Starting learning loop", "interval", l.cfg.Interval, "lookback", l.cfg.Lookback)
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := l.RunOnce(ctx); err != nil {
				l.log.Error("Learning cycle failed", "error", err)
			}
		}
	}
}

func (l *Loop) RunOnce(ctx context.Context) error {
	since := time.Now().Add(-l.cfg.Lookback)
	observations, err := l.perf.ListJoinedSince(ctx, nil, since)
	if err != nil {
		return err
	}
	for _, stage := range tunedStages {
		scores, engagements := samplesForStage(observations, stage)
		if len(scores) < l.cfg.MinSamples {
			l.log.Info("Not enough samples, leaving config unchanged",
				"stage", stage, "samples", len(scores), "min", l.cfg.MinSamples)
			continue
		}
		r := Pearson(scores, engagements)
		active, err := l.gates.ActiveForStage(ctx, nil, stage)
		if err != nil {
			return err
		}
		if active == nil {
			l.log.Warn("No active config to retune", "stage", stage)
			continue
		}
		proposed := ProposeThreshold(active.PassThreshold, active.RefineLowerBound, r, l.cfg.MaxThresholdStep, l.cfg.MinCorrelation)
		if math.Abs(proposed-active.PassThreshold) < 1e-9 {
			l.log.Info("Correlation too weak to retune",
				"stage", stage, "correlation", r, "samples", len(scores))
			continue
		}
		snapshot := &types.QualityGateConfig{
			Stage:             stage,
			PassThreshold:     proposed,
			RefineLowerBound:  active.RefineLowerBound,
			MaxRefineAttempts: active.MaxRefineAttempts,
			ScoringWeights:    active.ScoringWeights,
			SampleSize:        len(scores),
		}
		inserted, err := l.gates.InsertSnapshot(ctx, nil, snapshot)
		if err != nil {
			return err
		}
		l.log.Info("Retuned gate config",
			"stage", stage, "correlation", r, "samples", len(scores),
			"old_threshold", active.PassThreshold, "new_threshold", inserted.PassThreshold,
			"version", inserted.Version)
	}
	return nil
}

// samplesForStage pairs each observation's engagement rate with the final
// gate score its content item earned at the given stage.
func samplesForStage(observations []repos.JoinedObservation, stage string) ([]float64, []float64) {
	var scores, engagements []float64
	for _, obs := range observations {
		score, ok := finalScore(obs.EvaluationHistory, stage)
		if !ok {
			continue
		}
		scores = append(scores, score)
		engagements = append(engagements, obs.EngagementRate)
	}
	return scores, engagements
}

// finalScore returns the score of the last evaluation recorded for the stage.
// The history is append-only, so the last entry is the verdict that let the
// item through.
func finalScore(history datatypes.JSON, stage string) (float64, bool) {
	if len(history) == 0 {
		return 0, false
	}
	var records []types.EvaluationRecord
	if err := json.Unmarshal(history, &records); err != nil {
		return 0, false
	}
	var last float64
	found := false
	for _, rec := range records {
		if rec.Stage != stage {
			continue
		}
		last = rec.Score
		found = true
	}
	return last, found
}

// Pearson computes the correlation coefficient of two equal-length series.
// Degenerate input (no variance, too short) yields zero.
func Pearson(xs, ys []float64) float64 {
	n := len(xs)
	if n < 2 || n != len(ys) {
		return 0
	}
	var sumX, sumY float64
	for i := 0; i < n; i++ {
		sumX += xs[i]
		sumY += ys[i]
	}
	meanX, meanY := sumX/float64(n), sumY/float64(n)
	var cov, varX, varY float64
	for i := 0; i < n; i++ {
		dx, dy := xs[i]-meanX, ys[i]-meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return 0
	}
	return cov / math.Sqrt(varX*varY)
}

/*
ProposeThreshold nudges the pass threshold along the correlation signal:
a strong positive correlation means the gate score predicts engagement, so
demanding more quality should pay off; a strong negative one means the gate is
over-filtering relative to what performs, so it loosens. The move is bounded
per cycle and clamped to stay above the refine band and below the scale max.
*/
func ProposeThreshold(current, refineLowerBound, correlation, maxStep, minCorrelation float64) float64 {
	if math.Abs(correlation) < minCorrelation {
		return current
	}
	proposed := current + correlation*maxStep
	if floor := refineLowerBound + 0.5; proposed < floor {
		proposed = floor
	}
	if proposed > 9.5 {
		proposed = 9.5
	}
	return proposed
}
