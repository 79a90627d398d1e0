package services

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"

	"github.com/driftpost/driftpost-backend/internal/logger"
	pkgerrors "github.com/driftpost/driftpost-backend/internal/pkg/errors"
	"github.com/driftpost/driftpost-backend/internal/repos"
	"github.com/driftpost/driftpost-backend/internal/types"
)

// GateConfigInput is one manual snapshot request.
type GateConfigInput struct {
	Stage             string             `json:"stage"`
	PassThreshold     float64            `json:"pass_threshold"`
	RefineLowerBound  float64            `json:"refine_lower_bound"`
	MaxRefineAttempts int                `json:"max_refine_attempts"`
	ScoringWeights    map[string]float64 `json:"scoring_weights,omitempty"`
}

type GateService interface {
	Active(ctx context.Context, stage string) (*types.QualityGateConfig, error)
	History(ctx context.Context, stage string) ([]*types.QualityGateConfig, error)
	// Snapshot inserts a new active config version for a stage.
	Snapshot(ctx context.Context, input GateConfigInput) (*types.QualityGateConfig, error)
}

type gateService struct {
	log   *logger.Logger
	gates repos.GateConfigRepo
}

func NewGateService(log *logger.Logger, gates repos.GateConfigRepo) GateService {
	return &gateService{
		log:   log.With("service", "GateService"),
		gates: gates,
	}
}

func (s *gateService) Active(ctx context.Context, stage string) (*types.QualityGateConfig, error) {
	cfg, err := s.gates.ActiveForStage(ctx, nil, stage)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, pkgerrors.ErrNotFound
	}
	return cfg, nil
}

func (s *gateService) History(ctx context.Context, stage string) ([]*types.QualityGateConfig, error) {
	return s.gates.ListByStage(ctx, nil, stage)
}

func (s *gateService) Snapshot(ctx context.Context, input GateConfigInput) (*types.QualityGateConfig, error) {
	if input.Stage == "" {
		return nil, fmt.Errorf("%w: stage required", pkgerrors.ErrInvalidArgument)
	}
	if input.PassThreshold <= input.RefineLowerBound {
		return nil, fmt.Errorf("%w: pass threshold must exceed refine lower bound", pkgerrors.ErrInvalidArgument)
	}
	if input.MaxRefineAttempts < 0 {
		return nil, fmt.Errorf("%w: max refine attempts must not be negative", pkgerrors.ErrInvalidArgument)
	}
	var weights datatypes.JSON
	if len(input.ScoringWeights) > 0 {
		b, err := json.Marshal(input.ScoringWeights)
		if err != nil {
			return nil, err
		}
		weights = datatypes.JSON(b)
	}
	cfg, err := s.gates.InsertSnapshot(ctx, nil, &types.QualityGateConfig{
		Stage:             input.Stage,
		PassThreshold:     input.PassThreshold,
		RefineLowerBound:  input.RefineLowerBound,
		MaxRefineAttempts: input.MaxRefineAttempts,
		ScoringWeights:    weights,
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("Inserted gate config snapshot", "stage", cfg.Stage, "version", cfg.Version, "pass_threshold", cfg.PassThreshold)
	return cfg, nil
}
