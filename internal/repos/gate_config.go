package repos

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/driftpost/driftpost-backend/internal/logger"
	"github.com/driftpost/driftpost-backend/internal/types"
)

type GateConfigRepo interface {
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.QualityGateConfig, error)
	// ActiveForStage returns the single active snapshot for a stage.
	ActiveForStage(ctx context.Context, tx *gorm.DB, stage string) (*types.QualityGateConfig, error)
	ListByStage(ctx context.Context, tx *gorm.DB, stage string) ([]*types.QualityGateConfig, error)
	// InsertSnapshot deactivates the current snapshot and inserts cfg as the new
	// active one in a single transaction, assigning the next version number.
	InsertSnapshot(ctx context.Context, tx *gorm.DB, cfg *types.QualityGateConfig) (*types.QualityGateConfig, error)
}

type gateConfigRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewGateConfigRepo(db *gorm.DB, baseLog *logger.Logger) GateConfigRepo {
	return &gateConfigRepo{
		db:  db,
		log: baseLog.With("repo", "GateConfigRepo"),
	}
}

func (r *gateConfigRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.QualityGateConfig, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var cfg types.QualityGateConfig
	err := transaction.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&cfg).Error
	if err != nil {
		return nil, err
	}
	if cfg.ID == uuid.Nil {
		return nil, nil
	}
	return &cfg, nil
}

func (r *gateConfigRepo) ActiveForStage(ctx context.Context, tx *gorm.DB, stage string) (*types.QualityGateConfig, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if stage == "" {
		return nil, nil
	}
	var cfg types.QualityGateConfig
	err := transaction.WithContext(ctx).
		Where("stage = ? AND active = ?", stage, true).
		Order("version DESC").
		Limit(1).
		Find(&cfg).Error
	if err != nil {
		return nil, err
	}
	if cfg.ID == uuid.Nil {
		return nil, nil
	}
	return &cfg, nil
}

func (r *gateConfigRepo) ListByStage(ctx context.Context, tx *gorm.DB, stage string) ([]*types.QualityGateConfig, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.QualityGateConfig
	if err := transaction.WithContext(ctx).
		Where("stage = ?", stage).
		Order("version ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *gateConfigRepo) InsertSnapshot(ctx context.Context, tx *gorm.DB, cfg *types.QualityGateConfig) (*types.QualityGateConfig, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if cfg == nil || cfg.Stage == "" {
		return nil, fmt.Errorf("snapshot requires a stage")
	}
	err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var current types.QualityGateConfig
		if err := txx.Where("stage = ? AND active = ?", cfg.Stage, true).
			Order("version DESC").
			Limit(1).
			Find(&current).Error; err != nil {
			return err
		}
		cfg.Version = current.Version + 1
		cfg.Active = true
		cfg.CreatedAt = time.Now().UTC()
		if current.ID != uuid.Nil {
			if err := txx.Model(&types.QualityGateConfig{}).
				Where("id = ?", current.ID).
				Update("active", false).Error; err != nil {
				return err
			}
		}
		return txx.Create(cfg).Error
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}
