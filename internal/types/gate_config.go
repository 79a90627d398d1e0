package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

/*
QualityGateConfig is an immutable per-stage threshold snapshot.
A new snapshot is inserted (never edited in place) whenever the learning loop
retunes a stage; exactly one snapshot per stage carries Active=true at a time.
Verdicts already recorded reference the snapshot they were evaluated against,
so a config update never changes them retroactively.
*/
type QualityGateConfig struct {
	ID                uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Stage             string         `gorm:"column:stage;not null;index:idx_gate_stage_active" json:"stage"`
	Version           int            `gorm:"column:version;not null" json:"version"`
	Active            bool           `gorm:"column:active;not null;default:false;index:idx_gate_stage_active" json:"active"`
	PassThreshold     float64        `gorm:"column:pass_threshold;not null" json:"pass_threshold"`
	RefineLowerBound  float64        `gorm:"column:refine_lower_bound;not null" json:"refine_lower_bound"`
	MaxRefineAttempts int            `gorm:"column:max_refine_attempts;not null" json:"max_refine_attempts"`
	ScoringWeights    datatypes.JSON `gorm:"column:scoring_weights;type:jsonb" json:"scoring_weights"`
	SampleSize        int            `gorm:"column:sample_size;not null;default:0" json:"sample_size"`
	CreatedAt         time.Time      `gorm:"not null;default:now();index" json:"created_at"`
}

func (QualityGateConfig) TableName() string { return "quality_gate_config" }

// Weights decodes the per-criterion scoring weight map.
func (c *QualityGateConfig) Weights() map[string]float64 {
	if c == nil || len(c.ScoringWeights) == 0 {
		return map[string]float64{}
	}
	var out map[string]float64
	if err := json.Unmarshal(c.ScoringWeights, &out); err != nil {
		return map[string]float64{}
	}
	return out
}
