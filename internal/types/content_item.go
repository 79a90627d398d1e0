package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Ordered pipeline stages plus the two absorbing terminals.
const (
	StageDrafted          = "drafted"
	StagePromptApproved   = "prompt_approved"
	StageReformatted      = "reformatted"
	StageMediaSynthesized = "media_synthesized"
	StageQualityApproved  = "quality_approved"
	StageAnnotated        = "annotated"
	StageQueued           = "queued"
	StagePublished        = "published"
	StageTracked          = "tracked"
	StageRejected         = "rejected"
	StageManualReview     = "manual_review"
)

// Content kinds dispatching to interchangeable stage implementations.
const (
	KindPhoto    = "photo"
	KindVideo    = "video"
	KindCarousel = "carousel"
	KindStory    = "story"
)

/*
ContentItem is the unit flowing through the pipeline.
	- Stage only moves forward through the ordered list above, or into a
	  terminal; the refine loop re-runs the current stage, it never regresses.
	- StageVersion is the optimistic lock: every successful transition bumps it,
	  so two workers racing on the same item cannot both win.
	- EvaluationHistory and ErrorHistory are append-only JSONB arrays; entries
	  are never deleted, errors are only flipped to resolved.
	- PayloadRefs holds artifact references (URI + checksum), never the bytes.
*/
type ContentItem struct {
	ID            uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	BatchID       uuid.UUID      `gorm:"type:uuid;not null;index" json:"batch_id"`
	Theme         string         `gorm:"column:theme;not null;index" json:"theme"`
	Kind          string         `gorm:"column:kind;not null;index" json:"kind"`
	Destination   string         `gorm:"column:destination;not null;index" json:"destination"`
	Stage         string         `gorm:"column:stage;not null;index" json:"stage"`
	StageVersion  int            `gorm:"column:stage_version;not null;default:0" json:"stage_version"`
	Prompt        string         `gorm:"column:prompt" json:"prompt,omitempty"`
	Feedback      string         `gorm:"column:feedback" json:"feedback,omitempty"`
	Caption       string         `gorm:"column:caption" json:"caption,omitempty"`
	Tags          datatypes.JSON `gorm:"column:tags;type:jsonb" json:"tags,omitempty"`
	AttemptCounts datatypes.JSON `gorm:"column:attempt_counts;type:jsonb" json:"attempt_counts"`
	PayloadRefs   datatypes.JSON `gorm:"column:payload_refs;type:jsonb" json:"payload_refs"`

	EvaluationHistory datatypes.JSON `gorm:"column:evaluation_history;type:jsonb" json:"evaluation_history"`
	ErrorHistory      datatypes.JSON `gorm:"column:error_history;type:jsonb" json:"error_history"`

	LockedAt    *time.Time     `gorm:"column:locked_at;index" json:"locked_at,omitempty"`
	HeartbeatAt *time.Time     `gorm:"column:heartbeat_at;index" json:"heartbeat_at,omitempty"`
	LastErrorAt *time.Time     `gorm:"column:last_error_at;index" json:"last_error_at,omitempty"`
	ResumeAt    *time.Time     `gorm:"column:resume_at;index" json:"resume_at,omitempty"`
	ScheduledAt *time.Time     `gorm:"column:scheduled_at;index" json:"scheduled_at,omitempty"`
	CreatedAt   time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (ContentItem) TableName() string { return "content_item" }

// EvaluationRecord is one entry of the append-only evaluation audit trail.
type EvaluationRecord struct {
	Stage     string    `json:"stage"`
	Score     float64   `json:"score"`
	Verdict   string    `json:"verdict"`
	Feedback  string    `json:"feedback,omitempty"`
	ConfigID  uuid.UUID `json:"config_id"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrorRecord is one entry of the append-only error trail.
type ErrorRecord struct {
	Kind       string    `json:"kind"`
	Stage      string    `json:"stage"`
	Message    string    `json:"message"`
	RetryCount int       `json:"retry_count"`
	Resolved   bool      `json:"resolved"`
	CreatedAt  time.Time `json:"created_at"`
}

// PayloadRef points at an externally-stored artifact.
type PayloadRef struct {
	URI      string `json:"uri"`
	Checksum string `json:"checksum,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// AttemptCount decodes the per-stage attempt counter map and returns the
// count for one stage. Missing stages count as zero.
func (c *ContentItem) AttemptCount(stage string) int {
	if c == nil || len(c.AttemptCounts) == 0 {
		return 0
	}
	var m map[string]int
	if err := json.Unmarshal(c.AttemptCounts, &m); err != nil {
		return 0
	}
	return m[stage]
}

// Evaluations decodes the evaluation history. An unparseable column yields an
// empty slice rather than an error: the trail is advisory at read time.
func (c *ContentItem) Evaluations() []EvaluationRecord {
	if c == nil || len(c.EvaluationHistory) == 0 {
		return nil
	}
	var out []EvaluationRecord
	if err := json.Unmarshal(c.EvaluationHistory, &out); err != nil {
		return nil
	}
	return out
}

// Errors decodes the error history.
func (c *ContentItem) Errors() []ErrorRecord {
	if c == nil || len(c.ErrorHistory) == 0 {
		return nil
	}
	var out []ErrorRecord
	if err := json.Unmarshal(c.ErrorHistory, &out); err != nil {
		return nil
	}
	return out
}

// Refs decodes the payload reference map keyed by artifact role
// ("text", "image", "video", ...).
func (c *ContentItem) Refs() map[string]PayloadRef {
	if c == nil || len(c.PayloadRefs) == 0 {
		return map[string]PayloadRef{}
	}
	var out map[string]PayloadRef
	if err := json.Unmarshal(c.PayloadRefs, &out); err != nil {
		return map[string]PayloadRef{}
	}
	return out
}
