package repos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/driftpost/driftpost-backend/internal/logger"
	"github.com/driftpost/driftpost-backend/internal/types"
)

type ContentItemRepo interface {
	Create(ctx context.Context, tx *gorm.DB, items []*types.ContentItem) ([]*types.ContentItem, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.ContentItem, error)
	ListByStage(ctx context.Context, tx *gorm.DB, stage string, since, until *time.Time) ([]*types.ContentItem, error)
	// ClaimNextRunnable picks one unlocked item in a runnable stage and locks it (SKIP LOCKED).
	ClaimNextRunnable(ctx context.Context, tx *gorm.DB, stages []string, staleRunning time.Duration) (*types.ContentItem, error)
	// TransitionStage performs the atomic, version-guarded stage write.
	// Returns false when the guard does not match (another worker won the race).
	TransitionStage(ctx context.Context, tx *gorm.DB, id uuid.UUID, fromStage string, fromVersion int, updates map[string]interface{}) (bool, error)
	AppendEvaluation(ctx context.Context, tx *gorm.DB, id uuid.UUID, rec types.EvaluationRecord) error
	AppendError(ctx context.Context, tx *gorm.DB, id uuid.UUID, rec types.ErrorRecord) error
	ResolveErrors(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	Heartbeat(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
	ReleaseLock(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
}

type contentItemRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewContentItemRepo(db *gorm.DB, baseLog *logger.Logger) ContentItemRepo {
	return &contentItemRepo{
		db:  db,
		log: baseLog.With("repo", "ContentItemRepo"),
	}
}

func (r *contentItemRepo) Create(ctx context.Context, tx *gorm.DB, items []*types.ContentItem) ([]*types.ContentItem, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(items) == 0 {
		return []*types.ContentItem{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *contentItemRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.ContentItem, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var item types.ContentItem
	err := transaction.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == uuid.Nil {
		return nil, nil
	}
	return &item, nil
}

func (r *contentItemRepo) ListByStage(ctx context.Context, tx *gorm.DB, stage string, since, until *time.Time) ([]*types.ContentItem, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	q := transaction.WithContext(ctx).Where("stage = ?", stage)
	if since != nil {
		q = q.Where("updated_at >= ?", *since)
	}
	if until != nil {
		q = q.Where("updated_at < ?", *until)
	}
	var out []*types.ContentItem
	if err := q.Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *contentItemRepo) ClaimNextRunnable(ctx context.Context, tx *gorm.DB, stages []string, staleRunning time.Duration) (*types.ContentItem, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(stages) == 0 {
		return nil, nil
	}
	now := time.Now()
	staleCutoff := now.Add(-staleRunning)
	var claimed *types.ContentItem
	err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var item types.ContentItem
		q := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where(`
				stage IN ?
				AND (resume_at IS NULL OR resume_at <= ?)
				AND (
					locked_at IS NULL
					OR (heartbeat_at IS NOT NULL AND heartbeat_at < ?)
				)
			`, stages, now, staleCutoff).
			Order("created_at ASC")
		qErr := q.First(&item).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		uErr := txx.Model(&types.ContentItem{}).
			Where("id = ?", item.ID).
			Updates(map[string]interface{}{
				"locked_at":    now,
				"heartbeat_at": now,
				"resume_at":    nil,
				"updated_at":   now,
			}).Error
		if uErr != nil {
			return uErr
		}
		claimed = &item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *contentItemRepo) TransitionStage(ctx context.Context, tx *gorm.DB, id uuid.UUID, fromStage string, fromVersion int, updates map[string]interface{}) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["stage_version"] = fromVersion + 1
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	res := transaction.WithContext(ctx).
		Model(&types.ContentItem{}).
		Where("id = ? AND stage = ? AND stage_version = ?", id, fromStage, fromVersion).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *contentItemRepo) AppendEvaluation(ctx context.Context, tx *gorm.DB, id uuid.UUID, rec types.EvaluationRecord) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	b, err := json.Marshal([]types.EvaluationRecord{rec})
	if err != nil {
		return fmt.Errorf("marshal evaluation record: %w", err)
	}
	return transaction.WithContext(ctx).
		Model(&types.ContentItem{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"evaluation_history": gorm.Expr("COALESCE(evaluation_history, '[]'::jsonb) || ?::jsonb", string(b)),
			"updated_at":         time.Now(),
		}).Error
}

func (r *contentItemRepo) AppendError(ctx context.Context, tx *gorm.DB, id uuid.UUID, rec types.ErrorRecord) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	b, err := json.Marshal([]types.ErrorRecord{rec})
	if err != nil {
		return fmt.Errorf("marshal error record: %w", err)
	}
	now := time.Now()
	return transaction.WithContext(ctx).
		Model(&types.ContentItem{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"error_history": gorm.Expr("COALESCE(error_history, '[]'::jsonb) || ?::jsonb", string(b)),
			"last_error_at": now,
			"updated_at":    now,
		}).Error
}

// ResolveErrors flips every unresolved error entry to resolved. Entries are
// never removed, the trail stays complete for audit.
func (r *contentItemRepo) ResolveErrors(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	return transaction.WithContext(ctx).
		Model(&types.ContentItem{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"error_history": gorm.Expr(`(
				SELECT COALESCE(jsonb_agg(e || '{"resolved": true}'::jsonb), '[]'::jsonb)
				FROM jsonb_array_elements(COALESCE(error_history, '[]'::jsonb)) AS e
			)`),
			"updated_at": time.Now(),
		}).Error
}

func (r *contentItemRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return transaction.WithContext(ctx).
		Model(&types.ContentItem{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *contentItemRepo) Heartbeat(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	now := time.Now()
	return transaction.WithContext(ctx).
		Model(&types.ContentItem{}).
		Where("id = ? AND locked_at IS NOT NULL", id).
		Updates(map[string]interface{}{
			"heartbeat_at": now,
			"updated_at":   now,
		}).Error
}

func (r *contentItemRepo) ReleaseLock(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	return transaction.WithContext(ctx).
		Model(&types.ContentItem{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"locked_at":  nil,
			"updated_at": time.Now(),
		}).Error
}
