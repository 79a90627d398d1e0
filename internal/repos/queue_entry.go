package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/driftpost/driftpost-backend/internal/logger"
	"github.com/driftpost/driftpost-backend/internal/types"
)

type QueueEntryRepo interface {
	// Upsert inserts entries, silently skipping any (content item, destination)
	// pair that already exists. Re-running aggregation is therefore safe.
	Upsert(ctx context.Context, tx *gorm.DB, entries []*types.QueueEntry) error
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.QueueEntry, error)
	GetByContentItem(ctx context.Context, tx *gorm.DB, contentItemID uuid.UUID) ([]*types.QueueEntry, error)
	ListByStatus(ctx context.Context, tx *gorm.DB, status string, since, until *time.Time) ([]*types.QueueEntry, error)
	MarkPublished(ctx context.Context, tx *gorm.DB, id uuid.UUID, platformID string) error
}

type queueEntryRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewQueueEntryRepo(db *gorm.DB, baseLog *logger.Logger) QueueEntryRepo {
	return &queueEntryRepo{
		db:  db,
		log: baseLog.With("repo", "QueueEntryRepo"),
	}
}

func (r *queueEntryRepo) Upsert(ctx context.Context, tx *gorm.DB, entries []*types.QueueEntry) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(entries) == 0 {
		return nil
	}
	return transaction.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "content_item_id"}, {Name: "destination"}},
			DoNothing: true,
		}).
		Create(&entries).Error
}

func (r *queueEntryRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.QueueEntry, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var entry types.QueueEntry
	err := transaction.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&entry).Error
	if err != nil {
		return nil, err
	}
	if entry.ID == uuid.Nil {
		return nil, nil
	}
	return &entry, nil
}

func (r *queueEntryRepo) GetByContentItem(ctx context.Context, tx *gorm.DB, contentItemID uuid.UUID) ([]*types.QueueEntry, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.QueueEntry
	if err := transaction.WithContext(ctx).
		Where("content_item_id = ?", contentItemID).
		Order("scheduled_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *queueEntryRepo) ListByStatus(ctx context.Context, tx *gorm.DB, status string, since, until *time.Time) ([]*types.QueueEntry, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	q := transaction.WithContext(ctx).Where("status = ?", status)
	if since != nil {
		q = q.Where("scheduled_at >= ?", *since)
	}
	if until != nil {
		q = q.Where("scheduled_at < ?", *until)
	}
	var out []*types.QueueEntry
	if err := q.Order("scheduled_at ASC, created_at ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *queueEntryRepo) MarkPublished(ctx context.Context, tx *gorm.DB, id uuid.UUID, platformID string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	now := time.Now()
	return transaction.WithContext(ctx).
		Model(&types.QueueEntry{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       types.QueueEntryPublished,
			"platform_id":  platformID,
			"published_at": now,
			"updated_at":   now,
		}).Error
}
