package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/driftpost/driftpost-backend/internal/logger"
	"github.com/driftpost/driftpost-backend/internal/types"
)

// JoinedObservation is one engagement observation joined back to the
// generation parameters of its originating content item. The learning loop
// consumes these rows.
type JoinedObservation struct {
	QueueEntryID      uuid.UUID      `json:"queue_entry_id"`
	ContentItemID     uuid.UUID      `json:"content_item_id"`
	Theme             string         `json:"theme"`
	Kind              string         `json:"kind"`
	EvaluationHistory datatypes.JSON `json:"evaluation_history"`
	EngagementRate    float64        `json:"engagement_rate"`
	Reach             int            `json:"reach"`
	ObservedAt        time.Time      `json:"observed_at"`
}

type PerformanceRecordRepo interface {
	Append(ctx context.Context, tx *gorm.DB, recs []*types.PerformanceRecord) error
	ListByQueueEntry(ctx context.Context, tx *gorm.DB, queueEntryID uuid.UUID) ([]*types.PerformanceRecord, error)
	ListJoinedSince(ctx context.Context, tx *gorm.DB, since time.Time) ([]JoinedObservation, error)
}

type performanceRecordRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPerformanceRecordRepo(db *gorm.DB, baseLog *logger.Logger) PerformanceRecordRepo {
	return &performanceRecordRepo{
		db:  db,
		log: baseLog.With("repo", "PerformanceRecordRepo"),
	}
}

func (r *performanceRecordRepo) Append(ctx context.Context, tx *gorm.DB, recs []*types.PerformanceRecord) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(recs) == 0 {
		return nil
	}
	return transaction.WithContext(ctx).Create(&recs).Error
}

func (r *performanceRecordRepo) ListByQueueEntry(ctx context.Context, tx *gorm.DB, queueEntryID uuid.UUID) ([]*types.PerformanceRecord, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.PerformanceRecord
	if err := transaction.WithContext(ctx).
		Where("queue_entry_id = ?", queueEntryID).
		Order("observed_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *performanceRecordRepo) ListJoinedSince(ctx context.Context, tx *gorm.DB, since time.Time) ([]JoinedObservation, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []JoinedObservation
	err := transaction.WithContext(ctx).
		Table("performance_record AS pr").
		Select(`
			pr.queue_entry_id AS queue_entry_id,
			ci.id AS content_item_id,
			ci.theme AS theme,
			ci.kind AS kind,
			ci.evaluation_history AS evaluation_history,
			pr.engagement_rate AS engagement_rate,
			pr.reach AS reach,
			pr.observed_at AS observed_at
		`).
		Joins("JOIN queue_entry qe ON qe.id = pr.queue_entry_id").
		Joins("JOIN content_item ci ON ci.id = qe.content_item_id").
		Where("pr.observed_at >= ?", since).
		Order("pr.observed_at ASC").
		Scan(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
