package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/driftpost/driftpost-backend/internal/logger"
	pkgerrors "github.com/driftpost/driftpost-backend/internal/pkg/errors"
	"github.com/driftpost/driftpost-backend/internal/repos"
	"github.com/driftpost/driftpost-backend/internal/types"
)

// CreateBatchInput describes one intake request: one item per
// (kind, destination) pair, all sharing a batch id and theme.
type CreateBatchInput struct {
	Theme        string   `json:"theme"`
	Kinds        []string `json:"kinds"`
	Destinations []string `json:"destinations"`
}

// ItemHistory is the full audit view of one item.
type ItemHistory struct {
	Item         *types.ContentItem         `json:"item"`
	Evaluations  []types.EvaluationRecord   `json:"evaluations"`
	Errors       []types.ErrorRecord        `json:"errors"`
	QueueEntries []*types.QueueEntry        `json:"queue_entries"`
	Performance  []*types.PerformanceRecord `json:"performance"`
}

type ContentService interface {
	CreateBatch(ctx context.Context, input CreateBatchInput) ([]*types.ContentItem, error)
	Get(ctx context.Context, id uuid.UUID) (*types.ContentItem, error)
	History(ctx context.Context, id uuid.UUID) (*ItemHistory, error)
	ListByStage(ctx context.Context, stage string) ([]*types.ContentItem, error)
	// Requeue puts a manual-review item back into the stage it stalled in.
	Requeue(ctx context.Context, id uuid.UUID, stage string) (*types.ContentItem, error)
}

type contentService struct {
	db      *gorm.DB
	log     *logger.Logger
	items   repos.ContentItemRepo
	entries repos.QueueEntryRepo
	perf    repos.PerformanceRecordRepo
	themes  ThemeService
}

func NewContentService(
	db *gorm.DB,
	log *logger.Logger,
	items repos.ContentItemRepo,
	entries repos.QueueEntryRepo,
	perf repos.PerformanceRecordRepo,
	themes ThemeService,
) ContentService {
	return &contentService{
		db:      db,
		log:     log.With("service", "ContentService"),
		items:   items,
		entries: entries,
		perf:    perf,
		themes:  themes,
	}
}

var requeueStages = map[string]bool{
	types.StageDrafted:          true,
	types.StagePromptApproved:   true,
	types.StageReformatted:      true,
	types.StageMediaSynthesized: true,
	types.StageQualityApproved:  true,
	types.StageAnnotated:        true,
	types.StageQueued:           true,
	types.StagePublished:        true,
}

var validKinds = map[string]bool{
	types.KindPhoto:    true,
	types.KindVideo:    true,
	types.KindCarousel: true,
	types.KindStory:    true,
}

func (s *contentService) CreateBatch(ctx context.Context, input CreateBatchInput) ([]*types.ContentItem, error) {
	if _, err := s.themes.Get(input.Theme); err != nil {
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrInvalidArgument, err)
	}
	if len(input.Kinds) == 0 || len(input.Destinations) == 0 {
		return nil, fmt.Errorf("%w: at least one kind and one destination required", pkgerrors.ErrInvalidArgument)
	}
	for _, kind := range input.Kinds {
		if !validKinds[kind] {
			return nil, fmt.Errorf("%w: unknown kind %q", pkgerrors.ErrInvalidArgument, kind)
		}
	}
	batchID := uuid.New()
	items := make([]*types.ContentItem, 0, len(input.Kinds)*len(input.Destinations))
	for _, kind := range input.Kinds {
		for _, destination := range input.Destinations {
			if destination == "" {
				return nil, fmt.Errorf("%w: empty destination", pkgerrors.ErrInvalidArgument)
			}
			items = append(items, &types.ContentItem{
				BatchID:     batchID,
				Theme:       input.Theme,
				Kind:        kind,
				Destination: destination,
				Stage:       types.StageDrafted,
			})
		}
	}
	created, err := s.items.Create(ctx, nil, items)
	if err != nil {
		return nil, err
	}
	s.log.Info("Created content batch", "batch_id", batchID, "theme", input.Theme, "count", len(created))
	return created, nil
}

func (s *contentService) Get(ctx context.Context, id uuid.UUID) (*types.ContentItem, error) {
	item, err := s.items.GetByID(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, pkgerrors.ErrNotFound
	}
	return item, nil
}

func (s *contentService) History(ctx context.Context, id uuid.UUID) (*ItemHistory, error) {
	item, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	entries, err := s.entries.GetByContentItem(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	var performance []*types.PerformanceRecord
	for _, entry := range entries {
		recs, err := s.perf.ListByQueueEntry(ctx, nil, entry.ID)
		if err != nil {
			return nil, err
		}
		performance = append(performance, recs...)
	}
	return &ItemHistory{
		Item:         item,
		Evaluations:  item.Evaluations(),
		Errors:       item.Errors(),
		QueueEntries: entries,
		Performance:  performance,
	}, nil
}

func (s *contentService) ListByStage(ctx context.Context, stage string) ([]*types.ContentItem, error) {
	return s.items.ListByStage(ctx, nil, stage, nil, nil)
}

func (s *contentService) Requeue(ctx context.Context, id uuid.UUID, stage string) (*types.ContentItem, error) {
	item, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.Stage != types.StageManualReview {
		return nil, fmt.Errorf("%w: item %s is in %s, only manual_review items can be requeued", pkgerrors.ErrInvalidArgument, id, item.Stage)
	}
	if !requeueStages[stage] {
		return nil, fmt.Errorf("%w: cannot requeue into %q", pkgerrors.ErrInvalidArgument, stage)
	}
	moved, err := s.items.TransitionStage(ctx, nil, id, item.Stage, item.StageVersion, map[string]interface{}{
		"stage":     stage,
		"locked_at": nil,
		"resume_at": nil,
	})
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, pkgerrors.ErrStaleTransition
	}
	return s.Get(ctx, id)
}
