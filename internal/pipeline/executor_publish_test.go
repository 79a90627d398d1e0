package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/driftpost/driftpost-backend/internal/clients/publisher"
	"github.com/driftpost/driftpost-backend/internal/logger"
	"github.com/driftpost/driftpost-backend/internal/types"
)

// -------- fakes --------

type fakePublisherClient struct {
	published []string
	delay     time.Duration
}

func (p *fakePublisherClient) Publish(ctx context.Context, destination string, req publisher.PublishRequest) (string, error) {
	p.published = append(p.published, destination)
	return "platform-" + destination, nil
}

func (p *fakePublisherClient) CollectPerformance(ctx context.Context, platformID string) (*publisher.Metrics, error) {
	return &publisher.Metrics{}, nil
}

func (p *fakePublisherClient) MinObservationDelay() time.Duration { return p.delay }

type fakeQueueEntryRepo struct {
	entries []*types.QueueEntry
	marked  map[uuid.UUID]string
}

func (r *fakeQueueEntryRepo) Upsert(ctx context.Context, tx *gorm.DB, entries []*types.QueueEntry) error {
	return nil
}

func (r *fakeQueueEntryRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.QueueEntry, error) {
	return nil, nil
}

func (r *fakeQueueEntryRepo) GetByContentItem(ctx context.Context, tx *gorm.DB, contentItemID uuid.UUID) ([]*types.QueueEntry, error) {
	return r.entries, nil
}

func (r *fakeQueueEntryRepo) ListByStatus(ctx context.Context, tx *gorm.DB, status string, since, until *time.Time) ([]*types.QueueEntry, error) {
	return nil, nil
}

func (r *fakeQueueEntryRepo) MarkPublished(ctx context.Context, tx *gorm.DB, id uuid.UUID, platformID string) error {
	if r.marked == nil {
		r.marked = map[uuid.UUID]string{}
	}
	r.marked[id] = platformID
	return nil
}

type recordingNotifier struct {
	publishedPlatforms []string
}

func (n *recordingNotifier) ItemProgress(uuid.UUID, string, string) {}
func (n *recordingNotifier) ItemPublished(itemID uuid.UUID, platformID string) {
	n.publishedPlatforms = append(n.publishedPlatforms, platformID)
}
func (n *recordingNotifier) ItemRejected(uuid.UUID, string, string)     {}
func (n *recordingNotifier) ItemManualReview(uuid.UUID, string, string) {}

// -------- tests --------

func TestPublishExecutor_PublishesReadyEntriesAndNotifies(t *testing.T) {
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger init: %v", err)
	}
	item := draftedItem()
	item.Stage = types.StageQueued
	alreadyPublished := &types.QueueEntry{
		ID:            uuid.New(),
		ContentItemID: item.ID,
		Destination:   "tiktok",
		Status:        types.QueueEntryPublished,
	}
	ready := &types.QueueEntry{
		ID:            uuid.New(),
		ContentItemID: item.ID,
		Destination:   "instagram",
		Account:       "brand_main",
		Status:        types.QueueEntryReady,
	}
	pub := &fakePublisherClient{}
	entries := &fakeQueueEntryRepo{entries: []*types.QueueEntry{alreadyPublished, ready}}
	notifier := &recordingNotifier{}
	exec := NewPublishExecutor(log, pub, entries, notifier)

	result, err := exec.Execute(context.Background(), item)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result == nil {
		t.Fatalf("expected a result")
	}
	if len(pub.published) != 1 || pub.published[0] != "instagram" {
		t.Fatalf("only the ready entry may be published, got %v", pub.published)
	}
	if got := entries.marked[ready.ID]; got != "platform-instagram" {
		t.Fatalf("ready entry must be marked published, got %q", got)
	}
	if _, ok := entries.marked[alreadyPublished.ID]; ok {
		t.Fatalf("published entry must not be re-marked")
	}
	if len(notifier.publishedPlatforms) != 1 || notifier.publishedPlatforms[0] != "platform-instagram" {
		t.Fatalf("each published entry must emit a notification, got %v", notifier.publishedPlatforms)
	}
}

func TestPublishExecutor_NoEntriesIsInvariantViolation(t *testing.T) {
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger init: %v", err)
	}
	item := draftedItem()
	item.Stage = types.StageQueued
	exec := NewPublishExecutor(log, &fakePublisherClient{}, &fakeQueueEntryRepo{}, &recordingNotifier{})

	if _, err := exec.Execute(context.Background(), item); err == nil {
		t.Fatalf("expected error for queued item without entries")
	}
}
