package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"

	"github.com/driftpost/driftpost-backend/internal/clients/genai"
	"github.com/driftpost/driftpost-backend/internal/clients/publisher"
	"github.com/driftpost/driftpost-backend/internal/logger"
	pkgerrors "github.com/driftpost/driftpost-backend/internal/pkg/errors"
	"github.com/driftpost/driftpost-backend/internal/queue"
	"github.com/driftpost/driftpost-backend/internal/repos"
	"github.com/driftpost/driftpost-backend/internal/services"
	"github.com/driftpost/driftpost-backend/internal/types"
)

// -------------------- quality_approved: caption and tags --------------------

const annotateSystemPrompt = `You write social media captions. Given the
generation prompt of an approved post, return a JSON object with exactly two
fields: "caption" (an engaging caption matching the theme voice) and "tags"
(an array of 5 to 12 lowercase hashtag words without the # sign). Return only
the JSON object.`

type annotateExecutor struct {
	log    *logger.Logger
	gen    genai.Client
	themes services.ThemeService
}

func NewAnnotateExecutor(log *logger.Logger, gen genai.Client, themes services.ThemeService) StageExecutor {
	return &annotateExecutor{log: log.With("executor", "annotate"), gen: gen, themes: themes}
}

func (e *annotateExecutor) Stage() string    { return types.StageQualityApproved }
func (e *annotateExecutor) Evaluative() bool { return false }

func (e *annotateExecutor) Execute(ctx context.Context, item *types.ContentItem) (*StageResult, error) {
	theme, err := e.themes.Get(item.Theme)
	if err != nil {
		return nil, pkgerrors.InvariantViolation(err)
	}
	user := fmt.Sprintf("Theme: %s\nKind: %s\n\nGeneration prompt:\n%s", theme.DisplayName, item.Kind, item.Prompt)
	if len(theme.Keywords) > 0 {
		user += fmt.Sprintf("\n\nTheme keywords to consider: %s", strings.Join(theme.Keywords, ", "))
	}
	raw, err := e.gen.GenerateText(ctx, annotateSystemPrompt, user)
	if err != nil {
		return nil, err
	}
	var annotation struct {
		Caption string   `json:"caption"`
		Tags    []string `json:"tags"`
	}
	// The model occasionally wraps JSON in a code fence; strip it before decoding.
	cleaned := strings.TrimSpace(strings.Trim(strings.TrimSpace(raw), "`"))
	cleaned = strings.TrimPrefix(cleaned, "json")
	if err := json.Unmarshal([]byte(strings.TrimSpace(cleaned)), &annotation); err != nil {
		return nil, pkgerrors.Transient(fmt.Errorf("annotation decode error: %w", err))
	}
	if strings.TrimSpace(annotation.Caption) == "" {
		return nil, pkgerrors.Transient(fmt.Errorf("annotation returned empty caption"))
	}
	tagsJSON, err := json.Marshal(annotation.Tags)
	if err != nil {
		return nil, pkgerrors.PermanentTechnical(err)
	}
	return &StageResult{
		Updates: map[string]interface{}{
			"caption": annotation.Caption,
			"tags":    datatypes.JSON(tagsJSON),
		},
	}, nil
}

// -------------------- annotated: schedule and enqueue --------------------

type scheduleExecutor struct {
	log        *logger.Logger
	aggregator *queue.Aggregator
	account    string
}

func NewScheduleExecutor(log *logger.Logger, aggregator *queue.Aggregator, account string) StageExecutor {
	return &scheduleExecutor{log: log.With("executor", "schedule"), aggregator: aggregator, account: account}
}

func (e *scheduleExecutor) Stage() string    { return types.StageAnnotated }
func (e *scheduleExecutor) Evaluative() bool { return false }

func (e *scheduleExecutor) Execute(ctx context.Context, item *types.ContentItem) (*StageResult, error) {
	scheduledAt := time.Now().UTC().Truncate(time.Hour).Add(time.Hour)
	if item.ScheduledAt != nil {
		scheduledAt = item.ScheduledAt.UTC()
	}
	scheduled := *item
	scheduled.ScheduledAt = &scheduledAt
	if _, err := e.aggregator.Aggregate(ctx, nil, []*types.ContentItem{&scheduled}, e.account); err != nil {
		return nil, err
	}
	return &StageResult{
		Updates: map[string]interface{}{"scheduled_at": scheduledAt},
	}, nil
}

// -------------------- queued: publish ready entries --------------------

type publishExecutor struct {
	log      *logger.Logger
	pub      publisher.Client
	entries  repos.QueueEntryRepo
	notifier services.PipelineNotifier
}

func NewPublishExecutor(log *logger.Logger, pub publisher.Client, entries repos.QueueEntryRepo, notifier services.PipelineNotifier) StageExecutor {
	if notifier == nil {
		notifier = services.NopNotifier{}
	}
	return &publishExecutor{log: log.With("executor", "publish"), pub: pub, entries: entries, notifier: notifier}
}

func (e *publishExecutor) Stage() string    { return types.StageQueued }
func (e *publishExecutor) Evaluative() bool { return false }

/*
Execute publishes every ready queue entry of the item. Each entry flips to
published as soon as the platform accepts it, so a failure halfway through
re-runs only the remaining entries on the next attempt.
*/
func (e *publishExecutor) Execute(ctx context.Context, item *types.ContentItem) (*StageResult, error) {
	entries, err := e.entries.GetByContentItem(ctx, nil, item.ID)
	if err != nil {
		return nil, pkgerrors.Transient(err)
	}
	if len(entries) == 0 {
		return nil, pkgerrors.InvariantViolation(fmt.Errorf("item %s is queued but has no queue entries", item.ID))
	}
	for _, entry := range entries {
		if entry.Status != types.QueueEntryReady {
			continue
		}
		var tags []string
		if len(entry.Tags) > 0 {
			_ = json.Unmarshal(entry.Tags, &tags)
		}
		platformID, err := e.pub.Publish(ctx, entry.Destination, publisher.PublishRequest{
			Account:  entry.Account,
			Caption:  entry.Caption,
			Tags:     tags,
			MediaURI: entry.MediaURI,
			Kind:     item.Kind,
		})
		if err != nil {
			return nil, err
		}
		if err := e.entries.MarkPublished(ctx, nil, entry.ID, platformID); err != nil {
			return nil, pkgerrors.Transient(err)
		}
		e.log.Info("Published queue entry", "entry_id", entry.ID, "destination", entry.Destination, "platform_id", platformID)
		e.notifier.ItemPublished(item.ID, platformID)
	}
	return &StageResult{}, nil
}

// -------------------- published: collect performance --------------------

type trackExecutor struct {
	log     *logger.Logger
	pub     publisher.Client
	entries repos.QueueEntryRepo
	perf    repos.PerformanceRecordRepo
}

func NewTrackExecutor(log *logger.Logger, pub publisher.Client, entries repos.QueueEntryRepo, perf repos.PerformanceRecordRepo) StageExecutor {
	return &trackExecutor{log: log.With("executor", "track"), pub: pub, entries: entries, perf: perf}
}

func (e *trackExecutor) Stage() string    { return types.StagePublished }
func (e *trackExecutor) Evaluative() bool { return false }

func engagementRate(m *publisher.Metrics) float64 {
	if m.Reach <= 0 {
		return 0
	}
	return float64(m.Likes+m.Comments+m.Shares+m.Saves) / float64(m.Reach)
}

/*
Execute waits out the observation window, then takes one engagement snapshot
per published entry. Until the window of every entry has elapsed the item is
parked via ResumeAt; no platform call is made early.
*/
func (e *trackExecutor) Execute(ctx context.Context, item *types.ContentItem) (*StageResult, error) {
	entries, err := e.entries.GetByContentItem(ctx, nil, item.ID)
	if err != nil {
		return nil, pkgerrors.Transient(err)
	}
	now := time.Now()
	var latestDue time.Time
	published := entries[:0]
	for _, entry := range entries {
		if entry.Status != types.QueueEntryPublished || entry.PublishedAt == nil || entry.PlatformID == "" {
			continue
		}
		published = append(published, entry)
		if due := entry.PublishedAt.Add(e.pub.MinObservationDelay()); due.After(latestDue) {
			latestDue = due
		}
	}
	if len(published) == 0 {
		return nil, pkgerrors.InvariantViolation(fmt.Errorf("item %s is published but has no published queue entries", item.ID))
	}
	if now.Before(latestDue) {
		return &StageResult{ResumeAt: &latestDue}, nil
	}

	records := make([]*types.PerformanceRecord, 0, len(published))
	for _, entry := range published {
		metrics, err := e.pub.CollectPerformance(ctx, entry.PlatformID)
		if err != nil {
			return nil, err
		}
		records = append(records, &types.PerformanceRecord{
			QueueEntryID:   entry.ID,
			PlatformID:     entry.PlatformID,
			Likes:          metrics.Likes,
			Comments:       metrics.Comments,
			Shares:         metrics.Shares,
			Saves:          metrics.Saves,
			Reach:          metrics.Reach,
			EngagementRate: engagementRate(metrics),
			ObservedAt:     metrics.TakenAt,
		})
	}
	if err := e.perf.Append(ctx, nil, records); err != nil {
		return nil, pkgerrors.Transient(err)
	}
	return &StageResult{}, nil
}
