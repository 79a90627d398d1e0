package services

import (
	"context"
	"time"

	"github.com/driftpost/driftpost-backend/internal/logger"
	"github.com/driftpost/driftpost-backend/internal/queue"
	"github.com/driftpost/driftpost-backend/internal/repos"
	"github.com/driftpost/driftpost-backend/internal/types"
)

// QueueExportService renders the publish queue for external consumers.
type QueueExportService interface {
	Export(ctx context.Context, status string, since, until *time.Time) (*queue.Export, error)
}

type queueExportService struct {
	log     *logger.Logger
	entries repos.QueueEntryRepo
}

func NewQueueExportService(log *logger.Logger, entries repos.QueueEntryRepo) QueueExportService {
	return &queueExportService{
		log:     log.With("service", "QueueExportService"),
		entries: entries,
	}
}

func (s *queueExportService) Export(ctx context.Context, status string, since, until *time.Time) (*queue.Export, error) {
	if status == "" {
		status = types.QueueEntryReady
	}
	entries, err := s.entries.ListByStatus(ctx, nil, status, since, until)
	if err != nil {
		return nil, err
	}
	return queue.BuildExport(entries), nil
}
