package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/driftpost/driftpost-backend/internal/clients/redisx"
	"github.com/driftpost/driftpost-backend/internal/logger"
	"github.com/driftpost/driftpost-backend/internal/types"
)

// PipelineNotifier is the fire-and-forget side channel. Implementations must
// never let a delivery failure propagate into the pipeline operation that is
// being reported on.
type PipelineNotifier interface {
	ItemProgress(itemID uuid.UUID, stage string, message string)
	ItemPublished(itemID uuid.UUID, platformID string)
	ItemRejected(itemID uuid.UUID, stage string, reason string)
	ItemManualReview(itemID uuid.UUID, stage string, reason string)
}

type pipelineNotifier struct {
	log *logger.Logger
	bus redisx.EventBus
}

func NewPipelineNotifier(log *logger.Logger, bus redisx.EventBus) PipelineNotifier {
	return &pipelineNotifier{
		log: log.With("service", "PipelineNotifier"),
		bus: bus,
	}
}

func (n *pipelineNotifier) emit(evt redisx.Event) {
	if n == nil || n.bus == nil {
		return
	}
	if err := n.bus.Publish(context.Background(), evt); err != nil {
		n.log.Warn("Notification delivery failed", "type", evt.Type, "item_id", evt.ItemID, "error", err)
	}
}

func (n *pipelineNotifier) ItemProgress(itemID uuid.UUID, stage string, message string) {
	n.emit(redisx.Event{Type: "item_progress", ItemID: itemID.String(), Stage: stage, Message: message})
}

func (n *pipelineNotifier) ItemPublished(itemID uuid.UUID, platformID string) {
	n.emit(redisx.Event{
		Type:   "item_published",
		ItemID: itemID.String(),
		Stage:  types.StagePublished,
		Data:   map[string]any{"platform_id": platformID},
	})
}

func (n *pipelineNotifier) ItemRejected(itemID uuid.UUID, stage string, reason string) {
	n.emit(redisx.Event{Type: "item_rejected", ItemID: itemID.String(), Stage: stage, Message: reason})
}

func (n *pipelineNotifier) ItemManualReview(itemID uuid.UUID, stage string, reason string) {
	n.emit(redisx.Event{Type: "item_manual_review", ItemID: itemID.String(), Stage: stage, Message: reason})
}

// NopNotifier drops everything. Used in tests and when redis is not configured.
type NopNotifier struct{}

func (NopNotifier) ItemProgress(uuid.UUID, string, string)     {}
func (NopNotifier) ItemPublished(uuid.UUID, string)            {}
func (NopNotifier) ItemRejected(uuid.UUID, string, string)     {}
func (NopNotifier) ItemManualReview(uuid.UUID, string, string) {}
