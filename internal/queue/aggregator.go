package queue

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/driftpost/driftpost-backend/internal/logger"
	"github.com/driftpost/driftpost-backend/internal/repos"
	"github.com/driftpost/driftpost-backend/internal/types"
)

/*
Aggregator turns annotated content items into destination-partitioned queue
entries and renders the queue for export.
	- Within a destination, entries are ordered by scheduled time; ties keep
	  input order (the sort is stable).
	- (content item, destination) is deduplicated here and again at the
	  database by the unique index, so overlapping aggregation runs are safe.
*/
type Aggregator struct {
	log     *logger.Logger
	entries repos.QueueEntryRepo
}

func NewAggregator(log *logger.Logger, entries repos.QueueEntryRepo) *Aggregator {
	return &Aggregator{
		log:     log.With("component", "QueueAggregator"),
		entries: entries,
	}
}

// BuildEntries projects items into queue entries without touching storage.
// Items missing a schedule slot get scheduled immediately.
func BuildEntries(items []*types.ContentItem, account string) []*types.QueueEntry {
	seen := map[string]bool{}
	out := make([]*types.QueueEntry, 0, len(items))
	now := time.Now().UTC()
	for _, item := range items {
		if item == nil || item.Destination == "" {
			continue
		}
		key := item.ID.String() + "|" + item.Destination
		if seen[key] {
			continue
		}
		seen[key] = true

		scheduledAt := now
		if item.ScheduledAt != nil {
			scheduledAt = item.ScheduledAt.UTC()
		}
		mediaURI := ""
		for _, role := range []string{"video", "image", "media"} {
			if ref, ok := item.Refs()[role]; ok && ref.URI != "" {
				mediaURI = ref.URI
				break
			}
		}
		out = append(out, &types.QueueEntry{
			ContentItemID: item.ID,
			Destination:   item.Destination,
			Account:       account,
			Caption:       strings.TrimSpace(item.Caption),
			Tags:          item.Tags,
			MediaURI:      mediaURI,
			ScheduledAt:   scheduledAt,
			Status:        types.QueueEntryReady,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Destination != out[j].Destination {
			return out[i].Destination < out[j].Destination
		}
		return out[i].ScheduledAt.Before(out[j].ScheduledAt)
	})
	return out
}

// Aggregate builds and persists entries for the given items.
func (a *Aggregator) Aggregate(ctx context.Context, tx *gorm.DB, items []*types.ContentItem, account string) ([]*types.QueueEntry, error) {
	entries := BuildEntries(items, account)
	if len(entries) == 0 {
		return entries, nil
	}
	if err := a.entries.Upsert(ctx, tx, entries); err != nil {
		return nil, err
	}
	a.log.Info("Aggregated queue entries", "count", len(entries))
	return entries, nil
}

// -------------------- export --------------------

// ExportEntry is the stable external shape of one queued post.
type ExportEntry struct {
	ContentItemID uuid.UUID `json:"content_item_id"`
	Account       string    `json:"account"`
	Caption       string    `json:"caption"`
	Tags          []string  `json:"tags,omitempty"`
	MediaURI      string    `json:"media_uri"`
	ScheduledAt   time.Time `json:"scheduled_at"`
}

type DestinationGroup struct {
	Destination string        `json:"destination"`
	Entries     []ExportEntry `json:"entries"`
}

type Export struct {
	GeneratedAt  time.Time          `json:"generated_at"`
	Destinations []DestinationGroup `json:"destinations"`
}

func decodeTags(raw datatypes.JSON) []string {
	if len(raw) == 0 {
		return nil
	}
	var tags []string
	if err := json.Unmarshal(raw, &tags); err != nil {
		return nil
	}
	return tags
}

// BuildExport partitions entries by destination in one pass, preserving the
// per-destination schedule order of the input.
func BuildExport(entries []*types.QueueEntry) *Export {
	groups := map[string]*DestinationGroup{}
	order := []string{}
	for _, e := range entries {
		if e == nil {
			continue
		}
		g, ok := groups[e.Destination]
		if !ok {
			g = &DestinationGroup{Destination: e.Destination}
			groups[e.Destination] = g
			order = append(order, e.Destination)
		}
		g.Entries = append(g.Entries, ExportEntry{
			ContentItemID: e.ContentItemID,
			Account:       e.Account,
			Caption:       strings.TrimSpace(e.Caption),
			Tags:          decodeTags(e.Tags),
			MediaURI:      e.MediaURI,
			ScheduledAt:   e.ScheduledAt.UTC(),
		})
	}
	sort.Strings(order)
	out := &Export{GeneratedAt: time.Now().UTC()}
	for _, dest := range order {
		g := groups[dest]
		sort.SliceStable(g.Entries, func(i, j int) bool {
			return g.Entries[i].ScheduledAt.Before(g.Entries[j].ScheduledAt)
		})
		out.Destinations = append(out.Destinations, *g)
	}
	return out
}

func (e *Export) JSON() ([]byte, error) {
	return json.MarshalIndent(e, "", "  ")
}
