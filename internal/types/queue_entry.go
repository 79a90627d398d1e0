package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Queue entry publication statuses.
const (
	QueueEntryReady     = "ready"
	QueueEntryPublished = "published"
)

// QueueEntry projects a publish-ready ContentItem into destination-specific
// fields. (ContentItemID, Destination) is unique: re-aggregating overlapping
// input must not produce a second entry for the same pair.
type QueueEntry struct {
	ID            uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ContentItemID uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:idx_queue_content_destination" json:"content_item_id"`
	Destination   string         `gorm:"column:destination;not null;uniqueIndex:idx_queue_content_destination;index" json:"destination"`
	Account       string         `gorm:"column:account;not null" json:"account"`
	Caption       string         `gorm:"column:caption" json:"caption"`
	Tags          datatypes.JSON `gorm:"column:tags;type:jsonb" json:"tags"`
	MediaURI      string         `gorm:"column:media_uri" json:"media_uri"`
	ScheduledAt   time.Time      `gorm:"column:scheduled_at;not null;index" json:"scheduled_at"`
	Status        string         `gorm:"column:status;not null;index" json:"status"`
	PlatformID    string         `gorm:"column:platform_id;index" json:"platform_id,omitempty"`
	PublishedAt   *time.Time     `gorm:"column:published_at" json:"published_at,omitempty"`
	CreatedAt     time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (QueueEntry) TableName() string { return "queue_entry" }
