package types

import (
	"time"

	"github.com/google/uuid"
)

// PerformanceRecord is one engagement observation for a published queue entry.
// Observations are immutable; collection appends a new row per poll.
type PerformanceRecord struct {
	ID             uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	QueueEntryID   uuid.UUID `gorm:"type:uuid;not null;index" json:"queue_entry_id"`
	PlatformID     string    `gorm:"column:platform_id;not null;index" json:"platform_id"`
	Likes          int       `gorm:"column:likes;not null;default:0" json:"likes"`
	Comments       int       `gorm:"column:comments;not null;default:0" json:"comments"`
	Shares         int       `gorm:"column:shares;not null;default:0" json:"shares"`
	Saves          int       `gorm:"column:saves;not null;default:0" json:"saves"`
	Reach          int       `gorm:"column:reach;not null;default:0" json:"reach"`
	EngagementRate float64   `gorm:"column:engagement_rate;not null;default:0" json:"engagement_rate"`
	ObservedAt     time.Time `gorm:"column:observed_at;not null;index" json:"observed_at"`
	CreatedAt      time.Time `gorm:"not null;default:now()" json:"created_at"`
}

func (PerformanceRecord) TableName() string { return "performance_record" }
