package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CampaignStatus represents the status of a campaign
type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusActive    CampaignStatus = "active"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusCancelled CampaignStatus = "cancelled"
)

// String returns the string representation of the status
func (s CampaignStatus) String() string {
	return string(s)
}

// Valid checks if the status is valid
func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignStatusDraft, CampaignStatusActive, CampaignStatusPaused,
		CampaignStatusCompleted, CampaignStatusCancelled:
		return true
	default:
		return false
	}
}

// AcceptsRecipients reports whether recipients can still be added
func (s CampaignStatus) AcceptsRecipients() bool {
	return s == CampaignStatusDraft || s == CampaignStatusActive || s == CampaignStatusPaused
}

// Scan implements the sql.Scanner interface for CampaignStatus
func (s *CampaignStatus) Scan(value any) error {
	if value == nil {
		*s = ""
		return nil
	}

	switch v := value.(type) {
	case string:
		*s = CampaignStatus(v)
	case []byte:
		*s = CampaignStatus(string(v))
	default:
		return fmt.Errorf("cannot scan %T into CampaignStatus", value)
	}

	return nil
}

// Value implements the driver.Valuer interface for CampaignStatus
func (s CampaignStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid CampaignStatus: %s", s)
	}
	return string(s), nil
}

// Campaign is a bulk send of one template to many recipients under a daily quota.
// The counters are a cache over campaign_recipients, adjusted on every transition and
// periodically recomputed by the reconciler.
type Campaign struct {
	ID                      uint           `gorm:"primaryKey" json:"id"`
	UUID                    uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:uk_campaigns_uuid" json:"uuid"`
	Name                    string         `gorm:"size:255;not null" json:"name"`
	DailyQuota              int            `gorm:"not null;check:chk_campaigns_daily_quota,daily_quota > 0" json:"daily_quota"`
	Priority                int            `gorm:"not null;default:100;index:idx_campaigns_status_priority,priority:2" json:"priority"`
	Status                  CampaignStatus `gorm:"size:16;not null;default:'draft';index:idx_campaigns_status_priority,priority:1" json:"status"`
	Template                MessagePayload `gorm:"type:jsonb;not null" json:"template"`
	StartDate               *time.Time     `gorm:"type:date" json:"start_date,omitempty"`
	EstimatedCompletionDate *time.Time     `gorm:"type:date" json:"estimated_completion_date,omitempty"`
	RecipientCount          int64          `gorm:"not null;default:0" json:"recipient_count"`
	ScheduledCount          int64          `gorm:"not null;default:0" json:"scheduled_count"`
	PendingCount            int64          `gorm:"not null;default:0" json:"pending_count"`
	QueuedCount             int64          `gorm:"not null;default:0" json:"queued_count"`
	SentCount               int64          `gorm:"not null;default:0" json:"sent_count"`
	DeliveredCount          int64          `gorm:"not null;default:0" json:"delivered_count"`
	ReadCount               int64          `gorm:"not null;default:0" json:"read_count"`
	FailedCount             int64          `gorm:"not null;default:0" json:"failed_count"`
	CancelledCount          int64          `gorm:"not null;default:0" json:"cancelled_count"`
	ActivatedAt             *time.Time     `json:"activated_at,omitempty"`
	CompletedAt             *time.Time     `json:"completed_at,omitempty"`
	CancelledAt             *time.Time     `json:"cancelled_at,omitempty"`
	CreatedAt               time.Time      `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');index:idx_campaigns_created_at" json:"created_at"`
	UpdatedAt               time.Time      `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"updated_at"`
}

func (Campaign) TableName() string { return "campaigns" }

// Counters returns the cached counters in recount form
func (c Campaign) Counters() CampaignCounters {
	return CampaignCounters{
		Recipients: c.RecipientCount,
		Scheduled:  c.ScheduledCount,
		Pending:    c.PendingCount,
		Queued:     c.QueuedCount,
		Sent:       c.SentCount,
		Delivered:  c.DeliveredCount,
		Read:       c.ReadCount,
		Failed:     c.FailedCount,
		Cancelled:  c.CancelledCount,
	}
}

// CampaignFilter provides filter fields for repository queries
type CampaignFilter struct {
	ID            *uint
	UUID          *uuid.UUID
	Status        *CampaignStatus
	Statuses      []CampaignStatus
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}

// CampaignCounters is a full recount of a campaign's recipients
type CampaignCounters struct {
	Recipients int64
	Scheduled  int64
	Pending    int64
	Queued     int64
	Sent       int64
	Delivered  int64
	Read       int64
	Failed     int64
	Cancelled  int64
}
