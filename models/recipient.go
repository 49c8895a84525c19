package models

import "time"

// Recipient is one (campaign, phone number) delivery target.
// The unique index on (campaign_id, phone_number) keeps a number from being added twice to a campaign.
type Recipient struct {
	ID                uint           `gorm:"primaryKey" json:"id"`
	CampaignID        uint           `gorm:"not null;uniqueIndex:uk_campaign_recipients_campaign_phone,priority:1;index:idx_campaign_recipients_dispatch,priority:1" json:"campaign_id"`
	PhoneNumber       string         `gorm:"size:20;not null;uniqueIndex:uk_campaign_recipients_campaign_phone,priority:2" json:"phone_number"`
	Sequence          int64          `gorm:"not null;index:idx_campaign_recipients_dispatch,priority:4" json:"sequence"`
	Status            DeliveryStatus `gorm:"size:16;not null;default:'pending';index:idx_campaign_recipients_dispatch,priority:2" json:"status"`
	ScheduledDate     *time.Time     `gorm:"type:date;index:idx_campaign_recipients_dispatch,priority:3" json:"scheduled_date,omitempty"`
	ProviderMessageID *string        `gorm:"size:128;uniqueIndex:uk_campaign_recipients_provider_message_id" json:"provider_message_id,omitempty"`
	ErrorInfo         *string        `gorm:"type:text" json:"error_info,omitempty"`
	RetryCount        int            `gorm:"not null;default:0" json:"retry_count"`
	QueuedAt          *time.Time     `json:"queued_at,omitempty"`
	SentAt            *time.Time     `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time     `json:"delivered_at,omitempty"`
	ReadAt            *time.Time     `json:"read_at,omitempty"`
	FailedAt          *time.Time     `json:"failed_at,omitempty"`
	CreatedAt         time.Time      `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"updated_at"`
}

func (Recipient) TableName() string { return "campaign_recipients" }

// RecipientFilter provides filter fields for repository queries
type RecipientFilter struct {
	ID                *uint
	CampaignID        *uint
	PhoneNumber       *string
	Status            *DeliveryStatus
	ProviderMessageID *string
	ScheduledBefore   *time.Time
}
