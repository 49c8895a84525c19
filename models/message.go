package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// MessageDirection tells whether a conversational message was received or sent
type MessageDirection string

const (
	MessageDirectionInbound  MessageDirection = "inbound"
	MessageDirectionOutbound MessageDirection = "outbound"
)

// PayloadType enumerates the kinds of content a message carries
type PayloadType string

const (
	PayloadTypeText     PayloadType = "text"
	PayloadTypeTemplate PayloadType = "template"
	PayloadTypeMedia    PayloadType = "media"
)

// MessagePayload is the content of a message, stored as jsonb
type MessagePayload struct {
	Type             PayloadType `json:"type"`
	Text             string      `json:"text,omitempty"`
	TemplateName     string      `json:"template_name,omitempty"`
	TemplateLanguage string      `json:"template_language,omitempty"`
	TemplateParams   []string    `json:"template_params,omitempty"`
	MediaURL         string      `json:"media_url,omitempty"`
	MediaType        string      `json:"media_type,omitempty"`
	Caption          string      `json:"caption,omitempty"`
}

// Value implements the driver.Valuer interface for MessagePayload
func (p MessagePayload) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// Scan implements the sql.Scanner interface for MessagePayload
func (p *MessagePayload) Scan(value any) error {
	if value == nil {
		*p = MessagePayload{}
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into MessagePayload", value)
	}

	return json.Unmarshal(bytes, p)
}

// Message is one conversational send or receive
// provider_message_id is set once when the provider accepts the message and never changes afterwards
type Message struct {
	ID                uint             `gorm:"primaryKey" json:"id"`
	Direction         MessageDirection `gorm:"size:16;not null;index:idx_messages_direction" json:"direction"`
	PhoneNumber       string           `gorm:"size:20;not null;index:idx_messages_phone_number" json:"phone_number"`
	Payload           MessagePayload   `gorm:"type:jsonb;not null" json:"payload"`
	Attachments       pq.StringArray   `gorm:"type:text[]" json:"attachments,omitempty"`
	Status            DeliveryStatus   `gorm:"size:16;not null;default:'pending';index:idx_messages_status" json:"status"`
	ProviderMessageID *string          `gorm:"size:128;uniqueIndex:uk_messages_provider_message_id" json:"provider_message_id,omitempty"`
	ProviderEventID   *string          `gorm:"size:128;uniqueIndex:uk_messages_provider_event_id" json:"provider_event_id,omitempty"`
	ErrorInfo         *string          `gorm:"type:text" json:"error_info,omitempty"`
	RetryCount        int              `gorm:"not null;default:0" json:"retry_count"`
	QueuedAt          *time.Time       `json:"queued_at,omitempty"`
	SentAt            *time.Time       `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time       `json:"delivered_at,omitempty"`
	ReadAt            *time.Time       `json:"read_at,omitempty"`
	FailedAt          *time.Time       `json:"failed_at,omitempty"`
	CreatedAt         time.Time        `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');index:idx_messages_created_at" json:"created_at"`
	UpdatedAt         time.Time        `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"updated_at"`
}

func (Message) TableName() string { return "messages" }

// MessageFilter provides filter fields for repository queries
type MessageFilter struct {
	ID                *uint
	Direction         *MessageDirection
	PhoneNumber       *string
	Status            *DeliveryStatus
	ProviderMessageID *string
	ProviderEventID   *string
	CreatedAfter      *time.Time
	CreatedBefore     *time.Time
}
