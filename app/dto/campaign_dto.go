package dto

import "time"

// TemplatePayload is the message content sent to every recipient of a campaign
type TemplatePayload struct {
	Type             string   `json:"type" validate:"required,oneof=text template media"`
	Text             string   `json:"text,omitempty" validate:"required_if=Type text,max=4096"`
	TemplateName     string   `json:"template_name,omitempty" validate:"required_if=Type template,max=512"`
	TemplateLanguage string   `json:"template_language,omitempty" validate:"omitempty,max=16"`
	TemplateParams   []string `json:"template_params,omitempty" validate:"omitempty,dive,max=1024"`
	MediaURL         string   `json:"media_url,omitempty" validate:"required_if=Type media,max=2048"`
	MediaType        string   `json:"media_type,omitempty" validate:"omitempty,oneof=image video audio document"`
	Caption          string   `json:"caption,omitempty" validate:"omitempty,max=1024"`
}

// CreateCampaignRequest represents the request to create a new campaign
type CreateCampaignRequest struct {
	Name       string          `json:"name" validate:"required,min=1,max=255"`
	DailyQuota int             `json:"daily_quota" validate:"required,gt=0"`
	Priority   *int            `json:"priority,omitempty" validate:"omitempty,gte=0"`
	Template   TemplatePayload `json:"template" validate:"required"`
}

// CreateCampaignResponse represents the response to create a new campaign
type CreateCampaignResponse struct {
	Message   string `json:"message"`
	ID        uint   `json:"id"`
	UUID      string `json:"uuid"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// AddRecipientsRequest represents the request to append phone numbers to a campaign
type AddRecipientsRequest struct {
	CampaignID   uint     `json:"-"`
	PhoneNumbers []string `json:"phone_numbers" validate:"required,min=1,max=100000"`
}

// AddRecipientsResponse reports how many numbers were added and why the others were not
type AddRecipientsResponse struct {
	Message               string   `json:"message"`
	AddedCount            int64    `json:"added_count"`
	SkippedDuplicateCount int64    `json:"skipped_duplicate_count"`
	InvalidCount          int64    `json:"invalid_count"`
	InvalidNumbers        []string `json:"invalid_numbers,omitempty"`
}

// ActivateCampaignRequest represents the request to activate a campaign
type ActivateCampaignRequest struct {
	CampaignID uint `json:"-"`
	// StartDate is a calendar day (YYYY-MM-DD). Empty means today.
	StartDate string `json:"start_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

// ActivateCampaignResponse represents the response to activate a campaign
type ActivateCampaignResponse struct {
	Message                 string `json:"message"`
	StartDate               string `json:"start_date"`
	EstimatedCompletionDate string `json:"estimated_completion_date"`
	ScheduledCount          int64  `json:"scheduled_count"`
}

// CampaignActionRequest identifies the campaign of a pause, resume or cancel
type CampaignActionRequest struct {
	CampaignID uint `json:"-"`
}

// CampaignActionResponse represents the response to pause, resume or cancel
type CampaignActionResponse struct {
	Message        string `json:"message"`
	Status         string `json:"status"`
	CancelledCount int64  `json:"cancelled_count,omitempty"`
}

// GetCampaignStatsRequest identifies the campaign whose stats are read
type GetCampaignStatsRequest struct {
	CampaignID uint `json:"-"`
}

// CampaignStatsResponse is the aggregate view of a campaign
type CampaignStatsResponse struct {
	ID                      uint    `json:"id"`
	UUID                    string  `json:"uuid"`
	Name                    string  `json:"name"`
	Status                  string  `json:"status"`
	DailyQuota              int     `json:"daily_quota"`
	Priority                int     `json:"priority"`
	StartDate               *string `json:"start_date,omitempty"`
	EstimatedCompletionDate *string `json:"estimated_completion_date,omitempty"`
	Total                   int64   `json:"total"`
	Scheduled               int64   `json:"scheduled"`
	Pending                 int64   `json:"pending"`
	Queued                  int64   `json:"queued"`
	Sent                    int64   `json:"sent"`
	Delivered               int64   `json:"delivered"`
	Read                    int64   `json:"read"`
	Failed                  int64   `json:"failed"`
	Cancelled               int64   `json:"cancelled"`
	ProgressPercentage      float64 `json:"progress_percentage"`
}

// ListRecipientsRequest represents a page of recipients of one campaign
type ListRecipientsRequest struct {
	CampaignID uint    `json:"-"`
	Status     *string `json:"status,omitempty" validate:"omitempty,oneof=pending queued sent delivered read failed cancelled"`
	Page       int     `json:"page" validate:"omitempty,min=1"`
	PageSize   int     `json:"page_size" validate:"omitempty,min=1,max=500"`
}

// RecipientItem is one recipient row in a listing
type RecipientItem struct {
	ID                uint       `json:"id"`
	PhoneNumber       string     `json:"phone_number"`
	Sequence          int64      `json:"sequence"`
	Status            string     `json:"status"`
	ScheduledDate     *string    `json:"scheduled_date,omitempty"`
	ProviderMessageID *string    `json:"provider_message_id,omitempty"`
	ErrorInfo         *string    `json:"error_info,omitempty"`
	RetryCount        int        `json:"retry_count"`
	QueuedAt          *time.Time `json:"queued_at,omitempty"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty"`
	ReadAt            *time.Time `json:"read_at,omitempty"`
	FailedAt          *time.Time `json:"failed_at,omitempty"`
}

// ListRecipientsResponse represents a page of recipients
type ListRecipientsResponse struct {
	Items      []RecipientItem `json:"items"`
	Page       int             `json:"page"`
	PageSize   int             `json:"page_size"`
	TotalItems int64           `json:"total_items"`
}
