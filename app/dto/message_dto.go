package dto

// SendMessageRequest represents a conversational outbound send
type SendMessageRequest struct {
	PhoneNumber string          `json:"phone_number" validate:"required,min=5,max=20"`
	Payload     TemplatePayload `json:"payload" validate:"required"`
	Attachments []string        `json:"attachments,omitempty" validate:"omitempty,max=10,dive,url"`
}

// SendMessageResponse represents the queued message
type SendMessageResponse struct {
	Message   string `json:"message"`
	ID        uint   `json:"id"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// InboundStatusDTO is a status acknowledgement carried by an inbound event
type InboundStatusDTO struct {
	ProviderMessageID string `json:"provider_message_id" validate:"required,max=128"`
	Status            string `json:"status" validate:"required,oneof=sent delivered read failed"`
	Timestamp         string `json:"timestamp,omitempty" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	Error             string `json:"error,omitempty" validate:"omitempty,max=1024"`
}

// InboundEventDTO is one normalized webhook event
type InboundEventDTO struct {
	EventID string            `json:"event_id" validate:"required,max=128"`
	Kind    string            `json:"kind" validate:"required,oneof=text media status"`
	From    string            `json:"from,omitempty" validate:"required_unless=Kind status,max=20"`
	Payload *TemplatePayload  `json:"payload,omitempty" validate:"required_unless=Kind status"`
	Status  *InboundStatusDTO `json:"status,omitempty" validate:"required_if=Kind status"`
}

// IngestInboundEventsRequest represents a batch of inbound events
type IngestInboundEventsRequest struct {
	Events []InboundEventDTO `json:"events" validate:"required,min=1,max=1000,dive"`
}

// IngestInboundEventsResponse reports how many events were queued
type IngestInboundEventsResponse struct {
	Message  string `json:"message"`
	Enqueued int    `json:"enqueued"`
}
