package models

import "time"

// OutboundJobKind tells the dispatcher which table the job points to
type OutboundJobKind string

const (
	OutboundJobRecipient OutboundJobKind = "recipient"
	OutboundJobMessage   OutboundJobKind = "message"
)

// OutboundJob is the outbound queue payload: a reference, never the content itself
type OutboundJob struct {
	Kind        OutboundJobKind `json:"kind"`
	CampaignID  uint            `json:"campaign_id,omitempty"`
	RecipientID uint            `json:"recipient_id,omitempty"`
	MessageID   uint            `json:"message_id,omitempty"`
}

// InboundEventKind enumerates inbound webhook event kinds
type InboundEventKind string

const (
	InboundEventText   InboundEventKind = "text"
	InboundEventMedia  InboundEventKind = "media"
	InboundEventStatus InboundEventKind = "status"
)

// StatusUpdate is a provider acknowledgement for a message we sent
type StatusUpdate struct {
	ProviderMessageID string         `json:"provider_message_id" validate:"required"`
	Status            DeliveryStatus `json:"status" validate:"required,oneof=sent delivered read failed"`
	Timestamp         time.Time      `json:"timestamp"`
	Error             string         `json:"error,omitempty"`
}

// InboundEvent is a normalized webhook event on the inbound queue
type InboundEvent struct {
	EventID    string           `json:"event_id" validate:"required,max=128"`
	Kind       InboundEventKind `json:"kind" validate:"required,oneof=text media status"`
	From       string           `json:"from,omitempty"`
	Payload    *MessagePayload  `json:"payload,omitempty"`
	Status     *StatusUpdate    `json:"status,omitempty"`
	ReceivedAt time.Time        `json:"received_at"`
}

// StatusEvent is published after a status transition is persisted and feeds the analytics queue
type StatusEvent struct {
	Target     OutboundJobKind `json:"target"`
	TargetID   uint            `json:"target_id"`
	CampaignID uint            `json:"campaign_id,omitempty"`
	From       DeliveryStatus  `json:"from"`
	To         DeliveryStatus  `json:"to"`
	At         time.Time       `json:"at"`
}
