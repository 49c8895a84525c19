package dto

import "time"

// DeadLetterItem is one item parked in a dead-letter queue
type DeadLetterItem struct {
	ID           string    `json:"id"`
	Queue        string    `json:"queue"`
	Payload      any       `json:"payload"`
	Priority     int       `json:"priority"`
	ReceiveCount int       `json:"receive_count"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

// ListDeadLettersResponse represents the contents of a dead-letter queue
type ListDeadLettersResponse struct {
	Queue string           `json:"queue"`
	Items []DeadLetterItem `json:"items"`
}

// RedriveDeadLettersRequest moves dead letters back to their main queue
type RedriveDeadLettersRequest struct {
	// IDs selects items to move; empty moves up to Limit items
	IDs   []string `json:"ids,omitempty" validate:"omitempty,max=1000"`
	Limit int      `json:"limit,omitempty" validate:"omitempty,min=1,max=10000"`
}

// RedriveDeadLettersResponse reports how many items were moved
type RedriveDeadLettersResponse struct {
	Message string `json:"message"`
	Moved   int    `json:"moved"`
}
