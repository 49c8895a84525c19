package models

import (
	"database/sql/driver"
	"fmt"
)

// DeliveryStatus is the lifecycle status shared by conversational messages and campaign recipients
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusQueued    DeliveryStatus = "queued"
	DeliveryStatusSent      DeliveryStatus = "sent"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusRead      DeliveryStatus = "read"
	DeliveryStatusFailed    DeliveryStatus = "failed"
	// DeliveryStatusCancelled only applies to campaign recipients
	DeliveryStatusCancelled DeliveryStatus = "cancelled"
)

// Rank orders the progress statuses. Failed and cancelled sit outside the chain and return -1.
func (s DeliveryStatus) Rank() int {
	switch s {
	case DeliveryStatusPending:
		return 0
	case DeliveryStatusQueued:
		return 1
	case DeliveryStatusSent:
		return 2
	case DeliveryStatusDelivered:
		return 3
	case DeliveryStatusRead:
		return 4
	default:
		return -1
	}
}

// IsTerminal reports whether no further transition can change the status
func (s DeliveryStatus) IsTerminal() bool {
	return s == DeliveryStatusRead || s == DeliveryStatusFailed || s == DeliveryStatusCancelled
}

// String returns the string representation of the status
func (s DeliveryStatus) String() string {
	return string(s)
}

// Valid checks if the status is valid
func (s DeliveryStatus) Valid() bool {
	switch s {
	case DeliveryStatusPending, DeliveryStatusQueued, DeliveryStatusSent,
		DeliveryStatusDelivered, DeliveryStatusRead, DeliveryStatusFailed,
		DeliveryStatusCancelled:
		return true
	default:
		return false
	}
}

// Scan implements the sql.Scanner interface for DeliveryStatus
func (s *DeliveryStatus) Scan(value any) error {
	if value == nil {
		*s = ""
		return nil
	}

	switch v := value.(type) {
	case string:
		*s = DeliveryStatus(v)
	case []byte:
		*s = DeliveryStatus(string(v))
	default:
		return fmt.Errorf("cannot scan %T into DeliveryStatus", value)
	}

	return nil
}

// Value implements the driver.Valuer interface for DeliveryStatus
func (s DeliveryStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid DeliveryStatus: %s", s)
	}
	return string(s), nil
}
