// Package businessflow contains the core business logic of the delivery engine
package businessflow

import (
	"errors"
	"fmt"
)

// Business flow error constants
var (
	// Campaign-related errors
	ErrCampaignNotFound          = errors.New("campaign not found")
	ErrCampaignNameRequired      = errors.New("campaign name is required")
	ErrCampaignQuotaInvalid      = errors.New("daily quota must be positive")
	ErrCampaignPriorityInvalid   = errors.New("priority must not be negative")
	ErrCampaignTemplateInvalid   = errors.New("campaign template is invalid")
	ErrCampaignNotDraft          = errors.New("campaign is not in draft")
	ErrCampaignNotActive         = errors.New("campaign is not active")
	ErrCampaignNotPaused         = errors.New("campaign is not paused")
	ErrCampaignClosed            = errors.New("campaign is completed or cancelled")
	ErrCampaignHasNoRecipients   = errors.New("campaign has no recipients")
	ErrRecipientListEmpty        = errors.New("recipient list is empty")
	ErrStartDateInvalid          = errors.New("start date must be a YYYY-MM-DD day")
	ErrStartDateInPast           = errors.New("start date cannot be in the past")
	ErrCampaignStatusChangedRace = errors.New("campaign status changed concurrently")

	// Message-related errors
	ErrMessageNotFound    = errors.New("message not found")
	ErrRecipientNotFound  = errors.New("recipient not found")
	ErrPhoneNumberInvalid = errors.New("phone number is invalid")
	ErrPayloadInvalid     = errors.New("message payload is invalid")

	// ErrProviderMessageUnknown means a status arrived for an id no row carries yet
	ErrProviderMessageUnknown = errors.New("provider message id is unknown")

	// Inbound errors
	ErrInboundEventInvalid = errors.New("inbound event is invalid")

	// Queue errors
	ErrQueueNotFound = errors.New("queue not found")

	// Dispatch errors
	ErrDispatchDateInvalid  = errors.New("dispatch date must be a YYYY-MM-DD day")
	ErrDispatchDateInFuture = errors.New("dispatch date cannot be in the future")

	// Filter errors
	ErrInvalidPage           = errors.New("page must be at least 1")
	ErrInvalidPageSize       = errors.New("page size must be between 1 and 500")
	ErrStartDateAfterEndDate = errors.New("start date cannot be after end date")
	ErrDateRangeTooLarge     = errors.New("date range cannot exceed 366 days")
)

type BusinessError struct {
	Code    string
	Message string
	Err     error
}

func (e *BusinessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *BusinessError) Unwrap() error {
	return e.Err
}

func NewBusinessError(code, message string, err error) *BusinessError {
	return &BusinessError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

func NewBusinessErrorf(code, message string, err error, args ...any) *BusinessError {
	return &BusinessError{
		Code:    code,
		Message: fmt.Sprintf(message, args...),
		Err:     err,
	}
}

func IsCampaignNotFound(err error) bool {
	return errors.Is(err, ErrCampaignNotFound)
}

// IsCampaignStateConflict reports errors caused by calling an operation in the wrong campaign status
func IsCampaignStateConflict(err error) bool {
	return errors.Is(err, ErrCampaignNotDraft) ||
		errors.Is(err, ErrCampaignNotActive) ||
		errors.Is(err, ErrCampaignNotPaused) ||
		errors.Is(err, ErrCampaignClosed) ||
		errors.Is(err, ErrCampaignHasNoRecipients) ||
		errors.Is(err, ErrCampaignStatusChangedRace)
}

func IsCampaignValidation(err error) bool {
	return errors.Is(err, ErrCampaignNameRequired) ||
		errors.Is(err, ErrCampaignQuotaInvalid) ||
		errors.Is(err, ErrCampaignPriorityInvalid) ||
		errors.Is(err, ErrCampaignTemplateInvalid) ||
		errors.Is(err, ErrRecipientListEmpty) ||
		errors.Is(err, ErrStartDateInvalid) ||
		errors.Is(err, ErrStartDateInPast)
}

func IsMessageNotFound(err error) bool {
	return errors.Is(err, ErrMessageNotFound)
}

func IsPhoneNumberInvalid(err error) bool {
	return errors.Is(err, ErrPhoneNumberInvalid)
}

func IsPayloadInvalid(err error) bool {
	return errors.Is(err, ErrPayloadInvalid)
}

func IsInboundEventInvalid(err error) bool {
	return errors.Is(err, ErrInboundEventInvalid)
}

func IsQueueNotFound(err error) bool {
	return errors.Is(err, ErrQueueNotFound)
}

func IsDispatchDateInvalid(err error) bool {
	return errors.Is(err, ErrDispatchDateInvalid) || errors.Is(err, ErrDispatchDateInFuture)
}

func IsInvalidPage(err error) bool {
	return errors.Is(err, ErrInvalidPage)
}

func IsInvalidPageSize(err error) bool {
	return errors.Is(err, ErrInvalidPageSize)
}

func IsStartDateAfterEndDate(err error) bool {
	return errors.Is(err, ErrStartDateAfterEndDate)
}

func IsDateRangeTooLarge(err error) bool {
	return errors.Is(err, ErrDateRangeTooLarge)
}

func IsRecipientNotFound(err error) bool {
	return errors.Is(err, ErrRecipientNotFound)
}

func IsProviderMessageUnknown(err error) bool {
	return errors.Is(err, ErrProviderMessageUnknown)
}
