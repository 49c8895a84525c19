package businessflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/whatsapp-courier/app/dto"
	"github.com/amirphl/whatsapp-courier/app/queue"
	"github.com/amirphl/whatsapp-courier/models"
	"github.com/amirphl/whatsapp-courier/repository"
	"github.com/amirphl/whatsapp-courier/utils"
	"github.com/lib/pq"
)

// conversationalPriority puts one-off sends ahead of every campaign
const conversationalPriority = 0

// MessageFlow handles conversational outbound sends
type MessageFlow interface {
	SendMessage(ctx context.Context, req *dto.SendMessageRequest, metadata *ClientMetadata) (*dto.SendMessageResponse, error)
}

// MessageFlowImpl implements MessageFlow
type MessageFlowImpl struct {
	messageRepo repository.MessageRepository
	outbound    queue.Queue
	phoneRegion string
	now         func() time.Time
}

// NewMessageFlow creates a new message flow
func NewMessageFlow(messageRepo repository.MessageRepository, outbound queue.Queue, phoneRegion string) MessageFlow {
	if phoneRegion == "" {
		phoneRegion = utils.DefaultRegion
	}
	return &MessageFlowImpl{
		messageRepo: messageRepo,
		outbound:    outbound,
		phoneRegion: phoneRegion,
		now:         utils.UTCNow,
	}
}

// SendMessage stores a queued outbound message and hands it to the dispatcher
func (f *MessageFlowImpl) SendMessage(ctx context.Context, req *dto.SendMessageRequest, metadata *ClientMetadata) (*dto.SendMessageResponse, error) {
	if req == nil {
		return nil, NewBusinessError("MESSAGE_VALIDATION_FAILED", "Message validation failed", ErrPayloadInvalid)
	}

	phone, err := utils.NormalizePhoneNumber(req.PhoneNumber, f.phoneRegion)
	if err != nil {
		return nil, NewBusinessError("MESSAGE_VALIDATION_FAILED", "Message validation failed", fmt.Errorf("%w: %v", ErrPhoneNumberInvalid, err))
	}

	payload := ToMessagePayload(req.Payload)
	if err := ValidatePayload(payload); err != nil {
		return nil, NewBusinessError("MESSAGE_VALIDATION_FAILED", "Message validation failed", err)
	}

	now := f.now()
	message := &models.Message{
		Direction:   models.MessageDirectionOutbound,
		PhoneNumber: phone,
		Payload:     payload,
		Status:      models.DeliveryStatusQueued,
		QueuedAt:    &now,
	}
	if len(req.Attachments) > 0 {
		message.Attachments = pq.StringArray(req.Attachments)
	}

	if err := f.messageRepo.Save(ctx, message); err != nil {
		return nil, NewBusinessError("MESSAGE_CREATE_FAILED", "Failed to store message", err)
	}

	job := models.OutboundJob{Kind: models.OutboundJobMessage, MessageID: message.ID}
	if _, err := f.outbound.Enqueue(ctx, job, queue.EnqueueOptions{Priority: conversationalPriority}); err != nil {
		// no job points at the row, so it must not stay queued
		_, casErr := f.messageRepo.CompareAndSetStatus(ctx, message.ID, models.DeliveryStatusQueued, map[string]any{
			"status":     models.DeliveryStatusFailed,
			"failed_at":  now,
			"error_info": "enqueue failed: " + err.Error(),
		})
		return nil, NewBusinessError("MESSAGE_ENQUEUE_FAILED", "Failed to queue message", errors.Join(err, casErr))
	}

	return &dto.SendMessageResponse{
		Message:   "Message queued",
		ID:        message.ID,
		Status:    string(message.Status),
		CreatedAt: message.CreatedAt.Format(time.RFC3339),
	}, nil
}
