package businessflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/amirphl/whatsapp-courier/app/dto"
	"github.com/amirphl/whatsapp-courier/app/queue"
	"github.com/amirphl/whatsapp-courier/app/services"
	"github.com/amirphl/whatsapp-courier/models"
	"github.com/amirphl/whatsapp-courier/repository"
	"github.com/amirphl/whatsapp-courier/utils"
	"github.com/google/uuid"
)

// InboundOutcome tells the inbound worker what became of one event
type InboundOutcome string

const (
	InboundStored    InboundOutcome = "stored"
	InboundStatus    InboundOutcome = "status"
	InboundDuplicate InboundOutcome = "duplicate"
)

// InboundFlow accepts normalized webhook events and processes each one exactly once
type InboundFlow interface {
	IngestEvents(ctx context.Context, req *dto.IngestInboundEventsRequest, metadata *ClientMetadata) (*dto.IngestInboundEventsResponse, error)
	// HandleEvent claims the event id and applies the event. Transient failures release
	// the claim so a redelivery can retry; they are returned unwrapped.
	HandleEvent(ctx context.Context, ev models.InboundEvent) (InboundOutcome, error)
}

// InboundFlowImpl implements InboundFlow
type InboundFlowImpl struct {
	dedup       services.DedupStore
	dedupTTL    time.Duration
	messageRepo repository.MessageRepository
	delivery    DeliveryFlow
	inbound     queue.Queue
	phoneRegion string
	now         func() time.Time
}

// NewInboundFlow creates a new inbound flow
func NewInboundFlow(
	dedup services.DedupStore,
	dedupTTL time.Duration,
	messageRepo repository.MessageRepository,
	delivery DeliveryFlow,
	inbound queue.Queue,
	phoneRegion string,
) InboundFlow {
	if phoneRegion == "" {
		phoneRegion = utils.DefaultRegion
	}
	return &InboundFlowImpl{
		dedup:       dedup,
		dedupTTL:    dedupTTL,
		messageRepo: messageRepo,
		delivery:    delivery,
		inbound:     inbound,
		phoneRegion: phoneRegion,
		now:         utils.UTCNow,
	}
}

// IngestEvents puts every event of the batch on the inbound queue
func (f *InboundFlowImpl) IngestEvents(ctx context.Context, req *dto.IngestInboundEventsRequest, metadata *ClientMetadata) (*dto.IngestInboundEventsResponse, error) {
	if req == nil || len(req.Events) == 0 {
		return nil, NewBusinessError("INBOUND_VALIDATION_FAILED", "Inbound validation failed", ErrInboundEventInvalid)
	}

	receivedAt := f.now()
	events := make([]models.InboundEvent, 0, len(req.Events))
	for i := range req.Events {
		ev, err := toInboundEvent(req.Events[i], receivedAt)
		if err != nil {
			return nil, NewBusinessErrorf("INBOUND_VALIDATION_FAILED", "Inbound event %d is invalid", err, i)
		}
		events = append(events, ev)
	}

	enqueued := 0
	for _, ev := range events {
		if _, err := f.inbound.Enqueue(ctx, ev, queue.EnqueueOptions{}); err != nil {
			return &dto.IngestInboundEventsResponse{Message: "Inbound events partially queued", Enqueued: enqueued},
				NewBusinessError("INBOUND_ENQUEUE_FAILED", "Failed to queue inbound events", err)
		}
		enqueued++
	}

	return &dto.IngestInboundEventsResponse{Message: "Inbound events queued", Enqueued: enqueued}, nil
}

func toInboundEvent(in dto.InboundEventDTO, receivedAt time.Time) (models.InboundEvent, error) {
	ev := models.InboundEvent{
		EventID:    strings.TrimSpace(in.EventID),
		Kind:       models.InboundEventKind(in.Kind),
		From:       strings.TrimSpace(in.From),
		ReceivedAt: receivedAt,
	}
	if ev.EventID == "" {
		return ev, ErrInboundEventInvalid
	}

	switch ev.Kind {
	case models.InboundEventText, models.InboundEventMedia:
		if in.Payload == nil || ev.From == "" {
			return ev, ErrInboundEventInvalid
		}
		p := ToMessagePayload(*in.Payload)
		ev.Payload = &p
	case models.InboundEventStatus:
		if in.Status == nil || strings.TrimSpace(in.Status.ProviderMessageID) == "" {
			return ev, ErrInboundEventInvalid
		}
		status := models.DeliveryStatus(in.Status.Status)
		switch status {
		case models.DeliveryStatusSent, models.DeliveryStatusDelivered, models.DeliveryStatusRead, models.DeliveryStatusFailed:
		default:
			return ev, ErrInboundEventInvalid
		}
		update := &models.StatusUpdate{
			ProviderMessageID: strings.TrimSpace(in.Status.ProviderMessageID),
			Status:            status,
			Error:             in.Status.Error,
		}
		if in.Status.Timestamp != "" {
			ts, err := time.Parse(time.RFC3339, in.Status.Timestamp)
			if err != nil {
				return ev, fmt.Errorf("%w: %v", ErrInboundEventInvalid, err)
			}
			update.Timestamp = ts.UTC()
		}
		ev.Status = update
	default:
		return ev, ErrInboundEventInvalid
	}
	return ev, nil
}

func (f *InboundFlowImpl) HandleEvent(ctx context.Context, ev models.InboundEvent) (InboundOutcome, error) {
	if strings.TrimSpace(ev.EventID) == "" {
		return "", ErrInboundEventInvalid
	}

	key := services.InboundDedupKey(ev.EventID)
	owner := uuid.NewString()
	acquired, err := f.dedup.Claim(ctx, key, owner, f.dedupTTL)
	if err != nil {
		return "", fmt.Errorf("failed to claim %s: %w", key, err)
	}
	if !acquired {
		return InboundDuplicate, nil
	}

	outcome, err := f.apply(ctx, ev)
	if err == nil {
		return outcome, nil
	}
	if errors.Is(err, ErrInboundEventInvalid) {
		// a malformed event stays claimed so redeliveries are discarded
		return "", err
	}

	if relErr := f.dedup.Release(ctx, key, owner); relErr != nil {
		return "", errors.Join(err, fmt.Errorf("failed to release %s: %w", key, relErr))
	}
	return "", err
}

func (f *InboundFlowImpl) apply(ctx context.Context, ev models.InboundEvent) (InboundOutcome, error) {
	switch ev.Kind {
	case models.InboundEventStatus:
		if ev.Status == nil {
			return "", ErrInboundEventInvalid
		}
		if _, err := f.delivery.ApplyProviderStatus(ctx, *ev.Status); err != nil {
			return "", err
		}
		return InboundStatus, nil

	case models.InboundEventText, models.InboundEventMedia:
		if ev.Payload == nil {
			return "", ErrInboundEventInvalid
		}
		phone, err := utils.NormalizePhoneNumber(ev.From, f.phoneRegion)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInboundEventInvalid, err)
		}

		receivedAt := ev.ReceivedAt
		if receivedAt.IsZero() {
			receivedAt = f.now()
		}
		message := &models.Message{
			Direction:       models.MessageDirectionInbound,
			PhoneNumber:     phone,
			Payload:         *ev.Payload,
			Status:          models.DeliveryStatusDelivered,
			ProviderEventID: utils.ToPtr(ev.EventID),
			DeliveredAt:     &receivedAt,
		}
		if ev.Payload.MediaURL != "" {
			message.Attachments = []string{ev.Payload.MediaURL}
		}

		created, err := f.messageRepo.CreateInbound(ctx, message)
		if err != nil {
			return "", err
		}
		if !created {
			return InboundDuplicate, nil
		}
		return InboundStored, nil

	default:
		return "", ErrInboundEventInvalid
	}
}
