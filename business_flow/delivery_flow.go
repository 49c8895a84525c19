package businessflow

import (
	"context"
	"fmt"
	"time"

	"github.com/amirphl/whatsapp-courier/app/middleware"
	"github.com/amirphl/whatsapp-courier/models"
	"github.com/amirphl/whatsapp-courier/repository"
	"github.com/amirphl/whatsapp-courier/utils"
	"gorm.io/gorm"
)

// maxCASAttempts bounds how often a status write is retried after losing a race
const maxCASAttempts = 5

// StatusPublisher receives every persisted status transition
type StatusPublisher interface {
	Publish(ev models.StatusEvent)
}

// OutboundTarget is what the dispatcher needs to send one job
type OutboundTarget struct {
	Kind        models.OutboundJobKind
	ID          uint
	CampaignID  uint
	PhoneNumber string
	Payload     models.MessagePayload
	Status      models.DeliveryStatus
}

// StatusChange is one status observation to merge into a row
type StatusChange struct {
	Status            models.DeliveryStatus
	At                time.Time
	ProviderMessageID string
	ErrorInfo         string
}

// DeliveryFlow persists the delivery lifecycle of recipients and conversational messages
type DeliveryFlow interface {
	// Resolve loads the row an outbound job points to; nil means the row is gone
	Resolve(ctx context.Context, job models.OutboundJob) (*OutboundTarget, error)
	Apply(ctx context.Context, kind models.OutboundJobKind, id uint, change StatusChange) (Transition, error)
	MarkSent(ctx context.Context, kind models.OutboundJobKind, id uint, providerMessageID string, at time.Time) (Transition, error)
	MarkFailed(ctx context.Context, kind models.OutboundJobKind, id uint, errorInfo string, at time.Time) (Transition, error)
	RecordRetry(ctx context.Context, kind models.OutboundJobKind, id uint, errorInfo string) error
	// ApplyProviderStatus routes a provider acknowledgement to the message or recipient carrying its id
	ApplyProviderStatus(ctx context.Context, update models.StatusUpdate) (Transition, error)
}

// DeliveryFlowImpl implements DeliveryFlow
type DeliveryFlowImpl struct {
	campaignRepo  repository.CampaignRepository
	recipientRepo repository.RecipientRepository
	messageRepo   repository.MessageRepository
	db            *gorm.DB
	publisher     StatusPublisher
	now           func() time.Time
}

// NewDeliveryFlow creates a new delivery flow. publisher may be nil.
func NewDeliveryFlow(
	campaignRepo repository.CampaignRepository,
	recipientRepo repository.RecipientRepository,
	messageRepo repository.MessageRepository,
	db *gorm.DB,
	publisher StatusPublisher,
) DeliveryFlow {
	return &DeliveryFlowImpl{
		campaignRepo:  campaignRepo,
		recipientRepo: recipientRepo,
		messageRepo:   messageRepo,
		db:            db,
		publisher:     publisher,
		now:           utils.UTCNow,
	}
}

func (f *DeliveryFlowImpl) Resolve(ctx context.Context, job models.OutboundJob) (*OutboundTarget, error) {
	switch job.Kind {
	case models.OutboundJobRecipient:
		r, err := f.recipientRepo.ByID(ctx, job.RecipientID)
		if err != nil || r == nil {
			return nil, err
		}
		campaign, err := f.campaignRepo.ByID(ctx, r.CampaignID)
		if err != nil {
			return nil, err
		}
		if campaign == nil {
			return nil, nil
		}
		return &OutboundTarget{
			Kind:        job.Kind,
			ID:          r.ID,
			CampaignID:  r.CampaignID,
			PhoneNumber: r.PhoneNumber,
			Payload:     campaign.Template,
			Status:      r.Status,
		}, nil
	case models.OutboundJobMessage:
		m, err := f.messageRepo.ByID(ctx, job.MessageID)
		if err != nil || m == nil {
			return nil, err
		}
		return &OutboundTarget{
			Kind:        job.Kind,
			ID:          m.ID,
			PhoneNumber: m.PhoneNumber,
			Payload:     m.Payload,
			Status:      m.Status,
		}, nil
	default:
		return nil, fmt.Errorf("unknown outbound job kind %q", job.Kind)
	}
}

func (f *DeliveryFlowImpl) MarkSent(ctx context.Context, kind models.OutboundJobKind, id uint, providerMessageID string, at time.Time) (Transition, error) {
	return f.Apply(ctx, kind, id, StatusChange{Status: models.DeliveryStatusSent, At: at, ProviderMessageID: providerMessageID})
}

func (f *DeliveryFlowImpl) MarkFailed(ctx context.Context, kind models.OutboundJobKind, id uint, errorInfo string, at time.Time) (Transition, error) {
	return f.Apply(ctx, kind, id, StatusChange{Status: models.DeliveryStatusFailed, At: at, ErrorInfo: errorInfo})
}

func (f *DeliveryFlowImpl) RecordRetry(ctx context.Context, kind models.OutboundJobKind, id uint, errorInfo string) error {
	switch kind {
	case models.OutboundJobRecipient:
		return f.recipientRepo.IncrementRetry(ctx, id, errorInfo)
	case models.OutboundJobMessage:
		return f.messageRepo.IncrementRetry(ctx, id, errorInfo)
	default:
		return fmt.Errorf("unknown outbound job kind %q", kind)
	}
}

func (f *DeliveryFlowImpl) ApplyProviderStatus(ctx context.Context, update models.StatusUpdate) (Transition, error) {
	at := update.Timestamp
	if at.IsZero() {
		at = f.now()
	}
	change := StatusChange{Status: update.Status, At: at.UTC(), ErrorInfo: update.Error}

	m, err := f.messageRepo.ByProviderMessageID(ctx, update.ProviderMessageID)
	if err != nil {
		return Transition{}, err
	}
	if m != nil {
		return f.Apply(ctx, models.OutboundJobMessage, m.ID, change)
	}

	r, err := f.recipientRepo.ByProviderMessageID(ctx, update.ProviderMessageID)
	if err != nil {
		return Transition{}, err
	}
	if r != nil {
		return f.Apply(ctx, models.OutboundJobRecipient, r.ID, change)
	}

	return Transition{}, ErrProviderMessageUnknown
}

// Apply merges change into the row with a compare-and-swap on its previous status.
// Campaign counters move in the same transaction, so each milestone counts once.
func (f *DeliveryFlowImpl) Apply(ctx context.Context, kind models.OutboundJobKind, id uint, change StatusChange) (Transition, error) {
	if change.At.IsZero() {
		change.At = f.now()
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		var (
			t          Transition
			campaignID uint
			won        bool
		)

		err := repository.WithTransaction(ctx, f.db, func(txCtx context.Context) error {
			var err error
			switch kind {
			case models.OutboundJobRecipient:
				t, campaignID, won, err = f.applyRecipient(txCtx, id, change)
			case models.OutboundJobMessage:
				t, won, err = f.applyMessage(txCtx, id, change)
			default:
				err = fmt.Errorf("unknown outbound job kind %q", kind)
			}
			return err
		})
		if err != nil {
			return Transition{}, err
		}
		if !won {
			continue
		}

		if t.Changed {
			middleware.ObserveStatusTransition(t.To.String())
			if f.publisher != nil {
				f.publisher.Publish(models.StatusEvent{
					Target:     kind,
					TargetID:   id,
					CampaignID: campaignID,
					From:       t.From,
					To:         t.To,
					At:         change.At,
				})
			}
		}
		return t, nil
	}

	return Transition{}, fmt.Errorf("status of %s %d kept changing after %d attempts", kind, id, maxCASAttempts)
}

func applyExtras(updates map[string]any, change StatusChange, currentProviderID *string) map[string]any {
	if change.ProviderMessageID != "" && currentProviderID == nil {
		updates["provider_message_id"] = change.ProviderMessageID
	}
	if change.ErrorInfo != "" {
		updates["error_info"] = change.ErrorInfo
	}
	return updates
}

func (f *DeliveryFlowImpl) applyRecipient(ctx context.Context, id uint, change StatusChange) (Transition, uint, bool, error) {
	r, err := f.recipientRepo.ByID(ctx, id)
	if err != nil {
		return Transition{}, 0, false, err
	}
	if r == nil {
		return Transition{}, 0, false, ErrRecipientNotFound
	}

	t := ApplyStatus(r.Status, recipientTimestamps(r), change.Status, change.At)
	if !t.Changed {
		return t, r.CampaignID, true, nil
	}

	ok, err := f.recipientRepo.CompareAndSetStatus(ctx, r.ID, r.Status, applyExtras(t.Updates(), change, r.ProviderMessageID))
	if err != nil || !ok {
		return Transition{}, 0, false, err
	}

	if delta := CounterDelta(t); !delta.IsZero() {
		if err := f.campaignRepo.AdjustCounters(ctx, r.CampaignID, delta); err != nil {
			return Transition{}, 0, false, err
		}
	}
	return t, r.CampaignID, true, nil
}

func (f *DeliveryFlowImpl) applyMessage(ctx context.Context, id uint, change StatusChange) (Transition, bool, error) {
	m, err := f.messageRepo.ByID(ctx, id)
	if err != nil {
		return Transition{}, false, err
	}
	if m == nil {
		return Transition{}, false, ErrMessageNotFound
	}

	t := ApplyStatus(m.Status, messageTimestamps(m), change.Status, change.At)
	if !t.Changed {
		return t, true, nil
	}

	ok, err := f.messageRepo.CompareAndSetStatus(ctx, m.ID, m.Status, applyExtras(t.Updates(), change, m.ProviderMessageID))
	if err != nil || !ok {
		return Transition{}, false, err
	}
	return t, true, nil
}
