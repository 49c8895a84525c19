package businessflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/whatsapp-courier/app/dto"
	"github.com/amirphl/whatsapp-courier/app/middleware"
	"github.com/amirphl/whatsapp-courier/app/queue"
	"github.com/amirphl/whatsapp-courier/config"
	"github.com/amirphl/whatsapp-courier/models"
	"github.com/amirphl/whatsapp-courier/repository"
	"github.com/amirphl/whatsapp-courier/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"
)

const dispatchTracerName = "github.com/amirphl/whatsapp-courier/dispatch"

// DispatchFlow releases each active campaign's due recipients up to its daily quota
type DispatchFlow interface {
	RunDailyDispatch(ctx context.Context, req *dto.RunDailyDispatchRequest, metadata *ClientMetadata) (*dto.RunDailyDispatchResponse, error)
	// Dispatch runs one pass for the calendar day asOf
	Dispatch(ctx context.Context, asOf time.Time) (*dto.RunDailyDispatchResponse, error)
}

// DispatchFlowImpl implements DispatchFlow
type DispatchFlowImpl struct {
	campaignRepo  repository.CampaignRepository
	recipientRepo repository.RecipientRepository
	ledgerRepo    repository.DailyQuotaLedgerRepository
	db            *gorm.DB
	outbound      queue.Queue
	loc           *time.Location
	logger        *logrus.Logger
	now           func() time.Time
}

// NewDispatchFlow creates a new dispatch flow. Calendar days are evaluated in loc.
func NewDispatchFlow(
	campaignRepo repository.CampaignRepository,
	recipientRepo repository.RecipientRepository,
	ledgerRepo repository.DailyQuotaLedgerRepository,
	db *gorm.DB,
	outbound queue.Queue,
	loc *time.Location,
	logger *logrus.Logger,
) DispatchFlow {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &DispatchFlowImpl{
		campaignRepo:  campaignRepo,
		recipientRepo: recipientRepo,
		ledgerRepo:    ledgerRepo,
		db:            db,
		outbound:      outbound,
		loc:           loc,
		logger:        logger,
		now:           utils.UTCNow,
	}
}

// RunDailyDispatch is the operator entry point; an empty as_of means today. A past as_of
// releases what was due by then against today's quota; a future one is rejected.
func (f *DispatchFlowImpl) RunDailyDispatch(ctx context.Context, req *dto.RunDailyDispatchRequest, metadata *ClientMetadata) (*dto.RunDailyDispatchResponse, error) {
	today := f.today()
	asOf := today
	if req != nil && req.AsOf != "" {
		day, err := utils.ParseDay(req.AsOf, f.loc)
		if err != nil {
			return nil, NewBusinessError("DISPATCH_VALIDATION_FAILED", "Dispatch validation failed", fmt.Errorf("%w: %v", ErrDispatchDateInvalid, err))
		}
		if day.After(today) {
			return nil, NewBusinessErrorf("DISPATCH_VALIDATION_FAILED", "as_of %s is after today %s", ErrDispatchDateInFuture,
				day.Format(time.DateOnly), today.Format(time.DateOnly))
		}
		asOf = day
	}

	resp, err := f.Dispatch(ctx, asOf)
	if err != nil {
		return nil, NewBusinessError("DISPATCH_FAILED", "Daily dispatch failed", err)
	}
	return resp, nil
}

func (f *DispatchFlowImpl) today() time.Time {
	return utils.TruncateToDay(f.now(), f.loc)
}

// Dispatch releases recipients scheduled up to asOf. Quota is always charged to the
// ledger of the day the run happens, so no choice of asOf releases more than one
// daily quota per campaign per real day.
func (f *DispatchFlowImpl) Dispatch(ctx context.Context, asOf time.Time) (*dto.RunDailyDispatchResponse, error) {
	asOf = utils.TruncateToDay(asOf, f.loc)
	ledgerDay := f.today()

	ctx, span := otel.Tracer(dispatchTracerName).Start(ctx, "dispatch.run_daily")
	defer span.End()
	span.SetAttributes(attribute.String("dispatch.as_of", asOf.Format(time.DateOnly)))

	campaigns, err := f.campaignRepo.ListDispatchable(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list campaigns")
		return nil, fmt.Errorf("failed to list dispatchable campaigns: %w", err)
	}

	resp := &dto.RunDailyDispatchResponse{
		Message:   "Daily dispatch completed",
		AsOf:      asOf.Format(time.DateOnly),
		Campaigns: make([]dto.CampaignDispatchResult, 0, len(campaigns)),
	}
	for _, c := range campaigns {
		if ctx.Err() != nil {
			return resp, ctx.Err()
		}
		result := f.dispatchCampaign(ctx, c.ID, asOf, ledgerDay)
		resp.Released += result.Enqueued
		resp.Campaigns = append(resp.Campaigns, result)
	}

	span.SetAttributes(attribute.Int("dispatch.released", resp.Released))
	middleware.ObserveRecipientsReleased(resp.Released)
	return resp, nil
}

func (f *DispatchFlowImpl) dispatchCampaign(ctx context.Context, campaignID uint, asOf, ledgerDay time.Time) dto.CampaignDispatchResult {
	ctx, span := otel.Tracer(dispatchTracerName).Start(ctx, "dispatch.campaign")
	defer span.End()
	span.SetAttributes(attribute.Int("campaign.id", int(campaignID)))

	result := dto.CampaignDispatchResult{CampaignID: campaignID}

	var (
		claimed  []*models.Recipient
		ledger   *models.DailyQuotaLedger
		priority int
	)
	err := repository.WithTransaction(ctx, f.db, func(txCtx context.Context) error {
		campaign, err := f.campaignRepo.ByIDForUpdate(txCtx, campaignID)
		if err != nil {
			return err
		}
		// paused or cancelled since it was listed
		if campaign == nil || campaign.Status != models.CampaignStatusActive {
			return nil
		}
		priority = campaign.Priority

		ledger, err = f.ledgerRepo.LockForDay(txCtx, campaign.ID, ledgerDay, campaign.DailyQuota)
		if err != nil {
			return err
		}
		remaining := ledger.Remaining()
		if remaining == 0 {
			return nil
		}

		claimed, err = f.recipientRepo.ClaimDue(txCtx, campaign.ID, asOf, remaining, f.now())
		if err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}

		if err := f.ledgerRepo.AddSent(txCtx, ledger.ID, len(claimed)); err != nil {
			return err
		}
		n := int64(len(claimed))
		return f.campaignRepo.AdjustCounters(txCtx, campaign.ID, repository.CampaignCounterDelta{Pending: -n, Queued: n})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim")
		config.LogError(f.logger, "dispatch_flow", "dispatchCampaign", "claim due recipients", map[string]any{
			"campaign_id": campaignID,
			"as_of":       asOf.Format(time.DateOnly),
		}, err)
		result.Error = err.Error()
		return result
	}

	result.Claimed = len(claimed)
	if ledger != nil {
		result.Remaining = max(ledger.Remaining()-len(claimed), 0)
	}

	var enqueueErrs []error
	for _, r := range claimed {
		job := models.OutboundJob{Kind: models.OutboundJobRecipient, CampaignID: campaignID, RecipientID: r.ID}
		if _, err := f.outbound.Enqueue(ctx, job, queue.EnqueueOptions{Priority: priority}); err != nil {
			enqueueErrs = append(enqueueErrs, err)
			if cerr := f.compensate(ctx, r, ledger.ID); cerr != nil {
				config.LogError(f.logger, "dispatch_flow", "dispatchCampaign", "compensate failed enqueue", map[string]any{
					"campaign_id":  campaignID,
					"recipient_id": r.ID,
				}, cerr)
			} else {
				result.Remaining++
			}
			continue
		}
		result.Enqueued++
	}

	if len(enqueueErrs) > 0 {
		err := errors.Join(enqueueErrs...)
		span.RecordError(err)
		span.SetStatus(codes.Error, "enqueue")
		result.Error = fmt.Sprintf("%d of %d jobs failed to enqueue: %v", len(enqueueErrs), len(claimed), enqueueErrs[0])
	}
	span.SetAttributes(attribute.Int("dispatch.claimed", result.Claimed), attribute.Int("dispatch.enqueued", result.Enqueued))

	f.logger.WithFields(logrus.Fields{
		"module":      "dispatch_flow",
		"campaign_id": campaignID,
		"as_of":       asOf.Format(time.DateOnly),
		"claimed":     result.Claimed,
		"enqueued":    result.Enqueued,
	}).Info("Campaign dispatched")

	return result
}

// compensate returns a claimed recipient whose job never reached the queue to pending
// and gives its quota slot back to the day
func (f *DispatchFlowImpl) compensate(ctx context.Context, r *models.Recipient, ledgerID uint) error {
	return repository.WithTransaction(ctx, f.db, func(txCtx context.Context) error {
		ok, err := f.recipientRepo.CompareAndSetStatus(txCtx, r.ID, models.DeliveryStatusQueued, map[string]any{
			"status":    models.DeliveryStatusPending,
			"queued_at": nil,
		})
		if err != nil || !ok {
			return err
		}
		if err := f.ledgerRepo.AddSent(txCtx, ledgerID, -1); err != nil {
			return err
		}
		return f.campaignRepo.AdjustCounters(txCtx, r.CampaignID, repository.CampaignCounterDelta{Pending: 1, Queued: -1})
	})
}
