package businessflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/whatsapp-courier/config"
	"github.com/amirphl/whatsapp-courier/models"
	"github.com/amirphl/whatsapp-courier/repository"
	"github.com/amirphl/whatsapp-courier/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ReconcileResult summarizes one reconciliation pass
type ReconcileResult struct {
	Campaigns int
	Completed int
}

// ReconcileFlow rebuilds the cached campaign counters from the recipient rows
type ReconcileFlow interface {
	// ReconcileCounters recounts every open campaign and completes active campaigns
	// that have nothing left to send
	ReconcileCounters(ctx context.Context) (ReconcileResult, error)
	ReconcileCampaign(ctx context.Context, campaignID uint) (completed bool, err error)
	// CompleteIfDone reconciles the campaign only when its cached counters show nothing left to send
	CompleteIfDone(ctx context.Context, campaignID uint) (bool, error)
}

// ReconcileFlowImpl implements ReconcileFlow
type ReconcileFlowImpl struct {
	campaignRepo  repository.CampaignRepository
	recipientRepo repository.RecipientRepository
	db            *gorm.DB
	logger        *logrus.Logger
	now           func() time.Time
}

// NewReconcileFlow creates a new reconcile flow
func NewReconcileFlow(
	campaignRepo repository.CampaignRepository,
	recipientRepo repository.RecipientRepository,
	db *gorm.DB,
	logger *logrus.Logger,
) ReconcileFlow {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ReconcileFlowImpl{
		campaignRepo:  campaignRepo,
		recipientRepo: recipientRepo,
		db:            db,
		logger:        logger,
		now:           utils.UTCNow,
	}
}

func (f *ReconcileFlowImpl) ReconcileCounters(ctx context.Context) (ReconcileResult, error) {
	var result ReconcileResult

	campaigns, err := f.campaignRepo.ByFilter(ctx, models.CampaignFilter{
		Statuses: []models.CampaignStatus{models.CampaignStatusActive, models.CampaignStatusPaused, models.CampaignStatusCancelled},
	}, "id ASC", 0, 0)
	if err != nil {
		return result, fmt.Errorf("failed to list campaigns to reconcile: %w", err)
	}

	var errs []error
	for _, c := range campaigns {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		completed, err := f.ReconcileCampaign(ctx, c.ID)
		if err != nil {
			config.LogError(f.logger, "reconcile_flow", "ReconcileCounters", "reconcile campaign", map[string]any{"campaign_id": c.ID}, err)
			errs = append(errs, err)
			continue
		}
		result.Campaigns++
		if completed {
			result.Completed++
		}
	}

	return result, errors.Join(errs...)
}

func (f *ReconcileFlowImpl) ReconcileCampaign(ctx context.Context, campaignID uint) (bool, error) {
	completed := false

	err := repository.WithTransaction(ctx, f.db, func(txCtx context.Context) error {
		campaign, err := f.campaignRepo.ByIDForUpdate(txCtx, campaignID)
		if err != nil {
			return err
		}
		if campaign == nil {
			return ErrCampaignNotFound
		}

		counters, err := f.recipientRepo.CountByStatus(txCtx, campaignID)
		if err != nil {
			return err
		}
		if counters != campaign.Counters() {
			f.logger.WithFields(logrus.Fields{
				"module":      "reconcile_flow",
				"campaign_id": campaignID,
				"cached":      campaign.Counters(),
				"recounted":   counters,
			}).Warn("Campaign counters drifted")
		}
		if err := f.campaignRepo.OverwriteCounters(txCtx, campaignID, counters); err != nil {
			return err
		}

		if campaign.Status != models.CampaignStatusActive || counters.Recipients == 0 ||
			counters.Pending > 0 || counters.Queued > 0 {
			return nil
		}

		ok, err := f.campaignRepo.CompareAndSetStatus(txCtx, campaignID,
			[]models.CampaignStatus{models.CampaignStatusActive}, models.CampaignStatusCompleted,
			map[string]any{"completed_at": f.now()})
		if err != nil {
			return err
		}
		completed = ok
		return nil
	})
	if err != nil {
		return false, err
	}

	if completed {
		f.logger.WithFields(logrus.Fields{
			"module":      "reconcile_flow",
			"campaign_id": campaignID,
		}).Info("Campaign completed")
	}
	return completed, nil
}

func (f *ReconcileFlowImpl) CompleteIfDone(ctx context.Context, campaignID uint) (bool, error) {
	campaign, err := f.campaignRepo.ByID(ctx, campaignID)
	if err != nil {
		return false, err
	}
	if campaign == nil || campaign.Status != models.CampaignStatusActive ||
		campaign.PendingCount > 0 || campaign.QueuedCount > 0 {
		return false, nil
	}
	return f.ReconcileCampaign(ctx, campaignID)
}
