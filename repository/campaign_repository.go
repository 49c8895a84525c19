package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/whatsapp-courier/models"
	"github.com/amirphl/whatsapp-courier/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CampaignRepositoryImpl implements the CampaignRepository interface
type CampaignRepositoryImpl struct {
	*BaseRepository[models.Campaign, models.CampaignFilter]
}

// NewCampaignRepository creates a new campaign repository
func NewCampaignRepository(db *gorm.DB) CampaignRepository {
	return &CampaignRepositoryImpl{
		BaseRepository: NewBaseRepository[models.Campaign, models.CampaignFilter](db),
	}
}

// ByIDForUpdate retrieves a campaign and locks its row
func (r *CampaignRepositoryImpl) ByIDForUpdate(ctx context.Context, id uint) (*models.Campaign, error) {
	db, err := r.requireTx(ctx)
	if err != nil {
		return nil, err
	}

	var campaign models.Campaign
	err = db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&campaign).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to lock campaign %d: %w", id, err)
	}

	return &campaign, nil
}

// CompareAndSetStatus updates the status if it currently is one of from
func (r *CampaignRepositoryImpl) CompareAndSetStatus(ctx context.Context, id uint, from []models.CampaignStatus, to models.CampaignStatus, extra map[string]any) (bool, error) {
	db := r.getDB(ctx)

	updates := map[string]any{
		"status":     to,
		"updated_at": utils.UTCNow(),
	}
	for k, v := range extra {
		updates[k] = v
	}

	res := db.Model(&models.Campaign{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to update campaign %d status to %s: %w", id, to, res.Error)
	}

	return res.RowsAffected == 1, nil
}

// UpdateSchedule stores the start and estimated completion dates
func (r *CampaignRepositoryImpl) UpdateSchedule(ctx context.Context, id uint, start, estimatedCompletion time.Time) error {
	db := r.getDB(ctx)
	err := db.Model(&models.Campaign{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"start_date":                start,
			"estimated_completion_date": estimatedCompletion,
			"updated_at":                utils.UTCNow(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to update campaign %d schedule: %w", id, err)
	}
	return nil
}

// ListDispatchable returns active campaigns, most urgent first
func (r *CampaignRepositoryImpl) ListDispatchable(ctx context.Context) ([]*models.Campaign, error) {
	status := models.CampaignStatusActive
	return r.ByFilter(ctx, models.CampaignFilter{Status: &status}, "priority ASC, id ASC", 0, 0)
}

// AdjustCounters adds delta to the cached counters in one statement
func (r *CampaignRepositoryImpl) AdjustCounters(ctx context.Context, id uint, delta CampaignCounterDelta) error {
	if delta.IsZero() {
		return nil
	}

	updates := map[string]any{"updated_at": utils.UTCNow()}
	add := func(column string, n int64) {
		if n != 0 {
			updates[column] = gorm.Expr(column+" + ?", n)
		}
	}
	add("scheduled_count", delta.Scheduled)
	add("pending_count", delta.Pending)
	add("queued_count", delta.Queued)
	add("sent_count", delta.Sent)
	add("delivered_count", delta.Delivered)
	add("read_count", delta.Read)
	add("failed_count", delta.Failed)
	add("cancelled_count", delta.Cancelled)
	add("recipient_count", delta.Recipient)

	db := r.getDB(ctx)
	err := db.Model(&models.Campaign{}).Where("id = ?", id).Updates(updates).Error
	if err != nil {
		return fmt.Errorf("failed to adjust campaign %d counters: %w", id, err)
	}
	return nil
}

// OverwriteCounters replaces the cached counters with a recount
func (r *CampaignRepositoryImpl) OverwriteCounters(ctx context.Context, id uint, c models.CampaignCounters) error {
	db := r.getDB(ctx)
	err := db.Model(&models.Campaign{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"recipient_count": c.Recipients,
			"scheduled_count": c.Scheduled,
			"pending_count":   c.Pending,
			"queued_count":    c.Queued,
			"sent_count":      c.Sent,
			"delivered_count": c.Delivered,
			"read_count":      c.Read,
			"failed_count":    c.Failed,
			"cancelled_count": c.Cancelled,
			"updated_at":      utils.UTCNow(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to overwrite campaign %d counters: %w", id, err)
	}
	return nil
}

// ByFilter retrieves campaigns based on filter criteria
func (r *CampaignRepositoryImpl) ByFilter(ctx context.Context, filter models.CampaignFilter, orderBy string, limit, offset int) ([]*models.Campaign, error) {
	db := r.getDB(ctx)

	var campaigns []*models.Campaign
	query := paginate(r.applyFilter(db, filter), orderBy, limit, offset)

	err := query.Find(&campaigns).Error
	if err != nil {
		return nil, err
	}

	return campaigns, nil
}

// Count returns the number of campaigns matching the filter
func (r *CampaignRepositoryImpl) Count(ctx context.Context, filter models.CampaignFilter) (int64, error) {
	db := r.getDB(ctx)

	var count int64
	query := r.applyFilter(db.Model(&models.Campaign{}), filter)

	err := query.Count(&count).Error
	if err != nil {
		return 0, err
	}

	return count, nil
}

// Exists checks if any campaign matching the filter exists
func (r *CampaignRepositoryImpl) Exists(ctx context.Context, filter models.CampaignFilter) (bool, error) {
	count, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}

	return count > 0, nil
}

// applyFilter applies filter conditions to the GORM query
func (r *CampaignRepositoryImpl) applyFilter(db *gorm.DB, filter models.CampaignFilter) *gorm.DB {
	if filter.ID != nil {
		db = db.Where("id = ?", *filter.ID)
	}
	if filter.UUID != nil {
		db = db.Where("uuid = ?", *filter.UUID)
	}
	if filter.Status != nil {
		db = db.Where("status = ?", *filter.Status)
	}
	if len(filter.Statuses) > 0 {
		db = db.Where("status IN ?", filter.Statuses)
	}
	if filter.CreatedAfter != nil {
		db = db.Where("created_at >= ?", *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		db = db.Where("created_at < ?", *filter.CreatedBefore)
	}

	return db
}
