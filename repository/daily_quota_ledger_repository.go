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

// DailyQuotaLedgerRepositoryImpl implements the DailyQuotaLedgerRepository interface
type DailyQuotaLedgerRepositoryImpl struct {
	*BaseRepository[models.DailyQuotaLedger, any]
}

// NewDailyQuotaLedgerRepository creates a new ledger repository
func NewDailyQuotaLedgerRepository(db *gorm.DB) DailyQuotaLedgerRepository {
	return &DailyQuotaLedgerRepositoryImpl{
		BaseRepository: NewBaseRepository[models.DailyQuotaLedger, any](db),
	}
}

// LockForDay creates the (campaign, day) row if missing and then locks it. Concurrent
// dispatch runs for the same campaign and day serialize on this lock.
func (r *DailyQuotaLedgerRepositoryImpl) LockForDay(ctx context.Context, campaignID uint, day time.Time, dailyQuota int) (*models.DailyQuotaLedger, error) {
	db, err := r.requireTx(ctx)
	if err != nil {
		return nil, err
	}
	dayStr := day.Format(time.DateOnly)

	err = db.Exec(`
		INSERT INTO daily_quota_ledgers (campaign_id, day, daily_quota, sent_count, created_at, updated_at)
		VALUES (?, ?::date, ?, 0, ?, ?)
		ON CONFLICT (campaign_id, day) DO NOTHING`,
		campaignID, dayStr, dailyQuota, utils.UTCNow(), utils.UTCNow(),
	).Error
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger for campaign %d on %s: %w", campaignID, dayStr, err)
	}

	var ledger models.DailyQuotaLedger
	err = db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("campaign_id = ? AND day = ?::date", campaignID, dayStr).
		First(&ledger).Error
	if err != nil {
		return nil, fmt.Errorf("failed to lock ledger for campaign %d on %s: %w", campaignID, dayStr, err)
	}

	// the quota in force today wins if the campaign quota was changed mid-day
	if ledger.DailyQuota != dailyQuota {
		if err := db.Model(&ledger).Update("daily_quota", dailyQuota).Error; err != nil {
			return nil, fmt.Errorf("failed to refresh ledger quota: %w", err)
		}
		ledger.DailyQuota = dailyQuota
	}

	return &ledger, nil
}

// ByCampaignAndDay retrieves the ledger row without locking it
func (r *DailyQuotaLedgerRepositoryImpl) ByCampaignAndDay(ctx context.Context, campaignID uint, day time.Time) (*models.DailyQuotaLedger, error) {
	db := r.getDB(ctx)

	var ledger models.DailyQuotaLedger
	err := db.Where("campaign_id = ? AND day = ?::date", campaignID, day.Format(time.DateOnly)).First(&ledger).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find ledger: %w", err)
	}

	return &ledger, nil
}

// AddSent adds n (possibly negative) to the day's released count, never going below zero
func (r *DailyQuotaLedgerRepositoryImpl) AddSent(ctx context.Context, id uint, n int) error {
	if n == 0 {
		return nil
	}
	db := r.getDB(ctx)
	err := db.Model(&models.DailyQuotaLedger{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"sent_count": gorm.Expr("GREATEST(sent_count + ?, 0)", n),
			"updated_at": utils.UTCNow(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to update ledger %d: %w", id, err)
	}
	return nil
}
