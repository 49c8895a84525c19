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

// RecipientRepositoryImpl implements the RecipientRepository interface
type RecipientRepositoryImpl struct {
	*BaseRepository[models.Recipient, models.RecipientFilter]
}

// NewRecipientRepository creates a new recipient repository
func NewRecipientRepository(db *gorm.DB) RecipientRepository {
	return &RecipientRepositoryImpl{
		BaseRepository: NewBaseRepository[models.Recipient, models.RecipientFilter](db),
	}
}

// ByProviderMessageID retrieves the recipient the provider message was sent to
func (r *RecipientRepositoryImpl) ByProviderMessageID(ctx context.Context, providerMessageID string) (*models.Recipient, error) {
	db := r.getDB(ctx)

	var recipient models.Recipient
	err := db.Where("provider_message_id = ?", providerMessageID).First(&recipient).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find recipient by provider message id: %w", err)
	}

	return &recipient, nil
}

// NextSequence returns max(sequence)+1 for the campaign, or 0 when it has no recipients
func (r *RecipientRepositoryImpl) NextSequence(ctx context.Context, campaignID uint) (int64, error) {
	db := r.getDB(ctx)

	var next int64
	err := db.Model(&models.Recipient{}).
		Select("COALESCE(MAX(sequence) + 1, 0)").
		Where("campaign_id = ?", campaignID).
		Scan(&next).Error
	if err != nil {
		return 0, fmt.Errorf("failed to read next sequence for campaign %d: %w", campaignID, err)
	}

	return next, nil
}

// ExistingPhones returns which of phones already belong to the campaign
func (r *RecipientRepositoryImpl) ExistingPhones(ctx context.Context, campaignID uint, phones []string) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	if len(phones) == 0 {
		return out, nil
	}

	db := r.getDB(ctx)
	const chunk = 1000
	for start := 0; start < len(phones); start += chunk {
		end := min(start+chunk, len(phones))

		var found []string
		err := db.Model(&models.Recipient{}).
			Where("campaign_id = ? AND phone_number IN ?", campaignID, phones[start:end]).
			Pluck("phone_number", &found).Error
		if err != nil {
			return nil, fmt.Errorf("failed to look up existing recipients: %w", err)
		}
		for _, p := range found {
			out[p] = struct{}{}
		}
	}

	return out, nil
}

// InsertIgnoreDuplicates inserts recipients, skipping rows that collide on (campaign_id, phone_number)
func (r *RecipientRepositoryImpl) InsertIgnoreDuplicates(ctx context.Context, recipients []*models.Recipient) (int64, error) {
	if len(recipients) == 0 {
		return 0, nil
	}

	db := r.getDB(ctx)
	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "campaign_id"}, {Name: "phone_number"}},
		DoNothing: true,
	}).CreateInBatches(recipients, 500)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to insert recipients: %w", res.Error)
	}

	return res.RowsAffected, nil
}

// AssignSchedule sets the scheduled date of pending recipients with sequence >= fromSequence
func (r *RecipientRepositoryImpl) AssignSchedule(ctx context.Context, campaignID uint, start time.Time, quota int, fromSequence int64) (int64, error) {
	if quota <= 0 {
		return 0, fmt.Errorf("invalid daily quota %d", quota)
	}

	db := r.getDB(ctx)
	res := db.Exec(`
		UPDATE campaign_recipients
		SET scheduled_date = ?::date + (sequence / ?)::int, updated_at = ?
		WHERE campaign_id = ? AND status = ? AND sequence >= ?`,
		start.Format(time.DateOnly), quota, utils.UTCNow(),
		campaignID, models.DeliveryStatusPending, fromSequence,
	)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to assign schedule for campaign %d: %w", campaignID, res.Error)
	}

	return res.RowsAffected, nil
}

// ClaimDue moves up to limit due pending recipients to queued, lowest sequence first.
// Rows locked by a concurrent claim are skipped and the outer status guard rejects rows
// another claim already moved.
func (r *RecipientRepositoryImpl) ClaimDue(ctx context.Context, campaignID uint, asOf time.Time, limit int, now time.Time) ([]*models.Recipient, error) {
	if limit <= 0 {
		return nil, nil
	}

	db := r.getDB(ctx)
	var claimed []*models.Recipient
	err := db.Raw(`
		UPDATE campaign_recipients
		SET status = ?, queued_at = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM campaign_recipients
			WHERE campaign_id = ? AND status = ? AND scheduled_date <= ?::date
			ORDER BY sequence
			LIMIT ?
			FOR UPDATE SKIP LOCKED
		) AND status = ?
		RETURNING *`,
		models.DeliveryStatusQueued, now, now,
		campaignID, models.DeliveryStatusPending, asOf.Format(time.DateOnly),
		limit,
		models.DeliveryStatusPending,
	).Scan(&claimed).Error
	if err != nil {
		return nil, fmt.Errorf("failed to claim due recipients for campaign %d: %w", campaignID, err)
	}

	return claimed, nil
}

// CompareAndSetStatus applies updates only if the row still has status from
func (r *RecipientRepositoryImpl) CompareAndSetStatus(ctx context.Context, id uint, from models.DeliveryStatus, updates map[string]any) (bool, error) {
	db := r.getDB(ctx)

	values := map[string]any{"updated_at": utils.UTCNow()}
	for k, v := range updates {
		values[k] = v
	}

	res := db.Model(&models.Recipient{}).
		Where("id = ? AND status = ?", id, from).
		Updates(values)
	if res.Error != nil {
		return false, fmt.Errorf("failed to update recipient %d: %w", id, res.Error)
	}

	return res.RowsAffected == 1, nil
}

// IncrementRetry bumps retry_count and records the last error
func (r *RecipientRepositoryImpl) IncrementRetry(ctx context.Context, id uint, errorInfo string) error {
	db := r.getDB(ctx)
	err := db.Model(&models.Recipient{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"retry_count": gorm.Expr("retry_count + 1"),
			"error_info":  errorInfo,
			"updated_at":  utils.UTCNow(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to bump retry count of recipient %d: %w", id, err)
	}
	return nil
}

// CancelPending marks every pending recipient of the campaign cancelled
func (r *RecipientRepositoryImpl) CancelPending(ctx context.Context, campaignID uint) (int64, error) {
	db := r.getDB(ctx)
	res := db.Model(&models.Recipient{}).
		Where("campaign_id = ? AND status = ?", campaignID, models.DeliveryStatusPending).
		Updates(map[string]any{
			"status":     models.DeliveryStatusCancelled,
			"updated_at": utils.UTCNow(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to cancel pending recipients of campaign %d: %w", campaignID, res.Error)
	}
	return res.RowsAffected, nil
}

// CountByStatus recounts the campaign's recipients. Milestone counts come from the
// milestone timestamps so a recipient that failed after being sent still counts as sent.
func (r *RecipientRepositoryImpl) CountByStatus(ctx context.Context, campaignID uint) (models.CampaignCounters, error) {
	db := r.getDB(ctx)

	var c models.CampaignCounters
	err := db.Raw(`
		SELECT
			COUNT(*) AS recipients,
			COUNT(*) FILTER (WHERE scheduled_date IS NOT NULL) AS scheduled,
			COUNT(*) FILTER (WHERE status = 'pending') AS pending,
			COUNT(*) FILTER (WHERE status = 'queued') AS queued,
			COUNT(*) FILTER (WHERE sent_at IS NOT NULL) AS sent,
			COUNT(*) FILTER (WHERE delivered_at IS NOT NULL) AS delivered,
			COUNT(*) FILTER (WHERE read_at IS NOT NULL) AS "read",
			COUNT(*) FILTER (WHERE status = 'failed') AS failed,
			COUNT(*) FILTER (WHERE status = 'cancelled') AS cancelled
		FROM campaign_recipients
		WHERE campaign_id = ?`, campaignID).Scan(&c).Error
	if err != nil {
		return models.CampaignCounters{}, fmt.Errorf("failed to count recipients of campaign %d: %w", campaignID, err)
	}

	return c, nil
}

type dailyRollupRow struct {
	Day       time.Time
	Released  int64
	Sent      int64
	Delivered int64
	ReadCount int64
	Failed    int64
}

// DailyRollup groups the milestone timestamps of a campaign's recipients by day, in
// the time zone of from, for days in [from, to]
func (r *RecipientRepositoryImpl) DailyRollup(ctx context.Context, campaignID uint, from, to time.Time) ([]models.CampaignDailyStats, error) {
	tz := from.Location().String()
	if tz == "Local" || tz == "" {
		tz = "UTC"
	}

	db := r.getDB(ctx)
	var rows []dailyRollupRow
	err := db.Raw(`
		SELECT day,
			SUM(released) AS released,
			SUM(sent) AS sent,
			SUM(delivered) AS delivered,
			SUM(rd) AS read_count,
			SUM(failed) AS failed
		FROM (
			SELECT (queued_at AT TIME ZONE @tz)::date AS day, 1 AS released, 0 AS sent, 0 AS delivered, 0 AS rd, 0 AS failed
				FROM campaign_recipients WHERE campaign_id = @id AND queued_at IS NOT NULL
			UNION ALL
			SELECT (sent_at AT TIME ZONE @tz)::date, 0, 1, 0, 0, 0
				FROM campaign_recipients WHERE campaign_id = @id AND sent_at IS NOT NULL
			UNION ALL
			SELECT (delivered_at AT TIME ZONE @tz)::date, 0, 0, 1, 0, 0
				FROM campaign_recipients WHERE campaign_id = @id AND delivered_at IS NOT NULL
			UNION ALL
			SELECT (read_at AT TIME ZONE @tz)::date, 0, 0, 0, 1, 0
				FROM campaign_recipients WHERE campaign_id = @id AND read_at IS NOT NULL
			UNION ALL
			SELECT (failed_at AT TIME ZONE @tz)::date, 0, 0, 0, 0, 1
				FROM campaign_recipients WHERE campaign_id = @id AND failed_at IS NOT NULL
		) events
		WHERE day >= @from::date AND day <= @to::date
		GROUP BY day
		ORDER BY day`,
		map[string]any{
			"tz":   tz,
			"id":   campaignID,
			"from": from.Format(time.DateOnly),
			"to":   to.Format(time.DateOnly),
		},
	).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to compute daily rollup of campaign %d: %w", campaignID, err)
	}

	out := make([]models.CampaignDailyStats, 0, len(rows))
	for _, row := range rows {
		out = append(out, models.CampaignDailyStats{
			Day:       time.Date(row.Day.Year(), row.Day.Month(), row.Day.Day(), 0, 0, 0, 0, from.Location()),
			Released:  row.Released,
			Sent:      row.Sent,
			Delivered: row.Delivered,
			Read:      row.ReadCount,
			Failed:    row.Failed,
		})
	}

	return out, nil
}

// ByFilter retrieves recipients based on filter criteria
func (r *RecipientRepositoryImpl) ByFilter(ctx context.Context, filter models.RecipientFilter, orderBy string, limit, offset int) ([]*models.Recipient, error) {
	db := r.getDB(ctx)

	var recipients []*models.Recipient
	query := paginate(r.applyFilter(db, filter), orderBy, limit, offset)

	err := query.Find(&recipients).Error
	if err != nil {
		return nil, err
	}

	return recipients, nil
}

// Count returns the number of recipients matching the filter
func (r *RecipientRepositoryImpl) Count(ctx context.Context, filter models.RecipientFilter) (int64, error) {
	db := r.getDB(ctx)

	var count int64
	err := r.applyFilter(db.Model(&models.Recipient{}), filter).Count(&count).Error
	if err != nil {
		return 0, err
	}

	return count, nil
}

// Exists checks if any recipient matching the filter exists
func (r *RecipientRepositoryImpl) Exists(ctx context.Context, filter models.RecipientFilter) (bool, error) {
	count, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}

	return count > 0, nil
}

// applyFilter applies filter conditions to the GORM query
func (r *RecipientRepositoryImpl) applyFilter(db *gorm.DB, filter models.RecipientFilter) *gorm.DB {
	if filter.ID != nil {
		db = db.Where("id = ?", *filter.ID)
	}
	if filter.CampaignID != nil {
		db = db.Where("campaign_id = ?", *filter.CampaignID)
	}
	if filter.PhoneNumber != nil {
		db = db.Where("phone_number = ?", *filter.PhoneNumber)
	}
	if filter.Status != nil {
		db = db.Where("status = ?", *filter.Status)
	}
	if filter.ProviderMessageID != nil {
		db = db.Where("provider_message_id = ?", *filter.ProviderMessageID)
	}
	if filter.ScheduledBefore != nil {
		db = db.Where("scheduled_date <= ?", filter.ScheduledBefore.Format(time.DateOnly))
	}

	return db
}
