// Package repository provides data access layer implementations and interfaces for database operations
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/amirphl/whatsapp-courier/models"
)

// RepositoryContext key for transaction in context
type contextKey string

const TxContextKey contextKey = "tx"

// ErrTxRequired is returned by operations that take row locks and must run inside WithTransaction
var ErrTxRequired = errors.New("operation requires a transaction")

type Repository[T any, F any] interface {
	ByID(ctx context.Context, id uint) (*T, error)
	ByFilter(ctx context.Context, filter F, orderBy string, limit, offset int) ([]*T, error)
	Save(ctx context.Context, entity *T) error
	SaveBatch(ctx context.Context, entities []*T) error
	Count(ctx context.Context, filter F) (int64, error)
	Exists(ctx context.Context, filter F) (bool, error)
}

// CampaignCounterDelta adjusts the cached campaign counters. Zero fields are left untouched.
type CampaignCounterDelta struct {
	Scheduled int64
	Pending   int64
	Queued    int64
	Sent      int64
	Delivered int64
	Read      int64
	Failed    int64
	Cancelled int64
	Recipient int64
}

// IsZero reports whether the delta changes nothing
func (d CampaignCounterDelta) IsZero() bool {
	return d == CampaignCounterDelta{}
}

// CampaignRepository defines operations for campaigns
type CampaignRepository interface {
	Repository[models.Campaign, models.CampaignFilter]
	// ByIDForUpdate locks the campaign row until the surrounding transaction ends
	ByIDForUpdate(ctx context.Context, id uint) (*models.Campaign, error)
	// CompareAndSetStatus moves the campaign to `to` only if its current status is one of `from`
	CompareAndSetStatus(ctx context.Context, id uint, from []models.CampaignStatus, to models.CampaignStatus, extra map[string]any) (bool, error)
	UpdateSchedule(ctx context.Context, id uint, start, estimatedCompletion time.Time) error
	ListDispatchable(ctx context.Context) ([]*models.Campaign, error)
	AdjustCounters(ctx context.Context, id uint, delta CampaignCounterDelta) error
	OverwriteCounters(ctx context.Context, id uint, counters models.CampaignCounters) error
}

// RecipientRepository defines operations for campaign recipients
type RecipientRepository interface {
	Repository[models.Recipient, models.RecipientFilter]
	ByProviderMessageID(ctx context.Context, providerMessageID string) (*models.Recipient, error)
	// NextSequence returns the sequence the next inserted recipient of the campaign receives
	NextSequence(ctx context.Context, campaignID uint) (int64, error)
	ExistingPhones(ctx context.Context, campaignID uint, phones []string) (map[string]struct{}, error)
	InsertIgnoreDuplicates(ctx context.Context, recipients []*models.Recipient) (int64, error)
	// AssignSchedule sets scheduled_date = start + floor(sequence / quota) days for pending recipients
	AssignSchedule(ctx context.Context, campaignID uint, start time.Time, quota int, fromSequence int64) (int64, error)
	// ClaimDue atomically moves up to limit due pending recipients to queued and returns them
	ClaimDue(ctx context.Context, campaignID uint, asOf time.Time, limit int, now time.Time) ([]*models.Recipient, error)
	// CompareAndSetStatus applies updates only if the row still has status `from`
	CompareAndSetStatus(ctx context.Context, id uint, from models.DeliveryStatus, updates map[string]any) (bool, error)
	IncrementRetry(ctx context.Context, id uint, errorInfo string) error
	CancelPending(ctx context.Context, campaignID uint) (int64, error)
	CountByStatus(ctx context.Context, campaignID uint) (models.CampaignCounters, error)
	DailyRollup(ctx context.Context, campaignID uint, from, to time.Time) ([]models.CampaignDailyStats, error)
}

// MessageRepository defines operations for conversational messages
type MessageRepository interface {
	Repository[models.Message, models.MessageFilter]
	ByProviderMessageID(ctx context.Context, providerMessageID string) (*models.Message, error)
	ByProviderEventID(ctx context.Context, providerEventID string) (*models.Message, error)
	// CreateInbound inserts an inbound message, returning false if the provider event was already stored
	CreateInbound(ctx context.Context, message *models.Message) (bool, error)
	CompareAndSetStatus(ctx context.Context, id uint, from models.DeliveryStatus, updates map[string]any) (bool, error)
	IncrementRetry(ctx context.Context, id uint, errorInfo string) error
}

// DedupRecordRepository defines operations for dedup claims
type DedupRecordRepository interface {
	// Claim inserts the record or takes over an expired one; it returns false if a live record exists
	Claim(ctx context.Context, record *models.DedupRecord) (bool, error)
	ByKey(ctx context.Context, key string) (*models.DedupRecord, error)
	// Release deletes the record only if it is still held by ownerToken
	Release(ctx context.Context, key, ownerToken string) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// DailyQuotaLedgerRepository defines operations for per-day quota ledgers
type DailyQuotaLedgerRepository interface {
	// LockForDay returns the (campaign, day) row locked until the surrounding transaction ends, creating it if missing
	LockForDay(ctx context.Context, campaignID uint, day time.Time, dailyQuota int) (*models.DailyQuotaLedger, error)
	ByCampaignAndDay(ctx context.Context, campaignID uint, day time.Time) (*models.DailyQuotaLedger, error)
	AddSent(ctx context.Context, id uint, n int) error
}
