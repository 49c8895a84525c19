package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/amirphl/whatsapp-courier/models"
	"github.com/amirphl/whatsapp-courier/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MessageRepositoryImpl implements the MessageRepository interface
type MessageRepositoryImpl struct {
	*BaseRepository[models.Message, models.MessageFilter]
}

// NewMessageRepository creates a new message repository
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &MessageRepositoryImpl{
		BaseRepository: NewBaseRepository[models.Message, models.MessageFilter](db),
	}
}

// ByProviderMessageID retrieves an outbound message by the id the provider assigned to it
func (r *MessageRepositoryImpl) ByProviderMessageID(ctx context.Context, providerMessageID string) (*models.Message, error) {
	return r.first(ctx, models.MessageFilter{ProviderMessageID: &providerMessageID})
}

// ByProviderEventID retrieves an inbound message by the webhook event it came from
func (r *MessageRepositoryImpl) ByProviderEventID(ctx context.Context, providerEventID string) (*models.Message, error) {
	return r.first(ctx, models.MessageFilter{ProviderEventID: &providerEventID})
}

func (r *MessageRepositoryImpl) first(ctx context.Context, filter models.MessageFilter) (*models.Message, error) {
	db := r.getDB(ctx)

	var message models.Message
	err := r.applyFilter(db, filter).First(&message).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find message: %w", err)
	}

	return &message, nil
}

// CreateInbound inserts the message unless one with the same provider event id exists
func (r *MessageRepositoryImpl) CreateInbound(ctx context.Context, message *models.Message) (bool, error) {
	db := r.getDB(ctx)
	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider_event_id"}},
		DoNothing: true,
	}).Create(message)
	if res.Error != nil {
		return false, fmt.Errorf("failed to create inbound message: %w", res.Error)
	}

	return res.RowsAffected == 1, nil
}

// CompareAndSetStatus applies updates only if the row still has status from
func (r *MessageRepositoryImpl) CompareAndSetStatus(ctx context.Context, id uint, from models.DeliveryStatus, updates map[string]any) (bool, error) {
	db := r.getDB(ctx)

	values := map[string]any{"updated_at": utils.UTCNow()}
	for k, v := range updates {
		values[k] = v
	}

	res := db.Model(&models.Message{}).
		Where("id = ? AND status = ?", id, from).
		Updates(values)
	if res.Error != nil {
		return false, fmt.Errorf("failed to update message %d: %w", id, res.Error)
	}

	return res.RowsAffected == 1, nil
}

// IncrementRetry bumps retry_count and records the last error
func (r *MessageRepositoryImpl) IncrementRetry(ctx context.Context, id uint, errorInfo string) error {
	db := r.getDB(ctx)
	err := db.Model(&models.Message{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"retry_count": gorm.Expr("retry_count + 1"),
			"error_info":  errorInfo,
			"updated_at":  utils.UTCNow(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to bump retry count of message %d: %w", id, err)
	}
	return nil
}

// ByFilter retrieves messages based on filter criteria
func (r *MessageRepositoryImpl) ByFilter(ctx context.Context, filter models.MessageFilter, orderBy string, limit, offset int) ([]*models.Message, error) {
	db := r.getDB(ctx)

	var messages []*models.Message
	err := paginate(r.applyFilter(db, filter), orderBy, limit, offset).Find(&messages).Error
	if err != nil {
		return nil, err
	}

	return messages, nil
}

// Count returns the number of messages matching the filter
func (r *MessageRepositoryImpl) Count(ctx context.Context, filter models.MessageFilter) (int64, error) {
	db := r.getDB(ctx)

	var count int64
	err := r.applyFilter(db.Model(&models.Message{}), filter).Count(&count).Error
	if err != nil {
		return 0, err
	}

	return count, nil
}

// Exists checks if any message matching the filter exists
func (r *MessageRepositoryImpl) Exists(ctx context.Context, filter models.MessageFilter) (bool, error) {
	count, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}

	return count > 0, nil
}

// applyFilter applies filter conditions to the GORM query
func (r *MessageRepositoryImpl) applyFilter(db *gorm.DB, filter models.MessageFilter) *gorm.DB {
	if filter.ID != nil {
		db = db.Where("id = ?", *filter.ID)
	}
	if filter.Direction != nil {
		db = db.Where("direction = ?", *filter.Direction)
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
	if filter.ProviderEventID != nil {
		db = db.Where("provider_event_id = ?", *filter.ProviderEventID)
	}
	if filter.CreatedAfter != nil {
		db = db.Where("created_at >= ?", *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		db = db.Where("created_at < ?", *filter.CreatedBefore)
	}

	return db
}
