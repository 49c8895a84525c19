package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/whatsapp-courier/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DedupRecordRepositoryImpl implements the DedupRecordRepository interface
type DedupRecordRepositoryImpl struct {
	*BaseRepository[models.DedupRecord, any]
}

// NewDedupRecordRepository creates a new dedup record repository
func NewDedupRecordRepository(db *gorm.DB) DedupRecordRepository {
	return &DedupRecordRepositoryImpl{
		BaseRepository: NewBaseRepository[models.DedupRecord, any](db),
	}
}

// Claim is a single conditional upsert: the insert wins on a fresh key, the update
// wins only when the existing record has expired, otherwise no row is affected.
func (r *DedupRecordRepositoryImpl) Claim(ctx context.Context, record *models.DedupRecord) (bool, error) {
	db := r.getDB(ctx)
	res := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "key"}},
		DoUpdates: clause.Assignments(map[string]any{
			"owner_token": clause.Expr{SQL: "EXCLUDED.owner_token"},
			"claimed_at":  clause.Expr{SQL: "EXCLUDED.claimed_at"},
			"expires_at":  clause.Expr{SQL: "EXCLUDED.expires_at"},
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "dedup_records.expires_at <= EXCLUDED.claimed_at"},
		}},
	}).Create(record)
	if res.Error != nil {
		return false, fmt.Errorf("failed to claim dedup key %q: %w", record.Key, res.Error)
	}

	return res.RowsAffected == 1, nil
}

// ByKey retrieves the record for key, live or not
func (r *DedupRecordRepositoryImpl) ByKey(ctx context.Context, key string) (*models.DedupRecord, error) {
	db := r.getDB(ctx)

	var record models.DedupRecord
	err := db.Where("key = ?", key).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find dedup record: %w", err)
	}

	return &record, nil
}

// DeleteExpired removes records that expired at or before now
func (r *DedupRecordRepositoryImpl) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	db := r.getDB(ctx)
	res := db.Where("expires_at <= ?", now).Delete(&models.DedupRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete expired dedup records: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Release deletes the record only while ownerToken still holds it
func (r *DedupRecordRepositoryImpl) Release(ctx context.Context, key, ownerToken string) (bool, error) {
	db := r.getDB(ctx)
	res := db.Where("key = ? AND owner_token = ?", key, ownerToken).Delete(&models.DedupRecord{})
	if res.Error != nil {
		return false, fmt.Errorf("failed to release dedup key %q: %w", key, res.Error)
	}
	return res.RowsAffected == 1, nil
}
