package models

import "time"

// DedupRecord is a claim on a key that stays live until ExpiresAt.
// Keys are provider event ids for inbound events.
type DedupRecord struct {
	Key        string    `gorm:"primaryKey;size:191" json:"key"`
	OwnerToken string    `gorm:"size:64;not null" json:"owner_token"`
	ClaimedAt  time.Time `gorm:"not null" json:"claimed_at"`
	ExpiresAt  time.Time `gorm:"not null;index:idx_dedup_records_expires_at" json:"expires_at"`
}

func (DedupRecord) TableName() string { return "dedup_records" }
