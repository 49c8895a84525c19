package models

import "time"

// DailyQuotaLedger counts recipients released for a campaign on one calendar day
type DailyQuotaLedger struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	CampaignID uint      `gorm:"not null;uniqueIndex:uk_daily_quota_ledgers_campaign_day,priority:1" json:"campaign_id"`
	Day        time.Time `gorm:"type:date;not null;uniqueIndex:uk_daily_quota_ledgers_campaign_day,priority:2" json:"day"`
	DailyQuota int       `gorm:"not null" json:"daily_quota"`
	SentCount  int       `gorm:"not null;default:0" json:"sent_count"`
	CreatedAt  time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`
	UpdatedAt  time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"updated_at"`
}

func (DailyQuotaLedger) TableName() string { return "daily_quota_ledgers" }

// Remaining returns how many more recipients may be released on this day
func (l DailyQuotaLedger) Remaining() int {
	return max(l.DailyQuota-l.SentCount, 0)
}
