package models

import "time"

// CampaignDailyStats is one row of the per-day analytics rollup. It is computed, not stored.
type CampaignDailyStats struct {
	Day       time.Time `json:"day"`
	Released  int64     `json:"released"`
	Sent      int64     `json:"sent"`
	Delivered int64     `json:"delivered"`
	Read      int64     `json:"read"`
	Failed    int64     `json:"failed"`
}
