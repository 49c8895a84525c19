package dto

// CampaignAnalyticsRequest selects the day range of a rollup
type CampaignAnalyticsRequest struct {
	CampaignID uint   `json:"-"`
	From       string `json:"from,omitempty" validate:"omitempty,datetime=2006-01-02"`
	To         string `json:"to,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

// DailyStatsItem is one day of a campaign rollup
type DailyStatsItem struct {
	Day       string `json:"day"`
	Released  int64  `json:"released"`
	Sent      int64  `json:"sent"`
	Delivered int64  `json:"delivered"`
	Read      int64  `json:"read"`
	Failed    int64  `json:"failed"`
}

// CampaignAnalyticsResponse represents the per-day rollup
type CampaignAnalyticsResponse struct {
	CampaignID uint             `json:"campaign_id"`
	From       string           `json:"from"`
	To         string           `json:"to"`
	Days       []DailyStatsItem `json:"days"`
}
