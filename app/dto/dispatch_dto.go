package dto

// RunDailyDispatchRequest represents a manual dispatch run
type RunDailyDispatchRequest struct {
	// AsOf is a calendar day (YYYY-MM-DD). Empty means today.
	AsOf string `json:"as_of,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

// CampaignDispatchResult reports what one campaign released in a run
type CampaignDispatchResult struct {
	CampaignID uint   `json:"campaign_id"`
	Claimed    int    `json:"claimed"`
	Enqueued   int    `json:"enqueued"`
	Remaining  int    `json:"remaining_quota"`
	Error      string `json:"error,omitempty"`
}

// RunDailyDispatchResponse summarizes a dispatch run
type RunDailyDispatchResponse struct {
	Message   string                   `json:"message"`
	AsOf      string                   `json:"as_of"`
	Released  int                      `json:"released"`
	Campaigns []CampaignDispatchResult `json:"campaigns"`
}
