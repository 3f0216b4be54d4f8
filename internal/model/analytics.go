package model

// VariantStatusCount is one row of the per-variant send aggregation.
type VariantStatusCount struct {
	Variant   Variant
	Status    SendStatus
	Count     int
	Responded int
}

// VariantReport summarizes one A/B arm of a campaign.
type VariantReport struct {
	Variant       Variant `json:"variant"`
	Total         int     `json:"total"`
	Queued        int     `json:"queued"`
	Sent          int     `json:"sent"`
	Delivered     int     `json:"delivered"`
	Failed        int     `json:"failed"`
	SkippedOptOut int     `json:"skipped_optout"`
	Responses     int     `json:"responses"`
	ResponseRate  float64 `json:"response_rate"`
}

type CampaignAnalytics struct {
	CampaignID int             `json:"campaign_id"`
	Name       string          `json:"name"`
	Status     CampaignStatus  `json:"status"`
	Variants   []VariantReport `json:"variants"`
	SentToday  int             `json:"sent_today"`
	DailyCap   int             `json:"daily_cap"`
}
