package service

import (
	"context"
	"time"

	"github.com/unclebandit/smsleopard-messaging/internal/model"
	"github.com/unclebandit/smsleopard-messaging/internal/policy"
	"github.com/unclebandit/smsleopard-messaging/internal/repository"
)

// AnalyticsService is read-only aggregation over sends.
type AnalyticsService struct {
	Campaigns repository.CampaignRepositoryInterface
	Sends     repository.SendRepositoryInterface
	Counters  repository.CounterRepositoryInterface
	Now       func() time.Time
}

// CampaignAnalytics reports both variants, even when one has no sends yet.
// Response rate is responses over sends in SENT or DELIVERED.
func (a *AnalyticsService) CampaignAnalytics(ctx context.Context, campaignID int) (*model.CampaignAnalytics, error) {
	c, err := a.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	rows, err := a.Sends.StatsByVariant(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	out := &model.CampaignAnalytics{
		CampaignID: c.ID,
		Name:       c.Name,
		Status:     c.Status,
		DailyCap:   c.DailyCap,
		Variants:   BuildVariantReports(rows),
	}

	loc, err := c.Location()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if a.Now != nil {
		now = a.Now()
	}
	if out.SentToday, err = a.Counters.Get(ctx, campaignID, policy.DayKey(now.In(loc))); err != nil {
		return nil, err
	}
	return out, nil
}

func BuildVariantReports(rows []model.VariantStatusCount) []model.VariantReport {
	reports := map[model.Variant]*model.VariantReport{
		model.VariantA: {Variant: model.VariantA},
		model.VariantB: {Variant: model.VariantB},
	}
	for _, row := range rows {
		r, ok := reports[row.Variant]
		if !ok {
			continue
		}
		r.Total += row.Count
		r.Responses += row.Responded
		switch row.Status {
		case model.SendQueued:
			r.Queued += row.Count
		case model.SendSent:
			r.Sent += row.Count
		case model.SendDelivered:
			r.Delivered += row.Count
		case model.SendFailed:
			r.Failed += row.Count
		case model.SendSkippedOptOut:
			r.SkippedOptOut += row.Count
		}
	}

	out := make([]model.VariantReport, 0, 2)
	for _, v := range []model.Variant{model.VariantA, model.VariantB} {
		r := reports[v]
		if reached := r.Sent + r.Delivered; reached > 0 {
			r.ResponseRate = float64(r.Responses) / float64(reached)
		}
		out = append(out, *r)
	}
	return out
}
