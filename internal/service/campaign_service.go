// internal/service/campaign_service.go
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/smsleopard-messaging/internal/errors"
	"github.com/unclebandit/smsleopard-messaging/internal/model"
	"github.com/unclebandit/smsleopard-messaging/internal/repository"
)

type CampaignService struct {
	CampaignRepo  repository.CampaignRepositoryInterface
	RecipientRepo repository.RecipientRepositoryInterface
	SendRepo      repository.SendRepositoryInterface
	Runner        CycleRunner
	Region        string
	// RunTimeout bounds a manually triggered cycle. Defaults to 5 minutes.
	RunTimeout time.Duration
	Log        *zap.Logger
	Now        func() time.Time
}

func (s *CampaignService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

type CreateCampaignInput struct {
	Name      string               `json:"name"`
	Channel   string               `json:"channel"`
	TemplateA string               `json:"template_a"`
	TemplateB string               `json:"template_b"`
	DailyCap  int                  `json:"daily_cap"`
	Timezone  string               `json:"timezone"`
	Window    *model.ServiceWindow `json:"window,omitempty"`
}

type CampaignDetails struct {
	*model.Campaign
	Stats map[string]int `json:"stats"`
}

type RejectedRecipient struct {
	Phone  string `json:"phone"`
	Reason string `json:"reason"`
}

type AddRecipientsResult struct {
	CampaignID int                 `json:"campaign_id"`
	Added      int                 `json:"added"`
	Existing   int                 `json:"existing"`
	Rejected   []RejectedRecipient `json:"rejected"`
}

// CreateCampaign stores a draft. Window and cap are only checked for
// consistency at activation.
func (s *CampaignService) CreateCampaign(ctx context.Context, in CreateCampaignInput) (*model.Campaign, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, appErrors.NewValidationError("name", "name is required")
	}
	c := &model.Campaign{
		Name:      strings.TrimSpace(in.Name),
		Channel:   in.Channel,
		Status:    model.CampaignDraft,
		TemplateA: in.TemplateA,
		TemplateB: in.TemplateB,
		DailyCap:  in.DailyCap,
		Timezone:  in.Timezone,
		Window:    model.AlwaysOpen(),
	}
	if in.Window != nil {
		c.Window = *in.Window
	}
	if c.Channel != "" && c.Channel != "sms" {
		return nil, appErrors.NewValidationError("channel", "only sms is supported")
	}
	if err := c.ValidateTemplates(); err != nil {
		return nil, err
	}
	if _, err := c.Location(); err != nil {
		return nil, appErrors.NewValidationError("timezone", err.Error())
	}

	if err := s.CampaignRepo.Create(ctx, c); err != nil {
		return nil, err
	}
	s.Log.Info("campaign created", zap.Int("campaign_id", c.ID), zap.String("name", c.Name))
	return c, nil
}

func (s *CampaignService) transition(ctx context.Context, id int, to model.CampaignStatus) (*model.Campaign, error) {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.Status.CanTransitionTo(to) {
		return nil, &appErrors.ErrInvalidTransition{From: string(c.Status), To: string(to)}
	}
	if to == model.CampaignActive {
		if err := c.ValidateForActivation(); err != nil {
			return nil, err
		}
	}
	if err := s.CampaignRepo.UpdateStatus(ctx, id, to); err != nil {
		return nil, err
	}
	if to == model.CampaignActive {
		now := s.now()
		if err := s.CampaignRepo.SetNextRunAt(ctx, id, &now); err != nil {
			return nil, err
		}
		c.NextRunAt = &now
	}
	s.Log.Info("campaign status changed",
		zap.Int("campaign_id", id), zap.String("from", string(c.Status)), zap.String("to", string(to)))
	c.Status = to
	return c, nil
}

// Activate validates window, cap and timezone and schedules the first cycle.
func (s *CampaignService) Activate(ctx context.Context, id int) (*model.Campaign, error) {
	return s.transition(ctx, id, model.CampaignActive)
}

// Pause takes effect after the recipient an in-flight cycle is handling.
func (s *CampaignService) Pause(ctx context.Context, id int) (*model.Campaign, error) {
	return s.transition(ctx, id, model.CampaignPaused)
}

func (s *CampaignService) Resume(ctx context.Context, id int) (*model.Campaign, error) {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != model.CampaignPaused {
		return nil, &appErrors.ErrInvalidTransition{From: string(c.Status), To: string(model.CampaignActive)}
	}
	return s.transition(ctx, id, model.CampaignActive)
}

// RunNow runs a cycle synchronously. It fails with ErrCycleInProgress when
// a scheduled cycle holds the lease. The cycle outlives the caller's
// cancellation and is bounded by RunTimeout instead.
func (s *CampaignService) RunNow(ctx context.Context, id int) (*CycleResult, error) {
	timeout := s.RunTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != model.CampaignActive {
		return nil, &appErrors.ErrInvalidTransition{From: string(c.Status), To: "running"}
	}
	return s.Runner.RunCycle(ctx, id)
}

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, page, pageSize int, channel, status string) ([]model.Campaign, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	ptrs, total, err := s.CampaignRepo.ListCampaigns(ctx, offset, pageSize, channel, status)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}

	return campaigns, pagination, nil
}

func (s *CampaignService) GetCampaignDetailsWithStats(ctx context.Context, campaignID int) (*CampaignDetails, error) {
	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	counts, err := s.SendRepo.GetCampaignStats(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("campaign stats: %w", err)
	}

	stats := map[string]int{
		"total":                         0,
		string(model.SendQueued):        0,
		string(model.SendSent):          0,
		string(model.SendDelivered):     0,
		string(model.SendFailed):        0,
		string(model.SendSkippedOptOut): 0,
	}
	for status, count := range counts {
		stats[status] = count
		stats["total"] += count
	}

	pending, err := s.RecipientRepo.CountPending(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("campaign stats: %w", err)
	}
	stats["pending"] = pending

	return &CampaignDetails{Campaign: campaign, Stats: stats}, nil
}

// RenderPreview renders a variant's template (or an override) for one
// recipient, exactly as the engine would send it.
func (s *CampaignService) RenderPreview(ctx context.Context, campaignID, recipientID int, variant model.Variant, overrideTemplate *string) (string, error) {
	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return "", err
	}

	recipient, err := s.RecipientRepo.GetByID(ctx, recipientID)
	if err != nil {
		return "", err
	}
	if recipient == nil {
		return "", appErrors.NewValidationError("recipient_id", fmt.Sprintf("recipient %d not found", recipientID))
	}

	if variant == "" {
		variant = model.VariantA
	}
	if variant != model.VariantA && variant != model.VariantB {
		return "", appErrors.NewValidationError("variant", "must be A or B")
	}
	template := campaign.Template(variant)

	if overrideTemplate != nil && strings.TrimSpace(*overrideTemplate) != "" {
		template = *overrideTemplate
	}

	if strings.TrimSpace(template) == "" {
		return "", appErrors.NewValidationError("template", "template cannot be empty")
	}

	return RenderMessage(template, recipient), nil
}

// AddRecipients normalizes and attaches phones to the campaign's list.
// Invalid numbers are reported per entry and never stored.
func (s *CampaignService) AddRecipients(ctx context.Context, campaignID int, inputs []model.RecipientInput, sourceList string) (*AddRecipientsResult, error) {
	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if campaign.Status == model.CampaignCompleted {
		return nil, &appErrors.ErrInvalidTransition{From: string(campaign.Status), To: "add recipients"}
	}
	if sourceList == "" {
		sourceList = fmt.Sprintf("campaign:%d", campaignID)
	}

	res := &AddRecipientsResult{CampaignID: campaignID, Rejected: []RejectedRecipient{}}
	for _, in := range inputs {
		phone, err := model.NormalizePhone(in.Phone, s.Region)
		if err != nil {
			res.Rejected = append(res.Rejected, RejectedRecipient{Phone: in.Phone, Reason: err.Error()})
			continue
		}
		in.Phone = phone

		rc, err := s.RecipientRepo.GetOrCreate(ctx, in, sourceList)
		if err != nil {
			return res, fmt.Errorf("store recipient %s: %w", phone, err)
		}
		added, err := s.RecipientRepo.AddToCampaign(ctx, campaignID, rc.ID)
		if err != nil {
			return res, fmt.Errorf("add recipient %d: %w", rc.ID, err)
		}
		if added {
			res.Added++
		} else {
			res.Existing++
		}
	}

	if res.Added > 0 && campaign.Status == model.CampaignActive && campaign.NextRunAt == nil {
		now := s.now()
		if err := s.CampaignRepo.SetNextRunAt(ctx, campaignID, &now); err != nil {
			return res, err
		}
	}
	s.Log.Info("recipients added",
		zap.Int("campaign_id", campaignID),
		zap.Int("added", res.Added),
		zap.Int("existing", res.Existing),
		zap.Int("rejected", len(res.Rejected)))
	return res, nil
}
