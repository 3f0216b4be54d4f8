package service

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/unclebandit/smsleopard-messaging/internal/model"
	"github.com/unclebandit/smsleopard-messaging/internal/repository"
)

// VariantAssigner fixes a recipient's A/B arm the first time a campaign Send
// is created for them. The draw is stored with the Send, so later calls and
// restarts read it back instead of recomputing.
type VariantAssigner struct {
	Sends repository.SendRepositoryInterface
	Draw  func() model.Variant
}

func NewVariantAssigner(sends repository.SendRepositoryInterface) *VariantAssigner {
	return &VariantAssigner{Sends: sends, Draw: FiftyFifty}
}

// FiftyFifty is the default split.
func FiftyFifty() model.Variant {
	if rand.Intn(2) == 0 {
		return model.VariantA
	}
	return model.VariantB
}

// Assign returns the persisted variant for the pair.
func (a *VariantAssigner) Assign(ctx context.Context, campaignID, recipientID int) (model.Variant, error) {
	send, err := a.Ensure(ctx, campaignID, recipientID)
	if err != nil {
		return "", err
	}
	return send.Variant, nil
}

// Ensure returns the pair's Send, creating it QUEUED with a fresh draw when
// absent. Concurrent callers both end up with the row that won the insert.
func (a *VariantAssigner) Ensure(ctx context.Context, campaignID, recipientID int) (*model.Send, error) {
	existing, err := a.Sends.GetByCampaignRecipient(ctx, campaignID, recipientID)
	if err != nil {
		return nil, fmt.Errorf("load send: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	send := &model.Send{
		CampaignID:  campaignID,
		RecipientID: recipientID,
		Variant:     a.Draw(),
		Status:      model.SendQueued,
	}
	if _, err := a.Sends.CreateCampaignSend(ctx, send); err != nil {
		return nil, fmt.Errorf("create send: %w", err)
	}
	return send, nil
}
