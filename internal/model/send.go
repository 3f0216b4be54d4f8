// internal/model/send.go
package model

import (
	"strings"
	"time"
)

type Variant string

const (
	VariantA Variant = "A"
	VariantB Variant = "B"
)

type SendStatus string

const (
	SendQueued        SendStatus = "queued"
	SendSent          SendStatus = "sent"
	SendDelivered     SendStatus = "delivered"
	SendFailed        SendStatus = "failed"
	SendSkippedOptOut SendStatus = "skipped_optout"
)

// Terminal reports whether the engine is finished with a send.
func (s SendStatus) Terminal() bool {
	switch s {
	case SendSent, SendDelivered, SendFailed, SendSkippedOptOut:
		return true
	}
	return false
}

type SendKind string

const (
	KindCampaign     SendKind = "campaign"
	KindConfirmation SendKind = "opt_out_confirmation"
)

// FailureSource tells an operator whether we gave up or the carrier bounced it.
type FailureSource string

const (
	FailureEngine   FailureSource = "engine"
	FailureProvider FailureSource = "provider"
)

// Send is one attempt to message one recipient within one campaign. There is
// at most one campaign Send per (campaign, recipient); the variant is fixed
// at insert time.
type Send struct {
	ID                int           `db:"id" json:"id"`
	Kind              SendKind      `db:"kind" json:"kind"`
	CampaignID        int           `db:"campaign_id" json:"campaign_id,omitempty"`
	RecipientID       int           `db:"recipient_id" json:"recipient_id"`
	Variant           Variant       `db:"variant" json:"variant,omitempty"`
	Status            SendStatus    `db:"status" json:"status"`
	RenderedContent   string        `db:"rendered_content" json:"rendered_content,omitempty"`
	ProviderMessageID string        `db:"provider_message_id" json:"provider_message_id,omitempty"`
	AttemptCount      int           `db:"attempt_count" json:"attempt_count"`
	LastError         string        `db:"last_error" json:"last_error,omitempty"`
	FailureSource     FailureSource `db:"failure_source" json:"failure_source,omitempty"`
	NextEligibleAt    *time.Time    `db:"next_eligible_at" json:"next_eligible_at,omitempty"`
	QueuedAt          time.Time     `db:"queued_at" json:"queued_at"`
	SentAt            *time.Time    `db:"sent_at" json:"sent_at,omitempty"`
	DeliveredAt       *time.Time    `db:"delivered_at" json:"delivered_at,omitempty"`
	FailedAt          *time.Time    `db:"failed_at" json:"failed_at,omitempty"`
	RespondedAt       *time.Time    `db:"responded_at" json:"responded_at,omitempty"`
	UpdatedAt         time.Time     `db:"updated_at" json:"updated_at"`
}

// Due reports whether a queued send may be attempted at now.
func (s *Send) Due(now time.Time) bool {
	if s.Status != SendQueued {
		return false
	}
	return s.NextEligibleAt == nil || !s.NextEligibleAt.After(now)
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
