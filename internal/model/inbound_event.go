// internal/model/inbound_event.go
package model

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventMessageReceived  EventType = "message.received"
	EventMessageSent      EventType = "message.sent"
	EventMessageDelivered EventType = "message.delivered"
	EventMessageFailed    EventType = "message.failed"
	EventOptOut           EventType = "opt_out"
	EventCallCompleted    EventType = "call.completed"
)

func (t EventType) Known() bool {
	switch t {
	case EventMessageReceived, EventMessageSent, EventMessageDelivered,
		EventMessageFailed, EventOptOut, EventCallCompleted:
		return true
	}
	return false
}

// DeliveryStatus reports whether the event updates a Send by provider message id.
func (t EventType) DeliveryStatus() bool {
	return t == EventMessageSent || t == EventMessageDelivered || t == EventMessageFailed
}

type EventStatus string

const (
	EventReceived  EventStatus = "received"
	EventProcessed EventStatus = "processed"
	EventFailed    EventStatus = "failed"
)

// InboundEvent is a provider callback. ProviderEventID is the dedup key.
type InboundEvent struct {
	ID              int             `db:"id" json:"id"`
	ProviderEventID string          `db:"provider_event_id" json:"provider_event_id"`
	Type            EventType       `db:"type" json:"type"`
	Payload         json.RawMessage `db:"payload" json:"payload"`
	Status          EventStatus     `db:"status" json:"status"`
	Unmatched       bool            `db:"unmatched" json:"unmatched"`
	SendID          *int            `db:"send_id" json:"send_id,omitempty"`
	LastError       string          `db:"last_error" json:"last_error,omitempty"`
	ReceivedAt      time.Time       `db:"received_at" json:"received_at"`
	ClaimedAt       *time.Time      `db:"claimed_at" json:"-"`
	ProcessedAt     *time.Time      `db:"processed_at" json:"processed_at,omitempty"`
}

// WebhookEnvelope is the JSON body posted by the provider.
type WebhookEnvelope struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// MessageEventData is the data block of message.* and opt_out events.
type MessageEventData struct {
	MessageID string `json:"message_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Text      string `json:"text"`
	Phone     string `json:"phone"`
	Reason    string `json:"reason"`
	ErrorCode string `json:"error_code"`
}
