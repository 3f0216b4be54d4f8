package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/smsleopard-messaging/internal/errors"
	"github.com/unclebandit/smsleopard-messaging/internal/gateway"
	"github.com/unclebandit/smsleopard-messaging/internal/metrics"
	"github.com/unclebandit/smsleopard-messaging/internal/model"
	"github.com/unclebandit/smsleopard-messaging/internal/queue"
	"github.com/unclebandit/smsleopard-messaging/internal/repository"
)

// EventsTopic carries {"event_id": N} jobs for stored inbound events.
const EventsTopic = "webhook_events"

// Ingest acknowledgements.
const (
	AckProcessed = "processed"
	AckQueued    = "queued"
	AckDuplicate = "duplicate_ignored"
)

type IngestResult struct {
	Status  string `json:"status"`
	EventID int    `json:"event_id,omitempty"`
}

type eventJob struct {
	EventID int `json:"event_id"`
}

// IngestionService authenticates, deduplicates and routes provider webhooks.
type IngestionService struct {
	Events        repository.EventRepositoryInterface
	Sends         repository.SendRepositoryInterface
	Recipients    repository.RecipientRepositoryInterface
	OptOut        *OptOutRegistry
	Confirmations *ConfirmationSender
	Verifier      *gateway.Verifier
	Queue         queue.Queue
	Region        string
	// StaleAfter is how long a claim protects an event from other workers.
	StaleAfter time.Duration
	Metrics    *metrics.Metrics
	Log        *zap.Logger
	Now        func() time.Time
}

func (s *IngestionService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Ingest is the webhook boundary. Nothing is stored unless the signature is
// valid and the envelope parses. The ack means "stored and queued", except
// for call.completed which has no side effects beyond the record.
func (s *IngestionService) Ingest(ctx context.Context, raw []byte, signature, timestamp string) (*IngestResult, error) {
	if err := s.Verifier.Verify(raw, signature, timestamp); err != nil {
		s.Metrics.WebhooksTotal.WithLabelValues("unauthorized").Inc()
		s.Log.Warn("rejected webhook", zap.Error(err))
		return nil, err
	}

	env, err := parseEnvelope(raw)
	if err != nil {
		s.Metrics.WebhooksTotal.WithLabelValues("malformed").Inc()
		return nil, err
	}

	ev := &model.InboundEvent{
		ProviderEventID: env.ID,
		Type:            env.Type,
		Payload:         json.RawMessage(raw),
		Status:          model.EventReceived,
		ReceivedAt:      s.now(),
	}
	inserted, err := s.Events.InsertIfAbsent(ctx, ev)
	if err != nil {
		s.Metrics.WebhooksTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("store event %s: %w", env.ID, err)
	}
	if !inserted {
		s.Metrics.WebhooksTotal.WithLabelValues(AckDuplicate).Inc()
		s.Log.Debug("duplicate webhook ignored", zap.String("provider_event_id", env.ID))
		return &IngestResult{Status: AckDuplicate}, nil
	}

	if env.Type == model.EventCallCompleted {
		if err := s.Process(ctx, ev.ID); err != nil {
			return nil, err
		}
		s.Metrics.WebhooksTotal.WithLabelValues(AckProcessed).Inc()
		return &IngestResult{Status: AckProcessed, EventID: ev.ID}, nil
	}

	if err := s.publish(ctx, ev.ID); err != nil {
		// The event is stored; RedeliverStuck will pick it up.
		s.Log.Warn("failed to queue event", zap.Int("event_id", ev.ID), zap.Error(err))
	}
	s.Metrics.WebhooksTotal.WithLabelValues(AckQueued).Inc()
	return &IngestResult{Status: AckQueued, EventID: ev.ID}, nil
}

func parseEnvelope(raw []byte) (*model.WebhookEnvelope, error) {
	var env model.WebhookEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, appErrors.NewValidationError("body", "malformed JSON: "+err.Error())
	}
	if strings.TrimSpace(env.ID) == "" {
		return nil, appErrors.NewValidationError("id", "event id is required")
	}
	if !env.Type.Known() {
		return nil, appErrors.NewValidationError("type", fmt.Sprintf("unsupported event type %q", env.Type))
	}
	return &env, nil
}

func (s *IngestionService) publish(ctx context.Context, eventID int) error {
	payload, err := json.Marshal(eventJob{EventID: eventID})
	if err != nil {
		return err
	}
	return s.Queue.Publish(ctx, EventsTopic, payload)
}

// HandleJob is the queue handler for EventsTopic.
func (s *IngestionService) HandleJob(ctx context.Context, payload []byte) error {
	var job eventJob
	if err := json.Unmarshal(payload, &job); err != nil || job.EventID == 0 {
		s.Log.Error("dropping invalid event job", zap.ByteString("payload", payload))
		return nil
	}
	return s.Process(ctx, job.EventID)
}

// ====================== Processing ======================

// outcome is what a handler did with an event.
type outcome struct {
	sendID    *int
	unmatched bool
}

// Process applies one stored event. Already processed or concurrently
// claimed events are a no-op. A validation problem marks the event failed;
// any other error releases the claim so the queue can retry it.
func (s *IngestionService) Process(ctx context.Context, eventID int) error {
	ev, err := s.Events.Claim(ctx, eventID, s.StaleAfter)
	if err != nil {
		return fmt.Errorf("claim event %d: %w", eventID, err)
	}
	if ev == nil {
		return nil
	}
	log := s.Log.With(zap.Int("event_id", ev.ID), zap.String("type", string(ev.Type)))

	out, err := s.route(ctx, ev)
	if err != nil {
		if appErrors.IsValidation(err) {
			log.Warn("event rejected", zap.Error(err))
			s.Metrics.EventsProcessed.WithLabelValues(string(ev.Type), string(model.EventFailed)).Inc()
			return s.Events.MarkFailed(ctx, ev.ID, err.Error())
		}
		if rerr := s.Events.ReleaseClaim(ctx, ev.ID); rerr != nil {
			log.Error("failed to release event claim", zap.Error(rerr))
		}
		return fmt.Errorf("process event %d: %w", ev.ID, err)
	}

	if err := s.Events.MarkProcessed(ctx, ev.ID, out.sendID, out.unmatched); err != nil {
		return fmt.Errorf("mark event %d processed: %w", ev.ID, err)
	}
	if out.unmatched {
		s.Metrics.UnmatchedEvents.Inc()
		log.Info("delivery status matched no send, kept for reconciliation")
	}
	s.Metrics.EventsProcessed.WithLabelValues(string(ev.Type), string(model.EventProcessed)).Inc()
	return nil
}

func (s *IngestionService) route(ctx context.Context, ev *model.InboundEvent) (outcome, error) {
	env, data, err := decodeEvent(ev.Payload)
	if err != nil {
		return outcome{}, err
	}
	at := eventTime(env, ev.ReceivedAt)

	switch {
	case ev.Type == model.EventMessageReceived:
		return s.handleInbound(ctx, data, at)
	case ev.Type.DeliveryStatus():
		return s.handleStatus(ctx, ev.Type, data, at)
	case ev.Type == model.EventOptOut:
		return s.handleProviderOptOut(ctx, data, at)
	default:
		return outcome{}, nil
	}
}

func decodeEvent(payload []byte) (*model.WebhookEnvelope, *model.MessageEventData, error) {
	var env model.WebhookEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, nil, appErrors.NewValidationError("body", "malformed JSON: "+err.Error())
	}
	var data model.MessageEventData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, nil, appErrors.NewValidationError("data", "malformed event data: "+err.Error())
		}
	}
	return &env, &data, nil
}

// eventTime prefers the provider's timestamp (unix seconds).
func eventTime(env *model.WebhookEnvelope, fallback time.Time) time.Time {
	if env.Timestamp > 0 {
		return time.Unix(env.Timestamp, 0)
	}
	return fallback
}

// handleInbound records the sender, handles stop keywords and otherwise
// attributes the reply to the last campaign message they received.
func (s *IngestionService) handleInbound(ctx context.Context, data *model.MessageEventData, at time.Time) (outcome, error) {
	phone, err := model.NormalizePhone(data.From, s.Region)
	if err != nil {
		return outcome{}, err
	}
	rc, err := s.Recipients.GetOrCreate(ctx, model.RecipientInput{Phone: phone}, "inbound")
	if err != nil {
		return outcome{}, fmt.Errorf("get recipient: %w", err)
	}

	if s.OptOut.IsOptOutKeyword(data.Text) {
		res, err := s.OptOut.HandleKeyword(ctx, rc, at)
		if err != nil {
			return outcome{}, err
		}
		if res.Confirmation != nil && s.Confirmations != nil {
			// A failed attempt stays queued for the confirmation retry job.
			if _, err := s.Confirmations.Send(ctx, res.Confirmation, rc.Phone); err != nil {
				s.Log.Warn("opt-out confirmation not sent yet", zap.Int("recipient_id", rc.ID), zap.Error(err))
			}
		}
		return outcome{}, nil
	}

	prior, err := s.Sends.LatestCampaignSendForRecipient(ctx, rc.ID)
	if err != nil {
		return outcome{}, fmt.Errorf("find prior send: %w", err)
	}
	if prior == nil {
		return outcome{}, nil
	}
	if err := s.Sends.MarkResponded(ctx, prior.ID, at); err != nil {
		return outcome{}, fmt.Errorf("mark send %d responded: %w", prior.ID, err)
	}
	return outcome{sendID: &prior.ID}, nil
}

func (s *IngestionService) handleStatus(ctx context.Context, t model.EventType, data *model.MessageEventData, at time.Time) (outcome, error) {
	if strings.TrimSpace(data.MessageID) == "" {
		return outcome{}, appErrors.NewValidationError("message_id", "delivery status without message id")
	}
	send, err := s.Sends.GetByProviderMessageID(ctx, data.MessageID)
	if err != nil {
		return outcome{}, fmt.Errorf("find send: %w", err)
	}
	if send == nil {
		return outcome{unmatched: true}, nil
	}
	if err := s.applyStatus(ctx, t, send, data, at); err != nil {
		return outcome{}, err
	}
	return outcome{sendID: &send.ID}, nil
}

func (s *IngestionService) applyStatus(ctx context.Context, t model.EventType, send *model.Send, data *model.MessageEventData, at time.Time) error {
	switch t {
	case model.EventMessageSent:
		return s.Sends.ConfirmSent(ctx, send.ID, at)
	case model.EventMessageDelivered:
		return s.Sends.MarkDelivered(ctx, send.ID, at)
	case model.EventMessageFailed:
		reason := data.Reason
		if data.ErrorCode != "" {
			reason = strings.TrimSpace(data.ErrorCode + " " + reason)
		}
		if reason == "" {
			reason = "provider reported failure"
		}
		return s.Sends.MarkProviderFailed(ctx, send.ID, reason, at)
	}
	return nil
}

func (s *IngestionService) handleProviderOptOut(ctx context.Context, data *model.MessageEventData, at time.Time) (outcome, error) {
	raw := data.Phone
	if raw == "" {
		raw = data.From
	}
	phone, err := model.NormalizePhone(raw, s.Region)
	if err != nil {
		return outcome{}, err
	}
	rc, err := s.Recipients.GetOrCreate(ctx, model.RecipientInput{Phone: phone}, "inbound")
	if err != nil {
		return outcome{}, fmt.Errorf("get recipient: %w", err)
	}
	_, err = s.OptOut.HandleProviderOptOut(ctx, rc, at)
	return outcome{}, err
}

// ====================== Maintenance ======================

// Reconcile retries matching unmatched delivery events against sends whose
// provider message id has since been recorded.
func (s *IngestionService) Reconcile(ctx context.Context, limit int) (int, error) {
	events, err := s.Events.ListUnmatched(ctx, limit)
	if err != nil {
		return 0, err
	}
	resolved := 0
	for _, ev := range events {
		env, data, err := decodeEvent(ev.Payload)
		if err != nil || data.MessageID == "" {
			continue
		}
		send, err := s.Sends.GetByProviderMessageID(ctx, data.MessageID)
		if err != nil {
			return resolved, err
		}
		if send == nil {
			continue
		}
		if err := s.applyStatus(ctx, ev.Type, send, data, eventTime(env, ev.ReceivedAt)); err != nil {
			return resolved, err
		}
		if err := s.Events.ResolveUnmatched(ctx, ev.ID, send.ID); err != nil {
			return resolved, err
		}
		resolved++
		s.Metrics.ReconciledEvents.Inc()
		s.Log.Info("reconciled event", zap.Int("event_id", ev.ID), zap.Int("send_id", send.ID))
	}
	return resolved, nil
}

// RedeliverStuck re-publishes events that no worker has finished.
func (s *IngestionService) RedeliverStuck(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	ids, err := s.Events.ListStuck(ctx, s.now().Add(-olderThan), limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if err := s.publish(ctx, id); err != nil {
			return n, fmt.Errorf("republish event %d: %w", id, err)
		}
		n++
	}
	return n, nil
}

// Archive moves processed events older than retention to the archive table.
func (s *IngestionService) Archive(ctx context.Context, retention time.Duration) (int64, error) {
	return s.Events.ArchiveProcessedBefore(ctx, s.now().Add(-retention))
}

func (s *IngestionService) NeedsAttention(ctx context.Context, limit int) ([]*model.InboundEvent, error) {
	return s.Events.ListNeedsAttention(ctx, limit)
}

