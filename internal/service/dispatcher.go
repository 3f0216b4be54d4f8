package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/smsleopard-messaging/internal/gateway"
	"github.com/unclebandit/smsleopard-messaging/internal/metrics"
	"github.com/unclebandit/smsleopard-messaging/internal/model"
	"github.com/unclebandit/smsleopard-messaging/internal/repository"
)

// Limiter gates outbound provider calls.
type Limiter interface {
	Acquire(ctx context.Context) (time.Duration, error)
}

// DispatchStatus is what happened to a send after one dispatch attempt.
type DispatchStatus int

const (
	DispatchSent DispatchStatus = iota
	DispatchRetrying
	DispatchFailed
	DispatchThrottled
)

func (s DispatchStatus) String() string {
	switch s {
	case DispatchSent:
		return "sent"
	case DispatchRetrying:
		return "retrying"
	case DispatchFailed:
		return "failed"
	case DispatchThrottled:
		return "throttled"
	}
	return "unknown"
}

type DispatchResult struct {
	Status DispatchStatus
	// NextAttempt is set for retrying and throttled sends.
	NextAttempt *time.Time
	MessageID   string
}

// Dispatcher performs one rate-limited provider call for a queued Send and
// persists the outcome. It never consults the opt-out registry; callers
// decide eligibility.
type Dispatcher struct {
	Sends          repository.SendRepositoryInterface
	Gateway        gateway.Gateway
	Limiter        Limiter
	From           string
	MaxAttempts    int
	RetryBase      time.Duration
	RetryMax       time.Duration
	LimiterBackoff time.Duration
	Metrics        *metrics.Metrics
	Log            *zap.Logger
	Now            func() time.Time
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Backoff is RetryBase doubled per prior attempt, capped at RetryMax.
func (d *Dispatcher) Backoff(attempts int) time.Duration {
	delay := d.RetryBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= d.RetryMax {
			return d.RetryMax
		}
	}
	if delay > d.RetryMax {
		return d.RetryMax
	}
	return delay
}

func (d *Dispatcher) Dispatch(ctx context.Context, send *model.Send, to, body string) (*DispatchResult, error) {
	waited, err := d.Limiter.Acquire(ctx)
	d.Metrics.LimiterWait.Observe(waited.Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		next := d.now().Add(d.LimiterBackoff)
		if err := d.Sends.Requeue(ctx, send.ID, next, send.AttemptCount, "rate limiter: "+err.Error()); err != nil {
			return nil, fmt.Errorf("requeue throttled send %d: %w", send.ID, err)
		}
		d.Metrics.SendsTotal.WithLabelValues("throttled").Inc()
		return &DispatchResult{Status: DispatchThrottled, NextAttempt: &next}, nil
	}

	res := d.Gateway.Send(ctx, d.From, to, body)
	now := d.now()
	log := d.Log.With(zap.Int("send_id", send.ID), zap.Int("recipient_id", send.RecipientID))

	switch res.Outcome {
	case gateway.OutcomeSent:
		prev, err := d.Sends.MarkSent(ctx, send.ID, res.MessageID, now)
		if err != nil {
			return nil, fmt.Errorf("mark send %d sent: %w", send.ID, err)
		}
		switch prev {
		case model.SendQueued:
		case model.SendSkippedOptOut:
			log.Warn("recipient opted out while the message was in flight, recorded as sent",
				zap.String("provider_message_id", res.MessageID))
		default:
			log.Warn("provider accepted a send that was no longer queued",
				zap.String("previous_status", string(prev)), zap.String("provider_message_id", res.MessageID))
		}
		if res.MessageID == "" {
			log.Warn("provider accepted the message without an id, delivery reports cannot be matched",
				zap.String("reason", res.Reason))
		}
		d.Metrics.SendsTotal.WithLabelValues("sent").Inc()
		return &DispatchResult{Status: DispatchSent, MessageID: res.MessageID}, nil

	case gateway.OutcomeTransient:
		attempts := send.AttemptCount + 1
		if attempts >= d.MaxAttempts {
			reason := fmt.Sprintf("gave up after %d attempts: %s", attempts, res.Reason)
			if err := d.Sends.MarkFailed(ctx, send.ID, reason, model.FailureEngine, attempts, now); err != nil {
				return nil, fmt.Errorf("mark send %d failed: %w", send.ID, err)
			}
			log.Warn("send failed, retries exhausted", zap.Int("attempts", attempts), zap.Error(res.Err()))
			d.Metrics.SendsTotal.WithLabelValues("failed").Inc()
			return &DispatchResult{Status: DispatchFailed}, nil
		}

		delay := res.RetryAfter
		if delay <= 0 {
			delay = d.Backoff(attempts)
		}
		next := now.Add(delay)
		if err := d.Sends.Requeue(ctx, send.ID, next, attempts, res.Reason); err != nil {
			return nil, fmt.Errorf("requeue send %d: %w", send.ID, err)
		}
		log.Info("send deferred after transient error",
			zap.Int("attempts", attempts), zap.Time("next_attempt", next), zap.Error(res.Err()))
		d.Metrics.SendsTotal.WithLabelValues("retrying").Inc()
		return &DispatchResult{Status: DispatchRetrying, NextAttempt: &next}, nil

	default:
		attempts := send.AttemptCount + 1
		if err := d.Sends.MarkFailed(ctx, send.ID, res.Reason, model.FailureEngine, attempts, now); err != nil {
			return nil, fmt.Errorf("mark send %d failed: %w", send.ID, err)
		}
		log.Warn("send rejected by provider", zap.Error(res.Err()))
		d.Metrics.SendsTotal.WithLabelValues("rejected").Inc()
		return &DispatchResult{Status: DispatchFailed}, nil
	}
}

// ConfirmationSender delivers opt-out confirmations. They are the only sends
// allowed to an opted-out recipient.
type ConfirmationSender struct {
	Dispatcher *Dispatcher
	Recipients repository.RecipientRepositoryInterface
	Sends      repository.SendRepositoryInterface
	Log        *zap.Logger
}

func (c *ConfirmationSender) Send(ctx context.Context, send *model.Send, phone string) (*DispatchResult, error) {
	if send.Kind != model.KindConfirmation {
		return nil, errors.New("only opt-out confirmations bypass the opt-out check")
	}
	return c.Dispatcher.Dispatch(ctx, send, phone, send.RenderedContent)
}

// RetryDue re-attempts confirmations still queued, e.g. after a provider
// outage at the time of the opt-out.
func (c *ConfirmationSender) RetryDue(ctx context.Context, limit int) (int, error) {
	due, err := c.Sends.ListDueConfirmations(ctx, c.Dispatcher.now(), limit)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, s := range due {
		rc, err := c.Recipients.GetByID(ctx, s.RecipientID)
		if err != nil {
			return sent, err
		}
		if rc == nil {
			continue
		}
		res, err := c.Send(ctx, s, rc.Phone)
		if err != nil {
			return sent, err
		}
		if res.Status == DispatchSent {
			sent++
		}
		if res.Status == DispatchThrottled {
			break
		}
	}
	return sent, nil
}
