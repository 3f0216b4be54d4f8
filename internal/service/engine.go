package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/smsleopard-messaging/internal/errors"
	"github.com/unclebandit/smsleopard-messaging/internal/metrics"
	"github.com/unclebandit/smsleopard-messaging/internal/model"
	"github.com/unclebandit/smsleopard-messaging/internal/policy"
	"github.com/unclebandit/smsleopard-messaging/internal/repository"
)

// CycleLocker is the per-campaign single-writer lease. Implementations
// persist it outside the process (campaign row or Redis).
type CycleLocker interface {
	Acquire(ctx context.Context, campaignID int) (string, error)
	Refresh(ctx context.Context, campaignID int, token string) error
	Release(ctx context.Context, campaignID int, token string) error
}

// RecipientSource lists the recipients a cycle should consider.
type RecipientSource interface {
	ListEligible(ctx context.Context, campaignID int) ([]*model.Recipient, error)
	CountPending(ctx context.Context, campaignID int) (int, error)
}

// CycleResult summarizes one RunCycle call.
type CycleResult struct {
	CampaignID    int        `json:"campaign_id"`
	Sent          int        `json:"sent"`
	SkippedOptOut int        `json:"skipped_optout"`
	Queued        int        `json:"queued"`
	Retrying      int        `json:"retrying"`
	Failed        int        `json:"failed"`
	Halted        string     `json:"halted,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	Completed     bool       `json:"completed"`
}

// Halt reasons.
const (
	haltPolicy    = "policy"
	haltPaused    = "campaign_not_active"
	haltThrottled = "rate_limited"
	haltLeaseLost = "lease_lost"
	haltCanceled  = "canceled"
)

// Engine runs campaign cycles.
type Engine struct {
	Campaigns  repository.CampaignRepositoryInterface
	Recipients RecipientSource
	Sends      repository.SendRepositoryInterface
	Counters   repository.CounterRepositoryInterface
	OptOut     *OptOutRegistry
	Assigner   *VariantAssigner
	Dispatcher *Dispatcher
	Locker     CycleLocker
	// RefreshEvery is how many recipients are handled between lease refreshes.
	RefreshEvery int
	Metrics      *metrics.Metrics
	Log          *zap.Logger
	Now          func() time.Time
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// RunCycle processes the campaign's undecided recipients in a stable order
// until they are all decided or the rate/window policy blocks further sends.
// It returns ErrCycleInProgress when another cycle holds the lease.
func (e *Engine) RunCycle(ctx context.Context, campaignID int) (*CycleResult, error) {
	start := time.Now()
	token, err := e.Locker.Acquire(ctx, campaignID)
	if err != nil {
		if errors.Is(err, appErrors.ErrCycleInProgress) {
			e.Metrics.CyclesSkipped.Inc()
		}
		return nil, err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.Locker.Release(releaseCtx, campaignID, token); err != nil {
			e.Log.Error("failed to release cycle lease", zap.Int("campaign_id", campaignID), zap.Error(err))
		}
	}()

	res, err := e.runLocked(ctx, campaignID, token)
	label := "ok"
	if err != nil {
		label = "error"
	}
	e.Metrics.CycleDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	return res, err
}

func (e *Engine) runLocked(ctx context.Context, campaignID int, token string) (*CycleResult, error) {
	res := &CycleResult{CampaignID: campaignID}
	log := e.Log.With(zap.Int("campaign_id", campaignID))

	campaign, err := e.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if campaign.Status != model.CampaignActive {
		res.Halted = haltPaused
		return res, nil
	}
	loc, err := campaign.Location()
	if err != nil {
		return nil, err
	}

	recipients, err := e.Recipients.ListEligible(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	queued, err := e.Sends.ListQueuedByCampaign(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list queued sends: %w", err)
	}
	existing := make(map[int]*model.Send, len(queued))
	for _, s := range queued {
		existing[s.RecipientID] = s
	}

	var (
		dayKey    string
		sentToday int
		nextRetry *time.Time
	)
	earliest := func(t time.Time) {
		if nextRetry == nil || t.Before(*nextRetry) {
			nextRetry = &t
		}
	}

	for i, rc := range recipients {
		if i > 0 {
			if halt, err := e.checkLiveness(ctx, campaignID, token, i); err != nil {
				return nil, err
			} else if halt != "" {
				res.Halted = halt
				break
			}
		}

		rlog := log.With(zap.Int("recipient_id", rc.ID))
		now := e.now().In(loc)
		send := existing[rc.ID]
		if send != nil && !send.Due(now) {
			earliest(*send.NextEligibleAt)
			continue
		}

		optedOut, err := e.OptOut.IsOptedOut(ctx, rc.Phone)
		if err != nil {
			rlog.Error("opt-out check failed", zap.Error(err))
			continue
		}
		if optedOut {
			if err := e.skipOptedOut(ctx, campaignID, rc.ID, send); err != nil {
				rlog.Error("failed to record opt-out skip", zap.Error(err))
				continue
			}
			res.SkippedOptOut++
			e.Metrics.SendsTotal.WithLabelValues("skipped_optout").Inc()
			continue
		}

		if key := policy.DayKey(now); key != dayKey {
			dayKey = key
			if sentToday, err = e.Counters.Get(ctx, campaignID, dayKey); err != nil {
				return nil, fmt.Errorf("read daily counter: %w", err)
			}
		}

		decision := policy.Decide(campaign.Window, campaign.DailyCap, now, sentToday)
		if decision.Action != policy.SendNow {
			n, err := e.queueRemaining(ctx, campaignID, recipients[i:], existing, decision.NextEligibleAt)
			res.Queued += n
			if err != nil {
				return nil, err
			}
			next := decision.NextEligibleAt
			res.NextRunAt = &next
			res.Halted = haltPolicy
			log.Info("cycle halted by policy",
				zap.String("action", decision.Action.String()),
				zap.Time("next_eligible_at", next),
				zap.Int("queued", n))
			break
		}

		if send == nil {
			if send, err = e.Assigner.Ensure(ctx, campaignID, rc.ID); err != nil {
				rlog.Error("failed to create send", zap.Error(err))
				continue
			}
			if send.Status != model.SendQueued {
				continue
			}
		}

		body := RenderMessage(campaign.Template(send.Variant), rc)
		if body != send.RenderedContent {
			if err := e.Sends.UpdateContent(ctx, send.ID, body); err != nil {
				rlog.Error("failed to store rendered content", zap.Error(err))
				continue
			}
			send.RenderedContent = body
		}

		out, err := e.Dispatcher.Dispatch(ctx, send, rc.Phone, body)
		if err != nil {
			if ctx.Err() != nil {
				res.Halted = haltCanceled
				break
			}
			rlog.Error("dispatch failed", zap.Error(err))
			continue
		}

		switch out.Status {
		case DispatchSent:
			res.Sent++
			n, err := e.Counters.Increment(ctx, campaignID, dayKey, campaign.DailyCap)
			switch {
			case errors.Is(err, repository.ErrDailyCapReached):
				sentToday = campaign.DailyCap
			case err != nil:
				rlog.Error("failed to increment daily counter", zap.Error(err))
				sentToday++
			default:
				sentToday = n
			}
		case DispatchRetrying:
			res.Retrying++
			earliest(*out.NextAttempt)
		case DispatchFailed:
			res.Failed++
		case DispatchThrottled:
			res.Halted = haltThrottled
			res.NextRunAt = out.NextAttempt
		}
		if res.Halted != "" {
			break
		}
	}

	return res, e.finish(ctx, campaignID, res, nextRetry)
}

// checkLiveness re-reads the campaign status so a pause takes effect after
// the current recipient, and keeps the lease alive on long cycles.
func (e *Engine) checkLiveness(ctx context.Context, campaignID int, token string, processed int) (string, error) {
	if ctx.Err() != nil {
		return haltCanceled, nil
	}
	status, err := e.Campaigns.GetStatus(ctx, campaignID)
	if err != nil {
		return "", err
	}
	if status != model.CampaignActive {
		return haltPaused, nil
	}
	if e.RefreshEvery > 0 && processed%e.RefreshEvery == 0 {
		if err := e.Locker.Refresh(ctx, campaignID, token); err != nil {
			if errors.Is(err, appErrors.ErrLeaseLost) {
				return haltLeaseLost, nil
			}
			return "", err
		}
	}
	return "", nil
}

func (e *Engine) skipOptedOut(ctx context.Context, campaignID, recipientID int, send *model.Send) error {
	if send == nil {
		var err error
		send, err = e.Assigner.Ensure(ctx, campaignID, recipientID)
		if err != nil {
			return err
		}
	}
	return e.Sends.MarkSkippedOptOut(ctx, send.ID)
}

// queueRemaining gives every undecided recipient a QUEUED send carrying the
// same next-eligible instant. Existing queued sends are only pushed later.
func (e *Engine) queueRemaining(ctx context.Context, campaignID int, rest []*model.Recipient, existing map[int]*model.Send, at time.Time) (int, error) {
	n := 0
	for _, rc := range rest {
		send := existing[rc.ID]
		if send == nil {
			var err error
			if send, err = e.Assigner.Ensure(ctx, campaignID, rc.ID); err != nil {
				return n, fmt.Errorf("queue recipient %d: %w", rc.ID, err)
			}
		}
		if send.Status != model.SendQueued {
			continue
		}
		next := at
		if send.NextEligibleAt != nil && send.NextEligibleAt.After(at) {
			next = *send.NextEligibleAt
		}
		if err := e.Sends.Requeue(ctx, send.ID, next, send.AttemptCount, send.LastError); err != nil {
			return n, fmt.Errorf("queue recipient %d: %w", rc.ID, err)
		}
		n++
	}
	return n, nil
}

// finish completes the campaign when nothing is left to decide, otherwise
// records when the scheduler should run it again.
func (e *Engine) finish(ctx context.Context, campaignID int, res *CycleResult, nextRetry *time.Time) error {
	switch res.Halted {
	case haltPaused, haltCanceled:
		return nil
	case haltPolicy, haltThrottled:
		return e.Campaigns.SetNextRunAt(ctx, campaignID, res.NextRunAt)
	case haltLeaseLost:
		// The new holder schedules the campaign.
		return nil
	}

	pending, err := e.Recipients.CountPending(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("count pending recipients: %w", err)
	}
	if pending == 0 {
		if err := e.Campaigns.UpdateStatus(ctx, campaignID, model.CampaignCompleted); err != nil {
			return fmt.Errorf("complete campaign: %w", err)
		}
		res.Completed = true
		e.Log.Info("campaign completed", zap.Int("campaign_id", campaignID))
		return e.Campaigns.SetNextRunAt(ctx, campaignID, nil)
	}

	res.NextRunAt = nextRetry
	if res.NextRunAt == nil {
		next := e.now().Add(e.Dispatcher.RetryBase)
		res.NextRunAt = &next
	}
	return e.Campaigns.SetNextRunAt(ctx, campaignID, res.NextRunAt)
}
