package service

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DueLister finds campaigns whose next cycle is due.
type DueLister interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]int, error)
}

// Scheduler drives the periodic jobs: due-campaign dispatch, stuck-event
// redelivery, reconciliation, confirmation retries and event archival.
// Ingestion and Confirmations are optional.
type Scheduler struct {
	Campaigns     DueLister
	Pool          *CyclePool
	Ingestion     *IngestionService
	Confirmations *ConfirmationSender
	// DispatchSpec is the cron spec for due-campaign dispatch.
	DispatchSpec string
	Retention    time.Duration
	BatchSize    int
	Log          *zap.Logger
	Now          func() time.Time

	cron *cron.Cron
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Scheduler) batch() int {
	if s.BatchSize > 0 {
		return s.BatchSize
	}
	return 100
}

// Start registers the jobs and starts the cron runner.
func (s *Scheduler) Start() error {
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	spec := s.DispatchSpec
	if spec == "" {
		spec = "@every 30s"
	}
	if _, err := s.cron.AddFunc(spec, s.job("dispatch_due", time.Minute, s.DispatchDue)); err != nil {
		return err
	}
	if s.Confirmations != nil {
		if _, err := s.cron.AddFunc("@every 1m", s.job("retry_confirmations", time.Minute, s.retryConfirmations)); err != nil {
			return err
		}
	}
	if s.Ingestion != nil {
		if _, err := s.cron.AddFunc("@every 1m", s.job("redeliver_stuck", time.Minute, s.redeliverStuck)); err != nil {
			return err
		}
		if _, err := s.cron.AddFunc("@every 5m", s.job("reconcile_unmatched", 5*time.Minute, s.reconcile)); err != nil {
			return err
		}
		if _, err := s.cron.AddFunc("0 3 * * *", s.job("archive_events", 30*time.Minute, s.archive)); err != nil {
			return err
		}
	}

	s.cron.Start()
	s.Log.Info("scheduler started", zap.String("dispatch_spec", spec))
	return nil
}

// Stop stops the cron runner and waits for running jobs.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.Log.Info("scheduler stopped")
}

func (s *Scheduler) job(name string, timeout time.Duration, fn func(context.Context) error) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				s.Log.Error("scheduler job panic recovered", zap.String("job", name), zap.Any("panic", r))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		start := time.Now()
		if err := fn(ctx); err != nil {
			s.Log.Error("scheduler job failed", zap.String("job", name), zap.Error(err))
			return
		}
		s.Log.Debug("scheduler job completed", zap.String("job", name), zap.Duration("duration", time.Since(start)))
	}
}

// DispatchDue submits every due campaign to the cycle pool.
func (s *Scheduler) DispatchDue(ctx context.Context) error {
	ids, err := s.Campaigns.ListDue(ctx, s.now(), s.batch())
	if err != nil {
		return err
	}
	submitted := 0
	for _, id := range ids {
		if s.Pool.Submit(id) {
			submitted++
		}
	}
	if submitted > 0 {
		s.Log.Info("dispatched due campaigns", zap.Int("due", len(ids)), zap.Int("submitted", submitted))
	}
	return nil
}

func (s *Scheduler) retryConfirmations(ctx context.Context) error {
	n, err := s.Confirmations.RetryDue(ctx, s.batch())
	if n > 0 {
		s.Log.Info("sent queued opt-out confirmations", zap.Int("count", n))
	}
	return err
}

func (s *Scheduler) redeliverStuck(ctx context.Context) error {
	n, err := s.Ingestion.RedeliverStuck(ctx, 2*time.Minute, s.batch())
	if n > 0 {
		s.Log.Warn("republished stuck events", zap.Int("count", n))
	}
	return err
}

func (s *Scheduler) reconcile(ctx context.Context) error {
	_, err := s.Ingestion.Reconcile(ctx, s.batch())
	return err
}

func (s *Scheduler) archive(ctx context.Context) error {
	n, err := s.Ingestion.Archive(ctx, s.Retention)
	if n > 0 {
		s.Log.Info("archived processed events", zap.Int64("count", n))
	}
	return err
}
