package service

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/smsleopard-messaging/internal/errors"
)

// CycleRunner is what a worker needs from the engine.
type CycleRunner interface {
	RunCycle(ctx context.Context, campaignID int) (*CycleResult, error)
}

// Worker runs campaign cycles for ids received on JobChan.
type Worker struct {
	Runner  CycleRunner
	JobChan <-chan int
	Done    func(campaignID int)
	Log     *zap.Logger
}

// Constructor
func NewWorker(runner CycleRunner, jobChan <-chan int, log *zap.Logger) *Worker {
	return &Worker{
		Runner:  runner,
		JobChan: jobChan,
		Log:     log,
	}
}

// Start processes jobs until JobChan is closed.
func (w *Worker) Start(ctx context.Context) {
	for campaignID := range w.JobChan {
		w.run(ctx, campaignID)
		if w.Done != nil {
			w.Done(campaignID)
		}
	}
}

func (w *Worker) run(ctx context.Context, campaignID int) {
	defer func() {
		if r := recover(); r != nil {
			w.Log.Error("campaign cycle panicked", zap.Int("campaign_id", campaignID), zap.Any("panic", r))
		}
	}()

	res, err := w.Runner.RunCycle(ctx, campaignID)
	switch {
	case errors.Is(err, appErrors.ErrCycleInProgress):
		w.Log.Debug("cycle skipped, lease held elsewhere", zap.Int("campaign_id", campaignID))
	case err != nil:
		w.Log.Error("campaign cycle failed", zap.Int("campaign_id", campaignID), zap.Error(err))
	default:
		w.Log.Info("campaign cycle finished",
			zap.Int("campaign_id", campaignID),
			zap.Int("sent", res.Sent),
			zap.Int("skipped_optout", res.SkippedOptOut),
			zap.Int("queued", res.Queued),
			zap.Int("retrying", res.Retrying),
			zap.Int("failed", res.Failed),
			zap.String("halted", res.Halted),
			zap.Bool("completed", res.Completed))
	}
}

// CyclePool is a bounded set of Workers fed from one channel. A campaign is
// queued at most once until its cycle finishes.
type CyclePool struct {
	jobs     chan int
	mu       sync.Mutex
	inflight map[int]bool
	wg       sync.WaitGroup
	workers  []*Worker
	closed   bool
}

func NewCyclePool(runner CycleRunner, size, buffer int, log *zap.Logger) *CyclePool {
	if size <= 0 {
		size = 1
	}
	if buffer <= 0 {
		buffer = size * 4
	}
	p := &CyclePool{
		jobs:     make(chan int, buffer),
		inflight: make(map[int]bool),
	}
	for i := 0; i < size; i++ {
		w := NewWorker(runner, p.jobs, log.With(zap.Int("cycle_worker", i)))
		w.Done = p.done
		p.workers = append(p.workers, w)
	}
	return p
}

func (p *CyclePool) Start(ctx context.Context) {
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Start(ctx)
		}(w)
	}
}

// Submit queues a cycle without blocking. It returns false when the
// campaign is already queued or running, or the pool is full or closed.
func (p *CyclePool) Submit(campaignID int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.inflight[campaignID] {
		return false
	}
	select {
	case p.jobs <- campaignID:
		p.inflight[campaignID] = true
		return true
	default:
		return false
	}
}

func (p *CyclePool) done(campaignID int) {
	p.mu.Lock()
	delete(p.inflight, campaignID)
	p.mu.Unlock()
}

// Close stops accepting work and waits for running cycles.
func (p *CyclePool) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
