package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler processes one message body. A non-nil error asks for redelivery.
type Handler func(ctx context.Context, payload []byte) error

// Queue interface
type Queue interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(topic string, handler Handler) error
}

// ErrQueueFull is returned by the in-memory queue when its buffer is full.
var ErrQueueFull = errors.New("queue buffer full")

// ErrQueueClosed is returned after Close.
var ErrQueueClosed = errors.New("queue closed")

// InMemoryQueue is a bounded worker pool with retry, used when no broker is
// configured.
type InMemoryQueue struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	jobs     chan job
	closed   bool

	workers    int
	maxRetries int
	backoff    time.Duration
	log        *zap.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// job wraps a message payload with retry info
type job struct {
	topic      string
	payload    []byte
	handler    Handler
	retryCount int
}

// NewInMemoryQueue creates a queue with the given worker count and buffer.
func NewInMemoryQueue(workers, buffer int, log *zap.Logger) *InMemoryQueue {
	if workers <= 0 {
		workers = 1
	}
	return &InMemoryQueue{
		handlers:   make(map[string][]Handler),
		jobs:       make(chan job, buffer),
		workers:    workers,
		maxRetries: 3,
		backoff:    500 * time.Millisecond,
		log:        log,
	}
}

// WithRetry overrides the retry policy.
func (q *InMemoryQueue) WithRetry(maxRetries int, backoff time.Duration) *InMemoryQueue {
	q.maxRetries = maxRetries
	q.backoff = backoff
	return q
}

// Start launches the workers. They stop when ctx is done or Close is called.
func (q *InMemoryQueue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case j, ok := <-q.jobs:
					if !ok {
						return
					}
					q.processJob(ctx, j)
				}
			}
		}()
	}
}

// Close stops accepting messages, drains what is buffered and waits for the
// workers.
func (q *InMemoryQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	q.wg.Wait()
	if q.cancel != nil {
		q.cancel()
	}
}

// Publish hands the payload to every subscriber of topic without blocking.
func (q *InMemoryQueue) Publish(ctx context.Context, topic string, payload []byte) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}
	handlers := q.handlers[topic]
	if len(handlers) == 0 {
		return fmt.Errorf("no subscribers for topic %s", topic)
	}

	for _, h := range handlers {
		select {
		case q.jobs <- job{topic: topic, payload: payload, handler: h}:
		case <-ctx.Done():
			return ctx.Err()
		default:
			return ErrQueueFull
		}
	}
	return nil
}

// processJob handles retries and errors
func (q *InMemoryQueue) processJob(ctx context.Context, j job) {
	for {
		err := q.safeHandle(ctx, j)
		if err == nil {
			return
		}

		j.retryCount++
		if j.retryCount > q.maxRetries {
			q.log.Error("job permanently failed",
				zap.String("topic", j.topic), zap.Int("attempts", j.retryCount), zap.Error(err))
			return
		}
		q.log.Warn("job failed, retrying",
			zap.String("topic", j.topic), zap.Int("attempt", j.retryCount), zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(j.retryCount) * q.backoff):
		}
	}
}

func (q *InMemoryQueue) safeHandle(ctx context.Context, j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return j.handler(ctx, j.payload)
}

// Subscribe adds a handler for a topic
func (q *InMemoryQueue) Subscribe(topic string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

var _ Queue = (*InMemoryQueue)(nil)
