// Package worker records usage off the request path.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vnmchuo/reportdesk/internal/logging"
	"github.com/vnmchuo/reportdesk/internal/telemetry"
	"github.com/vnmchuo/reportdesk/internal/usage"
)

var (
	ErrQueueFull = errors.New("usage queue is full")
	ErrClosed    = errors.New("usage queue is closed")
)

const recordTimeout = 10 * time.Second

type Recorder interface {
	Record(ctx context.Context, in usage.Input) error
}

// Queue buffers usage records and hands them to a Recorder from a fixed pool
// of goroutines. It satisfies Recorder itself.
type Queue struct {
	jobs    chan usage.Input
	next    Recorder
	logger  *zap.Logger
	metrics *telemetry.Metrics

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewQueue(next Recorder, size, workers int, logger *zap.Logger, metrics *telemetry.Metrics) *Queue {
	if size < 1 {
		size = 1
	}
	if workers < 1 {
		workers = 1
	}
	q := &Queue{
		jobs:    make(chan usage.Input, size),
		next:    next,
		logger:  logging.OrNop(logger),
		metrics: metrics,
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.process()
	}
	return q
}

// Record enqueues without blocking. The caller's context only bounds the
// enqueue; delivery runs on its own deadline.
func (q *Queue) Record(ctx context.Context, in usage.Input) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.jobs <- in:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		q.metrics.UsageDropped()
		q.logger.Warn("usage queue full, dropping record",
			zap.String("tenant_id", in.TenantID),
			zap.String("api_endpoint", in.APIEndpoint),
			zap.Int64("tokens_used", in.TokensUsed),
		)
		return ErrQueueFull
	}
}

func (q *Queue) Len() int {
	return len(q.jobs)
}

func (q *Queue) process() {
	defer q.wg.Done()
	for in := range q.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		if err := q.next.Record(ctx, in); err != nil {
			q.logger.Error("async usage record failed",
				zap.String("tenant_id", in.TenantID),
				zap.String("request_id", in.RequestID),
				zap.Error(err),
			)
		}
		cancel()
	}
}

// Close stops accepting records and waits until the buffer drains or ctx ends.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
