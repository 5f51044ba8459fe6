package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pixelforge/pixelforge/internal/ratelimit"
)

// Handler processes one claimed task. Returning nil acks the task;
// returning a *DelayedError reschedules it without consuming a retry;
// any other error triggers the pool's retry-with-backoff policy.
type Handler interface {
	Handle(ctx context.Context, task *Task) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, task *Task) error

func (f HandlerFunc) Handle(ctx context.Context, task *Task) error {
	return f(ctx, task)
}

// DelayedError asks the pool to park the task until RunAt. Used when a
// provider's rate limit window is full and the task should simply wait.
type DelayedError struct {
	RunAt  time.Time
	Reason string
}

func (e *DelayedError) Error() string {
	return fmt.Sprintf("task delayed until %s: %s", e.RunAt.Format(time.RFC3339), e.Reason)
}

// PoolConfig tunes the worker pool.
type PoolConfig struct {
	Concurrency     int
	ClaimBlock      time.Duration
	PromoteInterval time.Duration
	ReapInterval    time.Duration
	SampleInterval  time.Duration
	MaxRetries      int
	BaseBackoff     time.Duration
}

func (c *PoolConfig) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.ClaimBlock <= 0 {
		c.ClaimBlock = 2 * time.Second
	}
	if c.PromoteInterval <= 0 {
		c.PromoteInterval = time.Second
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 30 * time.Second
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
}

// Pool claims tasks from a Queue with a fixed number of workers and runs
// the housekeeping loops (delayed promotion, claim reaping, depth sampling)
// alongside them.
type Pool struct {
	queue   Queue
	handler Handler
	logger  *slog.Logger
	cfg     PoolConfig
}

func NewPool(q Queue, handler Handler, logger *slog.Logger, cfg PoolConfig) *Pool {
	cfg.applyDefaults()
	return &Pool{queue: q, handler: handler, logger: logger, cfg: cfg}
}

// Run blocks until ctx is cancelled and all in-flight tasks have finished.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.housekeeping(ctx)
	}()

	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.workerLoop(ctx, worker)
		}(i)
	}

	wg.Wait()
	return nil
}

func (p *Pool) workerLoop(ctx context.Context, worker int) {
	logger := p.logger.With("worker", worker)
	for {
		if ctx.Err() != nil {
			return
		}

		task, err := p.queue.Claim(ctx, p.cfg.ClaimBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to claim task", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if task == nil {
			continue
		}

		p.process(ctx, logger, task)
	}
}

func (p *Pool) process(ctx context.Context, logger *slog.Logger, task *Task) {
	logger = logger.With("task_id", task.ID, "job_id", task.JobID)

	err := p.safeHandle(ctx, task)

	var delayed *DelayedError
	switch {
	case err == nil:
		if err := p.queue.Ack(ctx, task.ID); err != nil {
			logger.Error("failed to ack task", "error", err)
		}

	case errors.As(err, &delayed):
		logger.Info("task rescheduled", "run_at", delayed.RunAt, "reason", delayed.Reason)
		if err := p.queue.Requeue(ctx, task, delayed.RunAt); err != nil {
			logger.Error("failed to requeue task", "error", err)
		}

	case task.Attempt < p.cfg.MaxRetries:
		task.Attempt++
		runAt := time.Now().Add(ratelimit.Backoff(task.Attempt-1, p.cfg.BaseBackoff))
		logger.Warn("task failed, retrying", "attempt", task.Attempt, "run_at", runAt, "error", err)
		if err := p.queue.Requeue(ctx, task, runAt); err != nil {
			logger.Error("failed to requeue task", "error", err)
		}

	default:
		logger.Error("task failed permanently, dropping", "attempts", task.Attempt, "error", err)
		if err := p.queue.Ack(ctx, task.ID); err != nil {
			logger.Error("failed to ack task", "error", err)
		}
	}
}

// safeHandle runs the handler with panic recovery so one bad job cannot
// take a worker down.
func (p *Pool) safeHandle(ctx context.Context, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return p.handler.Handle(ctx, task)
}

func (p *Pool) housekeeping(ctx context.Context) {
	promote := time.NewTicker(p.cfg.PromoteInterval)
	defer promote.Stop()
	reap := time.NewTicker(p.cfg.ReapInterval)
	defer reap.Stop()
	sample := time.NewTicker(p.cfg.SampleInterval)
	defer sample.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-promote.C:
			if _, err := p.queue.PromoteDue(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("failed to promote delayed tasks", "error", err)
			}
		case <-reap.C:
			if n, err := p.queue.ReapExpired(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("failed to reap expired claims", "error", err)
			} else if n > 0 {
				p.logger.Warn("re-delivered expired claims", "count", n)
			}
		case <-sample.C:
			counts, err := p.queue.Counts(ctx)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Error("failed to sample queue depth", "error", err)
				}
				continue
			}
			p.logger.Info("queue depth",
				"ready", counts.Ready,
				"delayed", counts.Delayed,
				"processing", counts.Processing)
		}
	}
}
