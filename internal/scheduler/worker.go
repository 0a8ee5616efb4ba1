package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/postpilot/coordinator/internal/metrics"
	"github.com/postpilot/coordinator/internal/tracing"
)

// Retry policy defaults.
const (
	DefaultMaxAttempts   = 3
	DefaultRetryBase     = 2 * time.Second
	DefaultPollInterval  = time.Second
	DefaultSweepInterval = 5 * time.Minute
	DefaultSweepGrace    = time.Minute
)

// Handler executes one job kind.
type Handler func(ctx context.Context, job *Job) error

// WorkerOptions tunes the pool.
type WorkerOptions struct {
	Concurrency   int
	MaxAttempts   int
	RetryBase     time.Duration
	PollInterval  time.Duration
	SweepInterval time.Duration
	SweepGrace    time.Duration
}

func (o *WorkerOptions) defaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.RetryBase <= 0 {
		o.RetryBase = DefaultRetryBase
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.SweepGrace <= 0 {
		o.SweepGrace = DefaultSweepGrace
	}
}

// Workers draws due jobs from the queue and dispatches them to registered
// handlers. Start launches the pool plus the sweep loop; Stop drains.
type Workers struct {
	queue    *Queue
	logger   *zap.Logger
	opts     WorkerOptions
	handlers map[string]Handler

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    sync.WaitGroup
	started bool
}

// NewWorkers builds an idle pool.
func NewWorkers(queue *Queue, opts WorkerOptions, logger *zap.Logger) *Workers {
	opts.defaults()
	return &Workers{
		queue:    queue,
		logger:   logger,
		opts:     opts,
		handlers: make(map[string]Handler),
	}
}

// Register attaches a handler for a job kind. Must be called before Start.
func (w *Workers) Register(kind string, h Handler) {
	w.handlers[kind] = h
}

// Start launches the worker pool and the periodic sweep.
func (w *Workers) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return fmt.Errorf("scheduler: workers already started")
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.started = true

	for i := 0; i < w.opts.Concurrency; i++ {
		w.done.Add(1)
		go func() {
			defer w.done.Done()
			w.workLoop(ctx)
		}()
	}
	w.done.Add(1)
	go func() {
		defer w.done.Done()
		w.sweepLoop(ctx)
	}()

	w.logger.Info("Scheduler workers started",
		zap.Int("concurrency", w.opts.Concurrency),
		zap.Duration("sweep_interval", w.opts.SweepInterval))
	return nil
}

// Stop signals the pool and waits for in-flight jobs to finish.
func (w *Workers) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.cancel()
	w.started = false
	w.mu.Unlock()
	w.done.Wait()
}

func (w *Workers) workLoop(ctx context.Context) {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				job, err := w.queue.claimDue(ctx)
				if err != nil {
					if ctx.Err() == nil {
						w.logger.Warn("Scheduler claim failed", zap.Error(err))
					}
					break
				}
				if job == nil {
					break
				}
				w.run(ctx, job)
			}
		}
	}
}

func (w *Workers) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(w.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := w.queue.sweepOverdue(ctx, w.opts.SweepGrace); err != nil {
				if ctx.Err() == nil {
					w.logger.Warn("Scheduler sweep failed", zap.Error(err))
				}
			} else if n > 0 {
				w.logger.Info("Sweep re-enqueued overdue jobs", zap.Int("count", n))
			}
		}
	}
}

// run executes one claimed job and settles its terminal or retry state.
func (w *Workers) run(ctx context.Context, job *Job) {
	ctx, span := tracing.StartSpan(ctx, "scheduler.run",
		attribute.String("job_id", job.ID),
		attribute.String("kind", job.Kind),
		attribute.String("tenant_id", job.TenantID))
	defer span.End()

	handler, ok := w.handlers[job.Kind]
	if !ok {
		w.logger.Error("No handler for job kind, failing",
			zap.String("job_id", job.ID), zap.String("kind", job.Kind))
		job.LastError = fmt.Sprintf("no handler for kind %q", job.Kind)
		if err := w.queue.finish(ctx, job, StateFailed); err != nil {
			w.logger.Warn("Scheduler finish failed", zap.Error(err))
		}
		return
	}

	job.Attempts++
	err := handler(ctx, job)
	if err == nil {
		if err := w.queue.finish(ctx, job, StateCompleted); err != nil {
			w.logger.Warn("Scheduler finish failed", zap.Error(err))
		}
		return
	}

	job.LastError = err.Error()
	tracing.RecordError(span, err)
	w.logger.Warn("Job handler failed",
		zap.String("job_id", job.ID),
		zap.String("kind", job.Kind),
		zap.Int("attempt", job.Attempts),
		zap.Error(err))

	if job.Attempts >= w.opts.MaxAttempts {
		if err := w.queue.finish(ctx, job, StateFailed); err != nil {
			w.logger.Warn("Scheduler finish failed", zap.Error(err))
		}
		return
	}
	metrics.JobRetries.Inc()
	retryAt := w.queue.now().Add(backoff(w.opts.RetryBase, job.Attempts))
	if err := w.queue.requeue(ctx, job, retryAt); err != nil {
		w.logger.Error("Scheduler requeue failed, job lost until sweep", zap.Error(err))
	}
}

// backoff is exponential on the attempt count with up to 25% jitter.
func backoff(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 4))
	return d + jitter
}
