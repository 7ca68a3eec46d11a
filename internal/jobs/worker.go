package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	rerrors "github.com/RendaniSinyage/rokct/internal/errors"
	"github.com/RendaniSinyage/rokct/internal/metrics"
)

// ErrNoHandler is recorded on jobs whose kind has no registered handler.
var ErrNoHandler = errors.New("no handler registered for job kind")

// Handler runs jobs of one kind. The returned error decides the outcome:
// nil completes the job, a retryable error re-enqueues it while attempts
// remain, anything else fails it.
type Handler interface {
	Kind() string
	Run(ctx context.Context, job *Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc struct {
	JobKind string
	Fn      func(ctx context.Context, job *Job) error
}

// Kind implements Handler.
func (h HandlerFunc) Kind() string { return h.JobKind }

// Run implements Handler.
func (h HandlerFunc) Run(ctx context.Context, job *Job) error { return h.Fn(ctx, job) }

// WithTimeout returns h running under timeout d instead of DefaultLease.
func WithTimeout(h Handler, d time.Duration) Handler {
	return timedHandler{Handler: h, timeout: d}
}

type timedHandler struct {
	Handler
	timeout time.Duration
}

func (h timedHandler) Timeout() time.Duration { return h.timeout }

func handlerTimeout(h Handler) time.Duration {
	if t, ok := h.(interface{ Timeout() time.Duration }); ok && t.Timeout() > 0 {
		return t.Timeout()
	}
	return DefaultLease
}

// Typed returns a handler that decodes the payload into T first. A payload
// that does not decode is a terminal failure.
func Typed[T any](kind string, fn func(ctx context.Context, subject string, payload T) error) Handler {
	return HandlerFunc{JobKind: kind, Fn: func(ctx context.Context, job *Job) error {
		var payload T
		if err := job.Decode(&payload); err != nil {
			return rerrors.Validation("jobs."+kind, "%v", err)
		}
		return fn(ctx, job.Subject, payload)
	}}
}

// Options configures a Pool.
type Options struct {
	Workers      int
	PollInterval time.Duration
	// RetryBase and RetryCap bound the exponential re-enqueue delay.
	RetryBase time.Duration
	RetryCap  time.Duration
	// Heartbeat is how often a running job's lease is renewed.
	Heartbeat time.Duration
}

// Pool drains the queue with a fixed number of workers.
type Pool struct {
	queue    *Queue
	opts     Options
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewPool returns a pool over q. Zero options take defaults.
func NewPool(q *Queue, opts Options) *Pool {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 30 * time.Second
	}
	if opts.RetryCap <= 0 {
		opts.RetryCap = 30 * time.Minute
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultLease / 3
	}
	return &Pool{queue: q, opts: opts, handlers: make(map[string]Handler)}
}

// Register adds handlers. A later registration for a kind replaces the earlier one.
func (p *Pool) Register(handlers ...Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range handlers {
		p.handlers[h.Kind()] = h
	}
}

// Run starts the workers and blocks until ctx is cancelled. Jobs in flight
// finish with their own context.
func (p *Pool) Run(ctx context.Context) error {
	log.Info().Str("component", "jobs").Int("workers", p.opts.Workers).Msg("Job workers started")
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Workers; i++ {
		worker := i
		g.Go(func() error {
			p.loop(gctx, worker)
			return nil
		})
	}
	err := g.Wait()
	log.Info().Str("component", "jobs").Msg("Job workers stopped")
	return err
}

func (p *Pool) loop(ctx context.Context, worker int) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		ran, err := p.RunOnce(ctx)
		if err != nil {
			log.Error().Err(err).Str("component", "jobs").Int("worker", worker).Msg("Job worker iteration failed")
		}
		if ran {
			timer.Reset(0)
		} else {
			timer.Reset(p.opts.PollInterval)
		}
	}
}

// RunOnce claims and runs a single job. ran is false when nothing was due.
func (p *Pool) RunOnce(ctx context.Context) (ran bool, err error) {
	job, err := p.queue.Claim(ctx)
	if err != nil || job == nil {
		return false, err
	}
	return true, p.process(job)
}

// Drain runs jobs until none is due. Used for synchronous execution and tests.
func (p *Pool) Drain(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ran, err := p.RunOnce(ctx)
		if err != nil {
			return err
		}
		if !ran {
			return nil
		}
	}
}

func (p *Pool) process(job *Job) (retErr error) {
	start := time.Now()
	logger := log.With().Str("component", "jobs").Str("job_id", job.ID).Str("kind", job.Kind).
		Str("subject", job.Subject).Int("attempt", job.Attempts).Logger()

	p.mu.RLock()
	h, ok := p.handlers[job.Kind]
	p.mu.RUnlock()
	if !ok {
		logger.Error().Msg("No handler registered for job kind")
		metrics.JobsTotal.WithLabelValues(job.Kind, metrics.OutcomeFailed).Inc()
		return p.queue.Fail(context.Background(), job.ID, fmt.Errorf("%w: %s", ErrNoHandler, job.Kind))
	}

	stopHeartbeat := p.heartbeat(job.ID, logger)
	runErr := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic in %s handler: %v", job.Kind, r)
			}
		}()
		// Detached from the pool context so shutdown lets jobs finish.
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout(h))
		defer cancel()
		return h.Run(ctx, job)
	}()
	stopHeartbeat()
	elapsed := time.Since(start)
	metrics.JobDuration.WithLabelValues(job.Kind).Observe(elapsed.Seconds())

	settleCtx := context.Background()
	switch rerrors.ExitCode(runErr) {
	case rerrors.ExitSuccess:
		metrics.JobsTotal.WithLabelValues(job.Kind, metrics.OutcomeSuccess).Inc()
		logger.Info().Dur("duration", elapsed).Msg("Job completed")
		return p.queue.Complete(settleCtx, job.ID)
	case rerrors.ExitRetryable:
		if job.Attempts < job.MaxAttempts {
			delay := p.retryDelay(job.Attempts)
			metrics.JobsTotal.WithLabelValues(job.Kind, metrics.OutcomeRetry).Inc()
			logger.Warn().Err(runErr).Dur("retry_in", delay).Int("max_attempts", job.MaxAttempts).Msg("Job failed, will retry")
			return p.queue.Retry(settleCtx, job.ID, runErr, delay)
		}
		logger.Error().Err(runErr).Int("max_attempts", job.MaxAttempts).Msg("Job exhausted its attempts")
	default:
		logger.Error().Err(runErr).Msg("Job failed terminally")
	}
	metrics.JobsTotal.WithLabelValues(job.Kind, metrics.OutcomeFailed).Inc()
	return p.queue.Fail(settleCtx, job.ID, runErr)
}

// heartbeat renews the job's lease until the returned stop func is called.
func (p *Pool) heartbeat(id string, logger zerolog.Logger) (stop func()) {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(p.opts.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := p.queue.Extend(context.Background(), id); err != nil {
					logger.Warn().Err(err).Msg("Failed to renew job lease")
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

// retryDelay is the exponential backoff after the given attempt, capped.
func (p *Pool) retryDelay(attempt int) time.Duration {
	b := retry.WithCappedDuration(p.opts.RetryCap, retry.NewExponential(p.opts.RetryBase))
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d, _ = b.Next()
	}
	return d
}
