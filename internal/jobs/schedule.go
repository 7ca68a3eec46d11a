package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Str("component", "scheduler").Fields(keysAndValues).Msg(msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Str("component", "scheduler").Fields(keysAndValues).Msg(msg)
}

// Scheduler runs named tasks on standard five-field cron schedules in UTC.
// A task still running when its next tick fires is skipped for that tick.
type Scheduler struct {
	cron *cron.Cron

	mu  sync.RWMutex
	ctx context.Context
}

// NewScheduler returns an empty Scheduler.
func NewScheduler() *Scheduler {
	l := cronLogger{}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(l),
			cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
		),
		ctx: context.Background(),
	}
}

// Add registers task under name. It must be called before Run.
func (s *Scheduler) Add(name, spec string, task func(ctx context.Context) error) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("schedule %s: invalid cron expression %q: %w", name, spec, err)
	}
	_, err := s.cron.AddFunc(spec, func() {
		s.mu.RLock()
		ctx := s.ctx
		s.mu.RUnlock()
		start := time.Now()
		logger := log.With().Str("component", "scheduler").Str("task", name).Logger()
		logger.Info().Msg("Scheduled task started")
		if err := task(ctx); err != nil {
			logger.Error().Err(err).Dur("duration", time.Since(start)).Msg("Scheduled task failed")
			return
		}
		logger.Info().Dur("duration", time.Since(start)).Msg("Scheduled task finished")
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	log.Info().Str("component", "scheduler").Str("task", name).Str("schedule", spec).Msg("Task scheduled")
	return nil
}

// Run starts the schedule and blocks until ctx is canceled, then waits for
// running tasks to return.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}
