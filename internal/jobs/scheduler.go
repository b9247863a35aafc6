// Package jobs triggers sync runs on a timer and from the asynq queue.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/MaxMinsk/HaMapAddon/internal/logging"
	"github.com/MaxMinsk/HaMapAddon/internal/models"
	"github.com/MaxMinsk/HaMapAddon/internal/workflow"
)

// Runner performs one sync run
type Runner interface {
	RunOnce(ctx context.Context, reason string) models.SyncResult
}

// Scheduler re-runs the sync at a fixed interval until its context is cancelled
type Scheduler struct {
	runner       Runner
	interval     time.Duration
	runOnStartup bool
	logger       *zerolog.Logger
}

// NewScheduler creates a scheduler. A non-positive interval disables the timer;
// the startup run still happens when requested.
func NewScheduler(runner Runner, interval time.Duration, runOnStartup bool) *Scheduler {
	return &Scheduler{
		runner:       runner,
		interval:     interval,
		runOnStartup: runOnStartup,
		logger:       logging.WithModule("scheduler"),
	}
}

// Spec is the cron spec for the interval
func (s *Scheduler) Spec() string {
	return fmt.Sprintf("@every %s", s.interval)
}

// Run blocks until ctx is done. A failing run is logged and never stops the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	cl := cronLogger{logger: s.logger}
	c := cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))

	if s.interval > 0 {
		if _, err := c.AddFunc(s.Spec(), func() { s.trigger(ctx, workflow.ReasonSchedule) }); err != nil {
			return fmt.Errorf("failed to schedule sync: %w", err)
		}
	}

	startupDone := make(chan struct{})
	if s.runOnStartup {
		go func() {
			defer close(startupDone)
			s.trigger(ctx, workflow.ReasonStartup)
		}()
	} else {
		close(startupDone)
	}

	c.Start()
	s.logger.Info().Dur("interval", s.interval).Bool("run_on_startup", s.runOnStartup).Msg("Sync scheduler started")

	<-ctx.Done()

	stopped := c.Stop()
	<-stopped.Done()
	<-startupDone
	s.logger.Info().Msg("Sync scheduler stopped")
	return nil
}

func (s *Scheduler) trigger(ctx context.Context, reason string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("reason", reason).Msg("Scheduled sync panicked")
		}
	}()

	if ctx.Err() != nil {
		return
	}
	result := s.runner.RunOnce(ctx, reason)
	s.logger.Debug().Str("reason", reason).Str("status", result.Status).Msg("Scheduled sync finished")
}

// cronLogger routes cron's own messages into zerolog
type cronLogger struct {
	logger *zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
