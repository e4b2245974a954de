/**
 * @description
 * Cron scheduler setup for the settlement sweeps.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/leasehold/settlement-service/internal/config"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.Config
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.config.PendingSweepSchedule, s.jobs.ProcessPendingPayments); err != nil {
		s.logger.Error("failed to schedule pending payment sweep", "error", err)
	} else {
		s.logger.Info("scheduled pending payment sweep", "schedule", s.config.PendingSweepSchedule)
	}

	if _, err := s.cron.AddFunc(s.config.AccountRefreshSchedule, s.jobs.ProcessAccountRefresh); err != nil {
		s.logger.Error("failed to schedule account refresh", "error", err)
	} else {
		s.logger.Info("scheduled account refresh", "schedule", s.config.AccountRefreshSchedule)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
