/**
 * @description
 * Scheduled sweeps. They resolve pending payments and onboarding accounts against
 * the payment platform when webhooks were missed or delayed.
 *
 * @dependencies
 * - golang.org/x/sync/errgroup: bounded fan-out of platform calls.
 */
package app

import (
	"context"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/leasehold/settlement-service/internal/config"
	"github.com/leasehold/settlement-service/internal/domain"
)

// PendingReconciler resolves stale pending payments.
type PendingReconciler interface {
	ListStalePending(ctx context.Context, minAge time.Duration, limit int) ([]domain.Payment, error)
	ReconcilePending(ctx context.Context, payment domain.Payment) (domain.ReconcileOutcome, error)
}

// AccountRefresher refreshes accounts that are still being verified.
type AccountRefresher interface {
	ListAccountsToRefresh(ctx context.Context, limit int) ([]domain.ConnectedAccount, error)
	RefreshStatus(ctx context.Context, accountID uuid.UUID) (*domain.ConnectedAccount, error)
}

// SweepResult summarizes one sweep run.
type SweepResult struct {
	Evaluated int `json:"evaluated"`
	Applied   int `json:"applied"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

type sweepCounter struct {
	mu     sync.Mutex
	result SweepResult
}

func (c *sweepCounter) add(outcome domain.ReconcileOutcome, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case err != nil:
		c.result.Failed++
	case outcome == domain.OutcomeApplied:
		c.result.Applied++
	default:
		c.result.Skipped++
	}
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	settlements PendingReconciler
	accounts    AccountRefresher
	logger      *slog.Logger
	config      config.Config
}

// NewJobs creates a new Jobs runner.
func NewJobs(settlements PendingReconciler, accounts AccountRefresher, logger *slog.Logger, cfg config.Config) *Jobs {
	return &Jobs{
		settlements: settlements,
		accounts:    accounts,
		logger:      logger,
		config:      cfg,
	}
}

func (j *Jobs) concurrency() int {
	if j.config.SweepConcurrency > 0 {
		return j.config.SweepConcurrency
	}
	return 4
}

func (j *Jobs) batchSize() int {
	if j.config.SweepBatchSize > 0 {
		return j.config.SweepBatchSize
	}
	return 50
}

// SweepPendingPayments reconciles pending payments whose webhook has not arrived.
func (j *Jobs) SweepPendingPayments(ctx context.Context) (SweepResult, error) {
	payments, err := j.settlements.ListStalePending(ctx, j.config.PendingSweepMinAge(), j.batchSize())
	if err != nil {
		return SweepResult{}, err
	}

	counter := &sweepCounter{result: SweepResult{Evaluated: len(payments)}}
	var g errgroup.Group
	g.SetLimit(j.concurrency())
	for _, payment := range payments {
		g.Go(func() error {
			outcome, err := j.settlements.ReconcilePending(ctx, payment)
			if err != nil {
				j.logger.Warn("pending payment sweep failed", "payment_id", payment.ID, "error", err)
			}
			counter.add(outcome, err)
			return nil
		})
	}
	_ = g.Wait()
	return counter.result, nil
}

// RefreshOnboardingAccounts pulls the status of accounts still waiting on verification.
func (j *Jobs) RefreshOnboardingAccounts(ctx context.Context) (SweepResult, error) {
	accounts, err := j.accounts.ListAccountsToRefresh(ctx, j.batchSize())
	if err != nil {
		return SweepResult{}, err
	}

	counter := &sweepCounter{result: SweepResult{Evaluated: len(accounts)}}
	var g errgroup.Group
	g.SetLimit(j.concurrency())
	for _, account := range accounts {
		g.Go(func() error {
			refreshed, err := j.accounts.RefreshStatus(ctx, account.ID)
			if err != nil {
				j.logger.Warn("account refresh failed", "account_id", account.ID, "owner_id", account.OwnerID, "error", err)
				counter.add("", err)
				return nil
			}
			outcome := domain.OutcomeIgnored
			if refreshed.Status != account.Status {
				outcome = domain.OutcomeApplied
			}
			counter.add(outcome, nil)
			return nil
		})
	}
	_ = g.Wait()
	return counter.result, nil
}

// ProcessPendingPayments is the cron entry for the pending payment sweep.
func (j *Jobs) ProcessPendingPayments() {
	j.logger.Info("starting pending payment sweep")
	ctx := context.Background()

	result, err := j.SweepPendingPayments(ctx)
	if err != nil {
		j.logger.Error("failed to list pending payments", "error", err)
		return
	}

	j.logger.Info("pending payment sweep finished",
		"evaluated", result.Evaluated,
		"applied", result.Applied,
		"skipped", result.Skipped,
		"failed", result.Failed,
	)
}

// ProcessAccountRefresh is the cron entry for the onboarding account refresh.
func (j *Jobs) ProcessAccountRefresh() {
	j.logger.Info("starting connected account refresh")
	ctx := context.Background()

	result, err := j.RefreshOnboardingAccounts(ctx)
	if err != nil {
		j.logger.Error("failed to list accounts to refresh", "error", err)
		return
	}

	j.logger.Info("connected account refresh finished",
		"evaluated", result.Evaluated,
		"changed", result.Applied,
		"failed", result.Failed,
	)
}
