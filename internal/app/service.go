/**
 * @description
 * Core business logic for marketplace settlement: fee resolution, connected
 * account lifecycle, split payment orchestration and the transfer ledger.
 *
 * @dependencies
 * - github.com/google/uuid: ids of local records.
 * - github.com/shopspring/decimal: money arithmetic.
 */
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/leasehold/settlement-service/internal/domain"
)

var (
	// ErrOwnerMismatch is returned when a payment is initiated for an owner it does not belong to.
	ErrOwnerMismatch = errors.New("payment belongs to a different owner")
	// ErrProcessingFeeUnavailable means the platform has not reported the processing fee yet.
	ErrProcessingFeeUnavailable = errors.New("processing fee not yet available from platform")
	// ErrPaymentNotSettled means the platform does not (yet) report the payment as succeeded.
	ErrPaymentNotSettled = errors.New("payment not settled on platform")
)

// PaymentPlatform is the external payment platform (Stripe Connect in production).
type PaymentPlatform interface {
	CreateConnectedAccount(ctx context.Context, req domain.CreateAccountRequest) (*domain.PlatformAccount, error)
	CreateOnboardingLink(ctx context.Context, externalAccountID, refreshURL, returnURL string) (*domain.OnboardingLink, error)
	GetAccount(ctx context.Context, externalAccountID string) (*domain.PlatformAccount, error)
	CreateSplitPayment(ctx context.Context, req domain.SplitPaymentRequest) (*domain.PlatformPayment, error)
	GetPayment(ctx context.Context, externalTransactionID string) (*domain.PlatformPayment, error)
	CreateRefund(ctx context.Context, req domain.RefundRequest) (*domain.PlatformRefund, error)
	LatestRefund(ctx context.Context, chargeID string) (*domain.PlatformRefund, error)
	CreateLoginLink(ctx context.Context, externalAccountID string) (*domain.LoginLink, error)
	GetBalance(ctx context.Context, externalAccountID string) (*domain.AccountBalance, error)
	CreatePayout(ctx context.Context, req domain.PayoutRequest) (*domain.Payout, error)
	ListPayouts(ctx context.Context, externalAccountID string, limit int) ([]domain.Payout, error)
}

// OwnerRepository reads owners from the CRUD side.
type OwnerRepository interface {
	GetOwner(ctx context.Context, ownerID uuid.UUID) (*domain.Owner, error)
	FindOwnerByAuthSubject(ctx context.Context, subject string) (*domain.Owner, error)
}

// AccountRepository defines the connected account operations the registry needs.
type AccountRepository interface {
	OwnerRepository
	GetAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.ConnectedAccount, error)
	GetAccountByOwnerID(ctx context.Context, ownerID uuid.UUID) (*domain.ConnectedAccount, error)
	GetAccountByExternalID(ctx context.Context, externalID string) (*domain.ConnectedAccount, error)
	CreateAccount(ctx context.Context, account *domain.ConnectedAccount) (*domain.ConnectedAccount, error)
	UpdateAccount(ctx context.Context, account *domain.ConnectedAccount) (*domain.ConnectedAccount, error)
	ListAccountsByStatus(ctx context.Context, statuses []domain.AccountStatus, limit int) ([]domain.ConnectedAccount, error)
}

// FeeScheduleRepository defines the fee schedule operations.
type FeeScheduleRepository interface {
	ListActiveFeeSchedules(ctx context.Context) ([]domain.FeeSchedule, error)
	ListFeeSchedules(ctx context.Context) ([]domain.FeeSchedule, error)
	GetFeeSchedule(ctx context.Context, scheduleID uuid.UUID) (*domain.FeeSchedule, error)
	CreateFeeSchedule(ctx context.Context, schedule *domain.FeeSchedule) (*domain.FeeSchedule, error)
	DeactivateFeeSchedule(ctx context.Context, scheduleID uuid.UUID) (*domain.FeeSchedule, error)
}

// PaymentRepository defines the payment operations of the orchestrator.
type PaymentRepository interface {
	GetPayment(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error)
	GetPaymentByExternalRef(ctx context.Context, externalRef string) (*domain.Payment, error)
	AttachSettlement(ctx context.Context, attachment domain.SettlementAttachment) (*domain.Payment, error)
	MarkPaymentFailed(ctx context.Context, paymentID uuid.UUID, externalRef string) (bool, error)
	FlagPayment(ctx context.Context, paymentID uuid.UUID, reason string) error
	ListStalePendingPayments(ctx context.Context, olderThan time.Time, limit int) ([]domain.Payment, error)
}

// TransferRepository defines the ledger's persistence.
type TransferRepository interface {
	GetTransferByPaymentID(ctx context.Context, paymentID uuid.UUID) (*domain.Transfer, error)
	RecordSettlement(ctx context.Context, transfer domain.Transfer) (*domain.Transfer, bool, error)
	MarkTransferReversed(ctx context.Context, transferID uuid.UUID, reversal domain.Reversal) (*domain.Transfer, error)
	AmendExternalReversal(ctx context.Context, transferID uuid.UUID, reversal domain.Reversal) (*domain.Transfer, error)
}

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, body any) error
}

// RateLimiter consumes one unit of a windowed budget for a subject.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// EventDeduper remembers webhook deliveries that were fully processed.
type EventDeduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID string) error
}

// RateLimitError is returned when a caller exhausted its budget.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return "rate limit exceeded"
}

// publishEvent publishes after a committed change. Failures are logged and never undo the change.
func publishEvent(ctx context.Context, publisher EventPublisher, logger *slog.Logger, routingKey string, body any) {
	if publisher == nil {
		return
	}
	if err := publisher.Publish(ctx, routingKey, body); err != nil {
		logger.Warn("event publish failed", "routing_key", routingKey, "error", err)
	}
}
