package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/leasehold/settlement-service/internal/domain"
)

// TransferLedger is the durable record of money movement per payment.
type TransferLedger struct {
	transfers TransferRepository
	payments  PaymentRepository
	publisher EventPublisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewTransferLedger creates a new ledger.
func NewTransferLedger(transfers TransferRepository, payments PaymentRepository, publisher EventPublisher, logger *slog.Logger) *TransferLedger {
	return &TransferLedger{
		transfers: transfers,
		payments:  payments,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// BalanceCheck asserts the accounting identity of a transfer.
func (l *TransferLedger) BalanceCheck(transfer domain.Transfer) error {
	return domain.BalanceCheck(transfer)
}

// RecordTransfer writes the transfer and completes its payment atomically.
// A transfer already recorded under the same key is returned with created=false.
func (l *TransferLedger) RecordTransfer(ctx context.Context, transfer domain.Transfer) (*domain.Transfer, bool, error) {
	if err := l.BalanceCheck(transfer); err != nil {
		l.Flag(ctx, transfer.PaymentID, err)
		return nil, false, err
	}

	recorded, created, err := l.transfers.RecordSettlement(ctx, transfer)
	if err != nil {
		var ledgerErr *domain.LedgerInvariantError
		if errors.As(err, &ledgerErr) {
			l.Flag(ctx, transfer.PaymentID, err)
			return nil, false, err
		}
		return nil, false, fmt.Errorf("failed to record transfer for payment %s: %w", transfer.PaymentID, err)
	}
	return recorded, created, nil
}

// MarkReversed fills the reversal block of a completed transfer.
func (l *TransferLedger) MarkReversed(ctx context.Context, transferID uuid.UUID, reversal domain.Reversal) (*domain.Transfer, error) {
	reversed, err := l.transfers.MarkTransferReversed(ctx, transferID, reversal)
	if err != nil {
		return nil, err
	}
	l.logger.Info("transfer reversed",
		"transfer_id", transferID,
		"payment_id", reversed.PaymentID,
		"reversal_id", reversal.ReversalID,
		"reason", reversal.Reason,
	)
	return reversed, nil
}

// AmendReversal relinks a transfer reversed by an external refund webhook to the
// service's own refund. It fails with domain.ErrAlreadyReversed when the reversal
// was not recorded as external.
func (l *TransferLedger) AmendReversal(ctx context.Context, transferID uuid.UUID, reversal domain.Reversal) (*domain.Transfer, error) {
	amended, err := l.transfers.AmendExternalReversal(ctx, transferID, reversal)
	if err != nil {
		return nil, err
	}
	l.logger.Info("transfer reversal relinked",
		"transfer_id", transferID,
		"payment_id", amended.PaymentID,
		"reversal_id", reversal.ReversalID,
		"reason", reversal.Reason,
	)
	return amended, nil
}

// TransferForPayment returns the transfer recorded for a payment.
func (l *TransferLedger) TransferForPayment(ctx context.Context, paymentID uuid.UUID) (*domain.Transfer, error) {
	return l.transfers.GetTransferByPaymentID(ctx, paymentID)
}

// Flag marks a payment inconsistent for manual review. It runs outside the failed write,
// so the flag survives the rollback.
func (l *TransferLedger) Flag(ctx context.Context, paymentID uuid.UUID, cause error) {
	reason := cause.Error()
	l.logger.Error("ledger invariant violation",
		"severity", "critical",
		"payment_id", paymentID,
		"reason", reason,
	)
	if err := l.payments.FlagPayment(ctx, paymentID, reason); err != nil {
		l.logger.Error("failed to flag payment", "severity", "critical", "payment_id", paymentID, "error", err)
		return
	}
	publishEvent(ctx, l.publisher, l.logger, domain.RoutingKeySettlementFlagged, domain.SettlementFlaggedEvent{
		PaymentID: paymentID.String(),
		Reason:    reason,
		FlaggedAt: l.now(),
	})
}
