package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/leasehold/settlement-service/internal/domain"
)

const transferColumns = `
	id, payment_id, idempotency_key, destination_account, external_transaction_id,
	external_transfer_id, fee_schedule_id, currency, gross, platform_fee, external_fee, net,
	status, reversal_id, reversed_at, reversal_reason, reversed_amount, created_at, updated_at`

func scanTransfer(row pgx.Row) (*domain.Transfer, error) {
	var transfer domain.Transfer
	var status string
	var reason *string
	var reversedAmount decimal.NullDecimal
	if err := row.Scan(
		&transfer.ID,
		&transfer.PaymentID,
		&transfer.IdempotencyKey,
		&transfer.DestinationAccount,
		&transfer.ExternalTransactionID,
		&transfer.ExternalTransferID,
		&transfer.FeeScheduleID,
		&transfer.Currency,
		&transfer.Gross,
		&transfer.PlatformFee,
		&transfer.ExternalFee,
		&transfer.Net,
		&status,
		&transfer.ReversalID,
		&transfer.ReversedAt,
		&reason,
		&reversedAmount,
		&transfer.CreatedAt,
		&transfer.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	transfer.Status = domain.TransferStatus(status)
	if reason != nil {
		r := domain.RefundReason(*reason)
		transfer.ReversalReason = &r
	}
	transfer.ReversedAmount = nullDecimalPtr(reversedAmount)
	return &transfer, nil
}

// GetTransferByPaymentID fetches the transfer of a payment.
func (r *PostgresRepository) GetTransferByPaymentID(ctx context.Context, paymentID uuid.UUID) (*domain.Transfer, error) {
	return scanTransfer(r.db.QueryRow(ctx, `SELECT `+transferColumns+` FROM transfers WHERE payment_id = $1`, paymentID))
}

// GetTransferByIdempotencyKey fetches a transfer by its idempotency key.
func (r *PostgresRepository) GetTransferByIdempotencyKey(ctx context.Context, key string) (*domain.Transfer, error) {
	return scanTransfer(r.db.QueryRow(ctx, `SELECT `+transferColumns+` FROM transfers WHERE idempotency_key = $1`, key))
}

// RecordSettlement inserts the transfer and completes its payment in one transaction.
// The payment row is locked first so concurrent deliveries for the same payment
// serialize; a conflicting idempotency key means the settlement was already recorded,
// and the existing transfer is returned with created=false.
func (r *PostgresRepository) RecordSettlement(ctx context.Context, transfer domain.Transfer) (*domain.Transfer, bool, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var paymentStatus string
	err = tx.QueryRow(ctx, `SELECT status FROM payments WHERE id = $1 FOR UPDATE`, transfer.PaymentID).Scan(&paymentStatus)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, ErrPaymentNotFound
		}
		return nil, false, err
	}
	if domain.PaymentStatus(paymentStatus) == domain.PaymentStatusFlagged {
		return nil, false, ErrPaymentStateConflict
	}

	insert := `
		INSERT INTO transfers (
			payment_id, idempotency_key, destination_account, external_transaction_id,
			external_transfer_id, fee_schedule_id, currency, gross, platform_fee, external_fee, net, status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'completed')
		ON CONFLICT DO NOTHING
		RETURNING ` + transferColumns

	created, err := scanTransfer(tx.QueryRow(ctx, insert,
		transfer.PaymentID,
		transfer.IdempotencyKey,
		transfer.DestinationAccount,
		transfer.ExternalTransactionID,
		transfer.ExternalTransferID,
		transfer.FeeScheduleID,
		transfer.Currency,
		transfer.Gross,
		transfer.PlatformFee,
		transfer.ExternalFee,
		transfer.Net,
	))
	if errors.Is(err, ErrTransferNotFound) {
		existing, getErr := scanTransfer(tx.QueryRow(ctx, `SELECT `+transferColumns+` FROM transfers WHERE payment_id = $1`, transfer.PaymentID))
		if getErr != nil {
			return nil, false, getErr
		}
		if existing.IdempotencyKey != transfer.IdempotencyKey {
			return nil, false, &domain.LedgerInvariantError{
				PaymentID:      transfer.PaymentID.String(),
				IdempotencyKey: transfer.IdempotencyKey,
				Reason:         fmt.Sprintf("payment already settled under key %s", existing.IdempotencyKey),
			}
		}
		return existing, false, nil
	}
	if err != nil {
		if isCheckViolation(err) {
			return nil, false, &domain.LedgerInvariantError{
				PaymentID:      transfer.PaymentID.String(),
				IdempotencyKey: transfer.IdempotencyKey,
				Reason:         "rejected by accounting identity constraint",
			}
		}
		return nil, false, fmt.Errorf("failed to insert transfer: %w", err)
	}

	transferRef := created.ID.String()
	if created.ExternalTransferID != nil && *created.ExternalTransferID != "" {
		transferRef = *created.ExternalTransferID
	}
	if _, err := tx.Exec(ctx, `
		UPDATE payments SET
			status = 'completed',
			transfer_completed = TRUE,
			transfer_reference = $2,
			external_transaction_ref = $3,
			connected_account_ref = $4,
			updated_at = NOW()
		WHERE id = $1
	`, transfer.PaymentID, transferRef, transfer.ExternalTransactionID, transfer.DestinationAccount); err != nil {
		return nil, false, fmt.Errorf("failed to complete payment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return created, true, nil
}

// MarkTransferReversed fills the reversal block of a completed transfer and
// marks its payment refunded. The transfer row itself is kept.
func (r *PostgresRepository) MarkTransferReversed(ctx context.Context, transferID uuid.UUID, reversal domain.Reversal) (*domain.Transfer, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var status string
	var paymentID uuid.UUID
	err = tx.QueryRow(ctx, `SELECT status, payment_id FROM transfers WHERE id = $1 FOR UPDATE`, transferID).Scan(&status, &paymentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	if err := domain.TransitionTransfer(domain.TransferStatus(status), domain.TransferStatusReversed); err != nil {
		return nil, err
	}

	updated, err := scanTransfer(tx.QueryRow(ctx, `
		UPDATE transfers SET
			status = 'reversed',
			reversal_id = $2,
			reversed_at = $3,
			reversal_reason = $4,
			reversed_amount = $5,
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+transferColumns,
		transferID, reversal.ReversalID, reversal.ReversedAt, string(reversal.Reason), reversal.Amount,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to mark transfer reversed: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE payments SET status = 'refunded', updated_at = NOW() WHERE id = $1`, paymentID); err != nil {
		return nil, fmt.Errorf("failed to mark payment refunded: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return updated, nil
}

// AmendExternalReversal replaces the reversal block of a transfer that was reversed
// by an external refund webhook with the details of the service's own refund.
// Reversals recorded by the service are never rewritten.
func (r *PostgresRepository) AmendExternalReversal(ctx context.Context, transferID uuid.UUID, reversal domain.Reversal) (*domain.Transfer, error) {
	updated, err := scanTransfer(r.db.QueryRow(ctx, `
		UPDATE transfers SET
			reversal_id = $2,
			reversal_reason = $3,
			reversed_amount = $4,
			updated_at = NOW()
		WHERE id = $1 AND status = 'reversed' AND reversal_reason = $5
		RETURNING `+transferColumns,
		transferID, reversal.ReversalID, string(reversal.Reason), reversal.Amount, string(domain.RefundReasonExternal),
	))
	if errors.Is(err, ErrTransferNotFound) {
		return nil, domain.ErrAlreadyReversed
	}
	if err != nil {
		return nil, fmt.Errorf("failed to amend transfer reversal: %w", err)
	}
	return updated, nil
}
