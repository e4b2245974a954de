package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/leasehold/settlement-service/internal/domain"
)

const paymentColumns = `
	id, owner_id, property_id, amount, currency, status, reference,
	external_transaction_ref, connected_account_ref, platform_fee, transfer_amount,
	fee_schedule_id, transfer_completed, transfer_reference, flag_reason,
	created_at, updated_at`

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var payment domain.Payment
	var status string
	var platformFee, transferAmount decimal.NullDecimal
	if err := row.Scan(
		&payment.ID,
		&payment.OwnerID,
		&payment.PropertyID,
		&payment.Amount,
		&payment.Currency,
		&status,
		&payment.Reference,
		&payment.ExternalTransactionRef,
		&payment.ConnectedAccountRef,
		&platformFee,
		&transferAmount,
		&payment.FeeScheduleID,
		&payment.TransferCompleted,
		&payment.TransferReference,
		&payment.FlagReason,
		&payment.CreatedAt,
		&payment.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	payment.Status = domain.PaymentStatus(status)
	payment.PlatformFee = nullDecimalPtr(platformFee)
	payment.TransferAmount = nullDecimalPtr(transferAmount)
	return &payment, nil
}

// GetPayment fetches a payment with its settlement fields.
func (r *PostgresRepository) GetPayment(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	return scanPayment(r.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, paymentID))
}

// GetPaymentByExternalRef fetches the payment linked to a platform transaction.
func (r *PostgresRepository) GetPaymentByExternalRef(ctx context.Context, externalRef string) (*domain.Payment, error) {
	return scanPayment(r.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE external_transaction_ref = $1`, externalRef))
}

// AttachSettlement records the accepted split payment on a pending payment. A
// payment already linked to another external transaction is left untouched.
func (r *PostgresRepository) AttachSettlement(ctx context.Context, attachment domain.SettlementAttachment) (*domain.Payment, error) {
	query := `
		UPDATE payments SET
			owner_id = $2,
			external_transaction_ref = $3,
			connected_account_ref = $4,
			platform_fee = $5,
			transfer_amount = $6,
			fee_schedule_id = $7,
			updated_at = NOW()
		WHERE id = $1
		  AND status = 'pending'
		  AND (external_transaction_ref IS NULL OR external_transaction_ref = $3)
		RETURNING ` + paymentColumns

	payment, err := scanPayment(r.db.QueryRow(ctx, query,
		attachment.PaymentID,
		attachment.OwnerID,
		attachment.ExternalTransactionRef,
		attachment.ConnectedAccountRef,
		attachment.PlatformFee,
		attachment.TransferAmount,
		attachment.FeeScheduleID,
	))
	if err == nil {
		return payment, nil
	}
	if isUniqueViolation(err) {
		return nil, ErrExternalRefConflict
	}
	if !errors.Is(err, ErrPaymentNotFound) {
		return nil, fmt.Errorf("failed to attach settlement to payment %s: %w", attachment.PaymentID, err)
	}

	current, getErr := r.GetPayment(ctx, attachment.PaymentID)
	if getErr != nil {
		return nil, getErr
	}
	if current.ExternalTransactionRef != nil && *current.ExternalTransactionRef != attachment.ExternalTransactionRef {
		return nil, ErrExternalRefConflict
	}
	return nil, ErrPaymentStateConflict
}

// MarkPaymentFailed moves a pending payment to failed. It reports whether the row changed.
func (r *PostgresRepository) MarkPaymentFailed(ctx context.Context, paymentID uuid.UUID, externalRef string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE payments
		SET status = 'failed', external_transaction_ref = COALESCE(external_transaction_ref, $2), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, paymentID, externalRef)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// FlagPayment marks a payment inconsistent for manual review.
func (r *PostgresRepository) FlagPayment(ctx context.Context, paymentID uuid.UUID, reason string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE payments
		SET status = 'flagged', flag_reason = $2, updated_at = NOW()
		WHERE id = $1 AND transfer_completed = FALSE
	`, paymentID, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Settled payments keep their status; the reason is still recorded.
		_, err = r.db.Exec(ctx, `UPDATE payments SET flag_reason = $2, updated_at = NOW() WHERE id = $1`, paymentID, reason)
	}
	return err
}

// ListStalePendingPayments returns pending payments linked to the platform and untouched since olderThan.
func (r *PostgresRepository) ListStalePendingPayments(ctx context.Context, olderThan time.Time, limit int) ([]domain.Payment, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE status = 'pending'
		  AND external_transaction_ref IS NOT NULL
		  AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2`
	rows, err := r.db.Query(ctx, query, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []domain.Payment
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *payment)
	}
	return payments, rows.Err()
}
