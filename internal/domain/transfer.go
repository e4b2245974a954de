/**
 * @description
 * Transfer ledger entries and the accounting identity that guards them.
 */
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransferStatus is the status of a ledger transfer.
type TransferStatus string

const (
	TransferStatusCompleted TransferStatus = "completed"
	TransferStatusReversed  TransferStatus = "reversed"
)

// Transfer records the movement of one payment's funds to a connected account.
// Core amounts never change after insert; only the reversal block is filled in later.
type Transfer struct {
	ID                    uuid.UUID        `json:"id"`
	PaymentID             uuid.UUID        `json:"payment_id"`
	IdempotencyKey        string           `json:"idempotency_key"`
	DestinationAccount    string           `json:"destination_account"`
	ExternalTransactionID string           `json:"external_transaction_id"`
	ExternalTransferID    *string          `json:"external_transfer_id,omitempty"`
	FeeScheduleID         *uuid.UUID       `json:"fee_schedule_id,omitempty"`
	Currency              string           `json:"currency"`
	Gross                 decimal.Decimal  `json:"gross"`
	PlatformFee           decimal.Decimal  `json:"platform_fee"`
	ExternalFee           decimal.Decimal  `json:"external_fee"`
	Net                   decimal.Decimal  `json:"net"`
	Status                TransferStatus   `json:"status"`
	ReversalID            *string          `json:"reversal_id,omitempty"`
	ReversedAt            *time.Time       `json:"reversed_at,omitempty"`
	ReversalReason        *RefundReason    `json:"reversal_reason,omitempty"`
	ReversedAmount        *decimal.Decimal `json:"reversed_amount,omitempty"`
	CreatedAt             time.Time        `json:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at"`
}

// Reversal links a transfer to the refund that pulled its funds back.
type Reversal struct {
	ReversalID string
	Reason     RefundReason
	Amount     decimal.Decimal
	ReversedAt time.Time
}

// BalanceCheck asserts gross == platformFee + externalFee + net and basic sign rules.
// platformFee may be negative: when the processing fee exceeds the application fee,
// the platform absorbs the difference and the owner's net is unchanged.
func BalanceCheck(t Transfer) error {
	violation := func(reason string) error {
		return &LedgerInvariantError{PaymentID: t.PaymentID.String(), IdempotencyKey: t.IdempotencyKey, Reason: reason}
	}

	if !t.Gross.IsPositive() {
		return violation(fmt.Sprintf("gross must be positive, got %s", t.Gross.String()))
	}
	if t.Net.IsNegative() {
		return violation(fmt.Sprintf("net cannot be negative, got %s", t.Net.String()))
	}
	if t.ExternalFee.IsNegative() {
		return violation(fmt.Sprintf("external fee cannot be negative, got %s", t.ExternalFee.String()))
	}

	sum := t.PlatformFee.Add(t.ExternalFee).Add(t.Net)
	if !sum.Equal(t.Gross) {
		return violation(fmt.Sprintf("gross %s != platform fee %s + external fee %s + net %s",
			t.Gross.StringFixed(2), t.PlatformFee.StringFixed(2), t.ExternalFee.StringFixed(2), t.Net.StringFixed(2)))
	}
	return nil
}

// TransitionTransfer validates a transfer status change.
func TransitionTransfer(from, to TransferStatus) error {
	if from == TransferStatusReversed {
		return ErrAlreadyReversed
	}
	if from == TransferStatusCompleted && to == TransferStatusReversed {
		return nil
	}
	return fmt.Errorf("%w: transfer %s -> %s", ErrIllegalTransition, from, to)
}
