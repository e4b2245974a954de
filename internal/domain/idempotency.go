package domain

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Idempotency keys. Every call site derives its key here so initiation and
// reconciliation always agree on the same value.

// PaymentIntentIdempotencyKey keys the create-payment call for a local payment.
func PaymentIntentIdempotencyKey(paymentID uuid.UUID) string {
	return "payment_intent_" + paymentID.String()
}

// TransferIdempotencyKey keys the single ledger transfer for a confirmed payment.
func TransferIdempotencyKey(paymentID uuid.UUID, externalTransactionID string) string {
	return fmt.Sprintf("transfer_%s_%s", paymentID.String(), strings.TrimSpace(externalTransactionID))
}

// RefundIdempotencyKey keys the refund of a transfer. A transfer is reversed at most once.
func RefundIdempotencyKey(paymentID, transferID uuid.UUID) string {
	return fmt.Sprintf("refund_%s_%s", paymentID.String(), transferID.String())
}

// ConnectedAccountIdempotencyKey keys account creation for an owner.
func ConnectedAccountIdempotencyKey(ownerID uuid.UUID) string {
	return "connected_account_" + ownerID.String()
}

// PayoutIdempotencyKey keys an owner-requested payout.
func PayoutIdempotencyKey(accountID uuid.UUID, requestID string) string {
	return fmt.Sprintf("payout_%s_%s", accountID.String(), strings.TrimSpace(requestID))
}
