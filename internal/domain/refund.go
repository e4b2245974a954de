/**
 * @description
 * Refund reasons and payout models.
 */
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RefundReason is the enumerated reason code accepted at the API boundary.
type RefundReason string

const (
	RefundReasonDuplicatePayment  RefundReason = "duplicate_payment"
	RefundReasonFraudulent        RefundReason = "fraudulent"
	RefundReasonRequestedByTenant RefundReason = "requested_by_tenant"
	RefundReasonLeaseTerminated   RefundReason = "lease_terminated"
	RefundReasonOverpayment       RefundReason = "overpayment"
	RefundReasonExternal          RefundReason = "external"
)

var refundReasons = map[RefundReason]string{
	RefundReasonDuplicatePayment:  "duplicate",
	RefundReasonFraudulent:        "fraudulent",
	RefundReasonRequestedByTenant: "requested_by_customer",
	RefundReasonLeaseTerminated:   "requested_by_customer",
	RefundReasonOverpayment:       "requested_by_customer",
}

// ParseRefundReason accepts only the enumerated codes.
func ParseRefundReason(raw string) (RefundReason, error) {
	reason := RefundReason(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := refundReasons[reason]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidRefundReason, raw)
	}
	return reason, nil
}

// PlatformReason maps the local code onto the platform's refund reason vocabulary.
func (r RefundReason) PlatformReason() string {
	return refundReasons[r]
}

// RefundRequest is the create-refund call to the platform. Amounts are minor units.
type RefundRequest struct {
	ExternalTransactionID string
	AmountMinor           *int64
	Reason                string
	ReverseTransfer       bool
	IdempotencyKey        string
	Metadata              map[string]string
}

// PlatformRefund is the platform's response to a refund.
type PlatformRefund struct {
	ID          string
	Status      string
	AmountMinor int64
}

// RefundResult is returned to callers of a refund.
type RefundResult struct {
	PaymentID      string          `json:"payment_id"`
	TransferID     string          `json:"transfer_id"`
	TransferStatus TransferStatus  `json:"transfer_status"`
	ReversalID     string          `json:"reversal_id"`
	Amount         decimal.Decimal `json:"amount"`
	ReversedAt     time.Time       `json:"reversed_at"`
}

// BalanceAmount is one currency bucket of a connected account balance.
type BalanceAmount struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// AccountBalance is the balance held by the platform for a connected account.
type AccountBalance struct {
	Available []BalanceAmount `json:"available"`
	Pending   []BalanceAmount `json:"pending"`
}

// Payout is a payout from a connected account to the owner's bank.
type Payout struct {
	ID          string          `json:"id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Status      string          `json:"status"`
	ArrivalDate *time.Time      `json:"arrival_date,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}
