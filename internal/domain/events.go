/**
 * @description
 * Inbound platform events and outbound settlement events.
 */
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SettlementEvent is a normalized platform callback about a payment.
type SettlementEvent struct {
	EventID               string            `json:"event_id"`
	EventType             string            `json:"event_type"`
	ExternalTransactionID string            `json:"external_transaction_id"`
	Metadata              map[string]string `json:"metadata"`
}

// ReconcileOutcome describes what a reconciliation did.
type ReconcileOutcome string

const (
	OutcomeApplied   ReconcileOutcome = "applied"
	OutcomeDuplicate ReconcileOutcome = "duplicate"
	OutcomeIgnored   ReconcileOutcome = "ignored"
)

// Routing keys published on the settlement events exchange.
const (
	RoutingKeySettlementCompleted  = "settlement.completed"
	RoutingKeySettlementFailed     = "settlement.failed"
	RoutingKeySettlementReversed   = "settlement.reversed"
	RoutingKeySettlementFlagged    = "settlement.flagged"
	RoutingKeyAccountStatusChanged = "connected_account.status_changed"
)

// SettlementCompletedEvent is published after a transfer is recorded.
type SettlementCompletedEvent struct {
	PaymentID             string          `json:"payment_id"`
	TransferID            string          `json:"transfer_id"`
	ExternalTransactionID string          `json:"external_transaction_id"`
	Gross                 decimal.Decimal `json:"gross"`
	PlatformFee           decimal.Decimal `json:"platform_fee"`
	ExternalFee           decimal.Decimal `json:"external_fee"`
	Net                   decimal.Decimal `json:"net"`
	Currency              string          `json:"currency"`
	CompletedAt           time.Time       `json:"completed_at"`
}

// SettlementFailedEvent is published when the platform reports a failed payment.
type SettlementFailedEvent struct {
	PaymentID             string    `json:"payment_id"`
	ExternalTransactionID string    `json:"external_transaction_id"`
	FailureCode           string    `json:"failure_code,omitempty"`
	FailureMessage        string    `json:"failure_message,omitempty"`
	FailedAt              time.Time `json:"failed_at"`
}

// SettlementReversedEvent is published after a transfer is reversed.
type SettlementReversedEvent struct {
	PaymentID  string          `json:"payment_id"`
	TransferID string          `json:"transfer_id"`
	ReversalID string          `json:"reversal_id"`
	Amount     decimal.Decimal `json:"amount"`
	Reason     RefundReason    `json:"reason"`
	ReversedAt time.Time       `json:"reversed_at"`
}

// SettlementFlaggedEvent is published when a payment needs manual review.
type SettlementFlaggedEvent struct {
	PaymentID string    `json:"payment_id"`
	Reason    string    `json:"reason"`
	FlaggedAt time.Time `json:"flagged_at"`
}

// AccountStatusChangedEvent is published when a connected account changes status.
type AccountStatusChangedEvent struct {
	AccountID         string        `json:"account_id"`
	OwnerID           string        `json:"owner_id"`
	PreviousStatus    AccountStatus `json:"previous_status"`
	Status            AccountStatus `json:"status"`
	CanAcceptPayments bool          `json:"can_accept_payments"`
	ChangedAt         time.Time     `json:"changed_at"`
}
