/**
 * @description
 * Payment records as seen by the settlement service, and the payment platform's
 * view of a split payment.
 */
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentStatus is the settlement-relevant status of a rent payment.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
	PaymentStatusFlagged   PaymentStatus = "flagged"
)

// Payment is a rent payment created by the property-management side. The
// settlement fields are written only by the settlement service.
type Payment struct {
	ID                     uuid.UUID        `json:"id"`
	OwnerID                *uuid.UUID       `json:"owner_id,omitempty"`
	PropertyID             *uuid.UUID       `json:"property_id,omitempty"`
	Amount                 decimal.Decimal  `json:"amount"`
	Currency               string           `json:"currency"`
	Status                 PaymentStatus    `json:"status"`
	Reference              string           `json:"reference"`
	ExternalTransactionRef *string          `json:"external_transaction_ref,omitempty"`
	ConnectedAccountRef    *string          `json:"connected_account_ref,omitempty"`
	PlatformFee            *decimal.Decimal `json:"platform_fee,omitempty"`
	TransferAmount         *decimal.Decimal `json:"transfer_amount,omitempty"`
	FeeScheduleID          *uuid.UUID       `json:"fee_schedule_id,omitempty"`
	TransferCompleted      bool             `json:"transfer_completed"`
	TransferReference      *string          `json:"transfer_reference,omitempty"`
	FlagReason             *string          `json:"flag_reason,omitempty"`
	CreatedAt              time.Time        `json:"created_at"`
	UpdatedAt              time.Time        `json:"updated_at"`
}

// SettlementAttachment is written to a payment once the platform accepted the split payment.
type SettlementAttachment struct {
	PaymentID              uuid.UUID
	OwnerID                uuid.UUID
	ExternalTransactionRef string
	ConnectedAccountRef    string
	PlatformFee            decimal.Decimal
	TransferAmount         decimal.Decimal
	FeeScheduleID          *uuid.UUID
}

// ClientConfirmationHandle is returned to the payment UI to complete authorization.
type ClientConfirmationHandle struct {
	PaymentID             uuid.UUID      `json:"payment_id"`
	ExternalTransactionID string         `json:"external_transaction_id"`
	ClientSecret          string         `json:"client_secret"`
	Status                string         `json:"status"`
	Fee                   FeeCalculation `json:"fee"`
}

// PlatformPaymentStatus mirrors the platform's payment intent status values.
type PlatformPaymentStatus string

const (
	PlatformPaymentSucceeded             PlatformPaymentStatus = "succeeded"
	PlatformPaymentProcessing            PlatformPaymentStatus = "processing"
	PlatformPaymentRequiresPaymentMethod PlatformPaymentStatus = "requires_payment_method"
	PlatformPaymentRequiresConfirmation  PlatformPaymentStatus = "requires_confirmation"
	PlatformPaymentRequiresAction        PlatformPaymentStatus = "requires_action"
	PlatformPaymentCanceled              PlatformPaymentStatus = "canceled"
)

// SplitPaymentRequest is the create-payment call to the platform. Amounts are minor units.
type SplitPaymentRequest struct {
	AmountMinor         int64
	Currency            string
	DestinationAccount  string
	ApplicationFeeMinor int64
	Description         string
	Metadata            map[string]string
	IdempotencyKey      string
}

// PlatformPayment is the platform's authoritative view of a payment. Amounts are minor units.
type PlatformPayment struct {
	ID                  string
	Status              PlatformPaymentStatus
	AmountMinor         int64
	AmountReceivedMinor int64
	Currency            string
	ApplicationFeeMinor int64
	DestinationAccount  string
	ProcessingFeeMinor  *int64
	ClientSecret        string
	ChargeID            string
	TransferID          string
	FailureCode         string
	FailureMessage      string
	Metadata            map[string]string
}

// Metadata keys embedded in every split payment.
const (
	MetadataPaymentID           = "payment_id"
	MetadataOwnerID             = "owner_id"
	MetadataPlatformFee         = "platform_fee"
	MetadataTransferAmount      = "transfer_amount"
	MetadataExternalFeeEstimate = "external_fee_estimate"
	MetadataFeeScheduleID       = "fee_schedule_id"
	MetadataPaymentReference    = "payment_reference"
)
