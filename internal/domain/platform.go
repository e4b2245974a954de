package domain

// CreateAccountRequest is the create-connected-account call to the platform.
type CreateAccountRequest struct {
	OwnerID        string
	Email          string
	AccountType    AccountType
	Country        string
	Currency       string
	IdempotencyKey string
}

// PayoutRequest is the create-payout call to the platform. Amounts are minor units.
type PayoutRequest struct {
	ExternalAccountID string
	AmountMinor       int64
	Currency          string
	IdempotencyKey    string
}

// Platform event types handled by the webhook receiver.
const (
	EventPaymentSucceeded = "payment_intent.succeeded"
	EventPaymentFailed    = "payment_intent.payment_failed"
	EventPaymentCanceled  = "payment_intent.canceled"
	EventAccountUpdated   = "account.updated"
	EventChargeRefunded   = "charge.refunded"
)

// PlatformEvent is a verified webhook event reduced to the fields the service acts on.
type PlatformEvent struct {
	ID                  string
	Type                string
	PaymentIntentID     string
	AccountID           string
	ChargeID            string
	RefundID            string
	AmountRefundedMinor int64
	Metadata            map[string]string
}

// SettlementEvent builds the reconciliation input for payment intent events.
func (e PlatformEvent) SettlementEvent() SettlementEvent {
	return SettlementEvent{
		EventID:               e.ID,
		EventType:             e.Type,
		ExternalTransactionID: e.PaymentIntentID,
		Metadata:              e.Metadata,
	}
}
