package stripeclient

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/leasehold/settlement-service/internal/domain"
)

// ErrInvalidWebhook is returned for payloads that fail signature verification or cannot be decoded.
var ErrInvalidWebhook = errors.New("invalid webhook payload")

// WebhookVerifier authenticates Stripe webhook deliveries with the endpoint's signing secret.
type WebhookVerifier struct {
	secret string
}

// NewWebhookVerifier creates a verifier for one signing secret.
func NewWebhookVerifier(secret string) *WebhookVerifier {
	return &WebhookVerifier{secret: secret}
}

// VerifyWebhook checks the Stripe-Signature header and decodes the event.
// Unhandled event types are returned with only ID and Type set.
func (v *WebhookVerifier) VerifyWebhook(payload []byte, signature string) (*domain.PlatformEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}

	result := &domain.PlatformEvent{ID: event.ID, Type: string(event.Type)}
	if event.Data == nil {
		return result, nil
	}

	switch result.Type {
	case domain.EventPaymentSucceeded, domain.EventPaymentFailed, domain.EventPaymentCanceled:
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return nil, fmt.Errorf("%w: payment intent: %v", ErrInvalidWebhook, err)
		}
		result.PaymentIntentID = intent.ID
		result.Metadata = intent.Metadata
	case domain.EventAccountUpdated:
		var account stripe.Account
		if err := json.Unmarshal(event.Data.Raw, &account); err != nil {
			return nil, fmt.Errorf("%w: account: %v", ErrInvalidWebhook, err)
		}
		result.AccountID = account.ID
	case domain.EventChargeRefunded:
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return nil, fmt.Errorf("%w: charge: %v", ErrInvalidWebhook, err)
		}
		result.ChargeID = charge.ID
		result.AmountRefundedMinor = charge.AmountRefunded
		result.Metadata = charge.Metadata
		if charge.PaymentIntent != nil {
			result.PaymentIntentID = charge.PaymentIntent.ID
		}
		// Refund lists are newest first.
		if charge.Refunds != nil && len(charge.Refunds.Data) > 0 {
			result.RefundID = charge.Refunds.Data[0].ID
		}
	}
	return result, nil
}
