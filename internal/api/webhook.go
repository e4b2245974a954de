package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/leasehold/settlement-service/internal/app"
	"github.com/leasehold/settlement-service/internal/domain"
	"github.com/leasehold/settlement-service/internal/store"
)

// Stripe recommends rejecting webhook bodies above 64KB.
const maxWebhookBodyBytes = 65536

// EventVerifier authenticates a webhook delivery and decodes it.
type EventVerifier interface {
	VerifyWebhook(payload []byte, signature string) (*domain.PlatformEvent, error)
}

// WebhookHandler receives payment platform events. It acknowledges a delivery only
// after the event was fully applied or recognized as a duplicate; anything else is
// answered so that the platform retries.
type WebhookHandler struct {
	verifier    EventVerifier
	settlements SettlementService
	accounts    AccountService
	deduper     app.EventDeduper
	logger      *slog.Logger
}

// NewWebhookHandler creates a new webhook receiver. deduper may be nil.
func NewWebhookHandler(verifier EventVerifier, settlements SettlementService, accounts AccountService, deduper app.EventDeduper, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		verifier:    verifier,
		settlements: settlements,
		accounts:    accounts,
		deduper:     deduper,
		logger:      logger,
	}
}

type webhookResponse struct {
	Received bool                    `json:"received"`
	Outcome  domain.ReconcileOutcome `json:"outcome"`
}

func (h *WebhookHandler) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "could not read request body")
		return
	}

	event, err := h.verifier.VerifyWebhook(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("rejected webhook delivery", "error", err)
		writeError(w, http.StatusBadRequest, "invalid_signature", "webhook could not be verified")
		return
	}

	ctx := r.Context()
	if h.seen(ctx, event.ID) {
		respondWithJSON(w, http.StatusOK, webhookResponse{Received: true, Outcome: domain.OutcomeDuplicate})
		return
	}

	outcome, err := h.dispatch(ctx, event)
	if err != nil {
		status := webhookErrorStatus(err)
		attrs := []any{"event_id", event.ID, "event_type", event.Type, "external_transaction_id", event.PaymentIntentID, "status", status, "error", err}
		if status == http.StatusUnprocessableEntity {
			h.logger.Error("webhook event violates ledger invariants", attrs...)
			writeError(w, status, "ledger_invariant_violation", "event conflicts with recorded payment")
			return
		}
		h.logger.Warn("webhook event not applied, awaiting redelivery", attrs...)
		writeError(w, status, "retry_later", genericErrorMessage)
		return
	}

	if h.deduper != nil {
		if err := h.deduper.MarkProcessed(ctx, event.ID); err != nil {
			h.logger.Warn("failed to remember processed webhook event", "event_id", event.ID, "error", err)
		}
	}
	h.logger.Info("webhook event processed", "event_id", event.ID, "event_type", event.Type, "outcome", outcome)
	respondWithJSON(w, http.StatusOK, webhookResponse{Received: true, Outcome: outcome})
}

func (h *WebhookHandler) seen(ctx context.Context, eventID string) bool {
	if h.deduper == nil {
		return false
	}
	seen, err := h.deduper.Seen(ctx, eventID)
	if err != nil {
		h.logger.Warn("webhook dedupe lookup failed", "event_id", eventID, "error", err)
		return false
	}
	return seen
}

func (h *WebhookHandler) dispatch(ctx context.Context, event *domain.PlatformEvent) (domain.ReconcileOutcome, error) {
	switch event.Type {
	case domain.EventPaymentSucceeded:
		return h.settlements.ReconcileSuccess(ctx, event.SettlementEvent())
	case domain.EventPaymentFailed, domain.EventPaymentCanceled:
		return h.settlements.ReconcileFailure(ctx, event.SettlementEvent())
	case domain.EventChargeRefunded:
		return h.settlements.ReconcileExternalRefund(ctx, *event)
	case domain.EventAccountUpdated:
		_, err := h.accounts.RefreshByExternalID(ctx, event.AccountID)
		if errors.Is(err, store.ErrAccountNotFound) {
			return domain.OutcomeIgnored, nil
		}
		if err != nil {
			return "", err
		}
		return domain.OutcomeApplied, nil
	}
	return domain.OutcomeIgnored, nil
}

// webhookErrorStatus picks the response for an event that was not applied.
// Only invariant violations are answered without a retry.
func webhookErrorStatus(err error) int {
	var ledgerErr *domain.LedgerInvariantError
	if errors.As(err, &ledgerErr) {
		return http.StatusUnprocessableEntity
	}
	return http.StatusServiceUnavailable
}
