package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/leasehold/settlement-service/internal/domain"
	"github.com/leasehold/settlement-service/internal/store"
)

const initiateRateLimitWindow = time.Minute

// Orchestrator creates split payments and reconciles platform events into local state.
type Orchestrator struct {
	payments  PaymentRepository
	accounts  *AccountRegistry
	fees      *FeeResolver
	ledger    *TransferLedger
	platform  PaymentPlatform
	publisher EventPublisher
	currency  string
	logger    *slog.Logger
	now       func() time.Time

	limiter       RateLimiter
	initiateLimit int
}

// NewOrchestrator creates a new settlement orchestrator.
func NewOrchestrator(
	payments PaymentRepository,
	accounts *AccountRegistry,
	fees *FeeResolver,
	ledger *TransferLedger,
	platform PaymentPlatform,
	publisher EventPublisher,
	currency string,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		payments:  payments,
		accounts:  accounts,
		fees:      fees,
		ledger:    ledger,
		platform:  platform,
		publisher: publisher,
		currency:  strings.ToLower(currency),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetRateLimiter enables the per-payment initiation budget.
func (o *Orchestrator) SetRateLimiter(limiter RateLimiter, perMinute int) {
	o.limiter = limiter
	o.initiateLimit = perMinute
}

// InitiateSplitPayment creates the destination charge for a pending payment and returns
// the handle the payment UI needs to confirm it. No transfer is recorded here.
func (o *Orchestrator) InitiateSplitPayment(ctx context.Context, paymentID, ownerID uuid.UUID) (*domain.ClientConfirmationHandle, error) {
	if err := o.consumeInitiateBudget(ctx, paymentID); err != nil {
		return nil, err
	}

	payment, err := o.payments.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.OwnerID != nil && *payment.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: payment %s", ErrOwnerMismatch, paymentID)
	}
	if payment.Status != domain.PaymentStatusPending {
		return nil, fmt.Errorf("%w: payment %s is %s", store.ErrPaymentStateConflict, paymentID, payment.Status)
	}

	account, err := o.accounts.EligibleAccount(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	currency := o.paymentCurrency(payment)
	if payment.ExternalTransactionRef != nil && *payment.ExternalTransactionRef != "" {
		return o.resumeInitiation(ctx, payment, ownerID, currency)
	}

	fee, err := o.fees.Calculate(ctx, payment.Amount, ownerID, payment.PropertyID)
	if err != nil {
		return nil, err
	}
	fee.Currency = currency

	metadata := map[string]string{
		domain.MetadataPaymentID:           paymentID.String(),
		domain.MetadataOwnerID:             ownerID.String(),
		domain.MetadataPlatformFee:         fee.PlatformFee.StringFixed(domain.MinorUnitExponent),
		domain.MetadataTransferAmount:      fee.Net.StringFixed(domain.MinorUnitExponent),
		domain.MetadataExternalFeeEstimate: fee.ExternalFee.StringFixed(domain.MinorUnitExponent),
		domain.MetadataPaymentReference:    payment.Reference,
	}
	if fee.ScheduleID != nil {
		metadata[domain.MetadataFeeScheduleID] = fee.ScheduleID.String()
	}

	intent, err := o.platform.CreateSplitPayment(ctx, domain.SplitPaymentRequest{
		AmountMinor:         domain.ToMinorUnits(fee.Gross),
		Currency:            currency,
		DestinationAccount:  account.ExternalAccountID,
		ApplicationFeeMinor: domain.ToMinorUnits(fee.PlatformFee),
		Description:         "Rent payment " + payment.Reference,
		Metadata:            metadata,
		IdempotencyKey:      domain.PaymentIntentIdempotencyKey(paymentID),
	})
	if err != nil {
		o.logger.Warn("split payment creation failed", "payment_id", paymentID, "owner_id", ownerID, "error", err)
		return nil, fmt.Errorf("initiate payment %s for owner %s: %w", paymentID, ownerID, err)
	}

	if _, err := o.payments.AttachSettlement(ctx, domain.SettlementAttachment{
		PaymentID:              paymentID,
		OwnerID:                ownerID,
		ExternalTransactionRef: intent.ID,
		ConnectedAccountRef:    account.ExternalAccountID,
		PlatformFee:            fee.PlatformFee,
		TransferAmount:         fee.Net,
		FeeScheduleID:          fee.ScheduleID,
	}); err != nil {
		o.logger.Error("failed to attach split payment to local payment",
			"payment_id", paymentID,
			"owner_id", ownerID,
			"external_transaction_id", intent.ID,
			"error", err,
		)
		return nil, fmt.Errorf("failed to attach settlement to payment %s: %w", paymentID, err)
	}

	o.logger.Info("split payment initiated",
		"payment_id", paymentID,
		"owner_id", ownerID,
		"external_transaction_id", intent.ID,
		"gross", fee.Gross.StringFixed(2),
		"platform_fee", fee.PlatformFee.StringFixed(2),
		"net", fee.Net.StringFixed(2),
	)
	return &domain.ClientConfirmationHandle{
		PaymentID:             paymentID,
		ExternalTransactionID: intent.ID,
		ClientSecret:          intent.ClientSecret,
		Status:                string(intent.Status),
		Fee:                   *fee,
	}, nil
}

// resumeInitiation returns the handle of a payment that already has a platform intent.
func (o *Orchestrator) resumeInitiation(ctx context.Context, payment *domain.Payment, ownerID uuid.UUID, currency string) (*domain.ClientConfirmationHandle, error) {
	intent, err := o.platform.GetPayment(ctx, *payment.ExternalTransactionRef)
	if err != nil {
		return nil, fmt.Errorf("resume payment %s for owner %s: %w", payment.ID, ownerID, err)
	}

	fee := domain.FeeCalculation{
		Gross:       payment.Amount,
		ExternalFee: o.fees.EstimateExternalFee(payment.Amount),
		Currency:    currency,
		ScheduleID:  payment.FeeScheduleID,
		Explanation: "previously initiated",
	}
	if payment.PlatformFee != nil {
		fee.PlatformFee = *payment.PlatformFee
	}
	if payment.TransferAmount != nil {
		fee.Net = *payment.TransferAmount
	}

	o.logger.Info("split payment already initiated", "payment_id", payment.ID, "owner_id", ownerID, "external_transaction_id", intent.ID)
	return &domain.ClientConfirmationHandle{
		PaymentID:             payment.ID,
		ExternalTransactionID: intent.ID,
		ClientSecret:          intent.ClientSecret,
		Status:                string(intent.Status),
		Fee:                   fee,
	}, nil
}

func (o *Orchestrator) consumeInitiateBudget(ctx context.Context, paymentID uuid.UUID) error {
	if o.limiter == nil || o.initiateLimit <= 0 {
		return nil
	}
	count, retryAfter, err := o.limiter.ConsumeRateLimit(ctx, "initiate", paymentID.String(), o.initiateLimit, initiateRateLimitWindow)
	if err != nil {
		// The limiter is an optimization; initiation stays available without it.
		o.logger.Warn("initiation rate limiter unavailable", "payment_id", paymentID, "error", err)
		return nil
	}
	if count > o.initiateLimit {
		return &RateLimitError{RetryAfterSeconds: retryAfter}
	}
	return nil
}

func (o *Orchestrator) paymentCurrency(payment *domain.Payment) string {
	if c := strings.ToLower(strings.TrimSpace(payment.Currency)); c != "" {
		return c
	}
	return o.currency
}

// paymentIDFromMetadata returns the local payment id embedded at initiation.
func paymentIDFromMetadata(metadata map[string]string) (uuid.UUID, bool) {
	raw := strings.TrimSpace(metadata[domain.MetadataPaymentID])
	if raw == "" {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// ReconcileSuccess records the transfer of a confirmed payment. The payment is located
// through the metadata written at initiation, and the amounts are taken from a fresh
// read of the platform, never from the event body.
func (o *Orchestrator) ReconcileSuccess(ctx context.Context, event domain.SettlementEvent) (domain.ReconcileOutcome, error) {
	paymentID, ok := paymentIDFromMetadata(event.Metadata)
	if !ok {
		o.logger.Info("ignoring settlement event without payment metadata", "event_id", event.EventID, "external_transaction_id", event.ExternalTransactionID)
		return domain.OutcomeIgnored, nil
	}

	payment, err := o.payments.GetPayment(ctx, paymentID)
	if err != nil {
		return "", fmt.Errorf("reconcile payment %s: %w", paymentID, err)
	}
	if payment.TransferCompleted {
		return domain.OutcomeDuplicate, nil
	}
	if payment.Status == domain.PaymentStatusFlagged {
		o.logger.Warn("settlement event for flagged payment left for manual review", "event_id", event.EventID, "payment_id", paymentID)
		return domain.OutcomeIgnored, nil
	}

	platformPayment, err := o.platform.GetPayment(ctx, event.ExternalTransactionID)
	if err != nil {
		return "", fmt.Errorf("reconcile payment %s for owner %s: %w", paymentID, ownerRef(payment), err)
	}

	transfer, err := decideSettlement(payment, platformPayment)
	if err != nil {
		var ledgerErr *domain.LedgerInvariantError
		if errors.As(err, &ledgerErr) {
			o.ledger.Flag(ctx, paymentID, err)
		}
		return "", err
	}

	recorded, created, err := o.ledger.RecordTransfer(ctx, transfer)
	if errors.Is(err, store.ErrPaymentStateConflict) {
		// Flagged while the platform was being read.
		o.logger.Warn("settlement event for flagged payment left for manual review", "event_id", event.EventID, "payment_id", paymentID)
		return domain.OutcomeIgnored, nil
	}
	if err != nil {
		return "", err
	}
	if !created {
		o.logger.Info("settlement already recorded", "event_id", event.EventID, "payment_id", paymentID, "transfer_id", recorded.ID)
		return domain.OutcomeDuplicate, nil
	}

	o.logger.Info("settlement recorded",
		"event_id", event.EventID,
		"payment_id", paymentID,
		"owner_id", ownerRef(payment),
		"transfer_id", recorded.ID,
		"gross", recorded.Gross.StringFixed(2),
		"platform_fee", recorded.PlatformFee.StringFixed(2),
		"external_fee", recorded.ExternalFee.StringFixed(2),
		"net", recorded.Net.StringFixed(2),
	)
	if recorded.PlatformFee.IsNegative() {
		o.logger.Warn("processing fee exceeds application fee",
			"payment_id", paymentID,
			"transfer_id", recorded.ID,
			"fee_schedule_id", recorded.FeeScheduleID,
			"platform_fee", recorded.PlatformFee.StringFixed(2),
		)
	}
	publishEvent(ctx, o.publisher, o.logger, domain.RoutingKeySettlementCompleted, domain.SettlementCompletedEvent{
		PaymentID:             paymentID.String(),
		TransferID:            recorded.ID.String(),
		ExternalTransactionID: recorded.ExternalTransactionID,
		Gross:                 recorded.Gross,
		PlatformFee:           recorded.PlatformFee,
		ExternalFee:           recorded.ExternalFee,
		Net:                   recorded.Net,
		Currency:              recorded.Currency,
		CompletedAt:           o.now(),
	})
	return domain.OutcomeApplied, nil
}

// decideSettlement validates the platform's view of a payment against the local record
// and builds the transfer to write. It performs no I/O.
func decideSettlement(payment *domain.Payment, platform *domain.PlatformPayment) (domain.Transfer, error) {
	externalID := strings.TrimSpace(platform.ID)
	key := domain.TransferIdempotencyKey(payment.ID, externalID)
	violation := func(format string, args ...any) error {
		return &domain.LedgerInvariantError{
			PaymentID:      payment.ID.String(),
			IdempotencyKey: key,
			Reason:         fmt.Sprintf(format, args...),
		}
	}

	if platform.Status != domain.PlatformPaymentSucceeded {
		return domain.Transfer{}, fmt.Errorf("%w: payment %s is %s", ErrPaymentNotSettled, externalID, platform.Status)
	}
	if payment.ExternalTransactionRef != nil && *payment.ExternalTransactionRef != externalID {
		return domain.Transfer{}, violation("external transaction %s does not match recorded %s", externalID, *payment.ExternalTransactionRef)
	}
	if id, ok := paymentIDFromMetadata(platform.Metadata); !ok || id != payment.ID {
		return domain.Transfer{}, violation("platform metadata payment_id %q does not match", platform.Metadata[domain.MetadataPaymentID])
	}
	if payment.PlatformFee == nil || payment.TransferAmount == nil || payment.ConnectedAccountRef == nil {
		return domain.Transfer{}, violation("payment has no recorded settlement split")
	}
	if !strings.EqualFold(platform.Currency, payment.Currency) {
		return domain.Transfer{}, violation("currency %s does not match recorded %s", platform.Currency, payment.Currency)
	}
	if expected := domain.ToMinorUnits(payment.Amount); platform.AmountMinor != expected {
		return domain.Transfer{}, violation("amount %d does not match recorded %d", platform.AmountMinor, expected)
	}
	if platform.DestinationAccount != *payment.ConnectedAccountRef {
		return domain.Transfer{}, violation("destination %s does not match recorded %s", platform.DestinationAccount, *payment.ConnectedAccountRef)
	}
	if expected := domain.ToMinorUnits(*payment.PlatformFee); platform.ApplicationFeeMinor != expected {
		return domain.Transfer{}, violation("application fee %d does not match recorded %d", platform.ApplicationFeeMinor, expected)
	}
	if err := metadataAmountMatches(platform.Metadata, domain.MetadataPlatformFee, *payment.PlatformFee); err != nil {
		return domain.Transfer{}, violation("%v", err)
	}
	if err := metadataAmountMatches(platform.Metadata, domain.MetadataTransferAmount, *payment.TransferAmount); err != nil {
		return domain.Transfer{}, violation("%v", err)
	}
	if platform.ProcessingFeeMinor == nil {
		return domain.Transfer{}, fmt.Errorf("%w: payment %s", ErrProcessingFeeUnavailable, externalID)
	}

	gross := domain.RoundMoney(payment.Amount)
	applicationFee := domain.FromMinorUnits(platform.ApplicationFeeMinor)
	externalFee := domain.FromMinorUnits(*platform.ProcessingFeeMinor)

	transfer := domain.Transfer{
		PaymentID:             payment.ID,
		IdempotencyKey:        key,
		DestinationAccount:    platform.DestinationAccount,
		ExternalTransactionID: externalID,
		FeeScheduleID:         payment.FeeScheduleID,
		Currency:              strings.ToLower(platform.Currency),
		Gross:                 gross,
		Net:                   gross.Sub(applicationFee),
		ExternalFee:           externalFee,
		PlatformFee:           applicationFee.Sub(externalFee),
		Status:                domain.TransferStatusCompleted,
	}
	if platform.TransferID != "" {
		transferID := platform.TransferID
		transfer.ExternalTransferID = &transferID
	}
	if err := domain.BalanceCheck(transfer); err != nil {
		return domain.Transfer{}, err
	}
	return transfer, nil
}

func metadataAmountMatches(metadata map[string]string, key string, expected decimal.Decimal) error {
	raw, ok := metadata[key]
	if !ok {
		return fmt.Errorf("platform metadata %s missing", key)
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("platform metadata %s=%q is not an amount", key, raw)
	}
	if !value.Equal(expected) {
		return fmt.Errorf("platform metadata %s=%s does not match recorded %s", key, value.StringFixed(2), expected.StringFixed(2))
	}
	return nil
}

// ReconcileFailure marks a pending payment failed. No transfer is written.
func (o *Orchestrator) ReconcileFailure(ctx context.Context, event domain.SettlementEvent) (domain.ReconcileOutcome, error) {
	paymentID, ok := paymentIDFromMetadata(event.Metadata)
	if !ok {
		o.logger.Info("ignoring failure event without payment metadata", "event_id", event.EventID, "external_transaction_id", event.ExternalTransactionID)
		return domain.OutcomeIgnored, nil
	}

	payment, err := o.payments.GetPayment(ctx, paymentID)
	if err != nil {
		return "", fmt.Errorf("reconcile failure of payment %s: %w", paymentID, err)
	}
	if payment.ExternalTransactionRef != nil && *payment.ExternalTransactionRef != event.ExternalTransactionID {
		o.logger.Warn("failure event for a superseded platform payment",
			"event_id", event.EventID,
			"payment_id", paymentID,
			"external_transaction_id", event.ExternalTransactionID,
		)
		return domain.OutcomeIgnored, nil
	}

	changed, err := o.payments.MarkPaymentFailed(ctx, paymentID, event.ExternalTransactionID)
	if err != nil {
		return "", fmt.Errorf("failed to mark payment %s failed: %w", paymentID, err)
	}
	if !changed {
		return domain.OutcomeDuplicate, nil
	}

	failed := domain.SettlementFailedEvent{
		PaymentID:             paymentID.String(),
		ExternalTransactionID: event.ExternalTransactionID,
		FailedAt:              o.now(),
	}
	if platformPayment, err := o.platform.GetPayment(ctx, event.ExternalTransactionID); err == nil {
		failed.FailureCode = platformPayment.FailureCode
		failed.FailureMessage = platformPayment.FailureMessage
	}

	o.logger.Info("payment failed", "event_id", event.EventID, "payment_id", paymentID, "owner_id", ownerRef(payment), "failure_code", failed.FailureCode)
	publishEvent(ctx, o.publisher, o.logger, domain.RoutingKeySettlementFailed, failed)
	return domain.OutcomeApplied, nil
}

// ReconcileExternalRefund records a refund made outside this service, for example from
// the platform dashboard.
func (o *Orchestrator) ReconcileExternalRefund(ctx context.Context, event domain.PlatformEvent) (domain.ReconcileOutcome, error) {
	if event.PaymentIntentID == "" {
		return domain.OutcomeIgnored, nil
	}
	payment, err := o.payments.GetPaymentByExternalRef(ctx, event.PaymentIntentID)
	if errors.Is(err, store.ErrPaymentNotFound) {
		o.logger.Info("ignoring refund of unknown platform payment", "event_id", event.ID, "external_transaction_id", event.PaymentIntentID)
		return domain.OutcomeIgnored, nil
	}
	if err != nil {
		return "", err
	}

	transfer, err := o.ledger.TransferForPayment(ctx, payment.ID)
	if err != nil {
		// The success event may not have been reconciled yet; the delivery is retried.
		return "", fmt.Errorf("refund of payment %s before settlement: %w", payment.ID, err)
	}
	if transfer.Status == domain.TransferStatusReversed {
		return domain.OutcomeDuplicate, nil
	}

	reversalID := event.RefundID
	if reversalID == "" {
		// Charge payloads do not embed their refunds; ask the platform for the newest one.
		if event.ChargeID == "" {
			o.logger.Warn("ignoring refund event without charge", "event_id", event.ID, "payment_id", payment.ID)
			return domain.OutcomeIgnored, nil
		}
		refund, err := o.platform.LatestRefund(ctx, event.ChargeID)
		if err != nil {
			return "", fmt.Errorf("resolve refund of charge %s for payment %s: %w", event.ChargeID, payment.ID, err)
		}
		reversalID = refund.ID
	}
	reversed, err := o.ledger.MarkReversed(ctx, transfer.ID, domain.Reversal{
		ReversalID: reversalID,
		Reason:     domain.RefundReasonExternal,
		Amount:     domain.FromMinorUnits(event.AmountRefundedMinor),
		ReversedAt: o.now(),
	})
	if errors.Is(err, domain.ErrAlreadyReversed) {
		return domain.OutcomeDuplicate, nil
	}
	if err != nil {
		return "", err
	}

	o.publishReversed(ctx, reversed)
	return domain.OutcomeApplied, nil
}

// Refund refunds a settled payment and reverses its transfer. The transfer row is kept.
func (o *Orchestrator) Refund(ctx context.Context, paymentID uuid.UUID, amount *decimal.Decimal, reason domain.RefundReason) (*domain.RefundResult, error) {
	if reason.PlatformReason() == "" {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidRefundReason, reason)
	}

	payment, err := o.payments.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	transfer, err := o.ledger.TransferForPayment(ctx, paymentID)
	if errors.Is(err, store.ErrTransferNotFound) {
		return nil, fmt.Errorf("%w: payment %s has no settled transfer", store.ErrPaymentStateConflict, paymentID)
	}
	if err != nil {
		return nil, err
	}
	if err := domain.TransitionTransfer(transfer.Status, domain.TransferStatusReversed); err != nil {
		return nil, err
	}

	var amountMinor *int64
	if amount != nil {
		refundAmount := domain.RoundMoney(*amount)
		if !refundAmount.IsPositive() {
			return nil, domain.ErrInvalidAmount
		}
		if refundAmount.GreaterThan(transfer.Gross) {
			return nil, fmt.Errorf("%w: %s > %s", domain.ErrRefundExceedsAmount, refundAmount.StringFixed(2), transfer.Gross.StringFixed(2))
		}
		minor := domain.ToMinorUnits(refundAmount)
		amountMinor = &minor
	}

	refund, err := o.platform.CreateRefund(ctx, domain.RefundRequest{
		ExternalTransactionID: transfer.ExternalTransactionID,
		AmountMinor:           amountMinor,
		Reason:                reason.PlatformReason(),
		ReverseTransfer:       true,
		IdempotencyKey:        domain.RefundIdempotencyKey(paymentID, transfer.ID),
		Metadata: map[string]string{
			domain.MetadataPaymentID: paymentID.String(),
			"transfer_id":            transfer.ID.String(),
			"reason":                 string(reason),
		},
	})
	if err != nil {
		o.logger.Warn("refund failed", "payment_id", paymentID, "owner_id", ownerRef(payment), "error", err)
		return nil, fmt.Errorf("refund payment %s for owner %s: %w", paymentID, ownerRef(payment), err)
	}

	reversal := domain.Reversal{
		ReversalID: refund.ID,
		Reason:     reason,
		Amount:     domain.FromMinorUnits(refund.AmountMinor),
		ReversedAt: o.now(),
	}
	reversed, err := o.ledger.MarkReversed(ctx, transfer.ID, reversal)
	if errors.Is(err, domain.ErrAlreadyReversed) {
		// The platform's refund webhook can land before this write and record the
		// reversal as external.
		reversed, err = o.ledger.AmendReversal(ctx, transfer.ID, reversal)
		if errors.Is(err, domain.ErrAlreadyReversed) {
			current, getErr := o.ledger.TransferForPayment(ctx, paymentID)
			if getErr == nil && current.ReversalID != nil && *current.ReversalID == refund.ID {
				return refundResult(current), nil
			}
		}
		if err != nil {
			o.logger.Error("refund succeeded on platform but reversal was not relinked",
				"payment_id", paymentID,
				"transfer_id", transfer.ID,
				"refund_id", refund.ID,
				"error", err,
			)
			return nil, err
		}
		return refundResult(reversed), nil
	}
	if err != nil {
		o.logger.Error("refund succeeded on platform but reversal was not recorded",
			"payment_id", paymentID,
			"transfer_id", transfer.ID,
			"refund_id", refund.ID,
			"error", err,
		)
		return nil, err
	}

	o.publishReversed(ctx, reversed)
	return refundResult(reversed), nil
}

func refundResult(transfer *domain.Transfer) *domain.RefundResult {
	result := &domain.RefundResult{
		PaymentID:      transfer.PaymentID.String(),
		TransferID:     transfer.ID.String(),
		TransferStatus: transfer.Status,
	}
	if transfer.ReversalID != nil {
		result.ReversalID = *transfer.ReversalID
	}
	if transfer.ReversedAmount != nil {
		result.Amount = *transfer.ReversedAmount
	}
	if transfer.ReversedAt != nil {
		result.ReversedAt = *transfer.ReversedAt
	}
	return result
}

func (o *Orchestrator) publishReversed(ctx context.Context, transfer *domain.Transfer) {
	event := domain.SettlementReversedEvent{
		PaymentID:  transfer.PaymentID.String(),
		TransferID: transfer.ID.String(),
		ReversedAt: o.now(),
	}
	if transfer.ReversalID != nil {
		event.ReversalID = *transfer.ReversalID
	}
	if transfer.ReversedAmount != nil {
		event.Amount = *transfer.ReversedAmount
	}
	if transfer.ReversalReason != nil {
		event.Reason = *transfer.ReversalReason
	}
	publishEvent(ctx, o.publisher, o.logger, domain.RoutingKeySettlementReversed, event)
}

// ListStalePending returns pending platform-linked payments untouched for at least minAge.
func (o *Orchestrator) ListStalePending(ctx context.Context, minAge time.Duration, limit int) ([]domain.Payment, error) {
	return o.payments.ListStalePendingPayments(ctx, o.now().Add(-minAge), limit)
}

// ReconcilePending resolves a pending payment against the platform without waiting for a webhook.
func (o *Orchestrator) ReconcilePending(ctx context.Context, payment domain.Payment) (domain.ReconcileOutcome, error) {
	if payment.ExternalTransactionRef == nil {
		return domain.OutcomeIgnored, nil
	}
	platformPayment, err := o.platform.GetPayment(ctx, *payment.ExternalTransactionRef)
	if err != nil {
		return "", fmt.Errorf("sweep payment %s: %w", payment.ID, err)
	}

	event := domain.SettlementEvent{
		EventID:               "sweep:" + payment.ID.String(),
		ExternalTransactionID: platformPayment.ID,
		Metadata:              platformPayment.Metadata,
	}
	switch {
	case platformPayment.Status == domain.PlatformPaymentSucceeded:
		event.EventType = domain.EventPaymentSucceeded
		return o.ReconcileSuccess(ctx, event)
	case platformPayment.Status == domain.PlatformPaymentCanceled,
		platformPayment.Status == domain.PlatformPaymentRequiresPaymentMethod && platformPayment.FailureCode != "":
		event.EventType = domain.EventPaymentFailed
		return o.ReconcileFailure(ctx, event)
	}
	return domain.OutcomeIgnored, nil
}

func ownerRef(payment *domain.Payment) string {
	if payment.OwnerID == nil {
		return "unknown"
	}
	return payment.OwnerID.String()
}
