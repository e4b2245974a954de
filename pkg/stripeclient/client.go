/**
 * @description
 * Client for the Stripe Connect API. It maps the settlement service's platform
 * calls onto stripe-go and converts Stripe errors into ExternalPlatformError.
 *
 * @dependencies
 * - github.com/stripe/stripe-go/v82: Stripe API client.
 */
package stripeclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"

	"github.com/leasehold/settlement-service/internal/domain"
)

// Options configure a Client.
type Options struct {
	// BaseURL overrides the Stripe API endpoint (used by tests and local mocks).
	BaseURL string
	// MaxNetworkRetries is passed to stripe-go; zero disables client retries.
	MaxNetworkRetries int64
	Logger            *slog.Logger
}

// Client is a client for the Stripe Connect API.
type Client struct {
	api    *stripe.Client
	logger *slog.Logger
}

// NewClient creates a new Stripe client.
func NewClient(secretKey string, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	config := &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(opts.MaxNetworkRetries),
	}
	if opts.BaseURL != "" {
		config.URL = stripe.String(strings.TrimSuffix(opts.BaseURL, "/"))
	}
	backends := stripe.NewBackendsWithConfig(config)

	return &Client{
		api:    stripe.NewClient(secretKey, stripe.WithBackends(backends)),
		logger: logger,
	}
}

// wrapError converts a stripe-go error into the domain's platform error.
func (c *Client) wrapError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		c.logger.Warn("stripe request failed",
			"op", op,
			"status", stripeErr.HTTPStatusCode,
			"code", string(stripeErr.Code),
			"request_id", stripeErr.RequestID,
		)
		return &domain.ExternalPlatformError{
			Op:         op,
			Code:       string(stripeErr.Code),
			HTTPStatus: stripeErr.HTTPStatusCode,
			Message:    stripeErr.Msg,
			RequestID:  stripeErr.RequestID,
			Err:        err,
		}
	}
	c.logger.Warn("stripe request failed", "op", op, "error", err)
	return &domain.ExternalPlatformError{Op: op, Message: err.Error(), Err: err}
}

// CreateConnectedAccount creates an Express account for an owner.
func (c *Client) CreateConnectedAccount(ctx context.Context, req domain.CreateAccountRequest) (*domain.PlatformAccount, error) {
	params := &stripe.AccountCreateParams{
		Type:            stripe.String("express"),
		Country:         stripe.String(req.Country),
		Email:           stripe.String(req.Email),
		BusinessType:    stripe.String(string(req.AccountType)),
		DefaultCurrency: stripe.String(req.Currency),
		Capabilities: &stripe.AccountCreateCapabilitiesParams{
			CardPayments: &stripe.AccountCreateCapabilitiesCardPaymentsParams{
				Requested: stripe.Bool(true),
			},
			Transfers: &stripe.AccountCreateCapabilitiesTransfersParams{
				Requested: stripe.Bool(true),
			},
		},
	}
	params.AddMetadata("owner_id", req.OwnerID)
	params.SetIdempotencyKey(req.IdempotencyKey)

	account, err := c.api.V1Accounts.Create(ctx, params)
	if err != nil {
		return nil, c.wrapError("create_connected_account", err)
	}
	return toPlatformAccount(account), nil
}

// GetAccount fetches the current capability and verification state of an account.
func (c *Client) GetAccount(ctx context.Context, externalAccountID string) (*domain.PlatformAccount, error) {
	account, err := c.api.V1Accounts.GetByID(ctx, externalAccountID, nil)
	if err != nil {
		return nil, c.wrapError("get_account", err)
	}
	return toPlatformAccount(account), nil
}

// CreateOnboardingLink requests a hosted onboarding link. Links expire within minutes.
func (c *Client) CreateOnboardingLink(ctx context.Context, externalAccountID, refreshURL, returnURL string) (*domain.OnboardingLink, error) {
	link, err := c.api.V1AccountLinks.Create(ctx, &stripe.AccountLinkCreateParams{
		Account:    stripe.String(externalAccountID),
		RefreshURL: stripe.String(refreshURL),
		ReturnURL:  stripe.String(returnURL),
		Type:       stripe.String("account_onboarding"),
	})
	if err != nil {
		return nil, c.wrapError("create_onboarding_link", err)
	}
	return &domain.OnboardingLink{URL: link.URL, ExpiresAt: time.Unix(link.ExpiresAt, 0).UTC()}, nil
}

// CreateLoginLink creates a single-use Express dashboard link.
func (c *Client) CreateLoginLink(ctx context.Context, externalAccountID string) (*domain.LoginLink, error) {
	link, err := c.api.V1LoginLinks.Create(ctx, &stripe.LoginLinkCreateParams{
		Account: stripe.String(externalAccountID),
	})
	if err != nil {
		return nil, c.wrapError("create_login_link", err)
	}
	return &domain.LoginLink{URL: link.URL, CreatedAt: time.Unix(link.Created, 0).UTC()}, nil
}

// CreateSplitPayment creates a destination-charge payment intent.
func (c *Client) CreateSplitPayment(ctx context.Context, req domain.SplitPaymentRequest) (*domain.PlatformPayment, error) {
	params := &stripe.PaymentIntentCreateParams{
		Amount:               stripe.Int64(req.AmountMinor),
		Currency:             stripe.String(req.Currency),
		ApplicationFeeAmount: stripe.Int64(req.ApplicationFeeMinor),
		TransferData: &stripe.PaymentIntentCreateTransferDataParams{
			Destination: stripe.String(req.DestinationAccount),
		},
		AutomaticPaymentMethods: &stripe.PaymentIntentCreateAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	for key, value := range req.Metadata {
		params.AddMetadata(key, value)
	}
	params.SetIdempotencyKey(req.IdempotencyKey)

	intent, err := c.api.V1PaymentIntents.Create(ctx, params)
	if err != nil {
		return nil, c.wrapError("create_split_payment", err)
	}
	return toPlatformPayment(intent), nil
}

// GetPayment retrieves a payment intent with its latest charge and balance transaction expanded.
func (c *Client) GetPayment(ctx context.Context, externalTransactionID string) (*domain.PlatformPayment, error) {
	params := &stripe.PaymentIntentRetrieveParams{}
	params.AddExpand("latest_charge.balance_transaction")

	intent, err := c.api.V1PaymentIntents.Retrieve(ctx, externalTransactionID, params)
	if err != nil {
		return nil, c.wrapError("get_payment", err)
	}
	return toPlatformPayment(intent), nil
}

// CreateRefund refunds a payment intent and pulls the transferred funds back from the destination.
func (c *Client) CreateRefund(ctx context.Context, req domain.RefundRequest) (*domain.PlatformRefund, error) {
	params := &stripe.RefundCreateParams{
		PaymentIntent:   stripe.String(req.ExternalTransactionID),
		ReverseTransfer: stripe.Bool(req.ReverseTransfer),
	}
	if req.AmountMinor != nil {
		params.Amount = stripe.Int64(*req.AmountMinor)
	}
	if req.Reason != "" {
		params.Reason = stripe.String(req.Reason)
	}
	for key, value := range req.Metadata {
		params.AddMetadata(key, value)
	}
	params.SetIdempotencyKey(req.IdempotencyKey)

	refund, err := c.api.V1Refunds.Create(ctx, params)
	if err != nil {
		return nil, c.wrapError("create_refund", err)
	}
	return &domain.PlatformRefund{ID: refund.ID, Status: string(refund.Status), AmountMinor: refund.Amount}, nil
}

// LatestRefund returns the newest refund of a charge.
func (c *Client) LatestRefund(ctx context.Context, chargeID string) (*domain.PlatformRefund, error) {
	params := &stripe.RefundListParams{Charge: stripe.String(chargeID)}
	params.Limit = stripe.Int64(1)

	for refund, err := range c.api.V1Refunds.List(ctx, params) {
		if err != nil {
			return nil, c.wrapError("list_refunds", err)
		}
		return &domain.PlatformRefund{ID: refund.ID, Status: string(refund.Status), AmountMinor: refund.Amount}, nil
	}
	return nil, fmt.Errorf("%w: charge %s", domain.ErrRefundNotFound, chargeID)
}

// GetBalance returns the balance held for a connected account.
func (c *Client) GetBalance(ctx context.Context, externalAccountID string) (*domain.AccountBalance, error) {
	params := &stripe.BalanceRetrieveParams{}
	params.SetStripeAccount(externalAccountID)

	balance, err := c.api.V1Balance.Retrieve(ctx, params)
	if err != nil {
		return nil, c.wrapError("get_balance", err)
	}

	result := &domain.AccountBalance{}
	for _, amount := range balance.Available {
		result.Available = append(result.Available, domain.BalanceAmount{
			Amount:   domain.FromMinorUnits(amount.Amount),
			Currency: string(amount.Currency),
		})
	}
	for _, amount := range balance.Pending {
		result.Pending = append(result.Pending, domain.BalanceAmount{
			Amount:   domain.FromMinorUnits(amount.Amount),
			Currency: string(amount.Currency),
		})
	}
	return result, nil
}

// CreatePayout pays out part of a connected account's available balance.
func (c *Client) CreatePayout(ctx context.Context, req domain.PayoutRequest) (*domain.Payout, error) {
	params := &stripe.PayoutCreateParams{
		Amount:   stripe.Int64(req.AmountMinor),
		Currency: stripe.String(req.Currency),
	}
	params.SetStripeAccount(req.ExternalAccountID)
	params.SetIdempotencyKey(req.IdempotencyKey)

	payout, err := c.api.V1Payouts.Create(ctx, params)
	if err != nil {
		return nil, c.wrapError("create_payout", err)
	}
	return toPayout(payout), nil
}

// ListPayouts returns the most recent payouts of a connected account.
func (c *Client) ListPayouts(ctx context.Context, externalAccountID string, limit int) ([]domain.Payout, error) {
	if limit <= 0 {
		limit = 20
	}
	params := &stripe.PayoutListParams{}
	params.Limit = stripe.Int64(int64(limit))
	params.SetStripeAccount(externalAccountID)

	payouts := make([]domain.Payout, 0, limit)
	for payout, err := range c.api.V1Payouts.List(ctx, params) {
		if err != nil {
			return nil, c.wrapError("list_payouts", err)
		}
		payouts = append(payouts, *toPayout(payout))
		if len(payouts) >= limit {
			break
		}
	}
	return payouts, nil
}

func toPlatformAccount(account *stripe.Account) *domain.PlatformAccount {
	snapshot := &domain.PlatformAccount{
		ExternalID:       account.ID,
		Email:            account.Email,
		ChargesEnabled:   account.ChargesEnabled,
		PayoutsEnabled:   account.PayoutsEnabled,
		DetailsSubmitted: account.DetailsSubmitted,
		Currency:         string(account.DefaultCurrency),
	}
	if account.Requirements != nil {
		snapshot.DisabledReason = string(account.Requirements.DisabledReason)
		snapshot.RequirementsDue = account.Requirements.CurrentlyDue
	}
	if account.Settings != nil && account.Settings.Payouts != nil && account.Settings.Payouts.Schedule != nil {
		snapshot.PayoutSchedule = string(account.Settings.Payouts.Schedule.Interval)
	}
	return snapshot
}

func toPlatformPayment(intent *stripe.PaymentIntent) *domain.PlatformPayment {
	payment := &domain.PlatformPayment{
		ID:                  intent.ID,
		Status:              domain.PlatformPaymentStatus(intent.Status),
		AmountMinor:         intent.Amount,
		AmountReceivedMinor: intent.AmountReceived,
		Currency:            string(intent.Currency),
		ApplicationFeeMinor: intent.ApplicationFeeAmount,
		ClientSecret:        intent.ClientSecret,
		Metadata:            intent.Metadata,
	}
	if intent.TransferData != nil && intent.TransferData.Destination != nil {
		payment.DestinationAccount = intent.TransferData.Destination.ID
	}
	if charge := intent.LatestCharge; charge != nil {
		payment.ChargeID = charge.ID
		if charge.Transfer != nil {
			payment.TransferID = charge.Transfer.ID
		}
		// An unexpanded balance transaction only carries its id.
		if bt := charge.BalanceTransaction; bt != nil && bt.Object == "balance_transaction" {
			fee := bt.Fee
			payment.ProcessingFeeMinor = &fee
		}
	}
	if intent.LastPaymentError != nil {
		payment.FailureCode = string(intent.LastPaymentError.Code)
		payment.FailureMessage = intent.LastPaymentError.Msg
	}
	return payment
}

func toPayout(payout *stripe.Payout) *domain.Payout {
	result := &domain.Payout{
		ID:        payout.ID,
		Amount:    domain.FromMinorUnits(payout.Amount),
		Currency:  string(payout.Currency),
		Status:    string(payout.Status),
		CreatedAt: time.Unix(payout.Created, 0).UTC(),
	}
	if payout.ArrivalDate > 0 {
		arrival := time.Unix(payout.ArrivalDate, 0).UTC()
		result.ArrivalDate = &arrival
	}
	return result
}
