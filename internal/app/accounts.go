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

// AccountSettings configure account creation and onboarding.
type AccountSettings struct {
	Country    string
	Currency   string
	RefreshURL string
	ReturnURL  string
}

// AccountRegistry owns the lifecycle of each owner's connected account.
type AccountRegistry struct {
	repo      AccountRepository
	platform  PaymentPlatform
	publisher EventPublisher
	settings  AccountSettings
	logger    *slog.Logger
	now       func() time.Time
}

// NewAccountRegistry creates a new registry.
func NewAccountRegistry(repo AccountRepository, platform PaymentPlatform, publisher EventPublisher, settings AccountSettings, logger *slog.Logger) *AccountRegistry {
	return &AccountRegistry{
		repo:      repo,
		platform:  platform,
		publisher: publisher,
		settings:  settings,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateAccount returns the owner's connected account, creating it on the platform first when none exists.
// The boolean reports whether a new account was created.
func (r *AccountRegistry) CreateAccount(ctx context.Context, ownerID uuid.UUID, accountType domain.AccountType, email string) (*domain.ConnectedAccount, bool, error) {
	existing, err := r.repo.GetAccountByOwnerID(ctx, ownerID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrAccountNotFound) {
		return nil, false, fmt.Errorf("failed to look up account for owner %s: %w", ownerID, err)
	}

	owner, err := r.repo.GetOwner(ctx, ownerID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load owner %s: %w", ownerID, err)
	}
	email = strings.TrimSpace(email)
	if email == "" {
		email = owner.Email
	}

	snapshot, err := r.platform.CreateConnectedAccount(ctx, domain.CreateAccountRequest{
		OwnerID:        ownerID.String(),
		Email:          email,
		AccountType:    accountType,
		Country:        r.settings.Country,
		Currency:       r.settings.Currency,
		IdempotencyKey: domain.ConnectedAccountIdempotencyKey(ownerID),
	})
	if err != nil {
		return nil, false, fmt.Errorf("create connected account for owner %s: %w", ownerID, err)
	}

	account := &domain.ConnectedAccount{
		OwnerID:           ownerID,
		ExternalAccountID: snapshot.ExternalID,
		AccountType:       accountType,
		Email:             email,
		Status:            domain.AccountStatusPendingOnboarding,
		Currency:          r.settings.Currency,
		IsActive:          true,
	}
	account.ApplySnapshot(*snapshot, r.now())
	account.RecomputeCapabilities()

	created, err := r.repo.CreateAccount(ctx, account)
	if errors.Is(err, store.ErrAccountAlreadyExists) {
		// A concurrent request won; both used the same platform idempotency key.
		return created, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to store connected account for owner %s: %w", ownerID, err)
	}

	r.logger.Info("connected account created", "account_id", created.ID, "owner_id", ownerID, "external_account_id", created.ExternalAccountID)
	return created, true, nil
}

// BeginOnboarding requests a hosted onboarding link. The link is returned, never stored.
func (r *AccountRegistry) BeginOnboarding(ctx context.Context, accountID uuid.UUID, refreshURL, returnURL string) (*domain.OnboardingLink, error) {
	account, err := r.repo.GetAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}

	target := domain.AccountStatusOnboardingStarted
	if account.Status == domain.AccountStatusRestricted {
		target = domain.AccountStatusRestricted
	}
	if _, err := domain.TransitionAccount(account.Status, target, domain.CauseOnboardingRequested); err != nil {
		return nil, err
	}

	if strings.TrimSpace(refreshURL) == "" {
		refreshURL = r.settings.RefreshURL
	}
	if strings.TrimSpace(returnURL) == "" {
		returnURL = r.settings.ReturnURL
	}

	link, err := r.platform.CreateOnboardingLink(ctx, account.ExternalAccountID, refreshURL, returnURL)
	if err != nil {
		return nil, fmt.Errorf("create onboarding link for account %s (owner %s): %w", accountID, account.OwnerID, err)
	}

	previous := account.Status
	account.Status = target
	if account.OnboardingStartedAt == nil {
		startedAt := r.now()
		account.OnboardingStartedAt = &startedAt
	}
	account.RecomputeCapabilities()
	updated, err := r.repo.UpdateAccount(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("failed to update account %s: %w", accountID, err)
	}
	if previous != target {
		r.publishStatusChange(ctx, previous, updated)
	}

	r.logger.Info("onboarding started", "account_id", accountID, "owner_id", account.OwnerID, "expires_at", link.ExpiresAt)
	return link, nil
}

// RefreshStatus pulls the account's capability flags from the platform and recomputes its status.
func (r *AccountRegistry) RefreshStatus(ctx context.Context, accountID uuid.UUID) (*domain.ConnectedAccount, error) {
	account, err := r.repo.GetAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return r.refresh(ctx, account)
}

// RefreshByExternalID refreshes the account behind a platform account id.
func (r *AccountRegistry) RefreshByExternalID(ctx context.Context, externalAccountID string) (*domain.ConnectedAccount, error) {
	account, err := r.repo.GetAccountByExternalID(ctx, externalAccountID)
	if err != nil {
		return nil, err
	}
	return r.refresh(ctx, account)
}

func (r *AccountRegistry) refresh(ctx context.Context, account *domain.ConnectedAccount) (*domain.ConnectedAccount, error) {
	snapshot, err := r.platform.GetAccount(ctx, account.ExternalAccountID)
	if err != nil {
		return nil, fmt.Errorf("refresh account %s (owner %s): %w", account.ID, account.OwnerID, err)
	}

	next, reason := domain.DeriveAccountStatus(account.Status, *snapshot)
	if next != account.Status {
		if _, err := domain.TransitionAccount(account.Status, next, domain.CauseStatusRefresh); err != nil {
			r.logger.Warn("platform reported a status the account cannot move to",
				"account_id", account.ID,
				"status", account.Status,
				"reported_status", next,
				"error", err,
			)
			return nil, err
		}
	}

	now := r.now()
	previous := account.Status
	account.ApplySnapshot(*snapshot, now)
	account.Status = next
	if reason != "" {
		account.DisabledReason = &reason
	} else {
		account.DisabledReason = nil
	}
	if next == domain.AccountStatusActive && account.ActivatedAt == nil {
		account.ActivatedAt = &now
	}
	account.RecomputeCapabilities()

	updated, err := r.repo.UpdateAccount(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("failed to update account %s: %w", account.ID, err)
	}
	if previous != next {
		r.logger.Info("connected account status changed", "account_id", updated.ID, "owner_id", updated.OwnerID, "from", previous, "to", next)
		r.publishStatusChange(ctx, previous, updated)
	}
	return updated, nil
}

// CanAcceptPayments reports whether the owner's account may receive split payments.
func (r *AccountRegistry) CanAcceptPayments(ctx context.Context, ownerID uuid.UUID) (bool, error) {
	account, err := r.repo.GetAccountByOwnerID(ctx, ownerID)
	if errors.Is(err, store.ErrAccountNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return account.AcceptsPayments(), nil
}

// EligibleAccount returns the owner's account, or ErrAccountNotEligible when it cannot receive payments.
func (r *AccountRegistry) EligibleAccount(ctx context.Context, ownerID uuid.UUID) (*domain.ConnectedAccount, error) {
	account, err := r.repo.GetAccountByOwnerID(ctx, ownerID)
	if errors.Is(err, store.ErrAccountNotFound) {
		return nil, fmt.Errorf("%w: owner %s has no connected account", domain.ErrAccountNotEligible, ownerID)
	}
	if err != nil {
		return nil, err
	}
	if !account.AcceptsPayments() {
		return nil, fmt.Errorf("%w: account %s is %s (active=%t)", domain.ErrAccountNotEligible, account.ID, account.Status, account.IsActive)
	}
	return account, nil
}

// Disable switches an account off locally. The lifecycle status is left untouched.
func (r *AccountRegistry) Disable(ctx context.Context, accountID uuid.UUID, reason string) (*domain.ConnectedAccount, error) {
	account, err := r.repo.GetAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}

	now := r.now()
	reason = strings.TrimSpace(reason)
	account.IsActive = false
	account.DeactivatedAt = &now
	account.DeactivationReason = &reason
	account.RecomputeCapabilities()

	updated, err := r.repo.UpdateAccount(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("failed to disable account %s: %w", accountID, err)
	}
	r.logger.Info("connected account disabled", "account_id", accountID, "owner_id", updated.OwnerID, "reason", reason)
	r.publishStatusChange(ctx, updated.Status, updated)
	return updated, nil
}

// Enable switches a locally disabled account back on.
func (r *AccountRegistry) Enable(ctx context.Context, accountID uuid.UUID) (*domain.ConnectedAccount, error) {
	account, err := r.repo.GetAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}

	account.IsActive = true
	account.DeactivatedAt = nil
	account.DeactivationReason = nil
	account.RecomputeCapabilities()

	updated, err := r.repo.UpdateAccount(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("failed to enable account %s: %w", accountID, err)
	}
	r.logger.Info("connected account enabled", "account_id", accountID, "owner_id", updated.OwnerID)
	r.publishStatusChange(ctx, updated.Status, updated)
	return updated, nil
}

// GetAccountStatus returns the owner's account.
func (r *AccountRegistry) GetAccountStatus(ctx context.Context, ownerID uuid.UUID) (*domain.ConnectedAccount, error) {
	return r.repo.GetAccountByOwnerID(ctx, ownerID)
}

// OwnerForSubject resolves an authenticated subject to its owner.
func (r *AccountRegistry) OwnerForSubject(ctx context.Context, subject string) (*domain.Owner, error) {
	if strings.TrimSpace(subject) == "" {
		return nil, errors.New("subject cannot be empty")
	}
	return r.repo.FindOwnerByAuthSubject(ctx, subject)
}

// CreateLoginLink returns a link into the platform's hosted dashboard.
func (r *AccountRegistry) CreateLoginLink(ctx context.Context, ownerID uuid.UUID) (*domain.LoginLink, error) {
	account, err := r.repo.GetAccountByOwnerID(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if !account.DetailsSubmitted {
		return nil, fmt.Errorf("%w: account %s has not completed onboarding", domain.ErrAccountNotEligible, account.ID)
	}
	link, err := r.platform.CreateLoginLink(ctx, account.ExternalAccountID)
	if err != nil {
		return nil, fmt.Errorf("create login link for account %s (owner %s): %w", account.ID, ownerID, err)
	}
	return link, nil
}

// GetBalance returns the platform-held balance of the owner's account.
func (r *AccountRegistry) GetBalance(ctx context.Context, ownerID uuid.UUID) (*domain.AccountBalance, error) {
	account, err := r.repo.GetAccountByOwnerID(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	balance, err := r.platform.GetBalance(ctx, account.ExternalAccountID)
	if err != nil {
		return nil, fmt.Errorf("get balance for account %s (owner %s): %w", account.ID, ownerID, err)
	}
	return balance, nil
}

// CreatePayout pays out part of the owner's available balance. requestID makes retries safe.
func (r *AccountRegistry) CreatePayout(ctx context.Context, ownerID uuid.UUID, amount decimal.Decimal, requestID string) (*domain.Payout, error) {
	amount = domain.RoundMoney(amount)
	if !amount.IsPositive() {
		return nil, domain.ErrInvalidAmount
	}
	if strings.TrimSpace(requestID) == "" {
		return nil, &ValidationError{Message: "request_id is required"}
	}

	account, err := r.repo.GetAccountByOwnerID(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if !account.CanCreatePayouts {
		return nil, fmt.Errorf("%w: account %s cannot create payouts", domain.ErrAccountNotEligible, account.ID)
	}

	currency := account.Currency
	if currency == "" {
		currency = r.settings.Currency
	}
	payout, err := r.platform.CreatePayout(ctx, domain.PayoutRequest{
		ExternalAccountID: account.ExternalAccountID,
		AmountMinor:       domain.ToMinorUnits(amount),
		Currency:          currency,
		IdempotencyKey:    domain.PayoutIdempotencyKey(account.ID, requestID),
	})
	if err != nil {
		return nil, fmt.Errorf("create payout for account %s (owner %s): %w", account.ID, ownerID, err)
	}
	r.logger.Info("payout created", "account_id", account.ID, "owner_id", ownerID, "payout_id", payout.ID, "amount", amount.StringFixed(2))
	return payout, nil
}

// ListPayouts returns the owner's most recent payouts.
func (r *AccountRegistry) ListPayouts(ctx context.Context, ownerID uuid.UUID, limit int) ([]domain.Payout, error) {
	account, err := r.repo.GetAccountByOwnerID(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	payouts, err := r.platform.ListPayouts(ctx, account.ExternalAccountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list payouts for account %s (owner %s): %w", account.ID, ownerID, err)
	}
	return payouts, nil
}

// ListAccountsToRefresh returns accounts still waiting on platform verification.
func (r *AccountRegistry) ListAccountsToRefresh(ctx context.Context, limit int) ([]domain.ConnectedAccount, error) {
	return r.repo.ListAccountsByStatus(ctx, []domain.AccountStatus{
		domain.AccountStatusPendingOnboarding,
		domain.AccountStatusOnboardingStarted,
		domain.AccountStatusOnboardingIncomplete,
		domain.AccountStatusRestricted,
	}, limit)
}

func (r *AccountRegistry) publishStatusChange(ctx context.Context, previous domain.AccountStatus, account *domain.ConnectedAccount) {
	publishEvent(ctx, r.publisher, r.logger, domain.RoutingKeyAccountStatusChanged, domain.AccountStatusChangedEvent{
		AccountID:         account.ID.String(),
		OwnerID:           account.OwnerID.String(),
		PreviousStatus:    previous,
		Status:            account.Status,
		CanAcceptPayments: account.CanAcceptPayments,
		ChangedAt:         r.now(),
	})
}
