/**
 * @description
 * Connected account model and its lifecycle state machine.
 *
 * All status changes go through TransitionAccount. An account only becomes
 * active from a status refresh against the payment platform.
 */
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AccountStatus is the lifecycle status of a connected account.
type AccountStatus string

const (
	AccountStatusPendingOnboarding    AccountStatus = "pending_onboarding"
	AccountStatusOnboardingStarted    AccountStatus = "onboarding_started"
	AccountStatusOnboardingIncomplete AccountStatus = "onboarding_incomplete"
	AccountStatusActive               AccountStatus = "active"
	AccountStatusRestricted           AccountStatus = "restricted"
	AccountStatusDisabled             AccountStatus = "disabled"
	AccountStatusRejected             AccountStatus = "rejected"
)

// AccountType is the legal form of the owner behind a connected account.
type AccountType string

const (
	AccountTypeIndividual AccountType = "individual"
	AccountTypeCompany    AccountType = "company"
)

// ParseAccountType validates a caller-supplied account type.
func ParseAccountType(raw string) (AccountType, error) {
	switch AccountType(strings.ToLower(strings.TrimSpace(raw))) {
	case AccountTypeIndividual:
		return AccountTypeIndividual, nil
	case AccountTypeCompany:
		return AccountTypeCompany, nil
	}
	return "", fmt.Errorf("unsupported account type %q", raw)
}

// TransitionCause identifies what triggered a status change.
type TransitionCause string

const (
	CauseOnboardingRequested TransitionCause = "onboarding_requested"
	CauseStatusRefresh       TransitionCause = "status_refresh"
)

// accountTransitions lists, per source status, the reachable statuses and the causes allowed to reach them.
var accountTransitions = map[AccountStatus]map[AccountStatus][]TransitionCause{
	AccountStatusPendingOnboarding: {
		AccountStatusOnboardingStarted:    {CauseOnboardingRequested},
		AccountStatusOnboardingIncomplete: {CauseStatusRefresh},
		AccountStatusActive:               {CauseStatusRefresh},
		AccountStatusRestricted:           {CauseStatusRefresh},
		AccountStatusRejected:             {CauseStatusRefresh},
	},
	AccountStatusOnboardingStarted: {
		AccountStatusOnboardingStarted:    {CauseOnboardingRequested},
		AccountStatusOnboardingIncomplete: {CauseStatusRefresh},
		AccountStatusActive:               {CauseStatusRefresh},
		AccountStatusRestricted:           {CauseStatusRefresh},
		AccountStatusRejected:             {CauseStatusRefresh},
	},
	AccountStatusOnboardingIncomplete: {
		AccountStatusOnboardingStarted:    {CauseOnboardingRequested},
		AccountStatusOnboardingIncomplete: {CauseStatusRefresh},
		AccountStatusActive:               {CauseStatusRefresh},
		AccountStatusRestricted:           {CauseStatusRefresh},
		AccountStatusRejected:             {CauseStatusRefresh},
	},
	AccountStatusActive: {
		AccountStatusActive:     {CauseStatusRefresh},
		AccountStatusRestricted: {CauseStatusRefresh},
		AccountStatusDisabled:   {CauseStatusRefresh},
	},
	AccountStatusRestricted: {
		AccountStatusActive:     {CauseStatusRefresh},
		AccountStatusRestricted: {CauseStatusRefresh, CauseOnboardingRequested},
		AccountStatusDisabled:   {CauseStatusRefresh},
	},
	AccountStatusDisabled: {
		AccountStatusActive:     {CauseStatusRefresh},
		AccountStatusRestricted: {CauseStatusRefresh},
		AccountStatusDisabled:   {CauseStatusRefresh},
	},
	AccountStatusRejected: {},
}

// TransitionAccount validates a status change and returns the target status.
func TransitionAccount(from, to AccountStatus, cause TransitionCause) (AccountStatus, error) {
	if to == AccountStatusActive && cause != CauseStatusRefresh {
		return from, fmt.Errorf("%w: %s -> %s requires a status refresh (cause=%s)", ErrIllegalTransition, from, to, cause)
	}

	targets, known := accountTransitions[from]
	if !known {
		return from, fmt.Errorf("%w: unknown account status %q", ErrIllegalTransition, from)
	}
	for _, allowed := range targets[to] {
		if allowed == cause {
			return to, nil
		}
	}
	return from, fmt.Errorf("%w: %s -> %s (cause=%s)", ErrIllegalTransition, from, to, cause)
}

// IsTerminal reports whether no further transitions leave the status.
func (s AccountStatus) IsTerminal() bool {
	return s == AccountStatusRejected
}

// HasBeenActivated reports whether the account has passed verification at least once.
func (s AccountStatus) HasBeenActivated() bool {
	return s == AccountStatusActive || s == AccountStatusRestricted || s == AccountStatusDisabled
}

// PlatformAccount is the payment platform's view of a connected account.
type PlatformAccount struct {
	ExternalID       string
	Email            string
	ChargesEnabled   bool
	PayoutsEnabled   bool
	DetailsSubmitted bool
	DisabledReason   string
	RequirementsDue  []string
	PayoutSchedule   string
	Currency         string
}

const defaultRestrictedReason = "requirements.pending_verification"

// DeriveAccountStatus maps platform-reported capability flags onto a local status.
func DeriveAccountStatus(current AccountStatus, snapshot PlatformAccount) (AccountStatus, string) {
	reason := snapshot.DisabledReason
	activated := current.HasBeenActivated()

	if strings.HasPrefix(reason, "rejected.") {
		if activated {
			return AccountStatusDisabled, reason
		}
		return AccountStatusRejected, reason
	}
	if reason == "platform_paused" && activated {
		return AccountStatusDisabled, reason
	}

	switch {
	case snapshot.ChargesEnabled && snapshot.PayoutsEnabled && snapshot.DetailsSubmitted:
		return AccountStatusActive, ""
	case snapshot.DetailsSubmitted, activated:
		if reason == "" {
			reason = defaultRestrictedReason
		}
		return AccountStatusRestricted, reason
	default:
		return AccountStatusOnboardingIncomplete, reason
	}
}

// ConnectedAccount is a property owner's payment-receiving account.
type ConnectedAccount struct {
	ID                  uuid.UUID     `json:"id"`
	OwnerID             uuid.UUID     `json:"owner_id"`
	ExternalAccountID   string        `json:"external_account_id"`
	AccountType         AccountType   `json:"account_type"`
	Email               string        `json:"email"`
	Status              AccountStatus `json:"status"`
	ChargesEnabled      bool          `json:"charges_enabled"`
	PayoutsEnabled      bool          `json:"payouts_enabled"`
	DetailsSubmitted    bool          `json:"details_submitted"`
	CanAcceptPayments   bool          `json:"can_accept_payments"`
	CanCreatePayouts    bool          `json:"can_create_payouts"`
	RequirementsDue     []string      `json:"requirements_due"`
	DisabledReason      *string       `json:"disabled_reason,omitempty"`
	PayoutSchedule      string        `json:"payout_schedule"`
	Currency            string        `json:"currency"`
	IsActive            bool          `json:"is_active"`
	DeactivatedAt       *time.Time    `json:"deactivated_at,omitempty"`
	DeactivationReason  *string       `json:"deactivation_reason,omitempty"`
	OnboardingStartedAt *time.Time    `json:"onboarding_started_at,omitempty"`
	ActivatedAt         *time.Time    `json:"activated_at,omitempty"`
	LastSyncedAt        *time.Time    `json:"last_synced_at,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// AcceptsPayments reports whether the account may receive new split payments.
func (a ConnectedAccount) AcceptsPayments() bool {
	return a.Status == AccountStatusActive && a.IsActive
}

// RecomputeCapabilities keeps the stored capability flags in line with status and the local toggle.
func (a *ConnectedAccount) RecomputeCapabilities() {
	a.CanAcceptPayments = a.AcceptsPayments()
	a.CanCreatePayouts = a.CanAcceptPayments && a.PayoutsEnabled
}

// ApplySnapshot copies platform-reported flags onto the account. Status is left to the caller.
func (a *ConnectedAccount) ApplySnapshot(snapshot PlatformAccount, syncedAt time.Time) {
	a.ChargesEnabled = snapshot.ChargesEnabled
	a.PayoutsEnabled = snapshot.PayoutsEnabled
	a.DetailsSubmitted = snapshot.DetailsSubmitted
	a.RequirementsDue = append([]string(nil), snapshot.RequirementsDue...)
	if snapshot.PayoutSchedule != "" {
		a.PayoutSchedule = snapshot.PayoutSchedule
	}
	if snapshot.Currency != "" {
		a.Currency = snapshot.Currency
	}
	a.LastSyncedAt = &syncedAt
}

// Owner is the subset of the CRUD owner record the settlement service reads.
type Owner struct {
	ID          uuid.UUID `json:"id"`
	OwnerType   string    `json:"owner_type"`
	Email       string    `json:"email"`
	AuthSubject string    `json:"-"`
}

// OnboardingLink is a short-lived hosted onboarding URL. It must not be used after ExpiresAt.
type OnboardingLink struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LoginLink grants an owner access to the platform's hosted dashboard.
type LoginLink struct {
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}
