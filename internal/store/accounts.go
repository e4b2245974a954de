package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/leasehold/settlement-service/internal/domain"
)

const accountColumns = `
	id, owner_id, external_account_id, account_type, email, status,
	charges_enabled, payouts_enabled, details_submitted, can_accept_payments, can_create_payouts,
	requirements_due, disabled_reason, payout_schedule, currency, is_active,
	deactivated_at, deactivation_reason, onboarding_started_at, activated_at, last_synced_at,
	created_at, updated_at`

func scanAccount(row pgx.Row) (*domain.ConnectedAccount, error) {
	var account domain.ConnectedAccount
	var accountType, status string
	if err := row.Scan(
		&account.ID,
		&account.OwnerID,
		&account.ExternalAccountID,
		&accountType,
		&account.Email,
		&status,
		&account.ChargesEnabled,
		&account.PayoutsEnabled,
		&account.DetailsSubmitted,
		&account.CanAcceptPayments,
		&account.CanCreatePayouts,
		&account.RequirementsDue,
		&account.DisabledReason,
		&account.PayoutSchedule,
		&account.Currency,
		&account.IsActive,
		&account.DeactivatedAt,
		&account.DeactivationReason,
		&account.OnboardingStartedAt,
		&account.ActivatedAt,
		&account.LastSyncedAt,
		&account.CreatedAt,
		&account.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	account.AccountType = domain.AccountType(accountType)
	account.Status = domain.AccountStatus(status)
	return &account, nil
}

// GetAccountByID fetches a connected account by its local id.
func (r *PostgresRepository) GetAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.ConnectedAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM connected_accounts WHERE id = $1`
	return scanAccount(r.db.QueryRow(ctx, query, accountID))
}

// GetAccountByOwnerID fetches the connected account of an owner.
func (r *PostgresRepository) GetAccountByOwnerID(ctx context.Context, ownerID uuid.UUID) (*domain.ConnectedAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM connected_accounts WHERE owner_id = $1`
	return scanAccount(r.db.QueryRow(ctx, query, ownerID))
}

// GetAccountByExternalID fetches a connected account by the platform's account id.
func (r *PostgresRepository) GetAccountByExternalID(ctx context.Context, externalID string) (*domain.ConnectedAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM connected_accounts WHERE external_account_id = $1`
	return scanAccount(r.db.QueryRow(ctx, query, externalID))
}

// CreateAccount inserts a connected account. When the owner already has one,
// the existing row is returned together with ErrAccountAlreadyExists.
func (r *PostgresRepository) CreateAccount(ctx context.Context, account *domain.ConnectedAccount) (*domain.ConnectedAccount, error) {
	query := `
		INSERT INTO connected_accounts (
			owner_id, external_account_id, account_type, email, status,
			charges_enabled, payouts_enabled, details_submitted, can_accept_payments, can_create_payouts,
			requirements_due, disabled_reason, payout_schedule, currency, is_active, last_synced_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (owner_id) DO NOTHING
		RETURNING ` + accountColumns

	requirements := account.RequirementsDue
	if requirements == nil {
		requirements = []string{}
	}

	created, err := scanAccount(r.db.QueryRow(ctx, query,
		account.OwnerID,
		account.ExternalAccountID,
		string(account.AccountType),
		account.Email,
		string(account.Status),
		account.ChargesEnabled,
		account.PayoutsEnabled,
		account.DetailsSubmitted,
		account.CanAcceptPayments,
		account.CanCreatePayouts,
		requirements,
		account.DisabledReason,
		account.PayoutSchedule,
		account.Currency,
		account.IsActive,
		account.LastSyncedAt,
	))
	if errors.Is(err, ErrAccountNotFound) {
		existing, getErr := r.GetAccountByOwnerID(ctx, account.OwnerID)
		if getErr != nil {
			return nil, getErr
		}
		return existing, ErrAccountAlreadyExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert connected account: %w", err)
	}
	return created, nil
}

// UpdateAccount persists every mutable field of a connected account.
func (r *PostgresRepository) UpdateAccount(ctx context.Context, account *domain.ConnectedAccount) (*domain.ConnectedAccount, error) {
	query := `
		UPDATE connected_accounts SET
			email = $2,
			status = $3,
			charges_enabled = $4,
			payouts_enabled = $5,
			details_submitted = $6,
			can_accept_payments = $7,
			can_create_payouts = $8,
			requirements_due = $9,
			disabled_reason = $10,
			payout_schedule = $11,
			currency = $12,
			is_active = $13,
			deactivated_at = $14,
			deactivation_reason = $15,
			onboarding_started_at = $16,
			activated_at = $17,
			last_synced_at = $18,
			updated_at = NOW()
		WHERE id = $1
		RETURNING ` + accountColumns

	requirements := account.RequirementsDue
	if requirements == nil {
		requirements = []string{}
	}

	return scanAccount(r.db.QueryRow(ctx, query,
		account.ID,
		account.Email,
		string(account.Status),
		account.ChargesEnabled,
		account.PayoutsEnabled,
		account.DetailsSubmitted,
		account.CanAcceptPayments,
		account.CanCreatePayouts,
		requirements,
		account.DisabledReason,
		account.PayoutSchedule,
		account.Currency,
		account.IsActive,
		account.DeactivatedAt,
		account.DeactivationReason,
		account.OnboardingStartedAt,
		account.ActivatedAt,
		account.LastSyncedAt,
	))
}

// ListAccountsByStatus returns accounts in the given statuses, least recently synced first.
func (r *PostgresRepository) ListAccountsByStatus(ctx context.Context, statuses []domain.AccountStatus, limit int) ([]domain.ConnectedAccount, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	values := make([]string, 0, len(statuses))
	for _, status := range statuses {
		values = append(values, string(status))
	}

	query := `
		SELECT ` + accountColumns + `
		FROM connected_accounts
		WHERE status = ANY($1::text[])
		ORDER BY last_synced_at ASC NULLS FIRST
		LIMIT $2`
	rows, err := r.db.Query(ctx, query, values, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []domain.ConnectedAccount
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *account)
	}
	return accounts, rows.Err()
}

// GetOwner fetches the owner record used for fee filters and account creation.
func (r *PostgresRepository) GetOwner(ctx context.Context, ownerID uuid.UUID) (*domain.Owner, error) {
	var owner domain.Owner
	var subject *string
	err := r.db.QueryRow(ctx, `SELECT id, owner_type, email, auth_subject FROM owners WHERE id = $1`, ownerID).
		Scan(&owner.ID, &owner.OwnerType, &owner.Email, &subject)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOwnerNotFound
		}
		return nil, err
	}
	if subject != nil {
		owner.AuthSubject = *subject
	}
	return &owner, nil
}

// FindOwnerByAuthSubject resolves an owner from the subject of an auth token.
func (r *PostgresRepository) FindOwnerByAuthSubject(ctx context.Context, subject string) (*domain.Owner, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, ErrOwnerNotFound
	}
	var owner domain.Owner
	err := r.db.QueryRow(ctx, `SELECT id, owner_type, email FROM owners WHERE auth_subject = $1`, subject).
		Scan(&owner.ID, &owner.OwnerType, &owner.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOwnerNotFound
		}
		return nil, err
	}
	owner.AuthSubject = subject
	return &owner, nil
}
