package store

import (
	"context"
	"fmt"
)

// settlementSchema is applied at startup. Every statement is idempotent. The
// payments and owners tables belong to the property-management side; only the
// settlement columns are added here.
const settlementSchema = `
CREATE TABLE IF NOT EXISTS owners (
	id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	owner_type TEXT NOT NULL DEFAULT 'individual',
	email TEXT NOT NULL DEFAULT '',
	auth_subject TEXT UNIQUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS payments (
	id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	property_id UUID,
	amount NUMERIC(14,2) NOT NULL CHECK (amount > 0),
	currency TEXT NOT NULL DEFAULT 'eur',
	status TEXT NOT NULL DEFAULT 'pending',
	reference TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

ALTER TABLE payments ADD COLUMN IF NOT EXISTS owner_id UUID;
ALTER TABLE payments ADD COLUMN IF NOT EXISTS external_transaction_ref TEXT;
ALTER TABLE payments ADD COLUMN IF NOT EXISTS connected_account_ref TEXT;
ALTER TABLE payments ADD COLUMN IF NOT EXISTS platform_fee NUMERIC(14,2);
ALTER TABLE payments ADD COLUMN IF NOT EXISTS transfer_amount NUMERIC(14,2);
ALTER TABLE payments ADD COLUMN IF NOT EXISTS fee_schedule_id UUID;
ALTER TABLE payments ADD COLUMN IF NOT EXISTS transfer_completed BOOLEAN NOT NULL DEFAULT FALSE;
ALTER TABLE payments ADD COLUMN IF NOT EXISTS transfer_reference TEXT;
ALTER TABLE payments ADD COLUMN IF NOT EXISTS flag_reason TEXT;

CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_external_transaction_ref
	ON payments (external_transaction_ref) WHERE external_transaction_ref IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_payments_pending_external
	ON payments (updated_at) WHERE status = 'pending' AND external_transaction_ref IS NOT NULL;

CREATE TABLE IF NOT EXISTS connected_accounts (
	id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	owner_id UUID NOT NULL UNIQUE,
	external_account_id TEXT NOT NULL UNIQUE,
	account_type TEXT NOT NULL,
	email TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending_onboarding',
	charges_enabled BOOLEAN NOT NULL DEFAULT FALSE,
	payouts_enabled BOOLEAN NOT NULL DEFAULT FALSE,
	details_submitted BOOLEAN NOT NULL DEFAULT FALSE,
	can_accept_payments BOOLEAN NOT NULL DEFAULT FALSE,
	can_create_payouts BOOLEAN NOT NULL DEFAULT FALSE,
	requirements_due TEXT[] NOT NULL DEFAULT '{}',
	disabled_reason TEXT,
	payout_schedule TEXT NOT NULL DEFAULT 'daily',
	currency TEXT NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	deactivated_at TIMESTAMPTZ,
	deactivation_reason TEXT,
	onboarding_started_at TIMESTAMPTZ,
	activated_at TIMESTAMPTZ,
	last_synced_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CHECK (NOT can_accept_payments OR status = 'active')
);

CREATE TABLE IF NOT EXISTS fee_schedules (
	id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	name TEXT NOT NULL,
	fee_type TEXT NOT NULL CHECK (fee_type IN ('percentage', 'fixed', 'hybrid')),
	percentage_rate NUMERIC(7,4) NOT NULL DEFAULT 0,
	fixed_amount NUMERIC(14,2) NOT NULL DEFAULT 0,
	minimum_fee NUMERIC(14,2) NOT NULL DEFAULT 0,
	maximum_fee NUMERIC(14,2) NOT NULL DEFAULT 0,
	owner_type TEXT,
	property_id UUID,
	min_amount NUMERIC(14,2),
	max_amount NUMERIC(14,2),
	valid_from TIMESTAMPTZ,
	valid_until TIMESTAMPTZ,
	is_default BOOLEAN NOT NULL DEFAULT FALSE,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS transfers (
	id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	payment_id UUID NOT NULL UNIQUE,
	idempotency_key TEXT NOT NULL UNIQUE,
	destination_account TEXT NOT NULL,
	external_transaction_id TEXT NOT NULL,
	external_transfer_id TEXT,
	fee_schedule_id UUID REFERENCES fee_schedules(id),
	currency TEXT NOT NULL,
	gross NUMERIC(14,2) NOT NULL,
	platform_fee NUMERIC(14,2) NOT NULL,
	external_fee NUMERIC(14,2) NOT NULL,
	net NUMERIC(14,2) NOT NULL,
	status TEXT NOT NULL DEFAULT 'completed',
	reversal_id TEXT,
	reversed_at TIMESTAMPTZ,
	reversal_reason TEXT,
	reversed_amount NUMERIC(14,2),
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT transfers_accounting_identity CHECK (gross = platform_fee + external_fee + net),
	CONSTRAINT transfers_reversal_block CHECK (status <> 'reversed' OR (reversal_id IS NOT NULL AND reversed_at IS NOT NULL))
);
`

// EnsureSchema creates the settlement tables and columns if they are missing.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, settlementSchema); err != nil {
		return fmt.Errorf("failed to apply settlement schema: %w", err)
	}
	return nil
}
