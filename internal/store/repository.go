/**
 * @description
 * Data access layer for the settlement service.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: Postgres driver and pooling.
 * - github.com/shopspring/decimal: NUMERIC columns map onto decimal values.
 */
package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	ErrAccountNotFound      = errors.New("connected account not found")
	ErrOwnerNotFound        = errors.New("owner not found")
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrTransferNotFound     = errors.New("transfer not found")
	ErrFeeScheduleNotFound  = errors.New("fee schedule not found")
	ErrPaymentStateConflict = errors.New("payment is not in a state that allows this change")
	ErrExternalRefConflict  = errors.New("payment is already linked to a different external transaction")
	ErrAccountAlreadyExists = errors.New("connected account already exists for owner")
)

// PostgresRepository implements the settlement repositories on Postgres.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23514"
}

func nullDecimalPtr(v decimal.NullDecimal) *decimal.Decimal {
	if !v.Valid {
		return nil
	}
	d := v.Decimal
	return &d
}
