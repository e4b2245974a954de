package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/leasehold/settlement-service/internal/domain"
)

const feeScheduleColumns = `
	id, name, fee_type, percentage_rate, fixed_amount, minimum_fee, maximum_fee,
	owner_type, property_id, min_amount, max_amount, valid_from, valid_until,
	is_default, is_active, created_at`

func scanFeeSchedule(row pgx.Row) (*domain.FeeSchedule, error) {
	var schedule domain.FeeSchedule
	var feeType string
	var minAmount, maxAmount decimal.NullDecimal
	if err := row.Scan(
		&schedule.ID,
		&schedule.Name,
		&feeType,
		&schedule.PercentageRate,
		&schedule.FixedAmount,
		&schedule.MinimumFee,
		&schedule.MaximumFee,
		&schedule.OwnerType,
		&schedule.PropertyID,
		&minAmount,
		&maxAmount,
		&schedule.ValidFrom,
		&schedule.ValidUntil,
		&schedule.IsDefault,
		&schedule.IsActive,
		&schedule.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFeeScheduleNotFound
		}
		return nil, err
	}
	schedule.FeeType = domain.FeeType(feeType)
	schedule.MinAmount = nullDecimalPtr(minAmount)
	schedule.MaxAmount = nullDecimalPtr(maxAmount)
	return &schedule, nil
}

func (r *PostgresRepository) queryFeeSchedules(ctx context.Context, query string, args ...any) ([]domain.FeeSchedule, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []domain.FeeSchedule
	for rows.Next() {
		schedule, err := scanFeeSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, *schedule)
	}
	return schedules, rows.Err()
}

// ListActiveFeeSchedules returns every active schedule. Filtering by payment happens in the resolver.
func (r *PostgresRepository) ListActiveFeeSchedules(ctx context.Context) ([]domain.FeeSchedule, error) {
	return r.queryFeeSchedules(ctx, `SELECT `+feeScheduleColumns+` FROM fee_schedules WHERE is_active = TRUE ORDER BY created_at ASC`)
}

// ListFeeSchedules returns all schedules, newest first.
func (r *PostgresRepository) ListFeeSchedules(ctx context.Context) ([]domain.FeeSchedule, error) {
	return r.queryFeeSchedules(ctx, `SELECT `+feeScheduleColumns+` FROM fee_schedules ORDER BY created_at DESC`)
}

// GetFeeSchedule fetches one schedule.
func (r *PostgresRepository) GetFeeSchedule(ctx context.Context, scheduleID uuid.UUID) (*domain.FeeSchedule, error) {
	return scanFeeSchedule(r.db.QueryRow(ctx, `SELECT `+feeScheduleColumns+` FROM fee_schedules WHERE id = $1`, scheduleID))
}

// CreateFeeSchedule inserts a new schedule version. Existing rows are never edited.
func (r *PostgresRepository) CreateFeeSchedule(ctx context.Context, schedule *domain.FeeSchedule) (*domain.FeeSchedule, error) {
	query := `
		INSERT INTO fee_schedules (
			name, fee_type, percentage_rate, fixed_amount, minimum_fee, maximum_fee,
			owner_type, property_id, min_amount, max_amount, valid_from, valid_until,
			is_default, is_active
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING ` + feeScheduleColumns

	return scanFeeSchedule(r.db.QueryRow(ctx, query,
		schedule.Name,
		string(schedule.FeeType),
		schedule.PercentageRate,
		schedule.FixedAmount,
		schedule.MinimumFee,
		schedule.MaximumFee,
		schedule.OwnerType,
		schedule.PropertyID,
		schedule.MinAmount,
		schedule.MaxAmount,
		schedule.ValidFrom,
		schedule.ValidUntil,
		schedule.IsDefault,
		schedule.IsActive,
	))
}

// DeactivateFeeSchedule stops a schedule from matching new payments. Its core fields stay untouched.
func (r *PostgresRepository) DeactivateFeeSchedule(ctx context.Context, scheduleID uuid.UUID) (*domain.FeeSchedule, error) {
	query := `UPDATE fee_schedules SET is_active = FALSE WHERE id = $1 RETURNING ` + feeScheduleColumns
	return scanFeeSchedule(r.db.QueryRow(ctx, query, scheduleID))
}
