package app

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/leasehold/settlement-service/internal/domain"
)

// FeeSettings are the platform-level fee constants.
type FeeSettings struct {
	DefaultPercent  decimal.Decimal
	DefaultFixed    decimal.Decimal
	ExternalPercent decimal.Decimal
	ExternalFixed   decimal.Decimal
	Currency        string
}

// FeeResolver selects and evaluates the fee schedule that applies to a payment.
type FeeResolver struct {
	schedules FeeScheduleRepository
	owners    OwnerRepository
	settings  FeeSettings
	logger    *slog.Logger
	now       func() time.Time
}

// NewFeeResolver creates a new fee resolver.
func NewFeeResolver(schedules FeeScheduleRepository, owners OwnerRepository, settings FeeSettings, logger *slog.Logger) *FeeResolver {
	if settings.DefaultPercent.IsZero() && settings.DefaultFixed.IsZero() {
		settings.DefaultPercent = domain.DefaultPlatformFeePercent
		settings.DefaultFixed = domain.DefaultPlatformFeeFixed
	}
	return &FeeResolver{
		schedules: schedules,
		owners:    owners,
		settings:  settings,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Calculate resolves the platform fee for an amount paid to an owner.
func (r *FeeResolver) Calculate(ctx context.Context, amount decimal.Decimal, ownerID uuid.UUID, propertyID *uuid.UUID) (*domain.FeeCalculation, error) {
	amount = domain.RoundMoney(amount)
	if !amount.IsPositive() {
		return nil, domain.ErrInvalidAmount
	}

	owner, err := r.owners.GetOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load owner %s: %w", ownerID, err)
	}

	schedules, err := r.schedules.ListActiveFeeSchedules(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load fee schedules: %w", err)
	}

	req := domain.FeeRequest{
		Amount:     amount,
		OwnerID:    ownerID,
		OwnerType:  owner.OwnerType,
		PropertyID: propertyID,
		At:         r.now(),
	}

	schedule := SelectFeeSchedule(schedules, req)
	if schedule == nil {
		fallback := domain.DefaultFeeSchedule(r.settings.DefaultPercent, r.settings.DefaultFixed)
		schedule = &fallback
	}

	fee, trace := schedule.ComputeFee(amount)
	net := amount.Sub(fee)
	if !net.IsPositive() {
		return nil, fmt.Errorf("%w: fee %s on amount %s (schedule %q)", domain.ErrFeeExceedsAmount, fee.StringFixed(2), amount.StringFixed(2), schedule.Name)
	}

	calc := &domain.FeeCalculation{
		Gross:        amount,
		PlatformFee:  fee,
		ExternalFee:  r.EstimateExternalFee(amount),
		Net:          net,
		Currency:     r.settings.Currency,
		ScheduleName: schedule.Name,
		Explanation:  schedule.Name + ": " + strings.Join(trace, "; "),
	}
	if schedule.ID != uuid.Nil {
		id := schedule.ID
		calc.ScheduleID = &id
	}
	return calc, nil
}

// EstimateExternalFee estimates the processor fee on an amount for display.
func (r *FeeResolver) EstimateExternalFee(amount decimal.Decimal) decimal.Decimal {
	return domain.EstimateExternalFee(amount, r.settings.ExternalPercent, r.settings.ExternalFixed)
}

// SelectFeeSchedule returns the most specific matching schedule, or nil when none matches.
// Ranking: property > owner type > global, then more filters, then explicit over default,
// then the newest valid_from, then the lowest id.
func SelectFeeSchedule(schedules []domain.FeeSchedule, req domain.FeeRequest) *domain.FeeSchedule {
	var candidates []domain.FeeSchedule
	for _, schedule := range schedules {
		if schedule.Matches(req) {
			candidates = append(candidates, schedule)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	slices.SortFunc(candidates, compareSchedules)
	best := candidates[0]
	return &best
}

// compareSchedules orders the preferred schedule first.
func compareSchedules(a, b domain.FeeSchedule) int {
	aTier, aFilters := a.Specificity()
	bTier, bFilters := b.Specificity()
	if c := cmp.Compare(bTier, aTier); c != 0 {
		return c
	}
	if c := cmp.Compare(bFilters, aFilters); c != 0 {
		return c
	}
	if a.IsDefault != b.IsDefault {
		if a.IsDefault {
			return 1
		}
		return -1
	}
	if c := compareValidFrom(a.ValidFrom, b.ValidFrom); c != 0 {
		return c
	}
	return strings.Compare(a.ID.String(), b.ID.String())
}

// compareValidFrom puts the newest start first. An open start counts as the oldest.
func compareValidFrom(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	return b.Compare(*a)
}

// CreateSchedule validates and stores a new schedule version.
func (r *FeeResolver) CreateSchedule(ctx context.Context, schedule domain.FeeSchedule) (*domain.FeeSchedule, error) {
	schedule.IsActive = true
	if err := schedule.Validate(); err != nil {
		return nil, &ValidationError{Message: err.Error()}
	}
	created, err := r.schedules.CreateFeeSchedule(ctx, &schedule)
	if err != nil {
		return nil, fmt.Errorf("failed to create fee schedule: %w", err)
	}
	r.logger.Info("fee schedule created", "schedule_id", created.ID, "name", created.Name, "fee_type", created.FeeType)
	return created, nil
}

// ListSchedules returns every schedule, active or not.
func (r *FeeResolver) ListSchedules(ctx context.Context) ([]domain.FeeSchedule, error) {
	return r.schedules.ListFeeSchedules(ctx)
}

// DeactivateSchedule stops a schedule from matching new payments.
func (r *FeeResolver) DeactivateSchedule(ctx context.Context, scheduleID uuid.UUID) (*domain.FeeSchedule, error) {
	schedule, err := r.schedules.DeactivateFeeSchedule(ctx, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("failed to deactivate fee schedule %s: %w", scheduleID, err)
	}
	r.logger.Info("fee schedule deactivated", "schedule_id", scheduleID)
	return schedule, nil
}

// ValidationError reports invalid caller input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}
