/**
 * @description
 * Fee schedules and fee calculation results.
 */
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// FeeType selects how a schedule computes the platform fee.
type FeeType string

const (
	FeeTypePercentage FeeType = "percentage"
	FeeTypeFixed      FeeType = "fixed"
	FeeTypeHybrid     FeeType = "hybrid"
)

// Platform-wide default applied when no schedule matches a payment.
var (
	DefaultPlatformFeePercent = decimal.NewFromInt(3)
	DefaultPlatformFeeFixed   = decimal.RequireFromString("0.50")
)

// Specificity tiers, highest wins.
const (
	SpecificityGlobal    = 1
	SpecificityOwnerType = 2
	SpecificityProperty  = 3
)

var hundred = decimal.NewFromInt(100)

// FeeSchedule is a named fee rule. Rows are never edited once a transfer references them.
type FeeSchedule struct {
	ID             uuid.UUID        `json:"id"`
	Name           string           `json:"name"`
	FeeType        FeeType          `json:"fee_type"`
	PercentageRate decimal.Decimal  `json:"percentage_rate"`
	FixedAmount    decimal.Decimal  `json:"fixed_amount"`
	MinimumFee     decimal.Decimal  `json:"minimum_fee"`
	MaximumFee     decimal.Decimal  `json:"maximum_fee"`
	OwnerType      *string          `json:"owner_type,omitempty"`
	PropertyID     *uuid.UUID       `json:"property_id,omitempty"`
	MinAmount      *decimal.Decimal `json:"min_amount,omitempty"`
	MaxAmount      *decimal.Decimal `json:"max_amount,omitempty"`
	ValidFrom      *time.Time       `json:"valid_from,omitempty"`
	ValidUntil     *time.Time       `json:"valid_until,omitempty"`
	IsDefault      bool             `json:"is_default"`
	IsActive       bool             `json:"is_active"`
	CreatedAt      time.Time        `json:"created_at"`
}

// FeeRequest is the input to fee resolution.
type FeeRequest struct {
	Amount     decimal.Decimal
	OwnerID    uuid.UUID
	OwnerType  string
	PropertyID *uuid.UUID
	At         time.Time
}

// FeeCalculation is a fully resolved fee breakdown for one payment.
type FeeCalculation struct {
	Gross        decimal.Decimal `json:"gross"`
	PlatformFee  decimal.Decimal `json:"platform_fee"`
	ExternalFee  decimal.Decimal `json:"external_fee"`
	Net          decimal.Decimal `json:"net"`
	Currency     string          `json:"currency"`
	ScheduleID   *uuid.UUID      `json:"schedule_id,omitempty"`
	ScheduleName string          `json:"schedule_name"`
	Explanation  string          `json:"explanation"`
}

// Validate checks a schedule before it is stored.
func (s FeeSchedule) Validate() error {
	if s.Name == "" {
		return errors.New("fee schedule name is required")
	}
	switch s.FeeType {
	case FeeTypePercentage:
		if !s.PercentageRate.IsPositive() {
			return errors.New("percentage schedules need a positive rate")
		}
	case FeeTypeFixed:
		if !s.FixedAmount.IsPositive() {
			return errors.New("fixed schedules need a positive amount")
		}
	case FeeTypeHybrid:
		if !s.PercentageRate.IsPositive() || s.FixedAmount.IsNegative() {
			return errors.New("hybrid schedules need a positive rate and a non-negative fixed amount")
		}
	default:
		return fmt.Errorf("unsupported fee type %q", s.FeeType)
	}
	if s.PercentageRate.GreaterThan(hundred) {
		return errors.New("percentage rate cannot exceed 100")
	}
	if s.MinimumFee.IsNegative() || s.MaximumFee.IsNegative() {
		return errors.New("fee caps cannot be negative")
	}
	if s.MaximumFee.IsPositive() && s.MinimumFee.GreaterThan(s.MaximumFee) {
		return errors.New("minimum fee cannot exceed maximum fee")
	}
	if s.MinAmount != nil && s.MaxAmount != nil && s.MinAmount.GreaterThan(*s.MaxAmount) {
		return errors.New("min amount cannot exceed max amount")
	}
	if s.ValidFrom != nil && s.ValidUntil != nil && !s.ValidUntil.After(*s.ValidFrom) {
		return errors.New("valid_until must be after valid_from")
	}
	return nil
}

// Matches reports whether every non-null filter of the schedule accepts the request.
func (s FeeSchedule) Matches(req FeeRequest) bool {
	if !s.IsActive {
		return false
	}
	if s.OwnerType != nil && *s.OwnerType != req.OwnerType {
		return false
	}
	if s.PropertyID != nil && (req.PropertyID == nil || *s.PropertyID != *req.PropertyID) {
		return false
	}
	if s.MinAmount != nil && req.Amount.LessThan(*s.MinAmount) {
		return false
	}
	if s.MaxAmount != nil && req.Amount.GreaterThan(*s.MaxAmount) {
		return false
	}
	if s.ValidFrom != nil && req.At.Before(*s.ValidFrom) {
		return false
	}
	if s.ValidUntil != nil && !req.At.Before(*s.ValidUntil) {
		return false
	}
	return true
}

// Specificity returns the schedule's tier and its count of non-null filters.
func (s FeeSchedule) Specificity() (tier int, filters int) {
	tier = SpecificityGlobal
	if s.OwnerType != nil {
		tier = SpecificityOwnerType
		filters++
	}
	if s.PropertyID != nil {
		tier = SpecificityProperty
		filters++
	}
	if s.MinAmount != nil {
		filters++
	}
	if s.MaxAmount != nil {
		filters++
	}
	if s.ValidFrom != nil {
		filters++
	}
	if s.ValidUntil != nil {
		filters++
	}
	return tier, filters
}

// ComputeFee evaluates the schedule against an amount and returns the rounded fee with a trace.
func (s FeeSchedule) ComputeFee(amount decimal.Decimal) (decimal.Decimal, []string) {
	var fee decimal.Decimal
	var trace []string

	switch s.FeeType {
	case FeeTypePercentage:
		fee = amount.Mul(s.PercentageRate).Div(hundred)
		trace = append(trace, fmt.Sprintf("%s x %s%% = %s", amount.StringFixed(2), s.PercentageRate.String(), RoundMoney(fee).StringFixed(2)))
	case FeeTypeFixed:
		fee = s.FixedAmount
		trace = append(trace, fmt.Sprintf("fixed fee %s", s.FixedAmount.StringFixed(2)))
	case FeeTypeHybrid:
		pct := amount.Mul(s.PercentageRate).Div(hundred)
		fee = pct.Add(s.FixedAmount)
		trace = append(trace, fmt.Sprintf("%s x %s%% + %s = %s", amount.StringFixed(2), s.PercentageRate.String(), s.FixedAmount.StringFixed(2), RoundMoney(fee).StringFixed(2)))
	}

	fee = RoundMoney(fee)
	if s.MinimumFee.IsPositive() && fee.LessThan(s.MinimumFee) {
		trace = append(trace, fmt.Sprintf("raised to minimum %s", s.MinimumFee.StringFixed(2)))
		fee = s.MinimumFee
	}
	if s.MaximumFee.IsPositive() && fee.GreaterThan(s.MaximumFee) {
		trace = append(trace, fmt.Sprintf("capped at maximum %s", s.MaximumFee.StringFixed(2)))
		fee = s.MaximumFee
	}
	return RoundMoney(fee), trace
}

// DefaultFeeSchedule builds the platform-wide fallback schedule.
func DefaultFeeSchedule(percent, fixed decimal.Decimal) FeeSchedule {
	return FeeSchedule{
		Name:           "platform default",
		FeeType:        FeeTypeHybrid,
		PercentageRate: percent,
		FixedAmount:    fixed,
		IsDefault:      true,
		IsActive:       true,
	}
}

// EstimateExternalFee estimates the processor fee for display. The platform-reported fee replaces it on settlement.
func EstimateExternalFee(amount, percent, fixed decimal.Decimal) decimal.Decimal {
	return RoundMoney(amount.Mul(percent).Div(hundred).Add(fixed))
}
