package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestComputeFee(t *testing.T) {
	tests := []struct {
		name     string
		schedule FeeSchedule
		amount   string
		want     string
	}{
		{"hybrid default", DefaultFeeSchedule(dec("3"), dec("0.50")), "1000", "30.50"},
		{"percentage rounds to cents", FeeSchedule{FeeType: FeeTypePercentage, PercentageRate: dec("2.5")}, "33.33", "0.83"},
		{"fixed ignores amount", FeeSchedule{FeeType: FeeTypeFixed, FixedAmount: dec("25")}, "1.00", "25.00"},
		{"raised to minimum", FeeSchedule{FeeType: FeeTypePercentage, PercentageRate: dec("1"), MinimumFee: dec("1")}, "10", "1.00"},
		{"capped at maximum", FeeSchedule{FeeType: FeeTypePercentage, PercentageRate: dec("10"), MaximumFee: dec("50")}, "1000", "50.00"},
		{"zero maximum means no cap", FeeSchedule{FeeType: FeeTypePercentage, PercentageRate: dec("10")}, "1000", "100.00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fee, trace := tt.schedule.ComputeFee(dec(tt.amount))
			if !fee.Equal(dec(tt.want)) {
				t.Fatalf("expected fee %s, got %s", tt.want, fee)
			}
			if len(trace) == 0 {
				t.Fatal("expected a computation trace")
			}
		})
	}
}

func TestFeeScheduleMatches(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	propertyID := uuid.New()
	company := "company"
	minAmount := dec("100")
	maxAmount := dec("500")
	from := now.Add(-time.Hour)
	until := now

	base := FeeRequest{Amount: dec("200"), OwnerType: "individual", At: now.Add(-time.Minute)}

	tests := []struct {
		name     string
		schedule FeeSchedule
		req      FeeRequest
		want     bool
	}{
		{"global active", FeeSchedule{IsActive: true}, base, true},
		{"inactive", FeeSchedule{}, base, false},
		{"owner type mismatch", FeeSchedule{IsActive: true, OwnerType: &company}, base, false},
		{"property required but absent", FeeSchedule{IsActive: true, PropertyID: &propertyID}, base, false},
		{"property matches", FeeSchedule{IsActive: true, PropertyID: &propertyID}, FeeRequest{Amount: base.Amount, OwnerType: base.OwnerType, PropertyID: &propertyID, At: base.At}, true},
		{"below min amount", FeeSchedule{IsActive: true, MinAmount: &minAmount}, FeeRequest{Amount: dec("99.99"), At: base.At}, false},
		{"above max amount", FeeSchedule{IsActive: true, MaxAmount: &maxAmount}, FeeRequest{Amount: dec("500.01"), At: base.At}, false},
		{"inside validity window", FeeSchedule{IsActive: true, ValidFrom: &from, ValidUntil: &until}, base, true},
		{"valid until is exclusive", FeeSchedule{IsActive: true, ValidFrom: &from, ValidUntil: &until}, FeeRequest{Amount: base.Amount, At: now}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.schedule.Matches(tt.req); got != tt.want {
				t.Fatalf("expected %t, got %t", tt.want, got)
			}
		})
	}
}

func TestFeeScheduleSpecificity(t *testing.T) {
	company := "company"
	propertyID := uuid.New()
	minAmount := dec("1")

	tier, filters := FeeSchedule{}.Specificity()
	if tier != SpecificityGlobal || filters != 0 {
		t.Fatalf("expected global tier without filters, got %d/%d", tier, filters)
	}
	tier, filters = FeeSchedule{OwnerType: &company, MinAmount: &minAmount}.Specificity()
	if tier != SpecificityOwnerType || filters != 2 {
		t.Fatalf("expected owner type tier with 2 filters, got %d/%d", tier, filters)
	}
	tier, _ = FeeSchedule{OwnerType: &company, PropertyID: &propertyID}.Specificity()
	if tier != SpecificityProperty {
		t.Fatalf("expected property tier, got %d", tier)
	}
}

func TestFeeScheduleValidate(t *testing.T) {
	from := time.Now()
	until := from.Add(-time.Hour)
	minAmount := dec("10")
	maxAmount := dec("5")

	tests := []struct {
		name     string
		schedule FeeSchedule
		wantErr  bool
	}{
		{"valid hybrid", FeeSchedule{Name: "std", FeeType: FeeTypeHybrid, PercentageRate: dec("3"), FixedAmount: dec("0.50")}, false},
		{"missing name", FeeSchedule{FeeType: FeeTypeFixed, FixedAmount: dec("1")}, true},
		{"unknown type", FeeSchedule{Name: "x", FeeType: "tiered"}, true},
		{"percentage without rate", FeeSchedule{Name: "x", FeeType: FeeTypePercentage}, true},
		{"rate above 100", FeeSchedule{Name: "x", FeeType: FeeTypePercentage, PercentageRate: dec("101")}, true},
		{"minimum above maximum", FeeSchedule{Name: "x", FeeType: FeeTypeFixed, FixedAmount: dec("1"), MinimumFee: dec("5"), MaximumFee: dec("2")}, true},
		{"inverted amount range", FeeSchedule{Name: "x", FeeType: FeeTypeFixed, FixedAmount: dec("1"), MinAmount: &minAmount, MaxAmount: &maxAmount}, true},
		{"inverted validity", FeeSchedule{Name: "x", FeeType: FeeTypeFixed, FixedAmount: dec("1"), ValidFrom: &from, ValidUntil: &until}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.schedule.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestMinorUnits(t *testing.T) {
	if got := ToMinorUnits(dec("969.50")); got != 96950 {
		t.Fatalf("expected 96950, got %d", got)
	}
	if got := ToMinorUnits(dec("12.3449")); got != 1234 {
		t.Fatalf("expected 1234, got %d", got)
	}
	if got := FromMinorUnits(3050); !got.Equal(dec("30.50")) {
		t.Fatalf("expected 30.50, got %s", got)
	}
	if got := EstimateExternalFee(dec("1000"), dec("2.9"), dec("0.30")); !got.Equal(dec("29.30")) {
		t.Fatalf("expected 29.30, got %s", got)
	}
}
