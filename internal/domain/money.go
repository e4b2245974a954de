/**
 * @description
 * Money helpers. Amounts are decimal currency values inside the service and
 * integer minor units only at the payment platform boundary.
 */
package domain

import "github.com/shopspring/decimal"

// MinorUnitExponent is the number of decimal places used by the settlement currency.
const MinorUnitExponent = 2

var minorUnitFactor = decimal.New(1, MinorUnitExponent)

// RoundMoney rounds a decimal amount to the currency's minor unit.
func RoundMoney(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(MinorUnitExponent)
}

// ToMinorUnits converts a decimal amount to integer minor units (e.g. cents).
func ToMinorUnits(amount decimal.Decimal) int64 {
	return RoundMoney(amount).Mul(minorUnitFactor).IntPart()
}

// FromMinorUnits converts integer minor units into a decimal amount.
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -MinorUnitExponent)
}
