package utils

import "github.com/shopspring/decimal"

// MaxTokenDecimals is the finest unit an ERC-20 style amount can carry.
const MaxTokenDecimals = 18

var maxPlausibleAmount = decimal.New(1, 27)

// IsPlausibleAmount rejects zero, negative, absurdly large and over-precise amounts.
func IsPlausibleAmount(d decimal.Decimal) bool {
	if !d.IsPositive() {
		return false
	}
	if d.GreaterThanOrEqual(maxPlausibleAmount) {
		return false
	}
	return d.Exponent() >= -MaxTokenDecimals || d.Equal(d.Truncate(MaxTokenDecimals))
}
