package domain

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// NativeDecimals is the number of fractional digits of the chain currency
const NativeDecimals = 18

// FormatUnits renders a raw integer amount as a decimal string with the given
// number of fractional digits, trailing zeros trimmed.
func FormatUnits(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -int32(decimals)).String()
}
