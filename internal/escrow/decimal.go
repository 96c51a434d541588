package escrow

import (
	"fmt"
	"math/big"
)

// currencyPrecision is the number of fractional digits each supported
// currency is settled to. Not specified exactly by spec.md beyond the
// FLOP example (precision 8); the rest are plausible real-world values
// used consistently for the split/rounding arithmetic.
var currencyPrecision = map[string]int{
	"FLOP": 8,
	"BTC":  8,
	"ETH":  18,
	"USDT": 6,
	"BNB":  18,
	"XRP":  6,
	"SOL":  9,
	"ADA":  6,
	"DOGE": 8,
	"TON":  9,
	"TRX":  6,
}

// PrecisionOf returns the settlement precision for currency, defaulting to
// 8 decimal places for any currency not in the table.
func PrecisionOf(currency string) int {
	if p, ok := currencyPrecision[currency]; ok {
		return p
	}
	return 8
}

// parseAmount parses a decimal string into an exact rational.
func parseAmount(s string) (*big.Rat, error) {
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, fmt.Errorf("invalid decimal amount %q", s)
	}
	return r, nil
}

// roundHalfUp rounds r to precision fractional digits, rounding .5 away
// from zero, matching round_half_up in spec.md §4.H.
func roundHalfUp(r *big.Rat, precision int) *big.Rat {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(precision)), nil)
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt(scale))

	num := new(big.Int).Set(scaled.Num())
	den := new(big.Int).Set(scaled.Denom())

	neg := num.Sign() < 0
	if neg {
		num.Neg(num)
	}

	quotient, remainder := new(big.Int).QuoRem(num, den, new(big.Int))
	twiceRemainder := new(big.Int).Mul(remainder, big.NewInt(2))
	if twiceRemainder.Cmp(den) >= 0 {
		quotient.Add(quotient, big.NewInt(1))
	}
	if neg {
		quotient.Neg(quotient)
	}

	return new(big.Rat).SetFrac(quotient, scale)
}

// formatAmount renders r with exactly precision fractional digits.
func formatAmount(r *big.Rat, precision int) string {
	return r.FloatString(precision)
}

// splitAmount computes the 95/5 completion split, ensuring the two halves
// sum exactly to amount: community is rounded half-up to currency
// precision, and seller absorbs the remainder.
func splitAmount(amountStr, currency string, communityShare float64) (sellerStr, communityStr string, err error) {
	amount, err := parseAmount(amountStr)
	if err != nil {
		return "", "", err
	}
	precision := PrecisionOf(currency)

	shareRat := new(big.Rat).SetFloat64(communityShare)
	if shareRat == nil {
		return "", "", fmt.Errorf("invalid community share %v", communityShare)
	}

	community := roundHalfUp(new(big.Rat).Mul(amount, shareRat), precision)
	seller := new(big.Rat).Sub(amount, community)

	return formatAmount(seller, precision), formatAmount(community, precision), nil
}
