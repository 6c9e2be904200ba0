package fixedpoint

import (
	"math"
	"math/big"
	"sync"
)

// Fixed-point conventions used across the engine:
//   - capital amounts are int64 satoshis
//   - prices are int64 USD cents per BTC
//   - ratios, fractions and percentages are parts-per-million (RatioScale)
const (
	RatioScale int64 = 1_000_000
	SatsPerBTC int64 = 100_000_000
)

// RatioInfinite is the ratio reported when no collateral is required.
const RatioInfinite int64 = math.MaxInt64

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown
	RoundUp
)

// Pooled big.Int for intermediate products that exceed int64.
var intPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt() *big.Int {
	return intPool.Get().(*big.Int)
}

func putInt(v *big.Int) {
	v.SetInt64(0)
	intPool.Put(v)
}

// MulDiv computes a * b / den through a big.Int intermediate.
func MulDiv(a, b, den int64, mode RoundingMode) int64 {
	num := getInt()
	num.Mul(big.NewInt(a), big.NewInt(b))
	result := divide(num, den, mode)
	putInt(num)
	return result
}

func divide(numerator *big.Int, denominator int64, mode RoundingMode) int64 {
	denom := big.NewInt(denominator)
	quotient := getInt()
	remainder := getInt()

	quotient.DivMod(numerator, denom, remainder)
	result := quotient.Int64()

	switch mode {
	case RoundHalfEven:
		half := big.NewInt(denominator / 2)
		cmp := remainder.Cmp(half)
		if cmp > 0 {
			result++
		} else if cmp == 0 && denominator%2 == 0 {
			if result%2 != 0 {
				result++
			}
		}
	case RoundUp:
		if remainder.Sign() != 0 {
			result++
		}
	}

	putInt(quotient)
	putInt(remainder)

	return result
}

// RequiredPutCollateral returns the satoshis needed to fully back a PUT:
// protected_amount * protected_value / current_price. As the price falls the
// same USD promise costs more sats, so the requirement grows.
func RequiredPutCollateral(protectedAmount, protectedValue, currentPrice int64) int64 {
	if currentPrice <= 0 {
		return 0
	}
	return MulDiv(protectedAmount, protectedValue, currentPrice, RoundUp)
}

// USDValue converts satoshis to USD cents at the given price.
func USDValue(sats, priceCents int64) int64 {
	return MulDiv(sats, priceCents, SatsPerBTC, RoundHalfEven)
}

// Ratio returns collateralValue / requiredValue in ppm.
// A zero required value means the position is unconditionally healthy.
func Ratio(collateralValue, requiredValue int64) int64 {
	if requiredValue <= 0 {
		return RatioInfinite
	}
	return MulDiv(collateralValue, RatioScale, requiredValue, RoundDown)
}

// ApplyPct scales amount by a ppm fraction, rounding down.
func ApplyPct(amount, pct int64) int64 {
	return MulDiv(amount, pct, RatioScale, RoundDown)
}

// ProRata splits portion across weights proportionally, rounding each share
// down. The residue (portion - sum of shares) is returned for the caller to
// carry rather than drop. Weights of zero receive zero.
func ProRata(portion int64, weights []int64) (shares []int64, residue int64) {
	var totalWeight int64
	for _, w := range weights {
		totalWeight += w
	}

	shares = make([]int64, len(weights))
	if totalWeight <= 0 || portion <= 0 {
		return shares, portion
	}

	var distributed int64
	for i, w := range weights {
		shares[i] = MulDiv(portion, w, totalWeight, RoundDown)
		distributed += shares[i]
	}

	return shares, portion - distributed
}

// LargestRemainder splits total across weights so the shares sum to exactly
// total: floor shares first, then the units left over go to the largest
// fractional remainders (ties broken by index for determinism).
func LargestRemainder(total int64, weights []int64) []int64 {
	shares := make([]int64, len(weights))

	var totalWeight int64
	for _, w := range weights {
		totalWeight += w
	}
	if totalWeight <= 0 || total <= 0 {
		return shares
	}

	type rem struct {
		idx int
		rem int64
	}
	rems := make([]rem, 0, len(weights))

	var distributed int64
	for i, w := range weights {
		num := getInt()
		num.Mul(big.NewInt(total), big.NewInt(w))
		quotient := getInt()
		remainder := getInt()
		quotient.DivMod(num, big.NewInt(totalWeight), remainder)

		shares[i] = quotient.Int64()
		distributed += shares[i]
		rems = append(rems, rem{idx: i, rem: remainder.Int64()})

		putInt(num)
		putInt(quotient)
		putInt(remainder)
	}

	// Hand out the leftover units to the largest remainders.
	leftover := total - distributed
	for leftover > 0 {
		best := -1
		var bestRem int64 = -1
		for _, r := range rems {
			if r.rem > bestRem {
				best = r.idx
				bestRem = r.rem
			}
		}
		if best < 0 {
			break
		}
		shares[best]++
		leftover--
		for i := range rems {
			if rems[i].idx == best {
				rems[i].rem = -1
				break
			}
		}
	}

	return shares
}
