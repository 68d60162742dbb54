// Package fixedpoint implements checked fixed-point arithmetic over int64.
// All monetary values, prices, and rates share a single implementation-wide
// scale. Overflow is never silent: every operation that can leave the int64
// range reports ErrOverflow.
package fixedpoint

import (
	"errors"
	"math"
	"math/big"
)

// Scale is the fixed-point denominator: rates and fractional values are
// integers scaled by 1e9 (e.g. a 1% fee rate is 10_000_000).
const Scale int64 = 1_000_000_000

// ErrOverflow reports that a fixed-point operation left the int64 domain.
var ErrOverflow = errors.New("fixed-point arithmetic overflow")

// Add returns a+b, checked.
func Add(a, b int64) (int64, error) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, ErrOverflow
	}
	return sum, nil
}

// Sub returns a-b, checked.
func Sub(a, b int64) (int64, error) {
	diff := a - b
	if (b < 0 && diff < a) || (b > 0 && diff > a) {
		return 0, ErrOverflow
	}
	return diff, nil
}

// Mul returns a*b, checked.
func Mul(a, b int64) (int64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	// MinInt64 * -1 wraps to MinInt64 and passes the division check below.
	if (a == math.MinInt64 && b == -1) || (b == math.MinInt64 && a == -1) {
		return 0, ErrOverflow
	}
	prod := a * b
	if prod/b != a {
		return 0, ErrOverflow
	}
	return prod, nil
}

// MulDiv returns a*b/den with the product held in a big.Int so the
// intermediate never wraps. The quotient truncates toward zero.
func MulDiv(a, b, den int64) (int64, error) {
	if den == 0 {
		return 0, ErrOverflow
	}
	num := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	num.Quo(num, big.NewInt(den))
	if !num.IsInt64() {
		return 0, ErrOverflow
	}
	return num.Int64(), nil
}

// MulScale returns a*rate/Scale: applies a Scale-denominated rate to a value.
func MulScale(a, rate int64) (int64, error) {
	return MulDiv(a, rate, Scale)
}
