package trigger

import (
	"math"

	"github.com/shopspring/decimal"
)

var (
	decimalZero = decimal.Zero
	decimalHalf = decimal.NewFromFloat(0.5)
)

func decFromFloat(val float64) decimal.Decimal {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return decimalZero
	}
	return decimal.NewFromFloat(val)
}

func decToFloat(val decimal.Decimal) float64 {
	f, _ := val.Float64()
	return f
}

func decimalCompare(a, b float64) int {
	return decFromFloat(a).Cmp(decFromFloat(b))
}

func decimalGTE(a, b float64) bool { return decimalCompare(a, b) >= 0 }
func decimalLTE(a, b float64) bool { return decimalCompare(a, b) <= 0 }

// snapAwayFrom rounds price to the nearest tick multiple; an exact half tick
// rounds away from ref so a snapped level never moves toward it.
func snapAwayFrom(price, tick, ref float64) float64 {
	if tick <= 0 {
		return price
	}
	t := decFromFloat(tick)
	q := decFromFloat(price).Div(t)
	lower := q.Floor()
	frac := q.Sub(lower)
	steps := lower
	switch frac.Cmp(decimalHalf) {
	case 1:
		steps = lower.Add(decimal.NewFromInt(1))
	case 0:
		if decimalCompare(price, ref) >= 0 {
			steps = lower.Add(decimal.NewFromInt(1))
		}
	}
	return decToFloat(steps.Mul(t))
}
