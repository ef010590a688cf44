package allocation

import "github.com/shopspring/decimal"

// mulRound returns amount*rate rounded half away from zero. The product is
// taken on |amount| and re-signed so that f(-x) == -f(x).
func mulRound(amount int64, rate decimal.Decimal) int64 {
	if amount == 0 {
		return 0
	}
	v := roundDecimal(decimal.NewFromInt(abs(amount)).Mul(rate))
	if amount < 0 {
		return -v
	}
	return v
}

// divRound returns amount/n rounded the same way as mulRound.
func divRound(amount, n int64) int64 {
	if n == 0 || amount == 0 {
		return 0
	}
	v := roundDecimal(decimal.NewFromInt(abs(amount)).Div(decimal.NewFromInt(n)))
	if amount < 0 {
		return -v
	}
	return v
}

func roundDecimal(d decimal.Decimal) int64 {
	if d.IsNegative() {
		return -d.Neg().Round(0).IntPart()
	}
	return d.Round(0).IntPart()
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
