package market

// Index symbols the breadth gate watches.
const (
	IndexNifty     = "NIFTY"
	IndexBankNifty = "BANKNIFTY"
)

// Breadth factors scale the stagnation hold limit. A strong tape earns a
// longer leash, a weak one gets cut early.
const (
	BreadthStrong = 2.0
	BreadthNormal = 1.5
	BreadthWeak   = 0.8

	strongRangePos = 0.55
	weakRangePos   = 0.45
)

// RangePosition returns where ltp sits inside the session's high-low
// range, 0 (at the low) to 1 (at the high). Returns 0.5 when the range
// is degenerate or there is no data.
func RangePosition(candles []Candle, ltp float64) float64 {
	if len(candles) == 0 || ltp <= 0 {
		return 0.5
	}

	high, low := candles[0].High, candles[0].Low
	for _, c := range candles[1:] {
		if c.High > high {
			high = c.High
		}
		if c.Low < low {
			low = c.Low
		}
	}
	if ltp > high {
		high = ltp
	}
	if ltp < low {
		low = ltp
	}

	if high <= low {
		return 0.5
	}
	return (ltp - low) / (high - low)
}

// StagnationFactor maps index range positions to a hold-limit multiplier.
// Both indices in the top of their range means momentum is broad and
// stagnant positions get more time; both in the bottom means the tape is
// heavy and dead money is cut sooner.
func StagnationFactor(niftyPos, bankNiftyPos float64) float64 {
	switch {
	case niftyPos > strongRangePos && bankNiftyPos > strongRangePos:
		return BreadthStrong
	case niftyPos < weakRangePos && bankNiftyPos < weakRangePos:
		return BreadthWeak
	default:
		return BreadthNormal
	}
}
