package market

import "math"

// EMA computes an exponential moving average over closes with the standard
// smoothing multiplier 2/(period+1). Returns the final value, or 0 when
// there are fewer candles than the period.
func EMA(candles []Candle, period int) float64 {
	if period <= 0 || len(candles) < period {
		return 0
	}

	// Seed with the SMA of the first window, then fold forward.
	var seed float64
	for _, c := range candles[:period] {
		seed += c.Close
	}
	ema := seed / float64(period)

	k := 2.0 / float64(period+1)
	for _, c := range candles[period:] {
		ema = c.Close*k + ema*(1-k)
	}
	return ema
}

// VolumeEMA smooths volume the same way EMA smooths closes. The entry
// filter compares the last closed candle's volume against 1.5x this value.
func VolumeEMA(candles []Candle, period int) float64 {
	if period <= 0 || len(candles) < period {
		return 0
	}

	var seed float64
	for _, c := range candles[:period] {
		seed += c.Volume
	}
	ema := seed / float64(period)

	k := 2.0 / float64(period+1)
	for _, c := range candles[period:] {
		ema = c.Volume*k + ema*(1-k)
	}
	return ema
}

// IntradayVWAP computes the volume weighted average price across the
// candles of the most recent session only. The accumulator resets at each
// day boundary so multi-day history does not bleed into today's value.
func IntradayVWAP(candles []Candle) float64 {
	if len(candles) == 0 {
		return 0
	}

	lastDay := candles[len(candles)-1].Time.In(IST()).Format("2006-01-02")

	var cumVP, cumVol float64
	for _, c := range candles {
		if c.Time.In(IST()).Format("2006-01-02") != lastDay {
			continue
		}
		cumVP += c.TypicalPrice() * c.Volume
		cumVol += c.Volume
	}
	if cumVol == 0 {
		return 0
	}
	return cumVP / cumVol
}

// ATRPercent computes the Wilder ATR over the given period and returns it
// as a percentage of the last close.
func ATRPercent(candles []Candle, period int) float64 {
	if period <= 0 || len(candles) < period+1 {
		return 0
	}

	trs := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		hl := candles[i].High - candles[i].Low
		hc := math.Abs(candles[i].High - candles[i-1].Close)
		lc := math.Abs(candles[i].Low - candles[i-1].Close)
		trs = append(trs, math.Max(hl, math.Max(hc, lc)))
	}

	var seed float64
	for _, tr := range trs[:period] {
		seed += tr
	}
	atr := seed / float64(period)
	for _, tr := range trs[period:] {
		atr = (atr*float64(period-1) + tr) / float64(period)
	}

	lastClose := candles[len(candles)-1].Close
	if lastClose <= 0 {
		return 0
	}
	return atr / lastClose * 100
}

// SwingLow returns the lowest confirmed swing low within the trailing
// lookback window. A bar is a swing low when its low is strictly below the
// lows of the `window` bars on each side. Returns 0 when none confirms.
func SwingLow(candles []Candle, lookback, window int) float64 {
	lows := swingPoints(candles, lookback, window, false)
	if len(lows) == 0 {
		return 0
	}
	low := lows[0]
	for _, v := range lows[1:] {
		if v < low {
			low = v
		}
	}
	return low
}

// SwingHighs returns the confirmed swing highs within the trailing
// lookback window, ascending. Take-profit selection walks these from the
// nearest upward.
func SwingHighs(candles []Candle, lookback, window int) []float64 {
	highs := swingPoints(candles, lookback, window, true)
	// insertion sort; the slice is tiny
	for i := 1; i < len(highs); i++ {
		for j := i; j > 0 && highs[j] < highs[j-1]; j-- {
			highs[j], highs[j-1] = highs[j-1], highs[j]
		}
	}
	return highs
}

func swingPoints(candles []Candle, lookback, window int, wantHigh bool) []float64 {
	if window < 1 || len(candles) < 2*window+1 {
		return nil
	}
	start := len(candles) - lookback
	if start < window {
		start = window
	}

	var points []float64
	for i := start; i < len(candles)-window; i++ {
		confirmed := true
		for j := i - window; j <= i+window; j++ {
			if j == i {
				continue
			}
			if wantHigh && candles[j].High >= candles[i].High {
				confirmed = false
				break
			}
			if !wantHigh && candles[j].Low <= candles[i].Low {
				confirmed = false
				break
			}
		}
		if confirmed {
			if wantHigh {
				points = append(points, candles[i].High)
			} else {
				points = append(points, candles[i].Low)
			}
		}
	}
	return points
}

// PivotLevels computes classic floor-trader pivots from the previous
// session's high, low and close.
func PivotLevels(prevHigh, prevLow, prevClose float64) (r1, r2 float64) {
	p := (prevHigh + prevLow + prevClose) / 3
	r1 = 2*p - prevLow
	r2 = p + (prevHigh - prevLow)
	return r1, r2
}
