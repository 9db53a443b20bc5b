package market

import "fmt"

// Entry filter thresholds from the production setup.
const (
	volumeSpikeRatio = 1.5 // candle volume must exceed 1.5x smoothed volume
	lateEntryMaxPct  = 1.5 // max % above EMA20 before an entry is "chasing"
)

// BuyCheck is the verdict of the momentum entry filter.
type BuyCheck struct {
	OK     bool
	Reason string
}

// CheckBuyCondition evaluates the long entry filter on the last CLOSED
// candle (the forming bar repaints, so it is never used). livePrice, when
// non-zero, replaces the candle close for the trend checks.
func CheckBuyCondition(candles []Candle, livePrice float64) BuyCheck {
	if len(candles) < 2 {
		return BuyCheck{false, "not enough data"}
	}

	last := candles[len(candles)-2]
	closed := candles[:len(candles)-1]

	ema20 := EMA(closed, 20)
	vwap := IntradayVWAP(closed)
	volEMA := VolumeEMA(closed, 20)
	if ema20 == 0 || vwap == 0 || volEMA == 0 {
		return BuyCheck{false, "not enough data for indicators"}
	}

	price := last.Close
	if livePrice > 0 {
		price = livePrice
	}

	switch {
	case price <= vwap:
		return BuyCheck{false, "price below VWAP"}
	case price <= ema20:
		return BuyCheck{false, "price below EMA20"}
	case price <= last.Open:
		return BuyCheck{false, "red candle"}
	case last.Volume <= volEMA*volumeSpikeRatio:
		return BuyCheck{false, fmt.Sprintf("low volume (%.0f <= 1.5x avg %.0f)", last.Volume, volEMA)}
	}

	emaDist := (price - ema20) / ema20 * 100
	if emaDist > lateEntryMaxPct {
		return BuyCheck{false, fmt.Sprintf("late entry guard: %.2f%% above EMA20", emaDist)}
	}

	return BuyCheck{true, "price above VWAP/EMA20, volume spike, green candle"}
}
