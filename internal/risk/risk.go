// Package risk computes stop losses, take profits, position sizes and
// trailing-stop ladder steps. Every function here is pure: no I/O, no
// clock, no locks. Callers feed indicator snapshots in and get verdicts
// out, which keeps the whole package testable without a broker.
package risk

// Config carries the tunables for stop, target and size computation.
type Config struct {
	// Stop loss
	SLBufferPct   float64 `json:"sl_buffer_pct"`   // shave below structure, %
	MinSLAbsPct   float64 `json:"min_sl_abs_pct"`  // absolute floor on stop distance, %
	MaxSLPct      float64 `json:"max_sl_pct"`      // cap on stop distance, %
	ATRMultiplier float64 `json:"atr_multiplier"`  // dynamic floor = mult x ATR%
	SwingLookback int     `json:"swing_lookback"`  // candles scanned for swing points
	SwingWindow   int     `json:"swing_window"`    // bars each side to confirm a swing

	// Take profit
	TPMinAwayPct  float64 `json:"tp_min_away_pct"` // resistance closer than this is noise
	MinRiskReward float64 `json:"min_risk_reward"`

	// Sizing
	RiskPerTradePct  float64 `json:"risk_per_trade_pct"`
	MaxPositionPct   float64 `json:"max_position_pct"`
	MinSLDistancePct float64 `json:"min_sl_distance_pct"`
	Leverage         float64 `json:"leverage"`
	LotSize          int     `json:"lot_size"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SLBufferPct:   0.2,
		MinSLAbsPct:   0.25,
		MaxSLPct:      2.5,
		ATRMultiplier: 1.5,
		SwingLookback: 10,
		SwingWindow:   2,

		TPMinAwayPct:  0.6,
		MinRiskReward: 1.5,

		RiskPerTradePct:  1.0,
		MaxPositionPct:   25.0,
		MinSLDistancePct: 0.25,
		Leverage:         5.0,
		LotSize:          1,
	}
}
