// Package market holds market data types, indicator math and the NSE
// session calendar used by the rest of the engine.
package market

import (
	"context"
	"time"
)

// Candle is a single OHLCV bar.
type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// TypicalPrice returns (H+L+C)/3, the price used for VWAP accumulation.
func (c Candle) TypicalPrice() float64 {
	return (c.High + c.Low + c.Close) / 3
}

// IsGreen reports whether the candle closed above its open.
func (c Candle) IsGreen() bool {
	return c.Close > c.Open
}

// Quote is a last-traded-price snapshot for one symbol.
type Quote struct {
	Symbol string    `json:"symbol"`
	LTP    float64   `json:"ltp"`
	Time   time.Time `json:"time"`
}

// IndicatorSnapshot carries the structure inputs the risk engine needs to
// place a stop and a target. All values are computed from closed candles;
// zero means "not available".
type IndicatorSnapshot struct {
	Symbol     string    `json:"symbol"`
	EMA20      float64   `json:"ema20"`
	VWAP       float64   `json:"vwap"`
	ATRPct     float64   `json:"atr_pct"`     // ATR(14) as a % of close
	SwingLow   float64   `json:"swing_low"`   // most recent confirmed swing low
	SwingHighs []float64 `json:"swing_highs"` // confirmed swing highs above price, ascending
	PDH        float64   `json:"pdh"`         // previous day high
	CDH        float64   `json:"cdh"`         // current day high
	PivotR1    float64   `json:"pivot_r1"`
	PivotR2    float64   `json:"pivot_r2"`
}

// Feed supplies prices and candles to the engine. The broker adapters and
// the paper simulator both satisfy it.
type Feed interface {
	GetLTP(ctx context.Context, symbol string) (float64, error)
	GetBulkLTP(ctx context.Context, symbols []string) (map[string]float64, error)
	GetRecentCandles(ctx context.Context, symbol string, interval string, count int) ([]Candle, error)
}

// Bias classifies the higher-timeframe trend used by the technical
// breakdown exit and the entry gate.
type Bias string

const (
	BiasBullish Bias = "BULLISH"
	BiasBearish Bias = "BEARISH"
	BiasNeutral Bias = "NEUTRAL"
)

// TrendBias classifies a close against VWAP and EMA20: above both is
// bullish, below both is bearish, anything else is neutral.
func TrendBias(close, vwap, ema20 float64) Bias {
	switch {
	case close > vwap && close > ema20:
		return BiasBullish
	case close < vwap && close < ema20:
		return BiasBearish
	default:
		return BiasNeutral
	}
}
