package broker

import (
	"context"

	"github.com/nsebot/tradeengine/internal/market"
)

// MirroredFeed serves market data from a live session while mirroring
// every quote into the paper client, so dry-run fills track the real
// market instead of the paper client's synthetic walk.
type MirroredFeed struct {
	live  market.Feed
	paper *PaperClient
}

// NewMirroredFeed wraps a live data feed around a paper client.
func NewMirroredFeed(live market.Feed, paper *PaperClient) *MirroredFeed {
	return &MirroredFeed{live: live, paper: paper}
}

func (m *MirroredFeed) GetLTP(ctx context.Context, symbol string) (float64, error) {
	ltp, err := m.live.GetLTP(ctx, symbol)
	if err == nil {
		m.paper.SetPrice(symbol, ltp)
	}
	return ltp, err
}

func (m *MirroredFeed) GetBulkLTP(ctx context.Context, symbols []string) (map[string]float64, error) {
	quotes, err := m.live.GetBulkLTP(ctx, symbols)
	if err == nil {
		m.paper.SetPrices(quotes)
	}
	return quotes, err
}

func (m *MirroredFeed) GetRecentCandles(ctx context.Context, symbol, interval string, count int) ([]market.Candle, error) {
	return m.live.GetRecentCandles(ctx, symbol, interval, count)
}
