package broker

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nsebot/tradeengine/internal/market"
)

// PaperClient simulates a broker for dry-run mode. Orders fill
// instantly at the last fed price and the position book lives in
// memory, so the whole engine, reconciliation included, runs the same
// code paths against it as against a live session.
type PaperClient struct {
	mu        sync.Mutex
	prices    map[string]float64
	positions map[string]*Position
	orders    map[string]*OrderStatus
	cash      float64
	nextID    int
	logger    zerolog.Logger
}

// NewPaperClient returns a simulator seeded with starting cash.
func NewPaperClient(startingCash float64, logger zerolog.Logger) *PaperClient {
	return &PaperClient{
		prices:    make(map[string]float64),
		positions: make(map[string]*Position),
		orders:    make(map[string]*OrderStatus),
		cash:      startingCash,
		nextID:    100000,
		logger:    logger.With().Str("component", "paper_broker").Logger(),
	}
}

// SetPrice feeds the simulator a last traded price. The live feed calls
// this on every quote so paper fills track the real market.
func (c *PaperClient) SetPrice(symbol string, ltp float64) {
	c.mu.Lock()
	c.prices[symbol] = ltp
	c.mu.Unlock()
}

// SetPrices feeds a bulk quote batch.
func (c *PaperClient) SetPrices(quotes map[string]float64) {
	c.mu.Lock()
	for sym, ltp := range quotes {
		c.prices[sym] = ltp
	}
	c.mu.Unlock()
}

// PlaceOrder fills the order immediately at the fed price.
func (c *PaperClient) PlaceOrder(_ context.Context, req OrderRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ltp, ok := c.prices[req.Symbol]
	if !ok || ltp <= 0 {
		return "", fmt.Errorf("%w: no price fed for %s", ErrSymbolNotFound, req.Symbol)
	}

	orderID := fmt.Sprintf("DRY_%s", req.CorrelationID)
	if req.CorrelationID == "" {
		c.nextID++
		orderID = fmt.Sprintf("DRY_%d", c.nextID)
	}

	switch req.Side {
	case Buy:
		c.applyBuy(req, ltp)
	case Sell:
		if err := c.applySell(req, ltp); err != nil {
			c.orders[orderID] = &OrderStatus{
				OrderID: orderID, Symbol: req.Symbol,
				State: OrderRejected, Reason: err.Error(),
			}
			return orderID, nil
		}
	default:
		return "", fmt.Errorf("%w: side %q", ErrOrderRejected, req.Side)
	}

	c.orders[orderID] = &OrderStatus{
		OrderID:   orderID,
		Symbol:    req.Symbol,
		State:     OrderComplete,
		FilledQty: req.Qty,
		AvgPrice:  ltp,
	}
	c.logger.Info().
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Int("qty", req.Qty).
		Float64("price", ltp).
		Str("order_id", orderID).
		Msg("Paper fill")
	return orderID, nil
}

func (c *PaperClient) applyBuy(req OrderRequest, ltp float64) {
	pos, ok := c.positions[req.Symbol]
	if !ok {
		c.positions[req.Symbol] = &Position{
			Symbol:   req.Symbol,
			Token:    req.Token,
			NetQty:   req.Qty,
			AvgPrice: ltp,
			Product:  string(req.Product),
		}
	} else {
		total := float64(pos.NetQty)*pos.AvgPrice + float64(req.Qty)*ltp
		pos.NetQty += req.Qty
		pos.AvgPrice = total / float64(pos.NetQty)
	}
	c.cash -= float64(req.Qty) * ltp
}

func (c *PaperClient) applySell(req OrderRequest, ltp float64) error {
	pos, ok := c.positions[req.Symbol]
	if !ok || pos.NetQty < req.Qty {
		return fmt.Errorf("sell %d exceeds held qty", req.Qty)
	}
	pos.NetQty -= req.Qty
	c.cash += float64(req.Qty) * ltp
	if pos.NetQty == 0 {
		delete(c.positions, req.Symbol)
	}
	return nil
}

// GetOrderStatus looks up a simulated order.
func (c *PaperClient) GetOrderStatus(_ context.Context, orderID string) (OrderStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.orders[orderID]
	if !ok {
		return OrderStatus{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return *st, nil
}

// CancelOrder is a no-op for instantly filled paper orders.
func (c *PaperClient) CancelOrder(_ context.Context, orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.orders[orderID]; !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return nil
}

// GetPositions returns the simulated non-zero position book.
func (c *PaperClient) GetPositions(_ context.Context) ([]Position, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Position, 0, len(c.positions))
	for _, pos := range c.positions {
		out = append(out, *pos)
	}
	return out, nil
}

// GetLTP returns the last fed price.
func (c *PaperClient) GetLTP(_ context.Context, symbol string) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ltp, ok := c.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	return ltp, nil
}

// GetBulkLTP returns last fed prices for every known symbol requested.
func (c *PaperClient) GetBulkLTP(_ context.Context, symbols []string) (map[string]float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]float64, len(symbols))
	for _, sym := range symbols {
		if ltp, ok := c.prices[sym]; ok {
			out[sym] = ltp
		}
	}
	return out, nil
}

// GetFunds returns the simulated cash balance.
func (c *PaperClient) GetFunds(_ context.Context) (Funds, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Funds{AvailableCash: c.cash}, nil
}

// GetRecentCandles synthesizes a gentle random walk ending at the fed
// price, so indicator math has data in pure paper mode. Runs with a
// live session mirror real candles in through MirroredFeed instead.
func (c *PaperClient) GetRecentCandles(_ context.Context, symbol, interval string, count int) ([]market.Candle, error) {
	c.mu.Lock()
	base, ok := c.prices[symbol]
	c.mu.Unlock()
	if !ok || base <= 0 {
		return nil, fmt.Errorf("%w: no price fed for %s", ErrSymbolNotFound, symbol)
	}

	step := 5 * time.Minute
	if iv, ok := candleIntervals[interval]; ok {
		step = iv.step
	}

	candles := make([]market.Candle, count)
	now := time.Now()
	price := base // newest bar closes at the fed price
	for i := count - 1; i >= 0; i-- {
		close := price
		change := (rand.Float64() - 0.5) * 0.004
		open := close / (1 + change)

		candles[i] = market.Candle{
			Time:   now.Add(-time.Duration(count-i) * step),
			Open:   open,
			High:   math.Max(open, close) * (1 + rand.Float64()*0.001),
			Low:    math.Min(open, close) * (1 - rand.Float64()*0.001),
			Close:  close,
			Volume: 10000 + rand.Float64()*50000,
		}
		price = open
	}
	return candles, nil
}
