// Package execution owns the one dangerous network call in the system:
// placing a broker order. Placement happens exactly once; only
// verification is retried. A verification that never reaches a terminal
// status falls back to the broker position book before anyone is
// allowed to conclude the order failed.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nsebot/tradeengine/internal/broker"
)

var (
	// ErrUnverified means the order was submitted but no terminal
	// status could be confirmed. The order may have filled; callers
	// must not re-place and must leave resolution to reconciliation.
	ErrUnverified = errors.New("order placed but unverified")
)

// Config tunes verification and exit retry behavior.
type Config struct {
	VerifyRetries int           `json:"verify_retries"` // status polls before the position fallback
	VerifyBackoff time.Duration `json:"verify_backoff"` // linear: attempt x backoff between polls
	ExitRetries   int           `json:"exit_retries"`   // full placement attempts for exit orders
	ExitBackoff   time.Duration `json:"exit_backoff"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		VerifyRetries: 5,
		VerifyBackoff: 2 * time.Second,
		ExitRetries:   3,
		ExitBackoff:   2 * time.Second,
	}
}

// orderRecorder is the slice of the idempotency registry the gateway
// needs: recording the broker order ID against the claimed intent the
// moment placement returns.
type orderRecorder interface {
	AttachOrder(corrID, brokerOrderID string) error
}

// Result is the outcome of one placement.
type Result struct {
	OrderID  string
	Filled   bool
	AvgPrice float64 // zero when recovered via the position fallback
}

// Gateway wraps a broker client with verified, idempotent placement.
type Gateway struct {
	client   broker.Client
	recorder orderRecorder
	cfg      Config
	logger   zerolog.Logger
	sleep    func(context.Context, time.Duration) error
}

// NewGateway builds a gateway over the broker client. The recorder may
// be nil when the caller manages registry slots itself.
func NewGateway(client broker.Client, recorder orderRecorder, cfg Config, logger zerolog.Logger) *Gateway {
	if cfg.VerifyRetries <= 0 {
		cfg.VerifyRetries = 5
	}
	if cfg.VerifyBackoff <= 0 {
		cfg.VerifyBackoff = 2 * time.Second
	}
	if cfg.ExitRetries <= 0 {
		cfg.ExitRetries = 3
	}
	if cfg.ExitBackoff <= 0 {
		cfg.ExitBackoff = 2 * time.Second
	}
	return &Gateway{
		client:   client,
		recorder: recorder,
		cfg:      cfg,
		logger:   logger.With().Str("component", "execution").Logger(),
		sleep:    sleepCtx,
	}
}

// PlaceAndVerify submits the order once and polls until a terminal
// status or the retry budget runs out. On exhaustion it checks the
// broker position book: a matching delta means the fill happened even
// though the status poll never saw it, and the order is reported filled
// with a zero average price for the caller to substitute from LTP.
//
// Outcomes:
//   - (orderID, Filled=true, avg>0):  verified fill
//   - (orderID, Filled=true, avg=0):  fill recovered from the position book
//   - (orderID, Filled=false) + ErrUnverified: outcome unknown, never re-place
//   - (orderID, Filled=false) + other error:   broker rejected/cancelled
//   - ("",      Filled=false) + error:          placement itself failed
func (g *Gateway) PlaceAndVerify(ctx context.Context, req broker.OrderRequest) (Result, error) {
	orderID, err := g.client.PlaceOrder(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("place %s %s x%d: %w", req.Side, req.Symbol, req.Qty, err)
	}

	if g.recorder != nil && req.CorrelationID != "" {
		if err := g.recorder.AttachOrder(req.CorrelationID, orderID); err != nil {
			g.logger.Error().
				Str("correlation_id", req.CorrelationID).
				Str("order_id", orderID).
				Err(err).
				Msg("Could not attach broker order ID to intent")
		}
	}

	g.logger.Info().
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Int("qty", req.Qty).
		Str("order_id", orderID).
		Msg("Order placed, verifying")

	for attempt := 1; attempt <= g.cfg.VerifyRetries; attempt++ {
		status, err := g.client.GetOrderStatus(ctx, orderID)
		if err != nil {
			g.logger.Warn().
				Str("order_id", orderID).
				Int("attempt", attempt).
				Err(err).
				Msg("Status poll failed")
		} else {
			switch status.State {
			case broker.OrderComplete:
				return Result{OrderID: orderID, Filled: true, AvgPrice: status.AvgPrice}, nil
			case broker.OrderRejected, broker.OrderCancelled:
				return Result{OrderID: orderID}, fmt.Errorf("%w: %s: %s",
					broker.ErrOrderRejected, status.State, status.Reason)
			}
		}
		if attempt < g.cfg.VerifyRetries {
			if err := g.sleep(ctx, time.Duration(attempt)*g.cfg.VerifyBackoff); err != nil {
				return Result{OrderID: orderID}, fmt.Errorf("%w: %v", ErrUnverified, err)
			}
		}
	}

	// Network partitions between placement and status poll are common.
	// The position book decides before we call this a failure.
	if filled := g.positionFallback(ctx, req); filled {
		g.logger.Warn().
			Str("symbol", req.Symbol).
			Str("order_id", orderID).
			Msg("Fill recovered from position book, price unknown")
		return Result{OrderID: orderID, Filled: true, AvgPrice: 0}, nil
	}

	return Result{OrderID: orderID}, fmt.Errorf("%w: %s order %s", ErrUnverified, req.Symbol, orderID)
}

// positionFallback reports whether the broker position book shows the
// order's expected effect: a live long for a BUY, a flat (or absent)
// book entry for a full-position SELL.
func (g *Gateway) positionFallback(ctx context.Context, req broker.OrderRequest) bool {
	positions, err := g.client.GetPositions(ctx)
	if err != nil {
		g.logger.Warn().Err(err).Msg("Position fallback query failed")
		return false
	}

	netQty := 0
	for _, pos := range positions {
		if pos.Symbol == req.Symbol {
			netQty = pos.NetQty
			break
		}
	}

	switch req.Side {
	case broker.Buy:
		return netQty >= req.Qty
	case broker.Sell:
		return netQty <= 0
	}
	return false
}

// PlaceExit places a sell with bounded whole-placement retries. Only an
// outright submit failure is retried; a placed-but-unverified order is
// returned as-is so nothing ever double-sells. stillOpen is re-checked
// between attempts in case reconciliation or another loop already
// flattened the position.
func (g *Gateway) PlaceExit(ctx context.Context, req broker.OrderRequest, stillOpen func() bool) (Result, error) {
	var lastErr error
	for attempt := 1; attempt <= g.cfg.ExitRetries; attempt++ {
		if stillOpen != nil && !stillOpen() {
			return Result{}, fmt.Errorf("exit %s: position no longer open", req.Symbol)
		}

		res, err := g.PlaceAndVerify(ctx, req)
		if err == nil || res.OrderID != "" {
			// placed: verified, rejected or unverified -- all final here
			return res, err
		}

		lastErr = err
		g.logger.Error().
			Str("symbol", req.Symbol).
			Int("attempt", attempt).
			Err(err).
			Msg("Exit placement failed")
		if attempt < g.cfg.ExitRetries {
			if err := g.sleep(ctx, time.Duration(attempt)*g.cfg.ExitBackoff); err != nil {
				return Result{}, err
			}
		}
	}
	return Result{}, fmt.Errorf("exit %s exhausted %d attempts: %w", req.Symbol, g.cfg.ExitRetries, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
