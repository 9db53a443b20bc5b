// Package entry is the gate every new position walks through: kill
// switch, session clock, trade caps, live setup revalidation, the risk
// pipeline and finally idempotent placement. Any gate can say no; only
// a verified fill mutates state.
package entry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nsebot/tradeengine/internal/broker"
	"github.com/nsebot/tradeengine/internal/events"
	"github.com/nsebot/tradeengine/internal/execution"
	"github.com/nsebot/tradeengine/internal/idempotency"
	"github.com/nsebot/tradeengine/internal/market"
	"github.com/nsebot/tradeengine/internal/notification"
	"github.com/nsebot/tradeengine/internal/risk"
	"github.com/nsebot/tradeengine/internal/state"
)

// Gate rejections that are business as usual, not faults.
var (
	ErrMarketClosed    = errors.New("market closed")
	ErrPastEntryCutoff = errors.New("past entry cutoff")
	ErrSetupInvalid    = errors.New("setup no longer valid")
)

// Config tunes the entry gates.
type Config struct {
	MaxTradesPerDay   int    `json:"max_trades_per_day"`
	MaxTradesPerStock int    `json:"max_trades_per_stock"`
	CandleInterval    string `json:"candle_interval"`
	CandleCount       int    `json:"candle_count"`
}

// DefaultConfig returns the production caps.
func DefaultConfig() Config {
	return Config{
		MaxTradesPerDay:   3,
		MaxTradesPerStock: 2,
		CandleInterval:    "5m",
		CandleCount:       60,
	}
}

// Orchestrator runs the full entry pipeline for incoming signals.
type Orchestrator struct {
	store    *state.Store
	client   broker.Client
	feed     market.Feed
	gateway  *execution.Gateway
	registry *idempotency.Registry
	bus      *events.Bus
	notifier *notification.Manager
	logger   zerolog.Logger

	now func() time.Time

	mu      sync.RWMutex
	cfg     Config
	riskCfg risk.Config
}

// New wires the orchestrator.
func New(store *state.Store, client broker.Client, feed market.Feed, gateway *execution.Gateway, registry *idempotency.Registry, bus *events.Bus, notifier *notification.Manager, cfg Config, riskCfg risk.Config, logger zerolog.Logger) *Orchestrator {
	if cfg.MaxTradesPerDay <= 0 {
		cfg = DefaultConfig()
	}
	return &Orchestrator{
		store:    store,
		client:   client,
		feed:     feed,
		gateway:  gateway,
		registry: registry,
		bus:      bus,
		notifier: notifier,
		cfg:      cfg,
		riskCfg:  riskCfg,
		logger:   logger.With().Str("component", "entry_gate").Logger(),
		now:      market.Now,
	}
}

// SetClock overrides the time source for tests.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// UpdateConfig swaps the gate and risk tunables. Hot path for the ops
// API config endpoint.
func (o *Orchestrator) UpdateConfig(cfg Config, riskCfg risk.Config) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfg = cfg
	o.riskCfg = riskCfg
}

// Configs returns the live gate and risk tunables.
func (o *Orchestrator) Configs() (Config, risk.Config) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cfg, o.riskCfg
}

// Submit records a scanner signal in the intake ring and runs it
// through the entry pipeline.
func (o *Orchestrator) Submit(ctx context.Context, sig state.Signal) error {
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = o.now()
	}
	o.store.PushSignal(sig)
	o.bus.PublishSignal(sig.Symbol, sig.Grade, sig.Reason, sig.Price)

	err := o.TryEnter(ctx, sig)
	if err != nil {
		o.logger.Info().
			Str("symbol", sig.Symbol).
			Str("grade", sig.Grade).
			Err(err).
			Msg("Signal rejected")
	}
	return err
}

// TryEnter walks every gate in order and, when all pass, places and
// verifies the entry order and books the position two-phase.
func (o *Orchestrator) TryEnter(ctx context.Context, sig state.Signal) error {
	now := o.now()
	cfg, riskCfg := o.Configs()

	if trading, why := market.IsTradingDay(now); !trading {
		return fmt.Errorf("%w: %s", ErrMarketClosed, why)
	}
	if !market.InSession(now) {
		return fmt.Errorf("%w: outside %s-%s", ErrMarketClosed, market.SessionOpen, market.SessionClose)
	}
	if market.PastEntryCutoff(now) {
		return fmt.Errorf("%w (%s)", ErrPastEntryCutoff, market.EntryCutoff)
	}

	if err := o.store.AdmissionCheck(sig.Symbol, cfg.MaxTradesPerDay, cfg.MaxTradesPerStock); err != nil {
		return err
	}
	if o.registry.InFlight(sig.Symbol) {
		return state.ErrDuplicatePending
	}

	candles, err := o.feed.GetRecentCandles(ctx, sig.Symbol, cfg.CandleInterval, cfg.CandleCount)
	if err != nil {
		return fmt.Errorf("fetch %s candles for %s: %w", cfg.CandleInterval, sig.Symbol, err)
	}
	ltp, err := o.feed.GetLTP(ctx, sig.Symbol)
	if err != nil {
		return fmt.Errorf("fetch ltp for %s: %w", sig.Symbol, err)
	}
	if ltp <= 0 {
		return fmt.Errorf("no live price for %s", sig.Symbol)
	}

	// The signal may be minutes old; the setup must hold on the candle
	// that exists right now.
	if check := market.CheckBuyCondition(candles, ltp); !check.OK {
		return fmt.Errorf("%w: %s", ErrSetupInvalid, check.Reason)
	}

	snap := o.buildSnapshot(ctx, sig.Symbol, candles, riskCfg)

	stop, rej := risk.ComputeStopLoss(ltp, snap, riskCfg)
	if rej != nil {
		return fmt.Errorf("stop loss: %w", rej)
	}
	target, rej := risk.ComputeTakeProfit(ltp, stop.SL, snap, riskCfg)
	if rej != nil {
		return fmt.Errorf("take profit: %w", rej)
	}

	funds, err := o.client.GetFunds(ctx)
	if err != nil {
		return fmt.Errorf("fetch funds: %w", err)
	}
	size, rej := risk.SizePosition(ltp, stop.SL, funds.AvailableCash, riskCfg)
	if rej != nil {
		return fmt.Errorf("sizing: %w", rej)
	}

	corrID, err := o.registry.Begin(sig.Symbol, state.ActionBuy, size.Qty)
	if err != nil {
		return err
	}

	o.logger.Info().
		Str("symbol", sig.Symbol).
		Str("grade", sig.Grade).
		Float64("ltp", ltp).
		Float64("sl", stop.SL).
		Str("sl_source", stop.Source).
		Float64("target", target.Target).
		Float64("rr", target.RiskReward).
		Int("qty", size.Qty).
		Str("correlation_id", corrID).
		Msg("All gates passed, placing entry")

	res, err := o.gateway.PlaceAndVerify(ctx, broker.OrderRequest{
		Symbol:        sig.Symbol,
		Side:          broker.Buy,
		Qty:           size.Qty,
		OrderType:     broker.Market,
		Product:       broker.Intraday,
		CorrelationID: corrID,
	})
	if err != nil {
		if errors.Is(err, execution.ErrUnverified) {
			// Slot stays pending: the order poller settles the truth.
			o.logger.Error().
				Str("symbol", sig.Symbol).
				Str("correlation_id", corrID).
				Msg("Entry unverified, left to the order poller")
			return err
		}
		o.registry.Fail(corrID)
		o.bus.PublishOrderFailed(sig.Symbol, string(state.ActionBuy), corrID, err.Error())
		return err
	}

	entryPrice := res.AvgPrice
	if entryPrice <= 0 {
		entryPrice = ltp
	}

	o.registry.Confirm(corrID, res.OrderID)

	pos := state.Position{
		Symbol:      sig.Symbol,
		Qty:         size.Qty,
		EntryPrice:  entryPrice,
		SL:          stop.SL,
		OriginalSL:  stop.SL,
		Target:      target.Target,
		HighestLTP:  entryPrice,
		EntryTime:   now.In(market.IST()).Format("15:04:05"),
		EntryTimeTS: now.Unix(),
		OrderID:     res.OrderID,
		SetupGrade:  sig.Grade,
		Sector:      sig.Sector,
		RiskAmount:  size.RiskAmount,
		QtySource:   size.Source,
	}
	if err := o.store.OpenPosition(pos); err != nil {
		// Filled at the broker but unbookable locally; reconciliation
		// will re-import it. Loud because money is now unmanaged.
		o.logger.Error().Str("symbol", sig.Symbol).Err(err).Msg("Fill could not be booked")
		o.notifier.SendCritical("Unbooked fill",
			fmt.Sprintf("%s x%d filled (order %s) but could not be booked: %v", sig.Symbol, size.Qty, res.OrderID, err))
		return err
	}
	o.store.RecordEntry(sig.Symbol)

	o.bus.PublishPositionOpened(sig.Symbol, entryPrice, stop.SL, target.Target, size.Qty, res.OrderID)
	o.notifier.SendTradeOpen(sig.Symbol, entryPrice, size.Qty, stop.SL, target.Target)
	o.logger.Info().
		Str("symbol", sig.Symbol).
		Float64("entry", entryPrice).
		Int("qty", size.Qty).
		Str("order_id", res.OrderID).
		Msg("Position opened")
	return nil
}

// buildSnapshot assembles the structure inputs for the risk pipeline.
// Missing pieces stay zero; the risk functions skip zero candidates.
func (o *Orchestrator) buildSnapshot(ctx context.Context, symbol string, intraday []market.Candle, riskCfg risk.Config) market.IndicatorSnapshot {
	snap := market.IndicatorSnapshot{
		Symbol:     symbol,
		EMA20:      market.EMA(intraday, 20),
		VWAP:       market.IntradayVWAP(intraday),
		ATRPct:     market.ATRPercent(intraday, 14),
		SwingLow:   market.SwingLow(intraday, riskCfg.SwingLookback, riskCfg.SwingWindow),
		SwingHighs: market.SwingHighs(intraday, riskCfg.SwingLookback, riskCfg.SwingWindow),
	}

	for _, c := range intraday {
		if c.High > snap.CDH {
			snap.CDH = c.High
		}
	}

	// Previous-day levels ride on daily candles; a miss only removes
	// those target candidates.
	daily, err := o.feed.GetRecentCandles(ctx, symbol, "1d", 3)
	if err != nil || len(daily) < 2 {
		if err != nil {
			o.logger.Debug().Str("symbol", symbol).Err(err).Msg("No daily candles, skipping PDH/pivots")
		}
		return snap
	}
	prev := daily[len(daily)-2]
	snap.PDH = prev.High
	snap.PivotR1, snap.PivotR2 = market.PivotLevels(prev.High, prev.Low, prev.Close)
	return snap
}
