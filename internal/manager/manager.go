// Package manager runs the position monitor: the loop that watches every
// open position, fires exits in strict priority order and walks the
// trailing-stop ladder. It is the only writer of exits; everything it
// does to shared state goes through the store's exit guard so a manual
// close from the API and a stop-loss exit can never double-fire.
package manager

import (
	"context"
	"errors"
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

// heartbeatName is the component key the watchdog monitors.
const heartbeatName = "position_manager"

// Config tunes the monitor loop.
type Config struct {
	CheckInterval    time.Duration `json:"check_interval"`     // base scan cadence in session
	TightInterval    time.Duration `json:"tight_interval"`     // cadence while a fresh position exists
	IdleInterval     time.Duration `json:"idle_interval"`      // cadence outside market hours
	FreshAge         time.Duration `json:"fresh_age"`          // positions younger than this get the tight cadence
	MaxHoldBase      time.Duration `json:"max_hold_base"`      // stagnation hold limit before breadth scaling
	StagnationBand   float64       `json:"stagnation_band"`    // |pnl%| below this counts as stagnant
	LTPBatchSize     int           `json:"ltp_batch_size"`     // symbols per bulk quote call
	BreadthEveryScan int           `json:"breadth_every_scan"` // refresh breadth every N scans

	// SquareOffOnShutdown force-exits the whole book when the engine
	// stops. Off by default: the broker squares off leftover intraday
	// positions at its own cutoff anyway.
	SquareOffOnShutdown bool `json:"square_off_on_shutdown"`
}

// DefaultConfig returns the production cadence.
func DefaultConfig() Config {
	return Config{
		CheckInterval:    5 * time.Second,
		TightInterval:    3 * time.Second,
		IdleInterval:     30 * time.Second,
		FreshAge:         10 * time.Minute,
		MaxHoldBase:      60 * time.Minute,
		StagnationBand:   0.25,
		LTPBatchSize:     50,
		BreadthEveryScan: 12,
	}
}

// Journal receives closed positions for persistence. Nil journals are
// skipped; a down database must never block an exit.
type Journal interface {
	RecordTrade(ctx context.Context, pos state.Position) error
}

// Manager is the position monitor.
type Manager struct {
	store    *state.Store
	feed     market.Feed
	gateway  *execution.Gateway
	registry *idempotency.Registry
	bus      *events.Bus
	notifier *notification.Manager
	journal  Journal
	cfg      Config
	logger   zerolog.Logger

	now func() time.Time

	mu               sync.RWMutex
	isRunning        bool
	stopChan         chan struct{}
	stagnationFactor float64
	scanCount        int
}

// New wires a monitor over the shared store. journal may be nil.
func New(store *state.Store, feed market.Feed, gateway *execution.Gateway, registry *idempotency.Registry, bus *events.Bus, notifier *notification.Manager, journal Journal, cfg Config, logger zerolog.Logger) *Manager {
	if cfg.CheckInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &Manager{
		store:            store,
		feed:             feed,
		gateway:          gateway,
		registry:         registry,
		bus:              bus,
		notifier:         notifier,
		journal:          journal,
		cfg:              cfg,
		logger:           logger.With().Str("component", heartbeatName).Logger(),
		now:              market.Now,
		stagnationFactor: market.BreadthNormal,
	}
}

// SetClock overrides the time source for tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Start launches the monitor goroutine. Safe to call once.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = true
	m.stopChan = make(chan struct{})
	m.mu.Unlock()

	m.logger.Info().
		Dur("check_interval", m.cfg.CheckInterval).
		Dur("max_hold", m.cfg.MaxHoldBase).
		Msg("Position monitor started")

	go m.run(ctx)
}

// Stop halts the monitor loop.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isRunning {
		return
	}
	m.isRunning = false
	close(m.stopChan)
	m.logger.Info().Msg("Position monitor stopped")
}

func (m *Manager) run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Msg("Position monitor crashed, restarting")
			time.Sleep(2 * time.Second)
			m.mu.Lock()
			running := m.isRunning
			m.mu.Unlock()
			if running && ctx.Err() == nil {
				go m.run(ctx)
			}
		}
	}()

	m.mu.RLock()
	stop := m.stopChan
	m.mu.RUnlock()

	timer := time.NewTimer(m.nextInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-timer.C:
			m.Scan(ctx)
			timer.Reset(m.nextInterval())
		}
	}
}

// nextInterval picks the scan cadence: tight while any position is
// fresh, base otherwise, idle outside market hours.
func (m *Manager) nextInterval() time.Duration {
	now := m.now()
	if !market.InSession(now) {
		return m.cfg.IdleInterval
	}
	for _, p := range m.store.OpenPositions() {
		if p.AgeAt(now) < m.cfg.FreshAge {
			return m.cfg.TightInterval
		}
	}
	return m.cfg.CheckInterval
}

// Scan runs one monitor pass. Exported so the API's manual close and the
// tests can drive the machine without the ticker.
func (m *Manager) Scan(ctx context.Context) {
	m.store.Beat(heartbeatName)

	now := m.now()
	m.store.EnsureDay(market.DayKey(now))

	m.mu.Lock()
	m.scanCount++
	scan := m.scanCount
	m.mu.Unlock()

	positions := m.store.OpenPositions()
	if len(positions) == 0 {
		return
	}

	if m.cfg.BreadthEveryScan > 0 && scan%m.cfg.BreadthEveryScan == 1 {
		m.refreshBreadth(ctx)
	}

	symbols := make([]string, 0, len(positions))
	for _, p := range positions {
		symbols = append(symbols, p.Symbol)
	}
	quotes := m.bulkLTP(ctx, symbols)

	squareOff := market.PastSquareOff(now)

	for _, pos := range positions {
		if pos.ExitInProgress {
			continue
		}

		ltp, ok := quotes[pos.Symbol]
		if !ok || ltp <= 0 {
			m.logger.Warn().Str("symbol", pos.Symbol).Msg("No quote this pass, skipping")
			continue
		}

		if reason := m.decideExit(ctx, pos, ltp, now, squareOff); reason != "" {
			m.ExecuteExit(ctx, pos.Symbol, ltp, reason)
			continue
		}

		m.manageStops(pos, ltp)
	}
}

// bulkLTP fetches quotes in batches so one call never exceeds the broker
// limit.
func (m *Manager) bulkLTP(ctx context.Context, symbols []string) map[string]float64 {
	batch := m.cfg.LTPBatchSize
	if batch <= 0 {
		batch = 50
	}

	quotes := make(map[string]float64, len(symbols))
	for start := 0; start < len(symbols); start += batch {
		end := start + batch
		if end > len(symbols) {
			end = len(symbols)
		}
		part, err := m.feed.GetBulkLTP(ctx, symbols[start:end])
		if err != nil {
			m.logger.Error().Err(err).Int("batch", start/batch).Msg("Bulk quote failed")
			continue
		}
		for sym, ltp := range part {
			quotes[sym] = ltp
		}
	}
	return quotes
}

// decideExit returns the exit reason, or "" to keep holding. Priority is
// strict: hard stop beats target beats everything else, so a bar that
// sweeps both sides resolves conservatively.
func (m *Manager) decideExit(ctx context.Context, pos state.Position, ltp float64, now time.Time, squareOff bool) string {
	if ltp <= pos.SL {
		return state.ExitStopLoss
	}
	if pos.Target > 0 && ltp >= pos.Target {
		return state.ExitTarget
	}
	if squareOff {
		return state.ExitStagnation
	}

	_, pnlPct := pos.PnL(ltp)

	if pnlPct > 0 && m.technicalBreakdown(ctx, pos.Symbol) {
		return state.ExitTechnical
	}

	m.mu.RLock()
	factor := m.stagnationFactor
	m.mu.RUnlock()
	maxHold := time.Duration(float64(m.cfg.MaxHoldBase) * factor)
	if pos.AgeAt(now) > maxHold && pnlPct < m.cfg.StagnationBand && pnlPct > -m.cfg.StagnationBand {
		return state.ExitStagnation
	}

	return ""
}

// technicalBreakdown checks whether the last closed 15m candle lost both
// VWAP and EMA20. Only called for positions in profit; a losing position
// is the hard stop's problem.
func (m *Manager) technicalBreakdown(ctx context.Context, symbol string) bool {
	candles, err := m.feed.GetRecentCandles(ctx, symbol, "15m", 40)
	if err != nil || len(candles) < 3 {
		return false
	}

	closed := candles[:len(candles)-1]
	last := closed[len(closed)-1]

	ema20 := market.EMA(closed, 20)
	vwap := market.IntradayVWAP(closed)
	if ema20 == 0 || vwap == 0 {
		return false
	}

	return last.Close < vwap && last.Close < ema20
}

// manageStops ratchets the high-water mark and applies the next trailing
// ladder rung when one unlocks.
func (m *Manager) manageStops(pos state.Position, ltp float64) {
	high, _ := m.store.ObserveLTP(pos.Symbol, ltp)
	if high == 0 {
		return
	}

	v := risk.TrailStop(pos.EntryPrice, pos.OriginalSL, high, pos.SL, ltp)
	if v == nil {
		return
	}

	if err := m.store.RaiseStop(pos.Symbol, v.NewSL, v.Level, v.Breakeven); err != nil {
		// Lost the race against a concurrent raise; nothing to do.
		return
	}

	m.bus.PublishStopRaised(pos.Symbol, pos.SL, v.NewSL, v.Level)
	m.logger.Info().
		Str("symbol", pos.Symbol).
		Float64("new_sl", v.NewSL).
		Int("level", v.Level).
		Bool("breakeven", v.Breakeven).
		Msg("Trailing stop advanced")
}

// ExecuteExit closes one position through the two-phase exit machine:
// claim the guard under lock, place the order on the wire without it,
// commit or roll back. The API's manual close routes through here too.
func (m *Manager) ExecuteExit(ctx context.Context, symbol string, ltp float64, reason string) {
	pos, err := m.store.BeginExit(symbol, reason)
	if err != nil {
		m.logger.Debug().Str("symbol", symbol).Err(err).Msg("Exit not started")
		return
	}

	corrID, err := m.registry.Begin(symbol, state.ActionSell, pos.Qty)
	if err != nil {
		m.store.ReleaseExit(symbol)
		m.logger.Warn().Str("symbol", symbol).Err(err).Msg("Exit blocked by in-flight order")
		return
	}

	m.logger.Info().
		Str("symbol", symbol).
		Str("reason", reason).
		Float64("ltp", ltp).
		Int("qty", pos.Qty).
		Str("correlation_id", corrID).
		Msg("Exit triggered")

	req := broker.OrderRequest{
		Symbol:        pos.Symbol,
		Side:          broker.Sell,
		Qty:           pos.Qty,
		OrderType:     broker.Market,
		Product:       broker.Intraday,
		CorrelationID: corrID,
	}

	res, err := m.gateway.PlaceExit(ctx, req, func() bool {
		p, ok := m.store.GetPosition(symbol)
		return ok && p.Status == state.StatusOpen
	})
	if err != nil {
		if errors.Is(err, execution.ErrUnverified) {
			// The order may be live at the broker. Keep the guard so no
			// second sell goes out; reconciliation settles the truth.
			m.logger.Error().Str("symbol", symbol).Str("correlation_id", corrID).
				Msg("Exit order unverified, holding guard for reconciliation")
			m.notifier.SendCritical("Exit unverified",
				symbol+" sell placed but not confirmed; reconciliation will settle it")
			return
		}
		m.registry.Fail(corrID)
		m.store.ReleaseExit(symbol)
		m.bus.PublishOrderFailed(symbol, string(state.ActionSell), corrID, err.Error())
		m.logger.Error().Str("symbol", symbol).Err(err).Msg("Exit order failed, guard released")
		return
	}

	exitPrice := res.AvgPrice
	if exitPrice <= 0 {
		// Position-book fallback confirms the fill but not the price.
		exitPrice = ltp
	}

	m.registry.Confirm(corrID, res.OrderID)
	if err := m.store.CommitExit(symbol, exitPrice, reason, res.OrderID); err != nil {
		m.logger.Error().Str("symbol", symbol).Err(err).Msg("Exit commit failed")
		return
	}

	pnl, pnlPct := pos.PnL(exitPrice)
	m.bus.PublishPositionClosed(symbol, pos.EntryPrice, exitPrice, pos.Qty, pnl, reason)
	m.notifier.SendTradeClose(symbol, pos.EntryPrice, exitPrice, pnl, pnlPct, reason)
	m.recordClose(ctx, symbol)
}

// SquareOffAll force-exits every open position, walking each one through
// the same two-phase machine as a scan exit. Used by the shutdown path
// when SquareOffOnShutdown is set; runs synchronously so the caller can
// hold the process open until the book is flat.
func (m *Manager) SquareOffAll(ctx context.Context) {
	positions := m.store.OpenPositions()
	if len(positions) == 0 {
		return
	}

	m.logger.Warn().Int("positions", len(positions)).Msg("Squaring off all open positions")

	symbols := make([]string, 0, len(positions))
	for _, p := range positions {
		symbols = append(symbols, p.Symbol)
	}
	quotes := m.bulkLTP(ctx, symbols)

	for _, pos := range positions {
		if pos.ExitInProgress {
			continue
		}
		ltp := quotes[pos.Symbol]
		if ltp <= 0 {
			// No quote at shutdown; the market order still goes out and
			// the entry price keeps the recorded P&L neutral until the
			// journal is corrected from the broker book.
			ltp = pos.EntryPrice
		}
		m.ExecuteExit(ctx, pos.Symbol, ltp, state.ExitStagnation)
	}
}

// recordClose hands the closed position to the journal on its own
// goroutine. Journal latency or failure never touches the exit path.
func (m *Manager) recordClose(ctx context.Context, symbol string) {
	if m.journal == nil {
		return
	}
	closed, ok := m.store.GetPosition(symbol)
	if !ok {
		return
	}
	go func() {
		jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := m.journal.RecordTrade(jctx, closed); err != nil {
			m.logger.Error().Str("symbol", symbol).Err(err).Msg("Trade journal write failed")
		}
	}()
}

// refreshBreadth recomputes the stagnation factor from where NIFTY and
// BANKNIFTY sit in their session ranges.
func (m *Manager) refreshBreadth(ctx context.Context) {
	niftyPos := m.indexRangePosition(ctx, market.IndexNifty)
	bankPos := m.indexRangePosition(ctx, market.IndexBankNifty)

	factor := market.StagnationFactor(niftyPos, bankPos)

	m.mu.Lock()
	old := m.stagnationFactor
	m.stagnationFactor = factor
	m.mu.Unlock()

	if factor != old {
		m.logger.Info().
			Float64("nifty_pos", niftyPos).
			Float64("banknifty_pos", bankPos).
			Float64("factor", factor).
			Msg("Breadth factor changed")
	}
}

func (m *Manager) indexRangePosition(ctx context.Context, symbol string) float64 {
	ltp, err := m.feed.GetLTP(ctx, symbol)
	if err != nil || ltp <= 0 {
		return 0.5
	}
	candles, err := m.feed.GetRecentCandles(ctx, symbol, "5m", 80)
	if err != nil {
		return 0.5
	}
	return market.RangePosition(candles, ltp)
}

// StagnationFactor exposes the current breadth multiplier for the status
// API.
func (m *Manager) StagnationFactor() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stagnationFactor
}
