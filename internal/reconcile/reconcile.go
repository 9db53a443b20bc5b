// Package reconcile keeps local state honest against the broker. The
// broker book is the source of truth: positions we hold that the broker
// doesn't are ghosts and get closed, positions the broker holds that we
// don't are orphans and get imported under emergency risk defaults, and
// in-flight order slots are settled from the broker order book once
// their owning flow has had its chance.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nsebot/tradeengine/internal/broker"
	"github.com/nsebot/tradeengine/internal/events"
	"github.com/nsebot/tradeengine/internal/idempotency"
	"github.com/nsebot/tradeengine/internal/market"
	"github.com/nsebot/tradeengine/internal/notification"
	"github.com/nsebot/tradeengine/internal/state"
)

const (
	heartbeatName = "reconciler"
	pollerName    = "order_poller"
)

// Config tunes the reconciliation cadence and the emergency risk bands
// applied to imported positions.
type Config struct {
	Interval       time.Duration `json:"interval"`         // full pass cadence
	PollInterval   time.Duration `json:"poll_interval"`    // order book poll cadence
	SettleGrace    time.Duration `json:"settle_grace"`     // leave young slots to their owning flow
	EmergencySLPct float64       `json:"emergency_sl_pct"` // orphan stop, % below avg
	EmergencyTPPct float64       `json:"emergency_tp_pct"` // orphan target, % above avg
	PendingTTL     time.Duration `json:"pending_ttl"`      // zombie slot age
	ExtremeTTL     time.Duration `json:"extreme_ttl"`      // force-clear age when broker unreachable
}

// DefaultConfig returns the production cadence and bands.
func DefaultConfig() Config {
	return Config{
		Interval:       60 * time.Second,
		PollInterval:   2 * time.Second,
		SettleGrace:    30 * time.Second,
		EmergencySLPct: 1.0,
		EmergencyTPPct: 2.0,
		PendingTTL:     2 * time.Minute,
		ExtremeTTL:     10 * time.Minute,
	}
}

// Report summarizes one reconciliation pass for the logs and the ops API.
type Report struct {
	Ghosts  []string `json:"ghosts,omitempty"`
	Orphans []string `json:"orphans,omitempty"`
	Shrunk  []string `json:"shrunk,omitempty"`
	Settled []string `json:"settled,omitempty"`
	Zombies int      `json:"zombies"`
}

// Empty reports whether the pass changed nothing.
func (r Report) Empty() bool {
	return len(r.Ghosts) == 0 && len(r.Orphans) == 0 && len(r.Shrunk) == 0 &&
		len(r.Settled) == 0 && r.Zombies == 0
}

// Journal receives positions closed by reconciliation.
type Journal interface {
	RecordTrade(ctx context.Context, pos state.Position) error
}

// Reconciler drives the periodic passes and the on-demand trigger.
type Reconciler struct {
	store    *state.Store
	client   broker.Client
	registry *idempotency.Registry
	bus      *events.Bus
	notifier *notification.Manager
	journal  Journal
	cfg      Config
	logger   zerolog.Logger

	now func() time.Time

	passMu sync.Mutex // one pass at a time; API trigger vs loop

	mu        sync.Mutex
	isRunning bool
	stopChan  chan struct{}
}

// New wires a reconciler. journal may be nil.
func New(store *state.Store, client broker.Client, registry *idempotency.Registry, bus *events.Bus, notifier *notification.Manager, journal Journal, cfg Config, logger zerolog.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg = DefaultConfig()
	}
	return &Reconciler{
		store:    store,
		client:   client,
		registry: registry,
		bus:      bus,
		notifier: notifier,
		journal:  journal,
		cfg:      cfg,
		logger:   logger.With().Str("component", heartbeatName).Logger(),
		now:      market.Now,
	}
}

// SetClock overrides the time source for tests.
func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = now
}

// Start launches the periodic pass loop and the fast order poller.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	if r.isRunning {
		r.mu.Unlock()
		return
	}
	r.isRunning = true
	r.stopChan = make(chan struct{})
	stop := r.stopChan
	r.mu.Unlock()

	r.logger.Info().
		Dur("interval", r.cfg.Interval).
		Dur("poll_interval", r.cfg.PollInterval).
		Msg("Reconciler started")

	go r.runPasses(ctx, stop)
	go r.runPoller(ctx, stop)
}

// Stop halts both loops.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.isRunning {
		return
	}
	r.isRunning = false
	close(r.stopChan)
	r.logger.Info().Msg("Reconciler stopped")
}

func (r *Reconciler) runPasses(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			r.store.Beat(heartbeatName)
			if _, err := r.Reconcile(ctx); err != nil {
				r.logger.Error().Err(err).Msg("Periodic reconciliation failed")
			}
		}
	}
}

func (r *Reconciler) runPoller(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			r.store.Beat(pollerName)
			r.SettlePending(ctx)
		}
	}
}

// Reconcile runs one full pass: settle aged order slots, close ghosts,
// correct quantity drift, import orphans, reap zombies. Runs on startup,
// on the periodic tick and on demand from the ops API.
func (r *Reconciler) Reconcile(ctx context.Context) (Report, error) {
	r.passMu.Lock()
	defer r.passMu.Unlock()

	started := r.now()

	book, err := r.fetchBook(ctx)
	if err != nil {
		return Report{}, err
	}

	var report Report
	report.Settled = r.SettlePending(ctx)

	for _, pos := range r.store.OpenPositions() {
		bp, live := book[pos.Symbol]
		if !live {
			if pos.ExitInProgress {
				// An exit is mid-flight; its own settlement decides.
				continue
			}
			r.closeGhost(ctx, pos)
			report.Ghosts = append(report.Ghosts, pos.Symbol)
			continue
		}

		switch {
		case bp.NetQty < pos.Qty:
			if err := r.store.ShrinkQty(pos.Symbol, bp.NetQty); err == nil {
				report.Shrunk = append(report.Shrunk, pos.Symbol)
				r.bus.PublishReconciliation("qty_shrunk", pos.Symbol, map[string]interface{}{
					"local_qty":  pos.Qty,
					"broker_qty": bp.NetQty,
				})
			}
		case bp.NetQty > pos.Qty:
			// Manual add-on from the terminal; the extra quantity is the
			// operator's, not ours.
			r.logger.Warn().
				Str("symbol", pos.Symbol).
				Int("local_qty", pos.Qty).
				Int("broker_qty", bp.NetQty).
				Msg("Broker holds more than local, leaving alone")
		}
	}

	for sym, bp := range book {
		if p, ok := r.store.GetPosition(sym); ok && p.Status == state.StatusOpen {
			continue
		}
		if r.store.HasActivePending(sym, state.ActionBuy) {
			// A live entry flow owns this symbol; let it commit.
			continue
		}
		if r.importPosition(sym, bp.NetQty, bp.AvgPrice) {
			report.Orphans = append(report.Orphans, sym)
		}
	}

	report.Zombies = r.registry.SweepZombies(ctx, r.client, r.cfg.PendingTTL, r.cfg.ExtremeTTL)

	if !report.Empty() {
		r.bus.PublishStateChanged()
		r.logger.Info().
			Strs("ghosts", report.Ghosts).
			Strs("orphans", report.Orphans).
			Strs("shrunk", report.Shrunk).
			Int("settled", len(report.Settled)).
			Int("zombies", report.Zombies).
			Dur("took", r.now().Sub(started)).
			Msg("Reconciliation pass corrected state")
	} else {
		r.logger.Debug().Dur("took", r.now().Sub(started)).Msg("Reconciliation pass clean")
	}

	return report, nil
}

// fetchBook maps the broker's live longs by symbol. Shorts are logged
// and ignored; the engine never opens them.
func (r *Reconciler) fetchBook(ctx context.Context) (map[string]broker.Position, error) {
	positions, err := r.client.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch broker positions: %w", err)
	}

	book := make(map[string]broker.Position, len(positions))
	for _, bp := range positions {
		switch {
		case bp.NetQty > 0:
			book[bp.Symbol] = bp
		case bp.NetQty < 0:
			r.logger.Warn().
				Str("symbol", bp.Symbol).
				Int("net_qty", bp.NetQty).
				Msg("Broker shows a short position, not ours to manage")
		}
	}
	return book, nil
}

// closeGhost marks a position the broker no longer holds. The exit price
// is unknown; zero keeps the row honest.
func (r *Reconciler) closeGhost(ctx context.Context, pos state.Position) {
	if err := r.store.CommitExit(pos.Symbol, 0, state.ExitReconciliation, ""); err != nil {
		r.logger.Error().Str("symbol", pos.Symbol).Err(err).Msg("Ghost close failed")
		return
	}

	r.logger.Warn().
		Str("symbol", pos.Symbol).
		Int("qty", pos.Qty).
		Msg("Ghost position closed, broker shows flat")
	r.bus.PublishReconciliation("ghost_closed", pos.Symbol, map[string]interface{}{
		"qty":   pos.Qty,
		"entry": pos.EntryPrice,
	})
	r.notifier.SendInfo("Ghost position closed",
		fmt.Sprintf("%s was open locally but flat at the broker; marked closed", pos.Symbol))

	if closed, ok := r.store.GetPosition(pos.Symbol); ok {
		r.journalTrade(ctx, closed)
	}
}

// importPosition adopts a broker long the engine has no record of, under
// emergency stops so an unmanaged position can never run unbounded.
func (r *Reconciler) importPosition(symbol string, qty int, avg float64) bool {
	if qty <= 0 || avg <= 0 {
		return false
	}

	sl := avg * (1 - r.cfg.EmergencySLPct/100)
	target := avg * (1 + r.cfg.EmergencyTPPct/100)

	err := r.store.OpenPosition(state.Position{
		Symbol:      symbol,
		Qty:         qty,
		EntryPrice:  avg,
		SL:          sl,
		OriginalSL:  sl,
		Target:      target,
		HighestLTP:  avg,
		EntryTime:   "RECONCILED",
		EntryTimeTS: r.now().Unix(),
		SetupGrade:  "ORPHAN",
		IsOrphaned:  true,
		QtySource:   "BROKER",
	})
	if err != nil {
		r.logger.Error().Str("symbol", symbol).Err(err).Msg("Orphan import failed")
		return false
	}

	r.logger.Warn().
		Str("symbol", symbol).
		Int("qty", qty).
		Float64("avg", avg).
		Float64("emergency_sl", sl).
		Float64("emergency_target", target).
		Msg("Orphan position imported under emergency stops")
	r.bus.PublishReconciliation("orphan_imported", symbol, map[string]interface{}{
		"qty": qty,
		"avg": avg,
		"sl":  sl,
	})
	r.notifier.SendCritical("Orphan position imported",
		fmt.Sprintf("%s x%d @ %.2f found at the broker with no local record; emergency SL %.2f applied", symbol, qty, avg, sl))
	return true
}

// SettlePending resolves in-flight order slots from the broker order
// book. Slots younger than the grace window are skipped: their owning
// flow (entry gateway, exit machine) is still verifying and must not be
// raced. Returns the correlation IDs settled.
func (r *Reconciler) SettlePending(ctx context.Context) []string {
	var settled []string
	now := r.now()

	for _, po := range r.store.PendingOrders() {
		if po.Status != state.PendingOpen || po.BrokerOrderID == "" {
			continue
		}
		if now.Sub(time.Unix(po.CreatedTS, 0)) < r.cfg.SettleGrace {
			continue
		}

		status, err := r.client.GetOrderStatus(ctx, po.BrokerOrderID)
		if err != nil {
			r.logger.Warn().
				Str("correlation_id", po.CorrelationID).
				Err(err).
				Msg("Order book lookup failed")
			continue
		}
		if !status.State.Terminal() {
			continue
		}

		switch status.State {
		case broker.OrderComplete:
			r.registry.Confirm(po.CorrelationID, po.BrokerOrderID)
			if po.Action == state.ActionSell {
				r.finalizeSell(ctx, po, status)
			} else {
				r.adoptBuyFill(po, status)
			}
		case broker.OrderRejected, broker.OrderCancelled:
			r.registry.Fail(po.CorrelationID)
			if po.Action == state.ActionSell {
				r.store.ReleaseExit(po.Symbol)
			}
			r.bus.PublishOrderFailed(po.Symbol, string(po.Action), po.CorrelationID, status.Reason)
			r.logger.Warn().
				Str("correlation_id", po.CorrelationID).
				Str("state", string(status.State)).
				Str("reason", status.Reason).
				Msg("Stale order slot settled as failed")
		}
		settled = append(settled, po.CorrelationID)
	}

	return settled
}

// finalizeSell commits an exit whose fill was verified late. The reason
// stashed at BeginExit time survives crashes with the snapshot, so the
// close carries the true trigger.
func (r *Reconciler) finalizeSell(ctx context.Context, po state.PendingOrder, status broker.OrderStatus) {
	pos, ok := r.store.GetPosition(po.Symbol)
	if !ok || pos.Status != state.StatusOpen {
		return
	}

	reason := pos.ExitReason
	if reason == "" {
		reason = state.ExitManual
	}

	if err := r.store.CommitExit(po.Symbol, status.AvgPrice, reason, po.BrokerOrderID); err != nil {
		r.logger.Error().Str("symbol", po.Symbol).Err(err).Msg("Late exit commit failed")
		return
	}

	pnl, _ := pos.PnL(status.AvgPrice)
	r.logger.Warn().
		Str("symbol", po.Symbol).
		Str("correlation_id", po.CorrelationID).
		Float64("exit_price", status.AvgPrice).
		Msg("Unverified exit settled from order book")
	r.bus.PublishPositionClosed(po.Symbol, pos.EntryPrice, status.AvgPrice, pos.Qty, pnl, reason)

	if closed, ok := r.store.GetPosition(po.Symbol); ok {
		r.journalTrade(ctx, closed)
	}
}

// adoptBuyFill imports an entry fill whose owning flow died before
// committing. The planned stop and target died with it, so the import
// goes through the emergency-band path.
func (r *Reconciler) adoptBuyFill(po state.PendingOrder, status broker.OrderStatus) {
	if p, ok := r.store.GetPosition(po.Symbol); ok && p.Status == state.StatusOpen {
		return
	}

	qty := status.FilledQty
	if qty <= 0 {
		qty = po.Qty
	}
	r.importPosition(po.Symbol, qty, status.AvgPrice)
}

func (r *Reconciler) journalTrade(ctx context.Context, pos state.Position) {
	if r.journal == nil {
		return
	}
	go func() {
		jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := r.journal.RecordTrade(jctx, pos); err != nil {
			r.logger.Error().Str("symbol", pos.Symbol).Err(err).Msg("Trade journal write failed")
		}
	}()
}
