package state

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrPositionExists   = errors.New("position already open for symbol")
	ErrPositionNotFound = errors.New("position not found")
	ErrPositionClosed   = errors.New("position already closed")
	ErrExitInProgress   = errors.New("exit already in progress")
	ErrDuplicatePending = errors.New("pending order exists for symbol and action")
	ErrCorrelationTaken = errors.New("correlation id already taken")
	ErrPendingNotFound  = errors.New("pending order not found")
	ErrStopNotRaised    = errors.New("new stop not above current stop")
)

// Store is the single source of in-process truth. All mutation goes
// through its methods; callers never see interior pointers.
type Store struct {
	mu sync.Mutex

	positions        map[string]*Position
	pending          map[string]*PendingOrder
	totalTradesToday int
	stockTradeCounts map[string]int
	tradingAllowed   bool
	killReason       string
	heartbeats       map[string]time.Time
	signals          []Signal
	dayKey           string

	dirty  atomic.Bool
	logger zerolog.Logger
	now    func() time.Time
}

// NewStore creates an empty store with trading enabled.
func NewStore(logger zerolog.Logger) *Store {
	return &Store{
		positions:        make(map[string]*Position),
		pending:          make(map[string]*PendingOrder),
		stockTradeCounts: make(map[string]int),
		tradingAllowed:   true,
		heartbeats:       make(map[string]time.Time),
		logger:           logger.With().Str("component", "state_store").Logger(),
		now:              time.Now,
	}
}

// SetClock overrides the store clock. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// ---------------------------------------------------------------------------
// Positions
// ---------------------------------------------------------------------------

// OpenPosition records a freshly filled entry. Fails when an OPEN position
// for the symbol already exists.
func (s *Store) OpenPosition(p Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.positions[p.Symbol]; ok && existing.Status == StatusOpen {
		return ErrPositionExists
	}

	p.Status = StatusOpen
	p.ExitInProgress = false
	if p.HighestLTP < p.EntryPrice {
		p.HighestLTP = p.EntryPrice
	}
	if p.OriginalSL == 0 {
		p.OriginalSL = p.SL
	}

	cp := p
	s.positions[p.Symbol] = &cp
	s.markDirty()

	s.logger.Info().
		Str("symbol", p.Symbol).
		Int("qty", p.Qty).
		Float64("entry", p.EntryPrice).
		Float64("sl", p.SL).
		Float64("target", p.Target).
		Msg("Position opened")
	return nil
}

// GetPosition returns a copy of the position for the symbol.
func (s *Store) GetPosition(symbol string) (Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// OpenPositions returns copies of every OPEN position.
func (s *Store) OpenPositions() []Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Position, 0, len(s.positions))
	for _, p := range s.positions {
		if p.Status == StatusOpen {
			out = append(out, *p)
		}
	}
	return out
}

// BeginExit claims the exclusive exit slot for a symbol and records why,
// so a fill discovered later (order poller, reconciliation) can finalize
// with the true reason. Returns a copy of the position with the guard
// set; fails when the position is gone, closed or already being exited.
func (s *Store) BeginExit(symbol, reason string) (Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[symbol]
	if !ok {
		return Position{}, ErrPositionNotFound
	}
	if p.Status != StatusOpen {
		return Position{}, ErrPositionClosed
	}
	if p.ExitInProgress {
		return Position{}, ErrExitInProgress
	}

	p.ExitInProgress = true
	p.ExitReason = reason
	s.markDirty()
	return *p, nil
}

// ReleaseExit clears the exit guard after a failed exit attempt so the
// next monitor pass can retry.
func (s *Store) ReleaseExit(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.positions[symbol]; ok && p.Status == StatusOpen {
		p.ExitInProgress = false
		p.ExitReason = ""
		s.markDirty()
	}
}

// CommitExit finalizes a close: terminal status, exit fields, guard
// cleared.
func (s *Store) CommitExit(symbol string, exitPrice float64, reason, exitOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[symbol]
	if !ok {
		return ErrPositionNotFound
	}
	if p.Status == StatusClosed {
		return ErrPositionClosed
	}

	p.Status = StatusClosed
	p.ExitInProgress = false
	p.ExitPrice = exitPrice
	p.ExitReason = reason
	p.ExitOrderID = exitOrderID
	s.markDirty()

	pnl := (exitPrice - p.EntryPrice) * float64(p.Qty)
	s.logger.Info().
		Str("symbol", symbol).
		Str("reason", reason).
		Float64("exit_price", exitPrice).
		Float64("pnl", pnl).
		Msg("Position closed")
	return nil
}

// RaiseStop moves the stop up. Monotonic: a stop at or below the current
// one is rejected. Level and breakeven flags only ever advance.
func (s *Store) RaiseStop(symbol string, newSL float64, level int, breakeven bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[symbol]
	if !ok {
		return ErrPositionNotFound
	}
	if p.Status != StatusOpen {
		return ErrPositionClosed
	}
	if newSL <= p.SL {
		return ErrStopNotRaised
	}

	old := p.SL
	p.SL = newSL
	if level > p.TSLLevel {
		p.TSLLevel = level
	}
	if breakeven {
		p.IsBreakevenActive = true
	}
	s.markDirty()

	s.logger.Info().
		Str("symbol", symbol).
		Float64("old_sl", old).
		Float64("new_sl", newSL).
		Int("tsl_level", p.TSLLevel).
		Msg("Stop raised")
	return nil
}

// ObserveLTP ratchets the high-water mark. Returns the updated watermark
// and whether it moved.
func (s *Store) ObserveLTP(symbol string, ltp float64) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[symbol]
	if !ok || p.Status != StatusOpen {
		return 0, false
	}
	if ltp > p.HighestLTP {
		p.HighestLTP = ltp
		s.markDirty()
		return p.HighestLTP, true
	}
	return p.HighestLTP, false
}

// ShrinkQty reduces a position's quantity after reconciliation finds the
// broker holding less than we do.
func (s *Store) ShrinkQty(symbol string, brokerQty int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[symbol]
	if !ok {
		return ErrPositionNotFound
	}
	if p.Status != StatusOpen || brokerQty >= p.Qty {
		return nil
	}
	old := p.Qty
	p.Qty = brokerQty
	s.markDirty()
	s.logger.Warn().
		Str("symbol", symbol).
		Int("local_qty", old).
		Int("broker_qty", brokerQty).
		Msg("Quantity shrunk to broker truth")
	return nil
}

// ---------------------------------------------------------------------------
// Pending orders (idempotency registry storage)
// ---------------------------------------------------------------------------

// BeginPending inserts a pending order slot atomically. ErrCorrelationTaken
// means the ID itself collided (caller may salt and retry);
// ErrDuplicatePending means an unresolved slot for the same symbol+action
// exists and the intent must not be placed again. The check and the insert
// happen under one lock acquisition so two racing callers cannot both claim
// the slot.
func (s *Store) BeginPending(po PendingOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.pending[po.CorrelationID]; taken {
		return ErrCorrelationTaken
	}
	for _, existing := range s.pending {
		if existing.Symbol == po.Symbol && existing.Action == po.Action && existing.Status == PendingOpen {
			return ErrDuplicatePending
		}
	}

	po.Status = PendingOpen
	if po.CreatedTS == 0 {
		po.CreatedTS = s.now().Unix()
	}
	cp := po
	s.pending[po.CorrelationID] = &cp
	s.markDirty()
	return nil
}

// GetPending returns a copy of the pending order for the correlation ID.
func (s *Store) GetPending(corrID string) (PendingOrder, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	po, ok := s.pending[corrID]
	if !ok {
		return PendingOrder{}, false
	}
	return *po, true
}

// PendingOrders returns copies of all registry slots.
func (s *Store) PendingOrders() []PendingOrder {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PendingOrder, 0, len(s.pending))
	for _, po := range s.pending {
		out = append(out, *po)
	}
	return out
}

// HasActivePending reports whether an unresolved slot exists for the
// symbol+action pair.
func (s *Store) HasActivePending(symbol string, action OrderAction) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, po := range s.pending {
		if po.Symbol == symbol && po.Action == action && po.Status == PendingOpen {
			return true
		}
	}
	return false
}

// AttachBrokerOrder records the broker order ID on a slot that is still
// in flight. Called the moment the placement call returns, before
// verification, so a crash between the two leaves a traceable ID.
func (s *Store) AttachBrokerOrder(corrID, brokerOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	po, ok := s.pending[corrID]
	if !ok {
		return ErrPendingNotFound
	}
	po.BrokerOrderID = brokerOrderID
	s.markDirty()
	return nil
}

// ResolvePending marks a slot confirmed or failed and records the broker
// order ID when known.
func (s *Store) ResolvePending(corrID string, status PendingStatus, brokerOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	po, ok := s.pending[corrID]
	if !ok {
		return ErrPendingNotFound
	}
	po.Status = status
	if brokerOrderID != "" {
		po.BrokerOrderID = brokerOrderID
	}
	s.markDirty()
	return nil
}

// ClearPending removes a settled slot from the registry.
func (s *Store) ClearPending(corrID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[corrID]; ok {
		delete(s.pending, corrID)
		s.markDirty()
	}
}

// ReapStalePending removes unresolved slots older than ttl that never
// received a broker order ID. A slot with no ID past the threshold means
// the placement call died before recording anything; there is no broker
// order to chase, only local bookkeeping to undo. Slots that do carry an
// ID are left for the zombie sweep to verify against the broker.
func (s *Store) ReapStalePending(ttl time.Duration) []PendingOrder {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-ttl).Unix()
	var reaped []PendingOrder
	for id, po := range s.pending {
		if po.Status == PendingOpen && po.BrokerOrderID == "" && po.CreatedTS < cutoff {
			reaped = append(reaped, *po)
			delete(s.pending, id)
		}
	}
	if len(reaped) > 0 {
		s.markDirty()
		s.logger.Warn().Int("count", len(reaped)).Msg("Reaped stale pending orders")
	}
	return reaped
}

// ---------------------------------------------------------------------------
// Admission counters and kill switch
// ---------------------------------------------------------------------------

// AdmissionCheck verifies the caps and guards that gate a new entry, all
// under one lock acquisition. It does not reserve anything; the counters
// bump on fill via RecordEntry.
func (s *Store) AdmissionCheck(symbol string, maxPerDay, maxPerStock int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.tradingAllowed {
		return ErrTradingDisabled
	}
	if s.totalTradesToday >= maxPerDay {
		return ErrDailyCapReached
	}
	if s.stockTradeCounts[symbol] >= maxPerStock {
		return ErrStockCapReached
	}
	if p, ok := s.positions[symbol]; ok && p.Status == StatusOpen {
		return ErrPositionExists
	}
	for _, po := range s.pending {
		if po.Symbol == symbol && po.Action == ActionBuy && po.Status == PendingOpen {
			return ErrDuplicatePending
		}
	}
	return nil
}

var (
	ErrTradingDisabled = errors.New("trading disabled")
	ErrDailyCapReached = errors.New("daily trade cap reached")
	ErrStockCapReached = errors.New("per-stock trade cap reached")
)

// RecordEntry bumps the daily and per-stock counters after a confirmed
// fill.
func (s *Store) RecordEntry(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalTradesToday++
	s.stockTradeCounts[symbol]++
	s.markDirty()
}

// TradesToday returns the daily counter.
func (s *Store) TradesToday() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalTradesToday
}

// EnsureDay resets the daily counters when the IST calendar day changes.
func (s *Store) EnsureDay(dayKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dayKey == dayKey {
		return
	}
	if s.dayKey != "" {
		s.logger.Info().Str("old", s.dayKey).Str("new", dayKey).Msg("Day rollover, counters reset")
	}
	s.dayKey = dayKey
	s.totalTradesToday = 0
	s.stockTradeCounts = make(map[string]int)
	s.markDirty()
}

// DisableTrading trips the kill switch. One-way: only an explicit operator
// EnableTrading re-arms.
func (s *Store) DisableTrading(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.tradingAllowed {
		return
	}
	s.tradingAllowed = false
	s.killReason = reason
	s.markDirty()
	s.logger.Error().Str("reason", reason).Msg("KILL SWITCH TRIPPED: new entries disabled")
}

// EnableTrading re-arms entries. Operator action only.
func (s *Store) EnableTrading() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tradingAllowed = true
	s.killReason = ""
	s.markDirty()
	s.logger.Warn().Msg("Trading re-enabled by operator")
}

// TradingAllowed reports the kill switch state.
func (s *Store) TradingAllowed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tradingAllowed
}

// ---------------------------------------------------------------------------
// Heartbeats and signals
// ---------------------------------------------------------------------------

// Beat records a component heartbeat.
func (s *Store) Beat(component string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats[component] = s.now()
}

// StaleComponents returns the monitored components whose last beat is
// older than maxAge. Components that never beat are not reported; the
// watchdog seeds initial beats at startup.
func (s *Store) StaleComponents(maxAge time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-maxAge)
	var stale []string
	for name, last := range s.heartbeats {
		if last.Before(cutoff) {
			stale = append(stale, name)
		}
	}
	return stale
}

// PushSignal appends to the signal ring, dropping the oldest past the cap.
func (s *Store) PushSignal(sig Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.signals = append(s.signals, sig)
	if len(s.signals) > maxSignals {
		s.signals = s.signals[len(s.signals)-maxSignals:]
	}
	s.markDirty()
}

// ---------------------------------------------------------------------------
// Snapshots and persistence
// ---------------------------------------------------------------------------

// Snapshot returns a deep copy of everything.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Positions:        make(map[string]Position, len(s.positions)),
		PendingOrders:    make(map[string]PendingOrder, len(s.pending)),
		TotalTradesToday: s.totalTradesToday,
		StockTradeCounts: make(map[string]int, len(s.stockTradeCounts)),
		IsTradingAllowed: s.tradingAllowed,
		KillReason:       s.killReason,
		Heartbeats:       make(map[string]time.Time, len(s.heartbeats)),
		Signals:          make([]Signal, len(s.signals)),
		DayKey:           s.dayKey,
		TakenAt:          s.now(),
	}
	for k, v := range s.positions {
		snap.Positions[k] = *v
	}
	for k, v := range s.pending {
		snap.PendingOrders[k] = *v
	}
	for k, v := range s.stockTradeCounts {
		snap.StockTradeCounts[k] = v
	}
	for k, v := range s.heartbeats {
		snap.Heartbeats[k] = v
	}
	copy(snap.Signals, s.signals)
	return snap
}

// MarshalSnapshot serializes the aggregate state for persistence.
func (s *Store) MarshalSnapshot() ([]byte, error) {
	snap := s.Snapshot()
	return json.Marshal(snap)
}

// Restore loads a previously persisted snapshot. In-flight guards are
// cleared: an exit that was mid-flight when the process died must be
// re-decided against broker truth, not resumed blind.
func (s *Store) Restore(data []byte) error {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.positions = make(map[string]*Position, len(snap.Positions))
	for k, v := range snap.Positions {
		p := v
		p.ExitInProgress = false
		if p.Status == StatusOpen {
			// a reason stashed by a pre-crash BeginExit is stale; the
			// next exit decides its own trigger
			p.ExitReason = ""
		}
		s.positions[k] = &p
	}
	s.pending = make(map[string]*PendingOrder, len(snap.PendingOrders))
	for k, v := range snap.PendingOrders {
		po := v
		s.pending[k] = &po
	}
	s.totalTradesToday = snap.TotalTradesToday
	s.stockTradeCounts = make(map[string]int, len(snap.StockTradeCounts))
	for k, v := range snap.StockTradeCounts {
		s.stockTradeCounts[k] = v
	}
	s.tradingAllowed = snap.IsTradingAllowed
	s.killReason = snap.KillReason
	s.signals = append([]Signal(nil), snap.Signals...)
	s.dayKey = snap.DayKey
	// heartbeats intentionally not restored; components re-seed on start

	s.logger.Info().
		Int("positions", len(s.positions)).
		Int("pending", len(s.pending)).
		Str("day", s.dayKey).
		Msg("State restored from snapshot")
	return nil
}

// ConsumeDirty reports whether state changed since the last call and
// resets the flag. The autosave loop uses it to skip idle writes.
func (s *Store) ConsumeDirty() bool {
	return s.dirty.Swap(false)
}

func (s *Store) markDirty() {
	s.dirty.Store(true)
}
