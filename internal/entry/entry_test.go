package entry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
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

// stubBroker fills every order instantly at fillPrice unless told
// otherwise.
type stubBroker struct {
	mu        sync.Mutex
	placed    []broker.OrderRequest
	nextID    int
	fillPrice float64
	cash      float64
	placeErr  error
	fundsErr  error
	neverFill bool
	book      []broker.Position
}

func (b *stubBroker) PlaceOrder(_ context.Context, req broker.OrderRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.placeErr != nil {
		return "", b.placeErr
	}
	b.nextID++
	b.placed = append(b.placed, req)
	return fmt.Sprintf("ORD%03d", b.nextID), nil
}

func (b *stubBroker) GetOrderStatus(_ context.Context, orderID string) (broker.OrderStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.neverFill {
		return broker.OrderStatus{OrderID: orderID, State: broker.OrderOpen}, nil
	}
	return broker.OrderStatus{OrderID: orderID, State: broker.OrderComplete, AvgPrice: b.fillPrice}, nil
}

func (b *stubBroker) CancelOrder(context.Context, string) error { return nil }

func (b *stubBroker) GetPositions(context.Context) ([]broker.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.book, nil
}

func (b *stubBroker) GetLTP(context.Context, string) (float64, error) { return 0, nil }
func (b *stubBroker) GetBulkLTP(context.Context, []string) (map[string]float64, error) {
	return nil, nil
}

func (b *stubBroker) GetFunds(context.Context) (broker.Funds, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fundsErr != nil {
		return broker.Funds{}, b.fundsErr
	}
	return broker.Funds{AvailableCash: b.cash}, nil
}

func (b *stubBroker) placedOrders() []broker.OrderRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broker.OrderRequest(nil), b.placed...)
}

// stubFeed serves canned quotes and candles keyed by symbol and
// interval.
type stubFeed struct {
	mu      sync.Mutex
	quotes  map[string]float64
	candles map[string][]market.Candle
}

func candleKey(symbol, interval string) string { return symbol + "/" + interval }

func (f *stubFeed) GetLTP(_ context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ltp, ok := f.quotes[symbol]
	if !ok {
		return 0, broker.ErrSymbolNotFound
	}
	return ltp, nil
}

func (f *stubFeed) GetBulkLTP(_ context.Context, symbols []string) (map[string]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		if ltp, ok := f.quotes[s]; ok {
			out[s] = ltp
		}
	}
	return out, nil
}

func (f *stubFeed) GetRecentCandles(_ context.Context, symbol, interval string, _ int) ([]market.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.candles[candleKey(symbol, interval)]
	if !ok {
		return nil, errors.New("no candles")
	}
	return c, nil
}

func (f *stubFeed) setQuote(symbol string, ltp float64) {
	f.mu.Lock()
	f.quotes[symbol] = ltp
	f.mu.Unlock()
}

type harness struct {
	store  *state.Store
	broker *stubBroker
	feed   *stubFeed
	orch   *Orchestrator

	mu  sync.Mutex
	now time.Time
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) setClock(t time.Time) {
	h.mu.Lock()
	h.now = t
	h.mu.Unlock()
}

// tradingDay returns an in-session instant on a regular Tuesday.
func tradingDay(hh, mm int) time.Time {
	return time.Date(2026, 2, 3, hh, mm, 0, 0, market.IST())
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zerolog.Nop()

	h := &harness{now: tradingDay(11, 30)}
	h.store = state.NewStore(logger)
	h.store.SetClock(h.clock)

	h.broker = &stubBroker{fillPrice: 100.2, cash: 100_000}
	h.feed = &stubFeed{quotes: map[string]float64{}, candles: map[string][]market.Candle{}}

	reg := idempotency.NewRegistry(h.store, logger)
	reg.SetClock(h.clock)

	gw := execution.NewGateway(h.broker, reg, execution.Config{
		VerifyRetries: 2,
		VerifyBackoff: time.Millisecond,
		ExitRetries:   2,
		ExitBackoff:   time.Millisecond,
	}, logger)

	h.orch = New(h.store, h.broker, h.feed, gw, reg, events.NewBus(), notification.NewManager(), DefaultConfig(), risk.DefaultConfig(), logger)
	h.orch.SetClock(h.clock)
	return h
}

// primeSetup loads a passing momentum setup for the symbol: a green
// uptrend holding above VWAP and EMA20 with a volume spike on the last
// closed bar, a confirmed swing low at 99.00, and a previous session
// for the pivot levels. The live quote sits at 100.
func (h *harness) primeSetup(symbol string) {
	day := h.clock()
	t0 := time.Date(day.Year(), day.Month(), day.Day(), 9, 15, 0, 0, market.IST())

	candles := make([]market.Candle, 28)
	open := 98.55
	for i := range candles {
		cl := open + 0.05
		candles[i] = market.Candle{
			Time:   t0.Add(time.Duration(i) * 5 * time.Minute),
			Open:   open,
			High:   cl + 0.15,
			Low:    open - 0.15,
			Close:  cl,
			Volume: 10_000,
		}
		open = cl
	}
	candles[22].Low = 99.0      // confirmed swing low, the stop anchor
	candles[26].Volume = 25_000 // spike on the last closed bar

	prevDay := t0.AddDate(0, 0, -1)
	daily := []market.Candle{
		{Time: prevDay.AddDate(0, 0, -1), Open: 96, High: 99, Low: 95, Close: 98, Volume: 1e6},
		{Time: prevDay, Open: 98, High: 103, Low: 97, Close: 99.5, Volume: 1e6},
		{Time: t0, Open: 99.5, High: 100.1, Low: 98.4, Close: 99.95, Volume: 5e5},
	}

	h.feed.mu.Lock()
	h.feed.candles[candleKey(symbol, "5m")] = candles
	h.feed.candles[candleKey(symbol, "1d")] = daily
	h.feed.mu.Unlock()
	h.feed.setQuote(symbol, 100.0)
}

func signalFor(symbol string) state.Signal {
	return state.Signal{Symbol: symbol, Price: 100.0, Grade: "A", Sector: "AUTO", Reason: "momentum breakout"}
}

func TestEntryOpensPositionThroughFullPipeline(t *testing.T) {
	h := newHarness(t)
	h.primeSetup("TATAMOTORS")

	if err := h.orch.TryEnter(context.Background(), signalFor("TATAMOTORS")); err != nil {
		t.Fatalf("TryEnter: %v", err)
	}

	placed := h.broker.placedOrders()
	if len(placed) != 1 {
		t.Fatalf("placed %d orders, want 1", len(placed))
	}
	req := placed[0]
	if req.Side != broker.Buy || req.Symbol != "TATAMOTORS" || req.Product != broker.Intraday {
		t.Errorf("order = %+v, want intraday BUY TATAMOTORS", req)
	}
	if req.CorrelationID == "" {
		t.Error("order placed without a correlation ID")
	}
	// 1% of 100k over the 1.198 stop distance
	if req.Qty != 834 {
		t.Errorf("Qty = %d, want 834", req.Qty)
	}

	pos, ok := h.store.GetPosition("TATAMOTORS")
	if !ok {
		t.Fatal("position not booked")
	}
	if pos.Status != state.StatusOpen {
		t.Fatalf("Status = %s, want OPEN", pos.Status)
	}
	if !approx(pos.EntryPrice, 100.2) {
		t.Errorf("EntryPrice = %v, want broker fill 100.2", pos.EntryPrice)
	}
	if !approx(pos.SL, 99.0*0.998) {
		t.Errorf("SL = %v, want swing low minus buffer %v", pos.SL, 99.0*0.998)
	}
	if !approx(pos.OriginalSL, pos.SL) {
		t.Errorf("OriginalSL = %v, want %v", pos.OriginalSL, pos.SL)
	}
	if !approx(pos.Target, 100+1.5*(100-99.0*0.998)) {
		t.Errorf("Target = %v, want R:R floor %v", pos.Target, 100+1.5*(100-99.0*0.998))
	}
	if !approx(pos.HighestLTP, 100.2) {
		t.Errorf("HighestLTP = %v, want seeded at entry", pos.HighestLTP)
	}
	if pos.EntryTime != "11:30:00" {
		t.Errorf("EntryTime = %q, want 11:30:00", pos.EntryTime)
	}
	if pos.OrderID != "ORD001" {
		t.Errorf("OrderID = %q, want ORD001", pos.OrderID)
	}
	if pos.SetupGrade != "A" || pos.Sector != "AUTO" {
		t.Errorf("grade/sector = %q/%q, want A/AUTO", pos.SetupGrade, pos.Sector)
	}
	if pos.QtySource != risk.QtySourceRisk {
		t.Errorf("QtySource = %q, want %q", pos.QtySource, risk.QtySourceRisk)
	}
	if pos.RiskAmount <= 0 {
		t.Errorf("RiskAmount = %v, want positive", pos.RiskAmount)
	}

	if got := h.store.TradesToday(); got != 1 {
		t.Errorf("TradesToday = %d, want 1", got)
	}
	slots := h.store.PendingOrders()
	if len(slots) != 1 || slots[0].Status != state.PendingConfirmed || slots[0].BrokerOrderID != "ORD001" {
		t.Errorf("slots = %+v, want one CONFIRMED with ORD001", slots)
	}
}

func TestEntrySessionGates(t *testing.T) {
	tests := []struct {
		name    string
		at      time.Time
		wantErr error
	}{
		{"weekend", time.Date(2026, 2, 8, 11, 0, 0, 0, market.IST()), ErrMarketClosed},
		{"holiday", time.Date(2026, 1, 26, 11, 0, 0, 0, market.IST()), ErrMarketClosed},
		{"before open", tradingDay(8, 45), ErrMarketClosed},
		{"after close", tradingDay(15, 45), ErrMarketClosed},
		{"past entry cutoff", tradingDay(14, 31), ErrPastEntryCutoff},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.primeSetup("TATAMOTORS")
			h.setClock(tt.at)

			err := h.orch.TryEnter(context.Background(), signalFor("TATAMOTORS"))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if placed := h.broker.placedOrders(); len(placed) != 0 {
				t.Errorf("placed %d orders through a closed gate", len(placed))
			}
		})
	}
}

func TestEntryRespectsKillSwitch(t *testing.T) {
	h := newHarness(t)
	h.primeSetup("TATAMOTORS")
	h.store.DisableTrading("heartbeat stale: position_manager")

	err := h.orch.TryEnter(context.Background(), signalFor("TATAMOTORS"))
	if !errors.Is(err, state.ErrTradingDisabled) {
		t.Fatalf("err = %v, want ErrTradingDisabled", err)
	}
	if placed := h.broker.placedOrders(); len(placed) != 0 {
		t.Errorf("placed %d orders with the kill switch tripped", len(placed))
	}
}

func TestEntryEnforcesTradeCaps(t *testing.T) {
	t.Run("daily cap", func(t *testing.T) {
		h := newHarness(t)
		h.primeSetup("TATAMOTORS")
		h.store.RecordEntry("INFY")
		h.store.RecordEntry("SBIN")
		h.store.RecordEntry("ONGC")

		err := h.orch.TryEnter(context.Background(), signalFor("TATAMOTORS"))
		if !errors.Is(err, state.ErrDailyCapReached) {
			t.Fatalf("err = %v, want ErrDailyCapReached", err)
		}
	})

	t.Run("per-stock cap", func(t *testing.T) {
		h := newHarness(t)
		h.primeSetup("TATAMOTORS")
		h.store.RecordEntry("TATAMOTORS")
		h.store.RecordEntry("TATAMOTORS")

		err := h.orch.TryEnter(context.Background(), signalFor("TATAMOTORS"))
		if !errors.Is(err, state.ErrStockCapReached) {
			t.Fatalf("err = %v, want ErrStockCapReached", err)
		}
	})
}

func TestEntryRejectsWhenPositionAlreadyOpen(t *testing.T) {
	h := newHarness(t)
	h.primeSetup("TATAMOTORS")
	if err := h.orch.TryEnter(context.Background(), signalFor("TATAMOTORS")); err != nil {
		t.Fatalf("first entry: %v", err)
	}

	err := h.orch.TryEnter(context.Background(), signalFor("TATAMOTORS"))
	if !errors.Is(err, state.ErrPositionExists) {
		t.Fatalf("err = %v, want ErrPositionExists", err)
	}
	if placed := h.broker.placedOrders(); len(placed) != 1 {
		t.Errorf("placed %d orders for one signal stream, want 1", len(placed))
	}
}

func TestEntryRevalidatesFadedSetup(t *testing.T) {
	h := newHarness(t)
	h.primeSetup("TATAMOTORS")
	// The scanner saw 100 but the move has already given back; the
	// live price is under VWAP now.
	h.feed.setQuote("TATAMOTORS", 99.0)

	err := h.orch.TryEnter(context.Background(), signalFor("TATAMOTORS"))
	if !errors.Is(err, ErrSetupInvalid) {
		t.Fatalf("err = %v, want ErrSetupInvalid", err)
	}
	if placed := h.broker.placedOrders(); len(placed) != 0 {
		t.Errorf("placed %d orders on a faded setup", len(placed))
	}
}

func TestEntryRiskRejectionPlacesNoOrder(t *testing.T) {
	h := newHarness(t)
	h.primeSetup("TATAMOTORS")

	// A floor wider than the cap makes every stop anchor unusable.
	cfg, riskCfg := h.orch.Configs()
	riskCfg.MinSLAbsPct = 3.0
	h.orch.UpdateConfig(cfg, riskCfg)

	err := h.orch.TryEnter(context.Background(), signalFor("TATAMOTORS"))
	if err == nil {
		t.Fatal("TryEnter accepted an unstoppable trade")
	}
	var rej *risk.Reject
	if !errors.As(err, &rej) {
		t.Fatalf("err = %v, want a risk rejection", err)
	}
	if placed := h.broker.placedOrders(); len(placed) != 0 {
		t.Errorf("placed %d orders, want 0", len(placed))
	}
	if slots := h.store.PendingOrders(); len(slots) != 0 {
		t.Errorf("risk rejection left %d registry slots behind", len(slots))
	}
	if got := h.store.TradesToday(); got != 0 {
		t.Errorf("TradesToday = %d, want 0", got)
	}
}

func TestEntryUnverifiedLeavesSlotForPoller(t *testing.T) {
	h := newHarness(t)
	h.primeSetup("TATAMOTORS")
	h.broker.neverFill = true

	err := h.orch.TryEnter(context.Background(), signalFor("TATAMOTORS"))
	if !errors.Is(err, execution.ErrUnverified) {
		t.Fatalf("err = %v, want ErrUnverified", err)
	}

	if _, ok := h.store.GetPosition("TATAMOTORS"); ok {
		t.Error("unverified order must not book a position")
	}
	if got := h.store.TradesToday(); got != 0 {
		t.Errorf("TradesToday = %d, want 0 until the fill is confirmed", got)
	}
	slots := h.store.PendingOrders()
	if len(slots) != 1 {
		t.Fatalf("slots = %d, want the unresolved intent kept", len(slots))
	}
	if slots[0].Status != state.PendingOpen || slots[0].BrokerOrderID != "ORD001" {
		t.Errorf("slot = %+v, want PENDING with broker order attached", slots[0])
	}

	// A second signal for the same symbol must not double-place while
	// the first intent is unresolved.
	err = h.orch.TryEnter(context.Background(), signalFor("TATAMOTORS"))
	if !errors.Is(err, state.ErrDuplicatePending) {
		t.Fatalf("second attempt err = %v, want ErrDuplicatePending", err)
	}
	if placed := h.broker.placedOrders(); len(placed) != 1 {
		t.Errorf("placed %d orders, want 1", len(placed))
	}
}

func TestEntryPlacementFailureAllowsRetry(t *testing.T) {
	h := newHarness(t)
	h.primeSetup("TATAMOTORS")
	h.broker.placeErr = errors.New("exchange gateway timeout")

	if err := h.orch.TryEnter(context.Background(), signalFor("TATAMOTORS")); err == nil {
		t.Fatal("TryEnter succeeded with placement failing")
	}
	if _, ok := h.store.GetPosition("TATAMOTORS"); ok {
		t.Fatal("failed placement booked a position")
	}

	// Broker recovers; the next signal gets a fresh correlation ID.
	h.broker.mu.Lock()
	h.broker.placeErr = nil
	h.broker.mu.Unlock()
	h.setClock(h.clock().Add(5 * time.Second))

	if err := h.orch.TryEnter(context.Background(), signalFor("TATAMOTORS")); err != nil {
		t.Fatalf("retry after recovery: %v", err)
	}
	if _, ok := h.store.GetPosition("TATAMOTORS"); !ok {
		t.Error("retry did not book the position")
	}
}

func TestEntryFillRecoveredFromBookUsesLTP(t *testing.T) {
	h := newHarness(t)
	h.primeSetup("TATAMOTORS")
	// Status polls never settle but the position book shows the buy
	// landed; the fill price is unknown so the live quote stands in.
	h.broker.neverFill = true
	h.broker.book = []broker.Position{{Symbol: "TATAMOTORS", NetQty: 834}}

	if err := h.orch.TryEnter(context.Background(), signalFor("TATAMOTORS")); err != nil {
		t.Fatalf("TryEnter: %v", err)
	}

	pos, ok := h.store.GetPosition("TATAMOTORS")
	if !ok {
		t.Fatal("position not booked")
	}
	if !approx(pos.EntryPrice, 100.0) {
		t.Errorf("EntryPrice = %v, want LTP fallback 100.0", pos.EntryPrice)
	}
}

func TestSubmitRecordsSignalEvenWhenRejected(t *testing.T) {
	h := newHarness(t)
	h.primeSetup("TATAMOTORS")
	h.store.DisableTrading("manual")

	err := h.orch.Submit(context.Background(), signalFor("TATAMOTORS"))
	if !errors.Is(err, state.ErrTradingDisabled) {
		t.Fatalf("err = %v, want ErrTradingDisabled", err)
	}

	snap := h.store.Snapshot()
	if len(snap.Signals) != 1 || snap.Signals[0].Symbol != "TATAMOTORS" {
		t.Fatalf("Signals = %+v, want the rejected signal kept for the ops view", snap.Signals)
	}
	if snap.Signals[0].ReceivedAt.IsZero() {
		t.Error("ReceivedAt not stamped")
	}
}

func TestEntryFundsFailureAbortsBeforePlacement(t *testing.T) {
	h := newHarness(t)
	h.primeSetup("TATAMOTORS")
	h.broker.fundsErr = errors.New("rms unavailable")

	if err := h.orch.TryEnter(context.Background(), signalFor("TATAMOTORS")); err == nil {
		t.Fatal("TryEnter succeeded without a funds read")
	}
	if placed := h.broker.placedOrders(); len(placed) != 0 {
		t.Errorf("placed %d orders without knowing the balance", len(placed))
	}
	if slots := h.store.PendingOrders(); len(slots) != 0 {
		t.Errorf("funds failure left %d registry slots behind", len(slots))
	}
}
