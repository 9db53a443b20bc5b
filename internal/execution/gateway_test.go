package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nsebot/tradeengine/internal/broker"
)

// scriptedBroker plays back a fixed sequence of order statuses.
type scriptedBroker struct {
	mu          sync.Mutex
	placeErr    error
	placeCalls  int
	orderID     string
	statuses    []broker.OrderStatus
	statusErr   error
	statusCalls int
	positions   []broker.Position
	positionErr error
}

func (b *scriptedBroker) PlaceOrder(_ context.Context, req broker.OrderRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.placeCalls++
	if b.placeErr != nil {
		return "", b.placeErr
	}
	return b.orderID, nil
}

func (b *scriptedBroker) GetOrderStatus(_ context.Context, orderID string) (broker.OrderStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.statusErr != nil {
		return broker.OrderStatus{}, b.statusErr
	}
	i := b.statusCalls
	b.statusCalls++
	if i >= len(b.statuses) {
		i = len(b.statuses) - 1
	}
	if i < 0 {
		return broker.OrderStatus{}, broker.ErrOrderNotFound
	}
	return b.statuses[i], nil
}

func (b *scriptedBroker) CancelOrder(context.Context, string) error { return nil }
func (b *scriptedBroker) GetPositions(context.Context) ([]broker.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.positionErr != nil {
		return nil, b.positionErr
	}
	return b.positions, nil
}
func (b *scriptedBroker) GetLTP(context.Context, string) (float64, error) { return 0, nil }
func (b *scriptedBroker) GetBulkLTP(context.Context, []string) (map[string]float64, error) {
	return nil, nil
}
func (b *scriptedBroker) GetFunds(context.Context) (broker.Funds, error) {
	return broker.Funds{}, nil
}

// recordingAttacher captures AttachOrder calls.
type recordingAttacher struct {
	corrID, orderID string
}

func (r *recordingAttacher) AttachOrder(corrID, orderID string) error {
	r.corrID, r.orderID = corrID, orderID
	return nil
}

func newTestGateway(b broker.Client, rec orderRecorder) (*Gateway, *[]time.Duration) {
	g := NewGateway(b, rec, Config{
		VerifyRetries: 3,
		VerifyBackoff: 2 * time.Second,
		ExitRetries:   3,
		ExitBackoff:   time.Second,
	}, zerolog.Nop())
	var slept []time.Duration
	g.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return g, &slept
}

func buyReq() broker.OrderRequest {
	return broker.OrderRequest{
		Symbol: "SBIN", Side: broker.Buy, Qty: 50,
		OrderType: broker.Market, Product: broker.Intraday,
		CorrelationID: "SBIN_20260203_101500_001_BUY",
	}
}

func TestPlaceAndVerifyImmediateFill(t *testing.T) {
	b := &scriptedBroker{
		orderID:  "B1",
		statuses: []broker.OrderStatus{{OrderID: "B1", State: broker.OrderComplete, AvgPrice: 500.25}},
	}
	rec := &recordingAttacher{}
	g, _ := newTestGateway(b, rec)

	res, err := g.PlaceAndVerify(context.Background(), buyReq())
	if err != nil {
		t.Fatalf("PlaceAndVerify: %v", err)
	}
	if !res.Filled || res.OrderID != "B1" || res.AvgPrice != 500.25 {
		t.Errorf("result = %+v", res)
	}
	if b.placeCalls != 1 {
		t.Errorf("placeCalls = %d, want 1", b.placeCalls)
	}
	if rec.corrID != "SBIN_20260203_101500_001_BUY" || rec.orderID != "B1" {
		t.Errorf("attached %s -> %s", rec.corrID, rec.orderID)
	}
}

func TestPlaceAndVerifyFillAfterPolls(t *testing.T) {
	b := &scriptedBroker{
		orderID: "B1",
		statuses: []broker.OrderStatus{
			{OrderID: "B1", State: broker.OrderOpen},
			{OrderID: "B1", State: broker.OrderOpen},
			{OrderID: "B1", State: broker.OrderComplete, AvgPrice: 501},
		},
	}
	g, slept := newTestGateway(b, nil)

	res, err := g.PlaceAndVerify(context.Background(), buyReq())
	if err != nil {
		t.Fatalf("PlaceAndVerify: %v", err)
	}
	if !res.Filled || res.AvgPrice != 501 {
		t.Errorf("result = %+v", res)
	}
	// linear backoff between polls
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(*slept) != len(want) || (*slept)[0] != want[0] || (*slept)[1] != want[1] {
		t.Errorf("slept = %v, want %v", *slept, want)
	}
}

func TestPlaceAndVerifyRejected(t *testing.T) {
	b := &scriptedBroker{
		orderID:  "B1",
		statuses: []broker.OrderStatus{{OrderID: "B1", State: broker.OrderRejected, Reason: "Insufficient funds"}},
	}
	g, _ := newTestGateway(b, nil)

	res, err := g.PlaceAndVerify(context.Background(), buyReq())
	if !errors.Is(err, broker.ErrOrderRejected) {
		t.Fatalf("err = %v, want ErrOrderRejected", err)
	}
	if res.Filled {
		t.Error("rejected order reported filled")
	}
	if res.OrderID != "B1" {
		t.Errorf("OrderID = %s, want B1 (placement did happen)", res.OrderID)
	}
	if b.placeCalls != 1 {
		t.Errorf("placeCalls = %d, want 1", b.placeCalls)
	}
}

func TestPlaceAndVerifyPositionFallbackRecoversFill(t *testing.T) {
	// status never goes terminal, but the position book shows the buy
	b := &scriptedBroker{
		orderID:   "B1",
		statuses:  []broker.OrderStatus{{OrderID: "B1", State: broker.OrderOpen}},
		positions: []broker.Position{{Symbol: "SBIN", NetQty: 50, AvgPrice: 500}},
	}
	g, _ := newTestGateway(b, nil)

	res, err := g.PlaceAndVerify(context.Background(), buyReq())
	if err != nil {
		t.Fatalf("PlaceAndVerify: %v", err)
	}
	if !res.Filled {
		t.Error("fallback fill not recognized")
	}
	if res.AvgPrice != 0 {
		t.Errorf("AvgPrice = %v, want 0 (price unknown, caller sources LTP)", res.AvgPrice)
	}
	if res.OrderID != "B1" {
		t.Errorf("OrderID = %s", res.OrderID)
	}
	if b.placeCalls != 1 {
		t.Errorf("placeCalls = %d, want 1 (never re-place)", b.placeCalls)
	}
}

func TestPlaceAndVerifyUnverified(t *testing.T) {
	b := &scriptedBroker{
		orderID:  "B1",
		statuses: []broker.OrderStatus{{OrderID: "B1", State: broker.OrderOpen}},
		// position book shows nothing either
	}
	g, _ := newTestGateway(b, nil)

	res, err := g.PlaceAndVerify(context.Background(), buyReq())
	if !errors.Is(err, ErrUnverified) {
		t.Fatalf("err = %v, want ErrUnverified", err)
	}
	if res.Filled {
		t.Error("unverified order reported filled")
	}
	if res.OrderID != "B1" {
		t.Errorf("OrderID = %s, caller needs it for reconciliation", res.OrderID)
	}
}

func TestPlaceAndVerifyPlacementFailure(t *testing.T) {
	b := &scriptedBroker{placeErr: errors.New("connection refused")}
	g, _ := newTestGateway(b, nil)

	res, err := g.PlaceAndVerify(context.Background(), buyReq())
	if err == nil {
		t.Fatal("placement failure returned nil error")
	}
	if res.OrderID != "" {
		t.Errorf("OrderID = %s, want empty (nothing was placed)", res.OrderID)
	}
}

func TestPlaceExitSellFallbackOnFlatBook(t *testing.T) {
	b := &scriptedBroker{
		orderID:  "S1",
		statuses: []broker.OrderStatus{{OrderID: "S1", State: broker.OrderOpen}},
		// flat book: the sell went through even though status never said so
		positions: []broker.Position{},
	}
	g, _ := newTestGateway(b, nil)

	req := broker.OrderRequest{Symbol: "SBIN", Side: broker.Sell, Qty: 50, OrderType: broker.Market, Product: broker.Intraday}
	res, err := g.PlaceExit(context.Background(), req, func() bool { return true })
	if err != nil {
		t.Fatalf("PlaceExit: %v", err)
	}
	if !res.Filled || res.AvgPrice != 0 {
		t.Errorf("result = %+v", res)
	}
	if b.placeCalls != 1 {
		t.Errorf("placeCalls = %d, want 1", b.placeCalls)
	}
}

func TestPlaceExitRetriesOnlySubmitFailures(t *testing.T) {
	t.Run("submit failure retried", func(t *testing.T) {
		b := &scriptedBroker{placeErr: errors.New("connection refused")}
		g, _ := newTestGateway(b, nil)

		req := broker.OrderRequest{Symbol: "SBIN", Side: broker.Sell, Qty: 50, OrderType: broker.Market, Product: broker.Intraday}
		_, err := g.PlaceExit(context.Background(), req, nil)
		if err == nil {
			t.Fatal("PlaceExit succeeded with a dead broker")
		}
		if b.placeCalls != 3 {
			t.Errorf("placeCalls = %d, want 3", b.placeCalls)
		}
	})

	t.Run("unverified never re-placed", func(t *testing.T) {
		b := &scriptedBroker{
			orderID:  "S1",
			statuses: []broker.OrderStatus{{OrderID: "S1", State: broker.OrderOpen}},
			// book still shows the position: outcome genuinely unknown
			positions: []broker.Position{{Symbol: "SBIN", NetQty: 50}},
		}
		g, _ := newTestGateway(b, nil)

		req := broker.OrderRequest{Symbol: "SBIN", Side: broker.Sell, Qty: 50, OrderType: broker.Market, Product: broker.Intraday}
		_, err := g.PlaceExit(context.Background(), req, nil)
		if !errors.Is(err, ErrUnverified) {
			t.Fatalf("err = %v, want ErrUnverified", err)
		}
		if b.placeCalls != 1 {
			t.Errorf("placeCalls = %d, want 1 (re-placing risks a double sell)", b.placeCalls)
		}
	})

	t.Run("aborts when position already closed", func(t *testing.T) {
		b := &scriptedBroker{orderID: "S1"}
		g, _ := newTestGateway(b, nil)

		req := broker.OrderRequest{Symbol: "SBIN", Side: broker.Sell, Qty: 50, OrderType: broker.Market, Product: broker.Intraday}
		_, err := g.PlaceExit(context.Background(), req, func() bool { return false })
		if err == nil {
			t.Fatal("PlaceExit ran against a closed position")
		}
		if b.placeCalls != 0 {
			t.Errorf("placeCalls = %d, want 0", b.placeCalls)
		}
	})
}
