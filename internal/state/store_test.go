package state

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestStore() *Store {
	return NewStore(zerolog.Nop())
}

func testPosition(symbol string) Position {
	return Position{
		Symbol:      symbol,
		Qty:         10,
		EntryPrice:  100,
		SL:          98,
		Target:      103,
		EntryTime:   "10:00:00",
		EntryTimeTS: time.Now().Unix(),
		OrderID:     "OID1",
	}
}

func TestOpenPositionDefaults(t *testing.T) {
	s := newTestStore()
	if err := s.OpenPosition(testPosition("RELIANCE")); err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}

	p, ok := s.GetPosition("RELIANCE")
	if !ok {
		t.Fatal("position not found after open")
	}
	if p.Status != StatusOpen {
		t.Errorf("status = %s, want OPEN", p.Status)
	}
	if p.HighestLTP != 100 {
		t.Errorf("watermark seeded to %v, want entry 100", p.HighestLTP)
	}
	if p.OriginalSL != 98 {
		t.Errorf("original SL = %v, want 98", p.OriginalSL)
	}
}

func TestOpenPositionDuplicateRejected(t *testing.T) {
	s := newTestStore()
	if err := s.OpenPosition(testPosition("TCS")); err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := s.OpenPosition(testPosition("TCS")); !errors.Is(err, ErrPositionExists) {
		t.Errorf("second open error = %v, want ErrPositionExists", err)
	}
}

func TestExitGuardExclusive(t *testing.T) {
	s := newTestStore()
	s.OpenPosition(testPosition("INFY"))

	if _, err := s.BeginExit("INFY", ExitManual); err != nil {
		t.Fatalf("first BeginExit: %v", err)
	}
	if _, err := s.BeginExit("INFY", ExitManual); !errors.Is(err, ErrExitInProgress) {
		t.Errorf("second BeginExit error = %v, want ErrExitInProgress", err)
	}

	s.ReleaseExit("INFY")
	if _, err := s.BeginExit("INFY", ExitManual); err != nil {
		t.Errorf("BeginExit after release: %v", err)
	}
}

func TestCommitExitTerminal(t *testing.T) {
	s := newTestStore()
	s.OpenPosition(testPosition("INFY"))
	s.BeginExit("INFY", ExitManual)

	if err := s.CommitExit("INFY", 101.5, ExitTarget, "XID"); err != nil {
		t.Fatalf("CommitExit: %v", err)
	}

	p, _ := s.GetPosition("INFY")
	if p.Status != StatusClosed || p.ExitPrice != 101.5 || p.ExitReason != ExitTarget {
		t.Errorf("closed position = %+v", p)
	}
	if p.ExitInProgress {
		t.Error("exit guard must clear on commit")
	}

	// terminal: cannot re-close or re-exit
	if err := s.CommitExit("INFY", 99, ExitStopLoss, "X2"); !errors.Is(err, ErrPositionClosed) {
		t.Errorf("re-commit error = %v, want ErrPositionClosed", err)
	}
	if _, err := s.BeginExit("INFY", ExitManual); !errors.Is(err, ErrPositionClosed) {
		t.Errorf("BeginExit on closed error = %v, want ErrPositionClosed", err)
	}
}

func TestRaiseStopMonotonic(t *testing.T) {
	s := newTestStore()
	s.OpenPosition(testPosition("SBIN"))

	if err := s.RaiseStop("SBIN", 100.1, 1, true); err != nil {
		t.Fatalf("raise to breakeven: %v", err)
	}
	if err := s.RaiseStop("SBIN", 99, 1, false); !errors.Is(err, ErrStopNotRaised) {
		t.Errorf("lowering stop error = %v, want ErrStopNotRaised", err)
	}
	if err := s.RaiseStop("SBIN", 100.1, 2, false); !errors.Is(err, ErrStopNotRaised) {
		t.Errorf("equal stop error = %v, want ErrStopNotRaised", err)
	}

	p, _ := s.GetPosition("SBIN")
	if p.SL != 100.1 || p.TSLLevel != 1 || !p.IsBreakevenActive {
		t.Errorf("after ratchet: sl=%v level=%d be=%v", p.SL, p.TSLLevel, p.IsBreakevenActive)
	}
	if p.OriginalSL != 98 {
		t.Errorf("original SL mutated to %v", p.OriginalSL)
	}
}

func TestObserveLTPRatchet(t *testing.T) {
	s := newTestStore()
	s.OpenPosition(testPosition("SBIN"))

	if hwm, moved := s.ObserveLTP("SBIN", 102); !moved || hwm != 102 {
		t.Errorf("ObserveLTP(102) = %v,%v", hwm, moved)
	}
	if hwm, moved := s.ObserveLTP("SBIN", 101); moved || hwm != 102 {
		t.Errorf("watermark dropped: %v,%v", hwm, moved)
	}
}

func TestPendingDuplicateGuard(t *testing.T) {
	s := newTestStore()

	po := PendingOrder{CorrelationID: "SBIN_20260203_101500_001_BUY", Symbol: "SBIN", Action: ActionBuy, Qty: 10}
	if err := s.BeginPending(po); err != nil {
		t.Fatalf("BeginPending: %v", err)
	}

	dup := PendingOrder{CorrelationID: "SBIN_20260203_101501_002_BUY", Symbol: "SBIN", Action: ActionBuy, Qty: 10}
	if err := s.BeginPending(dup); !errors.Is(err, ErrDuplicatePending) {
		t.Errorf("duplicate BUY error = %v, want ErrDuplicatePending", err)
	}

	// opposite action is allowed
	sell := PendingOrder{CorrelationID: "SBIN_20260203_101502_003_SELL", Symbol: "SBIN", Action: ActionSell, Qty: 10}
	if err := s.BeginPending(sell); err != nil {
		t.Errorf("SELL while BUY pending: %v", err)
	}

	// resolving frees the slot
	if err := s.ResolvePending(po.CorrelationID, PendingConfirmed, "B1"); err != nil {
		t.Fatalf("ResolvePending: %v", err)
	}
	again := PendingOrder{CorrelationID: "SBIN_20260203_101503_004_BUY", Symbol: "SBIN", Action: ActionBuy, Qty: 5}
	if err := s.BeginPending(again); err != nil {
		t.Errorf("BUY after confirm: %v", err)
	}

	// the resolved slot still owns its correlation ID until cleared
	reclaim := PendingOrder{CorrelationID: po.CorrelationID, Symbol: "INFY", Action: ActionBuy, Qty: 1}
	if err := s.BeginPending(reclaim); !errors.Is(err, ErrCorrelationTaken) {
		t.Errorf("correlation ID reuse error = %v, want ErrCorrelationTaken", err)
	}
}

func TestReapStalePending(t *testing.T) {
	s := newTestStore()
	base := time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return base })

	s.BeginPending(PendingOrder{CorrelationID: "OLD_BUY", Symbol: "OLD", Action: ActionBuy, Qty: 1})
	s.BeginPending(PendingOrder{CorrelationID: "TRACKED_BUY", Symbol: "TRACKED", Action: ActionBuy, Qty: 1})
	s.AttachBrokerOrder("TRACKED_BUY", "B42")

	s.SetClock(func() time.Time { return base.Add(3 * time.Minute) })
	s.BeginPending(PendingOrder{CorrelationID: "NEW_BUY", Symbol: "NEW", Action: ActionBuy, Qty: 1})

	reaped := s.ReapStalePending(2 * time.Minute)
	if len(reaped) != 1 || reaped[0].CorrelationID != "OLD_BUY" {
		t.Fatalf("reaped = %+v, want only OLD_BUY", reaped)
	}
	if _, ok := s.GetPending("OLD_BUY"); ok {
		t.Error("reaped entry still present")
	}
	if _, ok := s.GetPending("NEW_BUY"); !ok {
		t.Error("fresh entry was reaped")
	}
	// a stale slot with a broker order ID is the sweep's problem, not ours
	if _, ok := s.GetPending("TRACKED_BUY"); !ok {
		t.Error("slot with broker order ID was reaped")
	}
}

func TestAdmissionCheck(t *testing.T) {
	t.Run("kill switch blocks", func(t *testing.T) {
		s := newTestStore()
		s.DisableTrading("test")
		if err := s.AdmissionCheck("SBIN", 3, 2); !errors.Is(err, ErrTradingDisabled) {
			t.Errorf("err = %v, want ErrTradingDisabled", err)
		}
	})

	t.Run("daily cap", func(t *testing.T) {
		s := newTestStore()
		for i := 0; i < 3; i++ {
			s.RecordEntry(fmt.Sprintf("SYM%d", i))
		}
		if err := s.AdmissionCheck("SBIN", 3, 2); !errors.Is(err, ErrDailyCapReached) {
			t.Errorf("err = %v, want ErrDailyCapReached", err)
		}
	})

	t.Run("per stock cap", func(t *testing.T) {
		s := newTestStore()
		s.RecordEntry("SBIN")
		s.RecordEntry("SBIN")
		if err := s.AdmissionCheck("SBIN", 10, 2); !errors.Is(err, ErrStockCapReached) {
			t.Errorf("err = %v, want ErrStockCapReached", err)
		}
	})

	t.Run("open position blocks", func(t *testing.T) {
		s := newTestStore()
		s.OpenPosition(testPosition("SBIN"))
		if err := s.AdmissionCheck("SBIN", 3, 2); !errors.Is(err, ErrPositionExists) {
			t.Errorf("err = %v, want ErrPositionExists", err)
		}
	})

	t.Run("pending buy blocks", func(t *testing.T) {
		s := newTestStore()
		s.BeginPending(PendingOrder{CorrelationID: "C1", Symbol: "SBIN", Action: ActionBuy, Qty: 1})
		if err := s.AdmissionCheck("SBIN", 3, 2); !errors.Is(err, ErrDuplicatePending) {
			t.Errorf("err = %v, want ErrDuplicatePending", err)
		}
	})

	t.Run("clean passes", func(t *testing.T) {
		s := newTestStore()
		if err := s.AdmissionCheck("SBIN", 3, 2); err != nil {
			t.Errorf("err = %v, want nil", err)
		}
	})
}

func TestEnsureDayResetsCounters(t *testing.T) {
	s := newTestStore()
	s.EnsureDay("2026-02-03")
	s.RecordEntry("SBIN")
	s.RecordEntry("TCS")

	s.EnsureDay("2026-02-03") // same day, no reset
	if s.TradesToday() != 2 {
		t.Errorf("trades today = %d, want 2", s.TradesToday())
	}

	s.EnsureDay("2026-02-04")
	if s.TradesToday() != 0 {
		t.Errorf("trades after rollover = %d, want 0", s.TradesToday())
	}
	if err := s.AdmissionCheck("SBIN", 3, 1); err != nil {
		t.Errorf("per-stock count survived rollover: %v", err)
	}
}

func TestKillSwitchOneWay(t *testing.T) {
	s := newTestStore()
	s.DisableTrading("heartbeat stale")
	s.DisableTrading("second trip") // no-op, keeps first reason

	if s.TradingAllowed() {
		t.Fatal("trading still allowed after trip")
	}
	snap := s.Snapshot()
	if snap.KillReason != "heartbeat stale" {
		t.Errorf("kill reason = %q, want first trip reason", snap.KillReason)
	}

	s.EnableTrading()
	if !s.TradingAllowed() {
		t.Error("operator enable did not re-arm")
	}
}

func TestStaleComponents(t *testing.T) {
	s := newTestStore()
	base := time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return base })
	s.Beat("position_manager")
	s.Beat("order_poller")

	s.SetClock(func() time.Time { return base.Add(90 * time.Second) })
	s.Beat("order_poller")

	s.SetClock(func() time.Time { return base.Add(150 * time.Second) })
	stale := s.StaleComponents(120 * time.Second)
	if len(stale) != 1 || stale[0] != "position_manager" {
		t.Errorf("stale = %v, want [position_manager]", stale)
	}
}

func TestSignalRingCap(t *testing.T) {
	s := newTestStore()
	for i := 0; i < 60; i++ {
		s.PushSignal(Signal{Symbol: fmt.Sprintf("S%d", i)})
	}
	snap := s.Snapshot()
	if len(snap.Signals) != 50 {
		t.Fatalf("signal ring = %d, want 50", len(snap.Signals))
	}
	if snap.Signals[0].Symbol != "S10" {
		t.Errorf("oldest kept = %s, want S10", snap.Signals[0].Symbol)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	s := newTestStore()
	s.OpenPosition(testPosition("SBIN"))

	snap := s.Snapshot()
	mutated := snap.Positions["SBIN"]
	mutated.SL = 1
	snap.Positions["SBIN"] = mutated

	p, _ := s.GetPosition("SBIN")
	if p.SL != 98 {
		t.Errorf("snapshot mutation leaked into store: SL=%v", p.SL)
	}
}

func TestRestoreClearsExitGuards(t *testing.T) {
	s := newTestStore()
	s.OpenPosition(testPosition("SBIN"))
	s.BeginExit("SBIN", ExitManual)

	data, err := s.MarshalSnapshot()
	if err != nil {
		t.Fatalf("MarshalSnapshot: %v", err)
	}

	fresh := newTestStore()
	if err := fresh.Restore(data); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	p, ok := fresh.GetPosition("SBIN")
	if !ok {
		t.Fatal("position lost through restore")
	}
	if p.ExitInProgress {
		t.Error("exit guard must not survive restart")
	}
	if p.ExitReason != "" {
		t.Errorf("stale exit reason %q survived restart", p.ExitReason)
	}
	if _, err := fresh.BeginExit("SBIN", ExitManual); err != nil {
		t.Errorf("BeginExit after restore: %v", err)
	}
}

func TestRestoreKeepsClosedExitReason(t *testing.T) {
	s := newTestStore()
	s.OpenPosition(testPosition("TCS"))
	s.BeginExit("TCS", ExitTarget)
	if err := s.CommitExit("TCS", 103.2, ExitTarget, "XID"); err != nil {
		t.Fatalf("CommitExit: %v", err)
	}

	data, err := s.MarshalSnapshot()
	if err != nil {
		t.Fatalf("MarshalSnapshot: %v", err)
	}

	fresh := newTestStore()
	if err := fresh.Restore(data); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	p, _ := fresh.GetPosition("TCS")
	if p.Status != StatusClosed || p.ExitReason != ExitTarget {
		t.Errorf("closed position = %s/%q, want CLOSED/%s", p.Status, p.ExitReason, ExitTarget)
	}
}

func TestShrinkQty(t *testing.T) {
	s := newTestStore()
	s.OpenPosition(testPosition("SBIN"))

	if err := s.ShrinkQty("SBIN", 4); err != nil {
		t.Fatalf("ShrinkQty: %v", err)
	}
	p, _ := s.GetPosition("SBIN")
	if p.Qty != 4 {
		t.Errorf("qty = %d, want 4", p.Qty)
	}

	// broker holding more is left alone
	if err := s.ShrinkQty("SBIN", 50); err != nil {
		t.Fatalf("ShrinkQty larger: %v", err)
	}
	p, _ = s.GetPosition("SBIN")
	if p.Qty != 4 {
		t.Errorf("qty grew to %d on larger broker qty", p.Qty)
	}
}
