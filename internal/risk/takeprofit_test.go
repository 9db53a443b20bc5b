package risk

import (
	"testing"

	"github.com/nsebot/tradeengine/internal/market"
)

func TestComputeTakeProfitNearestCandidateWins(t *testing.T) {
	// entry 100, SL 98: the R:R floor sits at 103 and beats every
	// structural level above it
	snap := market.IndicatorSnapshot{
		PDH:        104.5,
		CDH:        105,
		PivotR1:    106,
		PivotR2:    107,
		SwingHighs: []float64{103.8},
	}

	v, rej := ComputeTakeProfit(100, 98, snap, DefaultConfig())
	if rej != nil {
		t.Fatalf("ComputeTakeProfit rejected: %v", rej)
	}
	if v.Source != TargetSourceRRFloor {
		t.Errorf("Source = %s, want %s", v.Source, TargetSourceRRFloor)
	}
	if !approx(v.Target, 103, 1e-9) {
		t.Errorf("Target = %v, want 103", v.Target)
	}
	if !approx(v.RiskReward, 1.5, 1e-9) {
		t.Errorf("RiskReward = %v, want 1.5", v.RiskReward)
	}
}

func TestComputeTakeProfitTightStopFloorUndercutsStructure(t *testing.T) {
	// tight stop: the floor (entry + 1.5R = 100.45) sits inside the
	// 0.6% noise band, but the band only filters structure; the floor
	// stays in the running and wins as the nearest candidate
	snap := market.IndicatorSnapshot{
		PDH:     101.2,
		CDH:     102.5,
		PivotR1: 103,
	}

	v, rej := ComputeTakeProfit(100, 99.7, snap, DefaultConfig())
	if rej != nil {
		t.Fatalf("ComputeTakeProfit rejected: %v", rej)
	}
	if v.Source != TargetSourceRRFloor {
		t.Errorf("Source = %s, want %s", v.Source, TargetSourceRRFloor)
	}
	if !approx(v.Target, 100.45, 1e-9) {
		t.Errorf("Target = %v, want 100.45", v.Target)
	}
	if !approx(v.RiskReward, 1.5, 1e-9) {
		t.Errorf("RiskReward = %v, want 1.5", v.RiskReward)
	}
}

func TestComputeTakeProfitCleanChartFallsBackToFloor(t *testing.T) {
	// no structure at all above the entry: the floor must still
	// produce a target, even when the tight stop puts it inside the
	// noise band
	v, rej := ComputeTakeProfit(100, 99.70, market.IndicatorSnapshot{}, DefaultConfig())
	if rej != nil {
		t.Fatalf("ComputeTakeProfit rejected a clean chart: %v", rej)
	}
	if v.Source != TargetSourceRRFloor {
		t.Errorf("Source = %s, want %s", v.Source, TargetSourceRRFloor)
	}
	if !approx(v.Target, 100.45, 1e-9) {
		t.Errorf("Target = %v, want 100.45", v.Target)
	}
	if !approx(v.RiskReward, 1.5, 1e-9) {
		t.Errorf("RiskReward = %v, want 1.5", v.RiskReward)
	}
}

func TestComputeTakeProfitRejectsLowRR(t *testing.T) {
	// resistance at 101.5 is the nearest valid level but only pays
	// 0.75R against a 2-point stop
	snap := market.IndicatorSnapshot{
		PDH: 101.5,
	}

	_, rej := ComputeTakeProfit(100, 98, snap, DefaultConfig())
	if rej == nil {
		t.Fatal("ComputeTakeProfit accepted, want RR_TOO_LOW")
	}
	if rej.Code != RejectBadRR {
		t.Errorf("Code = %s, want %s", rej.Code, RejectBadRR)
	}
}

func TestComputeTakeProfitIgnoresResistanceInsideNoiseBand(t *testing.T) {
	// 100.4 is closer than the 0.6% band and must not become the
	// target; the floor at 103 should win instead
	snap := market.IndicatorSnapshot{
		SwingHighs: []float64{100.4},
		PivotR1:    100.5,
	}

	v, rej := ComputeTakeProfit(100, 98, snap, DefaultConfig())
	if rej != nil {
		t.Fatalf("ComputeTakeProfit rejected: %v", rej)
	}
	if v.Source != TargetSourceRRFloor {
		t.Errorf("Source = %s, want %s", v.Source, TargetSourceRRFloor)
	}
}

func TestComputeTakeProfitInvalidStop(t *testing.T) {
	_, rej := ComputeTakeProfit(100, 100, market.IndicatorSnapshot{PDH: 105}, DefaultConfig())
	if rej == nil {
		t.Fatal("ComputeTakeProfit accepted a stop at entry")
	}
	if rej.Code != RejectInvalidStop {
		t.Errorf("Code = %s, want %s", rej.Code, RejectInvalidStop)
	}
}
