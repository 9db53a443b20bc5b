package risk

import (
	"github.com/nsebot/tradeengine/internal/market"
)

// Target sources.
const (
	TargetSourcePDH     = "PDH"
	TargetSourceCDH     = "CDH"
	TargetSourcePivot   = "PIVOT"
	TargetSourceSwing   = "SWING_HIGH"
	TargetSourceRRFloor = "RR_FLOOR"
)

// TargetVerdict is an accepted take-profit placement.
type TargetVerdict struct {
	Target     float64
	Source     string
	RiskReward float64
}

type targetCandidate struct {
	source string
	level  float64
}

// ComputeTakeProfit picks the nearest resistance above the entry as the
// target. Resistance closer than the minimum-away band is noise and is
// ignored. A minimum-R:R floor candidate is always in the running, so a
// clean chart still produces a target; but when real structure sits
// closer than the floor, the trade cannot pay its risk and is rejected
// rather than aimed at a ceiling it will bounce off.
func ComputeTakeProfit(entry, sl float64, snap market.IndicatorSnapshot, cfg Config) (TargetVerdict, *Reject) {
	risk := entry - sl
	if risk <= 0 {
		return TargetVerdict{}, reject(RejectInvalidStop, "stop %.2f not below entry %.2f", sl, entry)
	}

	minLevel := entry * (1 + cfg.TPMinAwayPct/100)
	floorTarget := entry + cfg.MinRiskReward*risk

	candidates := []targetCandidate{
		{TargetSourcePDH, snap.PDH},
		{TargetSourceCDH, snap.CDH},
		{TargetSourcePivot, snap.PivotR1},
		{TargetSourcePivot, snap.PivotR2},
	}
	for _, h := range snap.SwingHighs {
		candidates = append(candidates, targetCandidate{TargetSourceSwing, h})
	}
	candidates = append(candidates, targetCandidate{TargetSourceRRFloor, floorTarget})

	best := targetCandidate{}
	for _, c := range candidates {
		// the min-away band filters structural noise only; the floor
		// already clears the entry by minRR x risk
		if c.source != TargetSourceRRFloor && c.level < minLevel {
			continue
		}
		if best.level == 0 || c.level < best.level {
			best = c
		}
	}

	if best.level == 0 {
		return TargetVerdict{}, reject(RejectNoCandidate, "no resistance at least %.2f%% above entry", cfg.TPMinAwayPct)
	}
	if best.source == TargetSourceRRFloor {
		// The floor pays the configured ratio by construction; recomputing
		// it from the rounded level can land a hair under and bounce a
		// good trade.
		return TargetVerdict{Target: best.level, Source: best.source, RiskReward: cfg.MinRiskReward}, nil
	}

	rr := (best.level - entry) / risk
	if rr < cfg.MinRiskReward {
		return TargetVerdict{}, reject(RejectBadRR, "nearest resistance %s at %.2f pays %.2fR, need %.2fR",
			best.source, best.level, rr, cfg.MinRiskReward)
	}

	return TargetVerdict{Target: best.level, Source: best.source, RiskReward: rr}, nil
}
