package risk

import (
	"github.com/nsebot/tradeengine/internal/market"
)

// Stop anchor sources, strongest structure first.
const (
	StopSourceSwingLow = "SWING_LOW"
	StopSourceVWAP     = "VWAP"
	StopSourceEMA20    = "EMA20"
)

// StopVerdict is an accepted stop placement.
type StopVerdict struct {
	SL          float64
	Source      string
	DistancePct float64
	MinAllowed  float64 // the dynamic floor that was in force
}

type stopCandidate struct {
	source string
	level  float64
}

// ComputeStopLoss anchors the stop to market structure below the entry.
// Candidates are tried strongest-first: a recent swing low beats VWAP
// beats EMA20. Each anchor is shaved by the buffer so the stop sits just
// under it rather than on it. A candidate inside the dynamic minimum
// distance (volatility floor) is too tight to survive noise and the next
// anchor is tried; a candidate past the maximum distance risks more than
// the trade can pay back and is likewise skipped. When nothing fits, the
// rejection reports the closest miss so the entry log shows how far off
// the structure was.
func ComputeStopLoss(entry float64, snap market.IndicatorSnapshot, cfg Config) (StopVerdict, *Reject) {
	if entry <= 0 {
		return StopVerdict{}, reject(RejectNoCandidate, "entry price %.2f not positive", entry)
	}

	minDist := cfg.MinSLAbsPct
	if atrFloor := cfg.ATRMultiplier * snap.ATRPct; atrFloor > minDist {
		minDist = atrFloor
	}

	candidates := []stopCandidate{
		{StopSourceSwingLow, snap.SwingLow},
		{StopSourceVWAP, snap.VWAP},
		{StopSourceEMA20, snap.EMA20},
	}

	sawTooTight := false
	bestWideDist := 0.0

	for _, c := range candidates {
		if c.level <= 0 {
			continue
		}
		sl := c.level * (1 - cfg.SLBufferPct/100)
		if sl >= entry {
			continue
		}
		distPct := (entry - sl) / entry * 100

		if distPct < minDist {
			sawTooTight = true
			continue
		}
		if distPct > cfg.MaxSLPct {
			if bestWideDist == 0 || distPct < bestWideDist {
				bestWideDist = distPct
			}
			continue
		}

		return StopVerdict{SL: sl, Source: c.source, DistancePct: distPct, MinAllowed: minDist}, nil
	}

	if bestWideDist > 0 {
		r := reject(RejectTooWide, "all stop anchors beyond %.2f%% cap", cfg.MaxSLPct)
		r.BestDistancePct = bestWideDist
		return StopVerdict{}, r
	}
	if sawTooTight {
		return StopVerdict{}, reject(RejectTooTight, "all stop anchors inside %.2f%% dynamic floor", minDist)
	}
	return StopVerdict{}, reject(RejectNoCandidate, "no structure below entry %.2f", entry)
}
