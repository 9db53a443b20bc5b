package risk

// breakevenEpsilon lifts the level-1 stop a hair above entry so a
// breakeven exit still covers costs.
const breakevenEpsilon = 1.001

// TrailVerdict is one ladder step the position manager should apply.
type TrailVerdict struct {
	NewSL     float64
	Level     int
	Breakeven bool
}

// TrailStop evaluates the three-rung trailing ladder for a long position.
// R is the distance from entry to the original stop; the high-water mark
// decides the rung:
//
//	+1R -> stop to breakeven (entry x 1.001), level 1
//	+2R -> stop to entry + 1R, level 2
//	+3R -> stop to entry + 2R, level 3
//
// The stop only ever moves up, and never to or above the live price (that
// would fire the hard stop on the next tick instead of protecting it).
// Returns nil when there is nothing to do.
func TrailStop(entry, originalSL, highestLTP, currentSL, ltp float64) *TrailVerdict {
	r := entry - originalSL
	if r <= 0 || highestLTP <= entry {
		return nil
	}

	gainR := (highestLTP - entry) / r

	var newSL float64
	var level int
	var breakeven bool
	switch {
	case gainR >= 3:
		newSL, level = entry+2*r, 3
	case gainR >= 2:
		newSL, level = entry+r, 2
	case gainR >= 1:
		newSL, level, breakeven = entry*breakevenEpsilon, 1, true
	default:
		return nil
	}

	if newSL <= currentSL {
		return nil
	}
	if ltp > 0 && newSL >= ltp {
		return nil
	}

	return &TrailVerdict{NewSL: newSL, Level: level, Breakeven: breakeven}
}
