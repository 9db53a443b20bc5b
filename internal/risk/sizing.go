package risk

import "math"

// Quantity sources recorded on the position for the journal.
const (
	QtySourceRisk        = "RISK_BUDGET"
	QtySourceExposureCap = "EXPOSURE_CAP"
)

// SizeVerdict is an accepted position size.
type SizeVerdict struct {
	Qty        int
	RiskAmount float64 // rupees actually at risk: qty x stop distance
	Source     string
}

// SizePosition converts the risk budget into share quantity. The budget
// leg risks a fixed percentage of the balance over the stop distance; the
// exposure leg caps notional at leveraged buying power times the
// per-position allocation. The smaller leg wins, then the lot-size floor
// applies.
func SizePosition(entry, sl, balance float64, cfg Config) (SizeVerdict, *Reject) {
	if sl >= entry {
		return SizeVerdict{}, reject(RejectInvalidStop, "stop %.2f at or above entry %.2f", sl, entry)
	}
	if entry <= 0 || balance <= 0 {
		return SizeVerdict{}, reject(RejectTooSmall, "entry %.2f balance %.2f", entry, balance)
	}

	stopDist := entry - sl
	distPct := stopDist / entry * 100
	if distPct < cfg.MinSLDistancePct {
		return SizeVerdict{}, reject(RejectTooTight, "stop distance %.3f%% below sizing floor %.2f%%", distPct, cfg.MinSLDistancePct)
	}

	riskBudget := balance * cfg.RiskPerTradePct / 100
	qty := int(math.Floor(riskBudget / stopDist))

	capQty := int(math.Floor(balance * cfg.Leverage * cfg.MaxPositionPct / 100 / entry))

	source := QtySourceRisk
	if capQty < qty {
		qty = capQty
		source = QtySourceExposureCap
	}

	lot := cfg.LotSize
	if lot < 1 {
		lot = 1
	}
	qty -= qty % lot

	if qty < lot || qty <= 0 {
		return SizeVerdict{}, reject(RejectTooSmall, "sized %d shares, below lot %d", qty, lot)
	}

	return SizeVerdict{
		Qty:        qty,
		RiskAmount: float64(qty) * stopDist,
		Source:     source,
	}, nil
}
