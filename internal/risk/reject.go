package risk

import "fmt"

// RejectCode is a machine-readable reason a risk computation refused the
// trade.
type RejectCode string

const (
	RejectNoCandidate RejectCode = "NO_CANDIDATE"  // nothing below entry to anchor a stop
	RejectTooTight    RejectCode = "STOP_TOO_TIGHT" // inside the dynamic minimum distance
	RejectTooWide     RejectCode = "STOP_TOO_WIDE"  // beyond the max stop distance
	RejectBadRR       RejectCode = "RR_TOO_LOW"     // nearest target does not pay the risk
	RejectInvalidStop RejectCode = "INVALID_STOP"   // stop at or above entry
	RejectTooSmall    RejectCode = "QTY_TOO_SMALL"  // sized below one lot
)

// Reject explains a refused computation. It satisfies error so callers
// can propagate it directly.
type Reject struct {
	Code   RejectCode
	Detail string
	// BestDistancePct carries the closest candidate's stop distance when
	// everything was out of range, for the entry log.
	BestDistancePct float64
}

func (r *Reject) Error() string {
	if r.BestDistancePct > 0 {
		return fmt.Sprintf("%s: %s (best candidate %.2f%% away)", r.Code, r.Detail, r.BestDistancePct)
	}
	return fmt.Sprintf("%s: %s", r.Code, r.Detail)
}

func reject(code RejectCode, format string, args ...interface{}) *Reject {
	return &Reject{Code: code, Detail: fmt.Sprintf(format, args...)}
}
