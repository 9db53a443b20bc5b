// Package state holds the engine's shared state: positions, pending
// orders, trade counters, heartbeats and the kill switch. One mutex guards
// everything; every read hands out deep copies.
package state

import "time"

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	StatusOpen   PositionStatus = "OPEN"
	StatusClosed PositionStatus = "CLOSED"
)

// Exit reasons recorded on closed positions. Square-off exits share
// TIME_EXIT with stagnation exits.
const (
	ExitStopLoss       = "STOP_LOSS"
	ExitTarget         = "TARGET_HIT"
	ExitTechnical      = "TECH_EXIT"
	ExitStagnation     = "TIME_EXIT"
	ExitManual         = "MANUAL"
	ExitReconciliation = "RECONCILIATION_MISSING"
)

// Position is a live or closed long position. Qty is always positive; the
// engine never shorts.
type Position struct {
	Symbol            string         `json:"symbol"`
	Qty               int            `json:"qty"`
	EntryPrice        float64        `json:"entry_price"`
	SL                float64        `json:"sl"`          // ratchets up, never down
	OriginalSL        float64        `json:"original_sl"` // frozen at open
	Target            float64        `json:"target"`      // 0 = no target
	HighestLTP        float64        `json:"highest_ltp"`
	TSLLevel          int            `json:"tsl_level"` // 0..3
	IsBreakevenActive bool           `json:"is_breakeven_active"`
	Status            PositionStatus `json:"status"`
	ExitInProgress    bool           `json:"exit_in_progress"`
	EntryTime         string         `json:"entry_time"` // IST display string
	EntryTimeTS       int64          `json:"entry_time_ts"`
	ExitPrice         float64        `json:"exit_price,omitempty"`
	ExitReason        string         `json:"exit_reason,omitempty"`
	OrderID           string         `json:"order_id,omitempty"`
	ExitOrderID       string         `json:"exit_order_id,omitempty"`
	IsOrphaned        bool           `json:"is_orphaned,omitempty"`
	SetupGrade        string         `json:"setup_grade,omitempty"`
	Sector            string         `json:"sector,omitempty"`
	RiskAmount        float64        `json:"risk_amount,omitempty"`
	QtySource         string         `json:"qty_source,omitempty"`
}

// PnL returns absolute and percentage P&L at the given price.
func (p *Position) PnL(ltp float64) (abs float64, pct float64) {
	abs = (ltp - p.EntryPrice) * float64(p.Qty)
	if p.EntryPrice > 0 {
		pct = (ltp - p.EntryPrice) / p.EntryPrice * 100
	}
	return abs, pct
}

// AgeAt returns how long the position has been open at the given instant.
func (p *Position) AgeAt(now time.Time) time.Duration {
	return now.Sub(time.Unix(p.EntryTimeTS, 0))
}

// OrderAction is the side of a pending order.
type OrderAction string

const (
	ActionBuy  OrderAction = "BUY"
	ActionSell OrderAction = "SELL"
)

// PendingStatus is the idempotency registry state of an in-flight order.
type PendingStatus string

const (
	PendingOpen      PendingStatus = "PENDING"
	PendingConfirmed PendingStatus = "CONFIRMED"
	PendingFailed    PendingStatus = "FAILED"
)

// PendingOrder is one in-flight order slot, keyed by correlation ID.
type PendingOrder struct {
	CorrelationID string        `json:"correlation_id"`
	Symbol        string        `json:"symbol"`
	Action        OrderAction   `json:"action"`
	Qty           int           `json:"qty"`
	BrokerOrderID string        `json:"broker_order_id,omitempty"`
	CreatedTS     int64         `json:"created_ts"`
	Status        PendingStatus `json:"status"`
}

// Signal is one scanner candidate kept in the intake ring.
type Signal struct {
	Symbol     string    `json:"symbol"`
	Price      float64   `json:"price"`
	Grade      string    `json:"grade"` // A+, A, B
	Sector     string    `json:"sector,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// maxSignals caps the signal ring buffer.
const maxSignals = 50

// Snapshot is a deep copy of the aggregate state, safe to serialize or
// hand to the API layer.
type Snapshot struct {
	Positions        map[string]Position     `json:"positions"`
	PendingOrders    map[string]PendingOrder `json:"pending_orders"`
	TotalTradesToday int                     `json:"total_trades_today"`
	StockTradeCounts map[string]int          `json:"stock_trade_counts"`
	IsTradingAllowed bool                    `json:"is_trading_allowed"`
	KillReason       string                  `json:"kill_reason,omitempty"`
	Heartbeats       map[string]time.Time    `json:"heartbeats"`
	Signals          []Signal                `json:"signals"`
	DayKey           string                  `json:"day_key"`
	TakenAt          time.Time               `json:"taken_at"`
}
