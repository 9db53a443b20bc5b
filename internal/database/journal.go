package database

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nsebot/tradeengine/internal/market"
	"github.com/nsebot/tradeengine/internal/state"
)

// TradeRecord is one journaled round trip.
type TradeRecord struct {
	ID           int64     `json:"id"`
	Symbol       string    `json:"symbol"`
	Qty          int       `json:"qty"`
	EntryPrice   float64   `json:"entry_price"`
	ExitPrice    float64   `json:"exit_price"`
	StopLoss     float64   `json:"stop_loss"`
	OriginalStop float64   `json:"original_stop"`
	Target       float64   `json:"target"`
	HighestLTP   float64   `json:"highest_ltp"`
	TSLLevel     int       `json:"tsl_level"`
	PnL          float64   `json:"pnl"`
	PnLPercent   float64   `json:"pnl_percent"`
	ExitReason   string    `json:"exit_reason"`
	SetupGrade   string    `json:"setup_grade"`
	Sector       string    `json:"sector"`
	RiskAmount   float64   `json:"risk_amount"`
	QtySource    string    `json:"qty_source"`
	IsOrphaned   bool      `json:"is_orphaned"`
	EntryOrderID string    `json:"entry_order_id"`
	ExitOrderID  string    `json:"exit_order_id"`
	EntryTime    string    `json:"entry_time"`
	EntryTimeTS  int64     `json:"entry_time_ts"`
	TradeDate    time.Time `json:"trade_date"`
	ClosedAt     time.Time `json:"closed_at"`
}

// DaySummary aggregates one trading day of the journal.
type DaySummary struct {
	Day      string  `json:"day"`
	Trades   int     `json:"trades"`
	Wins     int     `json:"wins"`
	Losses   int     `json:"losses"`
	WinRate  float64 `json:"win_rate"`
	GrossPnL float64 `json:"gross_pnl"`
	Best     float64 `json:"best"`
	Worst    float64 `json:"worst"`
}

// Journal writes closed positions to the trades table and serves trade
// history queries.
type Journal struct {
	db     *DB
	logger zerolog.Logger
	now    func() time.Time
}

// NewJournal builds a journal over the database.
func NewJournal(db *DB, logger zerolog.Logger) *Journal {
	return &Journal{
		db:     db,
		logger: logger.With().Str("component", "journal").Logger(),
		now:    time.Now,
	}
}

// SetClock injects a deterministic clock for tests.
func (j *Journal) SetClock(now func() time.Time) {
	j.now = now
}

// RecordTrade journals a closed position. Satisfies the Journal
// dependency of the position manager and the reconciler.
func (j *Journal) RecordTrade(ctx context.Context, pos state.Position) error {
	rec := recordFromPosition(pos, j.now())

	query := `
		INSERT INTO trades (symbol, qty, entry_price, exit_price, stop_loss, original_stop,
			target, highest_ltp, tsl_level, pnl, pnl_percent, exit_reason, setup_grade,
			sector, risk_amount, qty_source, is_orphaned, entry_order_id, exit_order_id,
			entry_time, entry_time_ts, trade_date, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22, $23)
		RETURNING id
	`
	err := j.db.Pool.QueryRow(
		ctx, query,
		rec.Symbol, rec.Qty, rec.EntryPrice, rec.ExitPrice, rec.StopLoss, rec.OriginalStop,
		rec.Target, rec.HighestLTP, rec.TSLLevel, rec.PnL, rec.PnLPercent, rec.ExitReason,
		rec.SetupGrade, rec.Sector, rec.RiskAmount, rec.QtySource, rec.IsOrphaned,
		rec.EntryOrderID, rec.ExitOrderID, rec.EntryTime, rec.EntryTimeTS,
		market.DayKey(rec.ClosedAt), rec.ClosedAt,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("journal trade %s: %w", rec.Symbol, err)
	}

	j.logger.Info().
		Int64("id", rec.ID).
		Str("symbol", rec.Symbol).
		Float64("pnl", rec.PnL).
		Str("exit_reason", rec.ExitReason).
		Msg("Trade journaled")
	return nil
}

// recordFromPosition maps a closed position to a journal row. A zero
// exit price means the outcome is unknown (reconciliation closed a
// ghost); its P&L is recorded as zero rather than a fictional full
// loss.
func recordFromPosition(pos state.Position, closedAt time.Time) TradeRecord {
	var pnl, pct float64
	if pos.ExitPrice > 0 {
		pnl, pct = pos.PnL(pos.ExitPrice)
	}

	return TradeRecord{
		Symbol:       pos.Symbol,
		Qty:          pos.Qty,
		EntryPrice:   pos.EntryPrice,
		ExitPrice:    pos.ExitPrice,
		StopLoss:     pos.SL,
		OriginalStop: pos.OriginalSL,
		Target:       pos.Target,
		HighestLTP:   pos.HighestLTP,
		TSLLevel:     pos.TSLLevel,
		PnL:          pnl,
		PnLPercent:   pct,
		ExitReason:   pos.ExitReason,
		SetupGrade:   pos.SetupGrade,
		Sector:       pos.Sector,
		RiskAmount:   pos.RiskAmount,
		QtySource:    pos.QtySource,
		IsOrphaned:   pos.IsOrphaned,
		EntryOrderID: pos.OrderID,
		ExitOrderID:  pos.ExitOrderID,
		EntryTime:    pos.EntryTime,
		EntryTimeTS:  pos.EntryTimeTS,
		ClosedAt:     closedAt,
	}
}

const tradeColumns = `id, symbol, qty, entry_price, exit_price, stop_loss, original_stop,
	target, highest_ltp, tsl_level, pnl, pnl_percent, exit_reason, setup_grade, sector,
	risk_amount, qty_source, is_orphaned, entry_order_id, exit_order_id, entry_time,
	entry_time_ts, trade_date, closed_at`

// RecentTrades returns the latest journaled trades, newest first.
func (j *Journal) RecentTrades(ctx context.Context, limit int) ([]TradeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + tradeColumns + ` FROM trades ORDER BY closed_at DESC LIMIT $1`
	return j.queryTrades(ctx, query, limit)
}

// TradesOn returns the trades journaled on one IST calendar day.
func (j *Journal) TradesOn(ctx context.Context, dayKey string) ([]TradeRecord, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE trade_date = $1 ORDER BY closed_at`
	return j.queryTrades(ctx, query, dayKey)
}

func (j *Journal) queryTrades(ctx context.Context, query string, args ...interface{}) ([]TradeRecord, error) {
	rows, err := j.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []TradeRecord
	for rows.Next() {
		var t TradeRecord
		err := rows.Scan(
			&t.ID, &t.Symbol, &t.Qty, &t.EntryPrice, &t.ExitPrice, &t.StopLoss,
			&t.OriginalStop, &t.Target, &t.HighestLTP, &t.TSLLevel, &t.PnL, &t.PnLPercent,
			&t.ExitReason, &t.SetupGrade, &t.Sector, &t.RiskAmount, &t.QtySource,
			&t.IsOrphaned, &t.EntryOrderID, &t.ExitOrderID, &t.EntryTime, &t.EntryTimeTS,
			&t.TradeDate, &t.ClosedAt,
		)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// DailySummary aggregates the journal for one IST calendar day.
func (j *Journal) DailySummary(ctx context.Context, dayKey string) (DaySummary, error) {
	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE pnl > 0),
		       COUNT(*) FILTER (WHERE pnl < 0),
		       COALESCE(SUM(pnl), 0),
		       COALESCE(MAX(pnl), 0),
		       COALESCE(MIN(pnl), 0)
		FROM trades
		WHERE trade_date = $1
	`
	s := DaySummary{Day: dayKey}
	err := j.db.Pool.QueryRow(ctx, query, dayKey).Scan(
		&s.Trades, &s.Wins, &s.Losses, &s.GrossPnL, &s.Best, &s.Worst,
	)
	if err != nil {
		return DaySummary{}, fmt.Errorf("daily summary %s: %w", dayKey, err)
	}
	if s.Trades > 0 {
		s.WinRate = float64(s.Wins) / float64(s.Trades) * 100
	}
	return s, nil
}
