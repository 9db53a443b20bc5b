package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nsebot/tradeengine/internal/events"
)

// auditedEvents are the bus event types that earn a durable audit row.
// High-frequency chatter (state snapshots, signals) stays off the
// table; order money flow and safety trips go in.
var auditedEvents = []events.EventType{
	events.EventOrderPlaced,
	events.EventOrderFailed,
	events.EventPositionOpened,
	events.EventPositionClosed,
	events.EventStopRaised,
	events.EventKillSwitch,
	events.EventReconciliation,
}

// OrderEvent is one audit trail row.
type OrderEvent struct {
	ID         int64           `json:"id"`
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	Symbol     string          `json:"symbol,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// AuditSink copies selected bus events into the order_events table.
type AuditSink struct {
	db      *DB
	logger  zerolog.Logger
	timeout time.Duration
}

// NewAuditSink builds the sink.
func NewAuditSink(db *DB, logger zerolog.Logger) *AuditSink {
	return &AuditSink{
		db:      db,
		logger:  logger.With().Str("component", "audit").Logger(),
		timeout: 5 * time.Second,
	}
}

// Attach subscribes the sink to the audited event types. Each delivery
// already runs on its own goroutine, so the insert may block without
// stalling the publisher.
func (a *AuditSink) Attach(bus *events.Bus) {
	for _, t := range auditedEvents {
		bus.Subscribe(t, a.consume)
	}
}

func (a *AuditSink) consume(ev events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	if err := a.WriteEvent(ctx, ev); err != nil {
		// Audit is best-effort; a database blip must never ripple back
		// into the trading loops.
		a.logger.Error().
			Str("event_id", ev.ID).
			Str("type", string(ev.Type)).
			Err(err).
			Msg("Audit write dropped")
	}
}

// WriteEvent inserts one audit row.
func (a *AuditSink) WriteEvent(ctx context.Context, ev events.Event) error {
	payload, err := payloadJSON(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.ID, err)
	}

	_, err = a.db.Pool.Exec(ctx,
		`INSERT INTO order_events (event_id, event_type, symbol, payload, occurred_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		ev.ID, string(ev.Type), eventSymbol(ev), payload, ev.Timestamp,
	)
	return err
}

// RecentEvents returns the latest audit rows, newest first.
func (a *AuditSink) RecentEvents(ctx context.Context, limit int) ([]OrderEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := a.db.Pool.Query(ctx,
		`SELECT id, event_id, event_type, COALESCE(symbol, ''), payload, occurred_at
		 FROM order_events ORDER BY occurred_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OrderEvent
	for rows.Next() {
		var e OrderEvent
		if err := rows.Scan(&e.ID, &e.EventID, &e.EventType, &e.Symbol, &e.Payload, &e.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// eventSymbol pulls the symbol out of the payload when the event
// carries one.
func eventSymbol(ev events.Event) string {
	if s, ok := ev.Data["symbol"].(string); ok {
		return s
	}
	return ""
}

func payloadJSON(ev events.Event) ([]byte, error) {
	if len(ev.Data) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(ev.Data)
}
