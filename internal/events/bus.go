// Package events is the in-process pub/sub fabric between the trading
// loops and the outward-facing surfaces (websocket hub, notifier, trade
// journal). Publishing never blocks: subscribers run on their own
// goroutines and a slow dashboard cannot stall an exit.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType labels one kind of lifecycle event.
type EventType string

const (
	EventPositionOpened EventType = "POSITION_OPENED"
	EventPositionClosed EventType = "POSITION_CLOSED"
	EventStopRaised     EventType = "STOP_RAISED"
	EventOrderPlaced    EventType = "ORDER_PLACED"
	EventOrderFailed    EventType = "ORDER_FAILED"
	EventSignalReceived EventType = "SIGNAL_RECEIVED"
	EventKillSwitch     EventType = "KILL_SWITCH"
	EventReconciliation EventType = "RECONCILIATION"
	EventStateChanged   EventType = "STATE_CHANGED"
	EventEngineStarted  EventType = "ENGINE_STARTED"
	EventEngineStopped  EventType = "ENGINE_STOPPED"
)

// Event is one published occurrence.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber handles events. Each delivery runs on its own goroutine.
type Subscriber func(Event)

// Bus fans events out to type-scoped and catch-all subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
	}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[t] = append(b.subscribers[t], sub)
}

// SubscribeAll registers a handler for every event.
func (b *Bus) SubscribeAll(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, sub)
}

// Publish delivers the event to every matching subscriber. Missing IDs
// and timestamps are filled in here so callers can publish bare events.
func (b *Bus) Publish(event Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers[event.Type] {
		go sub(event)
	}
	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// PublishPositionOpened reports a verified entry fill.
func (b *Bus) PublishPositionOpened(symbol string, entry, sl, target float64, qty int, orderID string) {
	b.Publish(Event{
		Type: EventPositionOpened,
		Data: map[string]interface{}{
			"symbol":      symbol,
			"entry_price": entry,
			"sl":          sl,
			"target":      target,
			"qty":         qty,
			"order_id":    orderID,
		},
	})
}

// PublishPositionClosed reports a completed exit.
func (b *Bus) PublishPositionClosed(symbol string, entry, exit float64, qty int, pnl float64, reason string) {
	b.Publish(Event{
		Type: EventPositionClosed,
		Data: map[string]interface{}{
			"symbol":      symbol,
			"entry_price": entry,
			"exit_price":  exit,
			"qty":         qty,
			"pnl":         pnl,
			"exit_reason": reason,
		},
	})
}

// PublishStopRaised reports one trailing-ladder step.
func (b *Bus) PublishStopRaised(symbol string, oldSL, newSL float64, level int) {
	b.Publish(Event{
		Type: EventStopRaised,
		Data: map[string]interface{}{
			"symbol": symbol,
			"old_sl": oldSL,
			"new_sl": newSL,
			"level":  level,
		},
	})
}

// PublishOrderPlaced reports an accepted broker order.
func (b *Bus) PublishOrderPlaced(symbol, action, orderID, correlationID string, qty int) {
	b.Publish(Event{
		Type: EventOrderPlaced,
		Data: map[string]interface{}{
			"symbol":         symbol,
			"action":         action,
			"order_id":       orderID,
			"correlation_id": correlationID,
			"qty":            qty,
		},
	})
}

// PublishOrderFailed reports a rejected or unverifiable order.
func (b *Bus) PublishOrderFailed(symbol, action, correlationID, reason string) {
	b.Publish(Event{
		Type: EventOrderFailed,
		Data: map[string]interface{}{
			"symbol":         symbol,
			"action":         action,
			"correlation_id": correlationID,
			"reason":         reason,
		},
	})
}

// PublishSignal reports a scanner signal entering the intake ring.
func (b *Bus) PublishSignal(symbol, grade, reason string, price float64) {
	b.Publish(Event{
		Type: EventSignalReceived,
		Data: map[string]interface{}{
			"symbol": symbol,
			"grade":  grade,
			"reason": reason,
			"price":  price,
		},
	})
}

// PublishKillSwitch reports the circuit breaker tripping or resetting.
func (b *Bus) PublishKillSwitch(active bool, reason string) {
	b.Publish(Event{
		Type: EventKillSwitch,
		Data: map[string]interface{}{
			"active": active,
			"reason": reason,
		},
	})
}

// PublishReconciliation reports one ghost close, orphan import or
// quantity correction.
func (b *Bus) PublishReconciliation(kind, symbol string, detail map[string]interface{}) {
	data := map[string]interface{}{
		"kind":   kind,
		"symbol": symbol,
	}
	for k, v := range detail {
		data[k] = v
	}
	b.Publish(Event{Type: EventReconciliation, Data: data})
}

// PublishStateChanged nudges snapshot consumers (websocket hub, cache).
func (b *Bus) PublishStateChanged() {
	b.Publish(Event{Type: EventStateChanged, Data: map[string]interface{}{}})
}
