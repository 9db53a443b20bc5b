// Package idempotency ties each logical order intent to at most one
// broker order. Every intent claims a correlation ID in the shared
// store before any network call; a claim that fails means another
// caller already owns the intent and must not place again.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nsebot/tradeengine/internal/broker"
	"github.com/nsebot/tradeengine/internal/market"
	"github.com/nsebot/tradeengine/internal/state"
)

// Registry wraps the shared store's pending-order slots with ID
// generation and zombie recovery.
type Registry struct {
	store  *state.Store
	logger zerolog.Logger
	now    func() time.Time
}

// NewRegistry builds a registry over the shared store.
func NewRegistry(store *state.Store, logger zerolog.Logger) *Registry {
	return &Registry{
		store:  store,
		logger: logger.With().Str("component", "idempotency").Logger(),
		now:    time.Now,
	}
}

// SetClock injects a deterministic clock for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// CorrelationID builds SYMBOL_YYYYMMDD_HHMMSS_mmm_ACTION on the IST
// clock. Millisecond resolution keeps two scanner hits in the same
// second from colliding; the symbol and action are embedded so IDs for
// different intents can never clash.
func CorrelationID(symbol string, action state.OrderAction, at time.Time) string {
	t := at.In(market.IST())
	return fmt.Sprintf("%s_%s_%03d_%s", symbol, t.Format("20060102_150405"), t.Nanosecond()/1e6, action)
}

// Begin claims the intent slot atomically and returns the correlation
// ID. A claim fails while an unresolved order for the same symbol and
// action is in flight. When only the ID collides (a settled slot from
// the same millisecond still holds it), the ID is salted with a uuid
// fragment and claimed again rather than refusing a legitimate intent.
func (r *Registry) Begin(symbol string, action state.OrderAction, qty int) (string, error) {
	now := r.now()
	corrID := CorrelationID(symbol, action, now)
	err := r.store.BeginPending(state.PendingOrder{
		CorrelationID: corrID,
		Symbol:        symbol,
		Action:        action,
		Qty:           qty,
		CreatedTS:     now.Unix(),
	})
	if errors.Is(err, state.ErrCorrelationTaken) {
		corrID = fmt.Sprintf("%s_%s", corrID, uuid.New().String()[:8])
		err = r.store.BeginPending(state.PendingOrder{
			CorrelationID: corrID,
			Symbol:        symbol,
			Action:        action,
			Qty:           qty,
			CreatedTS:     now.Unix(),
		})
	}
	if err != nil {
		return "", err
	}
	r.logger.Debug().Str("correlation_id", corrID).Msg("Intent registered")
	return corrID, nil
}

// AttachOrder records the broker order ID the moment placement returns.
func (r *Registry) AttachOrder(corrID, brokerOrderID string) error {
	return r.store.AttachBrokerOrder(corrID, brokerOrderID)
}

// Confirm marks the intent verified-filled.
func (r *Registry) Confirm(corrID, brokerOrderID string) error {
	return r.store.ResolvePending(corrID, state.PendingConfirmed, brokerOrderID)
}

// Fail marks the intent terminally failed.
func (r *Registry) Fail(corrID string) error {
	return r.store.ResolvePending(corrID, state.PendingFailed, "")
}

// Clear deletes a settled slot.
func (r *Registry) Clear(corrID string) {
	r.store.ClearPending(corrID)
}

// InFlight reports whether any unresolved order exists for the symbol.
// The scanner polls faster than order placement settles, so this keeps
// a hot setup from firing twice before its first correlation ID lands.
func (r *Registry) InFlight(symbol string) bool {
	return r.store.HasActivePending(symbol, state.ActionBuy) ||
		r.store.HasActivePending(symbol, state.ActionSell)
}

// SweepZombies recovers registry slots whose outcome normal
// verification lost track of.
//
// Slots past ttl with no broker order ID are deleted outright: the
// placement call died before recording anything, so there is no broker
// order to chase. Slots past ttl that do carry an order ID are checked
// against the broker: a terminal status settles and deletes the slot, a
// live status leaves it alone. When the broker query itself keeps
// failing and the slot is past extremeTTL, it is force-cleared so the
// symbol does not stay wedged forever; a fill that slipped through is
// picked up by reconciliation as an import.
func (r *Registry) SweepZombies(ctx context.Context, client broker.Client, ttl, extremeTTL time.Duration) int {
	cleared := 0

	for _, po := range r.store.ReapStalePending(ttl) {
		cleared++
		r.logger.Error().
			Str("correlation_id", po.CorrelationID).
			Str("symbol", po.Symbol).
			Msg("Force-cleared zombie with no broker order ID")
	}

	now := r.now()
	for _, po := range r.store.PendingOrders() {
		age := now.Sub(time.Unix(po.CreatedTS, 0))
		if age < ttl {
			continue
		}

		if po.Status != state.PendingOpen {
			// settled but never deleted: the caller crashed between
			// resolve and clear
			r.store.ClearPending(po.CorrelationID)
			cleared++
			r.logger.Warn().
				Str("correlation_id", po.CorrelationID).
				Str("status", string(po.Status)).
				Msg("Cleared settled slot left behind")
			continue
		}

		status, err := client.GetOrderStatus(ctx, po.BrokerOrderID)
		if err != nil {
			if age >= extremeTTL {
				r.store.ClearPending(po.CorrelationID)
				cleared++
				r.logger.Error().
					Str("correlation_id", po.CorrelationID).
					Str("broker_order_id", po.BrokerOrderID).
					Dur("age", age).
					Err(err).
					Msg("Force-cleared extreme-age zombie, broker unreachable")
			} else {
				r.logger.Warn().
					Str("correlation_id", po.CorrelationID).
					Err(err).
					Msg("Zombie verification failed, will retry")
			}
			continue
		}

		if !status.State.Terminal() {
			continue
		}

		r.store.ClearPending(po.CorrelationID)
		cleared++
		r.logger.Warn().
			Str("correlation_id", po.CorrelationID).
			Str("broker_order_id", po.BrokerOrderID).
			Str("state", string(status.State)).
			Msg("Settled zombie from broker order book")
	}
	return cleared
}
