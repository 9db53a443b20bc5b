// Package broker defines the canonical order and position types the
// engine trades through, plus the adapters that map real broker wire
// formats onto them. Everything above this package sees one shape for
// an order status and one shape for a position, whatever the broker
// actually returned.
package broker

import (
	"context"
	"errors"
)

// Errors surfaced by adapters. Transient errors are retried inside the
// adapter; these reach callers only after retries are exhausted.
var (
	ErrOrderRejected   = errors.New("order rejected by broker")
	ErrOrderNotFound   = errors.New("order not found in broker order book")
	ErrSymbolNotFound  = errors.New("symbol not found")
	ErrThrottled       = errors.New("broker throttled the request")
	ErrSessionExpired  = errors.New("broker session expired")
	ErrBrokerUnhealthy = errors.New("broker request failed after retries")
)

// OrderSide is the transaction direction.
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// OrderType is the broker order flavor. The engine only places market
// orders; stops and targets are managed locally.
type OrderType string

const (
	Market OrderType = "MARKET"
)

// Product is the broker product class for the order.
type Product string

const (
	// Intraday maps to MIS-style leveraged product, auto squared off
	// by the broker at end of day.
	Intraday Product = "INTRADAY"
	// Delivery maps to CNC; only used when importing foreign positions.
	Delivery Product = "DELIVERY"
)

// OrderRequest is one canonical market order.
type OrderRequest struct {
	Symbol        string
	Token         string // exchange instrument token
	Side          OrderSide
	Qty           int
	OrderType     OrderType
	Product       Product
	CorrelationID string // engine idempotency key, echoed where the broker supports tags
}

// OrderState is the normalized lifecycle state of a broker order.
type OrderState string

const (
	OrderOpen      OrderState = "OPEN"
	OrderComplete  OrderState = "COMPLETE"
	OrderRejected  OrderState = "REJECTED"
	OrderCancelled OrderState = "CANCELLED"
	OrderUnknown   OrderState = "UNKNOWN"
)

// Terminal reports whether the state can no longer change.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderComplete, OrderRejected, OrderCancelled:
		return true
	}
	return false
}

// OrderStatus is the normalized view of one order book entry.
type OrderStatus struct {
	OrderID   string
	Symbol    string
	State     OrderState
	FilledQty int
	AvgPrice  float64
	Reason    string // broker text on rejection/cancellation
}

// Position is the broker's view of one net position. NetQty zero means
// flat; the engine treats the broker book as the source of truth.
type Position struct {
	Symbol   string
	Token    string
	NetQty   int
	AvgPrice float64
	Product  string
}

// Funds is the tradable cash available for new positions.
type Funds struct {
	AvailableCash float64
}

// Client is the narrow surface the engine needs from any broker. All
// calls are blocking network operations and accept a context for
// cancellation; adapters handle auth, rate limiting and single-call
// retry internally.
type Client interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (orderID string, err error)
	GetOrderStatus(ctx context.Context, orderID string) (OrderStatus, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetPositions(ctx context.Context) ([]Position, error)
	GetLTP(ctx context.Context, symbol string) (float64, error)
	GetBulkLTP(ctx context.Context, symbols []string) (map[string]float64, error)
	GetFunds(ctx context.Context) (Funds, error)
}
