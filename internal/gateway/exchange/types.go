// Package exchange defines the order gateway port the position engine
// submits to, independent of any particular broker.
package exchange

import (
	"errors"
	"time"

	"github.com/thomasdunn15/trading-bot/internal/types"
)

var (
	// ErrTimeout marks a request whose outcome is unknown; it must be reconciled.
	ErrTimeout = errors.New("gateway request timed out")
	// ErrRejected marks a request the broker refused.
	ErrRejected = errors.New("gateway request rejected")
)

// OrderType is the broker order type.
type OrderType string

const (
	OrderLimit        OrderType = "LIMIT"
	OrderMarket       OrderType = "MARKET"
	OrderStop         OrderType = "STOP"
	OrderTrailingStop OrderType = "TRAILING_STOP"
)

// OrderPurpose says which leg of a position lifecycle an order belongs to.
type OrderPurpose string

const (
	PurposeEntry      OrderPurpose = "entry"
	PurposeStaticStop OrderPurpose = "static_stop"
	PurposeTrailing   OrderPurpose = "trailing_stop"
	PurposeExit       OrderPurpose = "exit"
)

// Closes reports whether a fill of this order flattens the position.
func (p OrderPurpose) Closes() bool {
	return p == PurposeStaticStop || p == PurposeTrailing || p == PurposeExit
}

// OrderRequest is one order the engine wants at the broker. Tag is a
// client-generated id that survives a timeout with no broker order id.
type OrderRequest struct {
	Tag        string       `json:"tag"`
	Instrument string       `json:"instrument"`
	Purpose    OrderPurpose `json:"purpose"`
	Side       types.Side   `json:"side"`
	Type       OrderType    `json:"type"`
	Qty        int          `json:"qty"`
	Price      float64      `json:"price,omitempty"`
	StopPrice  float64      `json:"stop_price,omitempty"`
	TrailPrice float64      `json:"trail_price,omitempty"`
	TickSize   float64      `json:"tick_size,omitempty"`
}

// OrderStatus is the broker-side status reported asynchronously.
type OrderStatus string

const (
	StatusAccepted  OrderStatus = "ACCEPTED"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusRejected  OrderStatus = "REJECTED"
)

// OrderUpdate is an asynchronous notification keyed by OrderID or Tag.
type OrderUpdate struct {
	OrderID    string      `json:"order_id"`
	Tag        string      `json:"tag"`
	Instrument string      `json:"instrument"`
	Status     OrderStatus `json:"status"`
	Reason     string      `json:"reason,omitempty"`
	At         time.Time   `json:"at"`
}
