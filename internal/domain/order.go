package domain

import (
	"time"

	"github.com/google/uuid"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Sign returns +1 for buys and -1 for sells.
func (s OrderSide) Sign() float64 {
	if s == OrderSideSell {
		return -1
	}
	return 1
}

// Valid reports whether s is a known side.
func (s OrderSide) Valid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

// OrderType selects market or limit execution.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderState tracks the order lifecycle.
type OrderState string

const (
	OrderStatePendingRisk     OrderState = "pending_risk"
	OrderStateRejectedRisk    OrderState = "rejected_risk"
	OrderStateSubmitted       OrderState = "submitted"
	OrderStatePartiallyFilled OrderState = "partially_filled"
	OrderStateFilled          OrderState = "filled"
	OrderStateCancelled       OrderState = "cancelled"
	OrderStateRejectedBroker  OrderState = "rejected_broker"
)

// Terminal reports whether no further transition is possible.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCancelled, OrderStateRejectedRisk, OrderStateRejectedBroker:
		return true
	default:
		return false
	}
}

// Working reports whether the order may still receive fills.
func (s OrderState) Working() bool {
	return s == OrderStateSubmitted || s == OrderStatePartiallyFilled
}

// OrderIntent is what a strategy asks for. It is immutable once issued.
type OrderIntent struct {
	Instrument     string    `json:"instrument"`
	Side           OrderSide `json:"side"`
	Quantity       float64   `json:"quantity"`
	Type           OrderType `json:"type"`
	LimitPrice     float64   `json:"limit_price,omitempty"`
	StopPrice      float64   `json:"stop_price,omitempty"`
	StrategyID     string    `json:"strategy_id"`
	IdempotencyKey string    `json:"idempotency_key"`
}

// SignedQty returns the quantity with the side applied.
func (i OrderIntent) SignedQty() float64 {
	return i.Side.Sign() * i.Quantity
}

// WithQuantity returns a copy of the intent carrying qty.
func (i OrderIntent) WithQuantity(qty float64) OrderIntent {
	i.Quantity = qty
	return i
}

// NewIdempotencyKey returns a fresh random key for live intents.
func NewIdempotencyKey() string {
	return uuid.NewString()
}

// Order is an intent plus its lifecycle. The router owns every mutation.
type Order struct {
	ID            string      `json:"id"`
	Intent        OrderIntent `json:"intent"`
	Quantity      float64     `json:"quantity"` // approved quantity, may be below Intent.Quantity
	State         OrderState  `json:"state"`
	BrokerOrderID string      `json:"broker_order_id,omitempty"`
	FilledQty     float64     `json:"filled_qty"`
	AvgFillPrice  float64     `json:"avg_fill_price"`
	Reason        string      `json:"reason,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Remaining returns the unfilled approved quantity.
func (o Order) Remaining() float64 {
	r := o.Quantity - o.FilledQty
	if r < 0 {
		return 0
	}
	return r
}

// Fill is one execution reported by a broker.
type Fill struct {
	ID            string    `json:"id"`
	OrderID       string    `json:"order_id"`
	BrokerOrderID string    `json:"broker_order_id"`
	Instrument    string    `json:"instrument"`
	Side          OrderSide `json:"side"`
	Quantity      float64   `json:"quantity"`
	Price         float64   `json:"price"`
	Time          time.Time `json:"time"`
}

// SignedQty returns the fill quantity with the side applied.
func (f Fill) SignedQty() float64 {
	return f.Side.Sign() * f.Quantity
}
