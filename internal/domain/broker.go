package domain

import "context"

// SubmitRequest is what the router hands a broker adapter. The same
// IdempotencyKey is sent on every retry of one order.
type SubmitRequest struct {
	ClientOrderID  string
	IdempotencyKey string
	Instrument     string
	Side           OrderSide
	Quantity       float64
	Type           OrderType
	LimitPrice     float64
}

// SubmitAck is the broker's acceptance of a submission. Duplicate is set
// when the broker recognised the idempotency key from an earlier attempt.
type SubmitAck struct {
	BrokerOrderID string
	Duplicate     bool
}

// BrokerOrderStatus is the broker's view of one order, used for stuck-order
// reconciliation and polling brokers.
type BrokerOrderStatus struct {
	BrokerOrderID string
	State         OrderState
	FilledQty     float64
	AvgFillPrice  float64
	Fills         []Fill
	Reason        string
}

// BrokerAdapter is implemented by the paper, live and simulated brokers.
type BrokerAdapter interface {
	Submit(ctx context.Context, req SubmitRequest) (SubmitAck, error)
	Cancel(ctx context.Context, brokerOrderID string) error
	QueryStatus(ctx context.Context, brokerOrderID string) (BrokerOrderStatus, error)
}

// FillStreamer is implemented by brokers that push fills.
type FillStreamer interface {
	Fills() <-chan Fill
}

// PositionReporter is implemented by brokers that can report net positions
// for reconciliation against the ledger.
type PositionReporter interface {
	Positions(ctx context.Context) (map[string]float64, error)
}

// PriceSource returns the latest known price for an instrument.
type PriceSource interface {
	LastPrice(instrument string) (float64, bool)
}
