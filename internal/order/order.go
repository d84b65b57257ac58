// Package order
package order

import "time"

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite returns the side that closes an exposure opened with s.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Kind is the order type.
type Kind string

const (
	Market Kind = "market"
	Limit  Kind = "limit"
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending   Status = "pending"
	StatusOpen      Status = "open"
	StatusClosed    Status = "closed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status admits no further mutation.
func (s Status) Terminal() bool {
	switch s {
	case StatusClosed, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Order represents a single exchange order attempt. OrderID may be empty until
// the exchange confirms the submission.
type Order struct {
	OrderID   string
	Symbol    string
	Side      Side
	Kind      Kind
	Quantity  float64
	FilledQty float64
	AvgPrice  float64
	Price     float64
	FeeCost   float64
	Status    Status
	Timestamp time.Time
	UpdatedAt time.Time
}

// FillRatio returns the filled fraction of the requested quantity.
func (o Order) FillRatio() float64 {
	if o.Quantity <= 0 {
		return 0
	}
	return o.FilledQty / o.Quantity
}
