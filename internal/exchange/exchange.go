// Package exchange
package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/quantarb/pair-trader/internal/market"
	"github.com/quantarb/pair-trader/internal/order"
)

// Gateway is the interface the execution core depends on. Implementations
// normalize venue-specific payloads; the core never sees raw exchange data.
type Gateway interface {
	Name() string
	FetchTicker(ctx context.Context, symbol string) (market.Ticker, error)
	SubmitMarketOrder(ctx context.Context, symbol string, side order.Side, quantity float64) (order.Order, error)
	FetchRecentOrders(ctx context.Context, symbol string, lookback time.Duration) ([]order.Order, error)
	FetchOpenPositions(ctx context.Context) ([]market.RawPosition, error)
	FetchOrderStatus(ctx context.Context, orderID string) (order.Order, error)
}

// ErrKind classifies gateway failures. Timeouts are ambiguous: the request may
// have executed on the venue even though no response arrived.
type ErrKind int

const (
	KindNetwork ErrKind = iota
	KindTimeout
	KindRejected
)

func (k ErrKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindRejected:
		return "rejected"
	default:
		return "network"
	}
}

// Error wraps a venue failure with its classification.
type Error struct {
	Kind   ErrKind
	Op     string
	Symbol string
	Err    error
}

func (e *Error) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("%s %s (%s): %v", e.Op, e.Symbol, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTimeout reports whether err is an ambiguous timeout. The caller must not
// retry blindly but resolve it via a recent-order lookup.
func IsTimeout(err error) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Kind == KindTimeout
}

// IsRejected reports whether the venue definitively refused the request.
func IsRejected(err error) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Kind == KindRejected
}

// NormalizeSymbol converts e.g. btc-usdt to BTCUSDT for the Wallex API.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "-", ""))
}

