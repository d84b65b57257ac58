// Package exchange
package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/quantarb/pair-trader/internal/market"
	"github.com/quantarb/pair-trader/internal/order"
)

// MockGateway is a scriptable Gateway for tests. Each method delegates to its
// function field when set and records the call. Unset fields return zero
// values, so tests only script what they assert on.
type MockGateway struct {
	mu sync.Mutex

	FetchTickerFunc        func(ctx context.Context, symbol string) (market.Ticker, error)
	SubmitMarketOrderFunc  func(ctx context.Context, symbol string, side order.Side, quantity float64) (order.Order, error)
	FetchRecentOrdersFunc  func(ctx context.Context, symbol string, lookback time.Duration) ([]order.Order, error)
	FetchOpenPositionsFunc func(ctx context.Context) ([]market.RawPosition, error)
	FetchOrderStatusFunc   func(ctx context.Context, orderID string) (order.Order, error)

	submits       []SubmitCall
	positionCalls int
}

// SubmitCall records one SubmitMarketOrder invocation.
type SubmitCall struct {
	Symbol   string
	Side     order.Side
	Quantity float64
}

func (m *MockGateway) Name() string { return "mock" }

func (m *MockGateway) FetchTicker(ctx context.Context, symbol string) (market.Ticker, error) {
	if m.FetchTickerFunc != nil {
		return m.FetchTickerFunc(ctx, symbol)
	}
	return market.Ticker{Symbol: symbol, Last: 100, Bid: 100, Ask: 100, Timestamp: time.Now().UTC()}, nil
}

func (m *MockGateway) SubmitMarketOrder(ctx context.Context, symbol string, side order.Side, quantity float64) (order.Order, error) {
	m.mu.Lock()
	m.submits = append(m.submits, SubmitCall{Symbol: symbol, Side: side, Quantity: quantity})
	m.mu.Unlock()

	if m.SubmitMarketOrderFunc != nil {
		return m.SubmitMarketOrderFunc(ctx, symbol, side, quantity)
	}
	now := time.Now().UTC()
	return order.Order{
		OrderID:   "mock-" + symbol,
		Symbol:    symbol,
		Side:      side,
		Kind:      order.Market,
		Quantity:  quantity,
		FilledQty: quantity,
		AvgPrice:  100,
		Status:    order.StatusClosed,
		Timestamp: now,
		UpdatedAt: now,
	}, nil
}

func (m *MockGateway) FetchRecentOrders(ctx context.Context, symbol string, lookback time.Duration) ([]order.Order, error) {
	if m.FetchRecentOrdersFunc != nil {
		return m.FetchRecentOrdersFunc(ctx, symbol, lookback)
	}
	return nil, nil
}

func (m *MockGateway) FetchOpenPositions(ctx context.Context) ([]market.RawPosition, error) {
	m.mu.Lock()
	m.positionCalls++
	m.mu.Unlock()

	if m.FetchOpenPositionsFunc != nil {
		return m.FetchOpenPositionsFunc(ctx)
	}
	return nil, nil
}

func (m *MockGateway) FetchOrderStatus(ctx context.Context, orderID string) (order.Order, error) {
	if m.FetchOrderStatusFunc != nil {
		return m.FetchOrderStatusFunc(ctx, orderID)
	}
	return order.Order{OrderID: orderID, Status: order.StatusClosed}, nil
}

// Submits returns a copy of all recorded SubmitMarketOrder calls.
func (m *MockGateway) Submits() []SubmitCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SubmitCall(nil), m.submits...)
}

// SubmitsFor returns the recorded submissions for one symbol.
func (m *MockGateway) SubmitsFor(symbol string) []SubmitCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SubmitCall
	for _, c := range m.submits {
		if c.Symbol == symbol {
			out = append(out, c)
		}
	}
	return out
}

// PositionCalls returns how many times FetchOpenPositions was invoked.
func (m *MockGateway) PositionCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positionCalls
}
