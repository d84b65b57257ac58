package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantarb/pair-trader/internal/market"
	"github.com/quantarb/pair-trader/internal/order"
	"github.com/quantarb/pair-trader/internal/signal"
)

func tickerFor(prices map[string]float64) func(ctx context.Context, symbol string) (market.Ticker, error) {
	return func(ctx context.Context, symbol string) (market.Ticker, error) {
		return market.Ticker{Symbol: symbol, Last: prices[symbol], Timestamp: time.Now().UTC()}, nil
	}
}

func TestExecuteSignalSizing(t *testing.T) {
	h := newTestEngine(t, Config{
		QuoteBudget:   10000,
		RiskFraction:  0.1,
		LegRetryDelay: time.Millisecond,
	})
	h.gateway.FetchTickerFunc = tickerFor(map[string]float64{"BTC-USDT": 50000, "ETH-USDT": 3000})
	h.gateway.SubmitMarketOrderFunc = func(ctx context.Context, symbol string, side order.Side, qty float64) (order.Order, error) {
		o := filledOrder(symbol, side, qty, qty)
		o.AvgPrice = map[string]float64{"BTC-USDT": 50000, "ETH-USDT": 3000}[symbol]
		return o, nil
	}

	result, err := h.engine.ExecuteSignal(context.Background(), signal.TradeSignal{
		PairX:      "BTC-USDT",
		PairY:      "ETH-USDT",
		Type:       signal.TypeBuy,
		ZScore:     -2.3,
		Confidence: 0.5,
		HedgeRatio: 2,
		Time:       time.Now().UTC(),
	})
	require.NoError(t, err)

	// budget 10000 * 0.1 * 0.5 = 500 quote; 500/50000 = 0.01 BTC
	assert.InDelta(t, 0.01, result.OrderA.Quantity, 0.0001)
	assert.Equal(t, order.Buy, result.OrderA.Side)
	// hedge ratio 2 => 0.02 ETH units
	assert.InDelta(t, 0.02, result.OrderB.Quantity, 0.0001)
	assert.Equal(t, order.Sell, result.OrderB.Side)
}

func TestExecuteSignalSellInvertsSides(t *testing.T) {
	h := newTestEngine(t, Config{QuoteBudget: 10000, RiskFraction: 0.1, LegRetryDelay: time.Millisecond})

	result, err := h.engine.ExecuteSignal(context.Background(), signal.TradeSignal{
		PairX:      "BTC-USDT",
		PairY:      "ETH-USDT",
		Type:       signal.TypeSell,
		Confidence: 1,
		HedgeRatio: 1,
		Time:       time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, order.Sell, result.OrderA.Side)
	assert.Equal(t, order.Buy, result.OrderB.Side)
}

func TestExecuteSignalExitClosesPair(t *testing.T) {
	h := newTestEngine(t, Config{QuoteBudget: 10000, RiskFraction: 0.1, LegRetryDelay: time.Millisecond})
	prices := map[string]float64{"BTC-USDT": 50000, "ETH-USDT": 3000}
	h.gateway.FetchTickerFunc = tickerFor(prices)
	h.gateway.SubmitMarketOrderFunc = func(ctx context.Context, symbol string, side order.Side, qty float64) (order.Order, error) {
		o := filledOrder(symbol, side, qty, qty)
		o.AvgPrice = prices[symbol]
		return o, nil
	}

	_, err := h.engine.ExecuteSignal(context.Background(), signal.TradeSignal{
		PairX: "BTC-USDT", PairY: "ETH-USDT", Type: signal.TypeBuy,
		Confidence: 1, HedgeRatio: 1, Time: time.Now().UTC(),
	})
	require.NoError(t, err)

	// market moves before the exit
	prices["BTC-USDT"] = 52000
	prices["ETH-USDT"] = 2900

	_, err = h.engine.ExecuteSignal(context.Background(), signal.TradeSignal{
		PairX: "BTC-USDT", PairY: "ETH-USDT", Type: signal.TypeExit, Time: time.Now().UTC(),
	})
	require.NoError(t, err)

	assert.False(t, h.engine.Ledger().Has("BTC-USDT_ETH-USDT"))
	assert.Greater(t, h.engine.Ledger().RealizedPnL(), 0.0)

	open, err := h.storage.GetOpenPairPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestClosePairUnknownKey(t *testing.T) {
	h := newTestEngine(t, Config{LegRetryDelay: time.Millisecond})
	err := h.engine.ClosePair(context.Background(), "BTC-USDT", "ETH-USDT")
	reason, ok := Reason(err)
	require.True(t, ok)
	assert.Equal(t, ReasonValidation, reason)
}

func TestCheckOpenOrders(t *testing.T) {
	h := newTestEngine(t, Config{LegRetryDelay: time.Millisecond})
	ctx := context.Background()
	now := time.Now().UTC()

	stale := order.Order{OrderID: "stale", Symbol: "BTC-USDT", Side: order.Buy, Kind: order.Market, Quantity: 1, Status: order.StatusOpen, Timestamp: now, UpdatedAt: now}
	require.NoError(t, h.storage.SaveOrder(ctx, stale))

	h.gateway.FetchOrderStatusFunc = func(ctx context.Context, orderID string) (order.Order, error) {
		return order.Order{OrderID: orderID, Symbol: "BTC-USDT", Status: order.StatusClosed, FilledQty: 1, AvgPrice: 50000}, nil
	}

	require.NoError(t, h.engine.CheckOpenOrders(ctx))

	got, err := h.storage.GetOrder(ctx, "stale")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, order.StatusClosed, got.Status)
	assert.InDelta(t, 1, got.FilledQty, 1e-9)
}
