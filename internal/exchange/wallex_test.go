package exchange

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	wallex "github.com/wallexchange/wallex-go"

	"github.com/quantarb/pair-trader/internal/order"
)

func TestOrderFromTrade(t *testing.T) {
	ts := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	t.Run("buyer trade maps to a closed buy fill", func(t *testing.T) {
		trade := &wallex.Trade{
			Symbol:    "BTCUSDT",
			Quantity:  wallex.Number("0.5"),
			Price:     wallex.Number("50000"),
			Fee:       wallex.Number("12.5"),
			IsBuyer:   true,
			Timestamp: ts,
		}

		o := orderFromTrade(trade, "BTC-USDT")
		assert.Empty(t, o.OrderID, "venue trades carry no client order id")
		assert.Equal(t, "BTC-USDT", o.Symbol)
		assert.Equal(t, order.Buy, o.Side)
		assert.Equal(t, order.Market, o.Kind)
		assert.InDelta(t, 0.5, o.Quantity, 1e-9)
		assert.InDelta(t, 0.5, o.FilledQty, 1e-9)
		assert.InDelta(t, 50000.0, o.AvgPrice, 1e-9)
		assert.InDelta(t, 12.5, o.FeeCost, 1e-9)
		assert.Equal(t, order.StatusClosed, o.Status)
		assert.Equal(t, ts, o.Timestamp)
	})

	t.Run("non-buyer trade maps to a sell", func(t *testing.T) {
		trade := &wallex.Trade{
			Symbol:    "ETHUSDT",
			Quantity:  wallex.Number("10"),
			Price:     wallex.Number("3000"),
			Fee:       wallex.Number("0"),
			IsBuyer:   false,
			Timestamp: ts,
		}

		o := orderFromTrade(trade, "ETH-USDT")
		assert.Equal(t, order.Sell, o.Side)
		assert.InDelta(t, 10.0, o.FilledQty, 1e-9)
		assert.Zero(t, o.FeeCost)
	})
}

func TestOrderFromVenue(t *testing.T) {
	ts := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	execQty := wallex.Number("0.4")
	execPrice := wallex.Number("50100")

	t.Run("filled order", func(t *testing.T) {
		v := &wallex.Order{
			ClientOrderID: "oid-1",
			Symbol:        "BTCUSDT",
			Side:          "BUY",
			Type:          "MARKET",
			Status:        "FILLED",
			OrigQty:       wallex.Number("0.4"),
			Price:         wallex.Number("0"),
			ExecutedQty:   &execQty,
			ExecutedPrice: &execPrice,
			CreatedAt:     ts,
		}

		o := orderFromVenue(v, "BTC-USDT")
		assert.Equal(t, "oid-1", o.OrderID)
		assert.Equal(t, "BTC-USDT", o.Symbol)
		assert.Equal(t, order.Buy, o.Side)
		assert.Equal(t, order.Market, o.Kind)
		assert.Equal(t, order.StatusClosed, o.Status)
		assert.InDelta(t, 0.4, o.Quantity, 1e-9)
		assert.InDelta(t, 0.4, o.FilledQty, 1e-9)
		assert.InDelta(t, 50100.0, o.AvgPrice, 1e-9)
		assert.Equal(t, ts, o.Timestamp)
	})

	t.Run("open order without executions", func(t *testing.T) {
		v := &wallex.Order{
			ClientOrderID: "oid-2",
			Symbol:        "ETHUSDT",
			Side:          "SELL",
			Type:          "LIMIT",
			Status:        "NEW",
			OrigQty:       wallex.Number("10"),
			Price:         wallex.Number("3100"),
			CreatedAt:     ts,
		}

		o := orderFromVenue(v, "ETH-USDT")
		assert.Equal(t, order.Sell, o.Side)
		assert.Equal(t, order.Limit, o.Kind)
		assert.Equal(t, order.StatusOpen, o.Status)
		assert.InDelta(t, 10.0, o.Quantity, 1e-9)
		assert.Zero(t, o.FilledQty, "nil executed quantity reads as zero")
		assert.Zero(t, o.AvgPrice)
		assert.InDelta(t, 3100.0, o.Price, 1e-9)
	})
}

func TestMapStatus(t *testing.T) {
	cases := map[string]order.Status{
		"FILLED":    order.StatusClosed,
		"DONE":      order.StatusClosed,
		"CANCELED":  order.StatusCancelled,
		"cancelled": order.StatusCancelled,
		"NEW":       order.StatusOpen,
		"ACTIVE":    order.StatusOpen,
		"REJECTED":  order.StatusFailed,
		"EXPIRED":   order.StatusFailed,
		"whatever":  order.StatusPending,
	}
	for in, want := range cases {
		assert.Equal(t, want, mapStatus(in), in)
	}
}

func TestSymbolMapping(t *testing.T) {
	assert.Equal(t, "BTCUSDT", NormalizeSymbol("BTC-USDT"))
	assert.Equal(t, "BTC-USDT", DenormalizeSymbol("BTCUSDT"))
	assert.Equal(t, "DOGE-TMN", DenormalizeSymbol("DOGETMN"))
	assert.Equal(t, "ETH-USDT", DenormalizeSymbol("ETH-USDT"), "already delimited")
}
