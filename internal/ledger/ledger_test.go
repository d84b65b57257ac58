package ledger

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantarb/pair-trader/internal/order"
)

func newTestPosition() PairPosition {
	return PairPosition{
		PairX:      "BTC-USDT",
		PairY:      "ETH-USDT",
		LegX:       Leg{Symbol: "BTC-USDT", Side: order.Buy, Quantity: 0.5, EntryPrice: 50000},
		LegY:       Leg{Symbol: "ETH-USDT", Side: order.Sell, Quantity: 8, EntryPrice: 3000},
		HedgeRatio: 0.96,
		Source:     SourceExecuted,
	}
}

func TestOpenPair(t *testing.T) {
	t.Run("assigns key and timestamp", func(t *testing.T) {
		l := New()
		require.NoError(t, l.OpenPair(newTestPosition()))

		p, ok := l.Get("BTC-USDT_ETH-USDT")
		require.True(t, ok)
		assert.Equal(t, "BTC-USDT_ETH-USDT", p.Key)
		assert.False(t, p.OpenedAt.IsZero())
	})

	t.Run("rejects duplicate key", func(t *testing.T) {
		l := New()
		require.NoError(t, l.OpenPair(newTestPosition()))
		err := l.OpenPair(newTestPosition())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already open")
		assert.Len(t, l.Open(), 1)
	})
}

func TestRecordFill(t *testing.T) {
	t.Run("opens a new position", func(t *testing.T) {
		l := New()
		p, realized := l.RecordFill(newTestPosition())
		assert.Equal(t, "BTC-USDT_ETH-USDT", p.Key)
		assert.Zero(t, realized)
		assert.True(t, l.Has(p.Key))
		assert.Equal(t, ModeLong, p.Mode())
	})

	t.Run("accumulates same-side fills", func(t *testing.T) {
		l := New()
		l.RecordFill(newTestPosition())

		second := newTestPosition()
		second.LegX.Quantity = 0.5
		second.LegX.EntryPrice = 52000
		second.LegY.Quantity = 8
		second.LegY.EntryPrice = 3100
		merged, realized := l.RecordFill(second)

		assert.Zero(t, realized)
		assert.InDelta(t, 1.0, merged.LegX.Quantity, 1e-9)
		assert.InDelta(t, 51000, merged.LegX.EntryPrice, 1e-9)
		assert.InDelta(t, 16, merged.LegY.Quantity, 1e-9)
		assert.InDelta(t, 3050, merged.LegY.EntryPrice, 1e-9)
		assert.Len(t, l.Open(), 1)
	})
}

func TestRecordFillNetsOppositeSides(t *testing.T) {
	inverse := func() PairPosition {
		p := newTestPosition()
		p.LegX.Side = order.Sell
		p.LegY.Side = order.Buy
		return p
	}

	t.Run("exact inverse flattens and removes the pair", func(t *testing.T) {
		l := New()
		l.RecordFill(newTestPosition())

		inv := inverse()
		inv.LegX.EntryPrice = 52000
		inv.LegY.EntryPrice = 2900
		flat, realized := l.RecordFill(inv)

		// long BTC exits at 52000: (52000-50000)*0.5 = 1000
		// short ETH exits at 2900: (3000-2900)*8 = 800
		assert.InDelta(t, 1800, realized, 1e-9)
		assert.InDelta(t, 1800, l.RealizedPnL(), 1e-9)
		assert.True(t, flat.Flat())
		assert.Equal(t, ModeNeutral, flat.Mode())
		assert.False(t, l.Has("BTC-USDT_ETH-USDT"))
		assert.Equal(t, 1, l.Summary(nil).ClosedTrades)
	})

	t.Run("partial inverse reduces the legs", func(t *testing.T) {
		l := New()
		l.RecordFill(newTestPosition())

		inv := inverse()
		inv.LegX.Quantity = 0.2
		inv.LegX.EntryPrice = 51000
		inv.LegY.Quantity = 3
		inv.LegY.EntryPrice = 3000
		merged, realized := l.RecordFill(inv)

		// (51000-50000)*0.2 on the BTC leg, ETH leg exits flat
		assert.InDelta(t, 200, realized, 1e-9)
		assert.InDelta(t, 0.3, merged.LegX.Quantity, 1e-9)
		assert.Equal(t, order.Buy, merged.LegX.Side)
		assert.InDelta(t, 50000, merged.LegX.EntryPrice, 1e-9)
		assert.InDelta(t, 5, merged.LegY.Quantity, 1e-9)
		assert.True(t, l.Has("BTC-USDT_ETH-USDT"))
	})

	t.Run("oversized inverse flips the mode", func(t *testing.T) {
		l := New()
		l.RecordFill(newTestPosition())

		inv := inverse()
		inv.LegX.Quantity = 0.8
		inv.LegX.EntryPrice = 51000
		inv.LegY.Quantity = 8
		inv.LegY.EntryPrice = 3000
		merged, realized := l.RecordFill(inv)

		// the first 0.5 exits at 51000, the remaining 0.3 opens short
		assert.InDelta(t, 500, realized, 1e-9)
		assert.Equal(t, order.Sell, merged.LegX.Side)
		assert.InDelta(t, 0.3, merged.LegX.Quantity, 1e-9)
		assert.InDelta(t, 51000, merged.LegX.EntryPrice, 1e-9)
		assert.Equal(t, ModeShort, merged.Mode())
	})
}

func TestClosePair(t *testing.T) {
	t.Run("realizes profit on both legs", func(t *testing.T) {
		l := New()
		require.NoError(t, l.OpenPair(newTestPosition()))

		// long BTC gains (52000-50000)*0.5 = 1000
		// short ETH gains (3000-2900)*8 = 800
		trade, err := l.ClosePair("BTC-USDT_ETH-USDT", 52000, 2900)
		require.NoError(t, err)
		assert.InDelta(t, 1800, trade.PnL, 1e-9)
		assert.InDelta(t, 1800, l.RealizedPnL(), 1e-9)
		assert.False(t, l.Has("BTC-USDT_ETH-USDT"))
	})

	t.Run("unknown key", func(t *testing.T) {
		l := New()
		_, err := l.ClosePair("nope", 1, 1)
		require.Error(t, err)
	})

	t.Run("accumulates over trades", func(t *testing.T) {
		l := New()
		require.NoError(t, l.OpenPair(newTestPosition()))
		_, err := l.ClosePair("BTC-USDT_ETH-USDT", 51000, 3000)
		require.NoError(t, err)
		require.NoError(t, l.OpenPair(newTestPosition()))
		_, err = l.ClosePair("BTC-USDT_ETH-USDT", 49000, 3000)
		require.NoError(t, err)

		// +500 then -500
		assert.InDelta(t, 0, l.RealizedPnL(), 1e-9)
		assert.Equal(t, 2, l.Summary(nil).ClosedTrades)
	})
}

func TestOrphans(t *testing.T) {
	l := New()
	l.RecordOrphan(Leg{Symbol: "SOL-USDT", Side: order.Buy, Quantity: 10, EntryPrice: 150})

	orphans := l.Orphans()
	require.Len(t, orphans, 1)
	assert.Equal(t, "SOL-USDT", orphans[0].Leg.Symbol)
	assert.False(t, orphans[0].DetectedAt.IsZero())
}

func TestSummary(t *testing.T) {
	t.Run("unrealized uses mark prices", func(t *testing.T) {
		l := New()
		require.NoError(t, l.OpenPair(newTestPosition()))

		mark := func(symbol string) float64 {
			switch symbol {
			case "BTC-USDT":
				return 51000
			case "ETH-USDT":
				return 3100
			}
			return 0
		}
		s := l.Summary(mark)
		assert.Equal(t, 1, s.OpenPairs)
		// long BTC +500, short ETH -800
		assert.InDelta(t, -300, s.UnrealizedPnL, 1e-9)
	})

	t.Run("stale marks are excluded", func(t *testing.T) {
		l := New()
		require.NoError(t, l.OpenPair(newTestPosition()))

		s := l.Summary(func(string) float64 { return 0 })
		assert.InDelta(t, 0, s.UnrealizedPnL, 1e-9)
	})

	t.Run("counts orphans", func(t *testing.T) {
		l := New()
		l.RecordOrphan(Leg{Symbol: "SOL-USDT", Side: order.Sell, Quantity: 1, EntryPrice: 150})
		s := l.Summary(nil)
		assert.Equal(t, 1, s.Orphans)
		assert.Len(t, s.OrphanLegs, 1)
	})
}

func TestRecordExecution(t *testing.T) {
	l := New()
	l.RecordExecution(1.5)
	l.RecordExecution(0)

	assert.Equal(t, 2, l.ExecutedOrders())
	s := l.Summary(nil)
	assert.Equal(t, 2, s.ExecutedOrders)
	assert.InDelta(t, 1.5, s.TotalFees, 1e-9)
}

func TestLedgerConcurrentAccess(t *testing.T) {
	l := New()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.OpenPair(newTestPosition())
			l.Has("BTC-USDT_ETH-USDT")
			l.Summary(nil)
		}()
	}
	wg.Wait()

	assert.Len(t, l.Open(), 1)
}
