package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantarb/pair-trader/internal/journal"
	"github.com/quantarb/pair-trader/internal/ledger"
	"github.com/quantarb/pair-trader/internal/order"
)

func TestMemoryOrders(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, m.SaveOrder(ctx, order.Order{OrderID: "a", Status: order.StatusOpen, Timestamp: now}))
	require.NoError(t, m.SaveOrder(ctx, order.Order{OrderID: "b", Status: order.StatusClosed, Timestamp: now}))

	open, err := m.GetOpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "a", open[0].OrderID)

	require.NoError(t, m.UpdateOrderStatus(ctx, "a", order.StatusClosed, 1, 100, now))
	open, err = m.GetOpenOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	require.Error(t, m.UpdateOrderStatus(ctx, "missing", order.StatusClosed, 0, 0, now))
}

func TestMemoryPairPositions(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	pos := ledger.PairPosition{Key: "k", PairX: "BTC-USDT", PairY: "ETH-USDT", OpenedAt: time.Now().UTC()}
	require.NoError(t, m.SavePairPosition(ctx, pos))

	open, err := m.GetOpenPairPositions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)

	require.NoError(t, m.ClosePairPosition(ctx, "k", 10, time.Now().UTC()))
	open, err = m.GetOpenPairPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	require.Error(t, m.ClosePairPosition(ctx, "k", 0, time.Now().UTC()))
}

func TestMemoryEvents(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, m.LogEvent(ctx, journal.Event{Time: now, Type: "x", Category: journal.CategorySafety}))
	require.NoError(t, m.LogEvent(ctx, journal.Event{Time: now.Add(-2 * time.Hour), Type: "x"}))

	events, err := m.GetEvents(ctx, "x", now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, journal.CategorySafety, events[0].Category)

	assert.Len(t, m.Events(), 2)
}
