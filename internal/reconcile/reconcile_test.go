package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantarb/pair-trader/internal/db"
	"github.com/quantarb/pair-trader/internal/exchange"
	"github.com/quantarb/pair-trader/internal/ledger"
	"github.com/quantarb/pair-trader/internal/market"
	"github.com/quantarb/pair-trader/internal/notifier"
	"github.com/quantarb/pair-trader/internal/order"
)

type testHarness struct {
	reconciler *Reconciler
	gateway    *exchange.MockGateway
	ledger     *ledger.Ledger
	storage    *db.Memory
}

func newTestReconciler(t *testing.T) *testHarness {
	t.Helper()
	gw := &exchange.MockGateway{}
	book := ledger.New()
	storage := db.NewMemory()
	r := New(Config{Attempts: 3, BaseBackoff: time.Millisecond}, gw, book, storage, &notifier.Noop{}, zerolog.Nop())
	return &testHarness{reconciler: r, gateway: gw, ledger: book, storage: storage}
}

func rawPosition(symbol string, side market.PositionSide, contracts, entry float64) market.RawPosition {
	return market.RawPosition{
		Symbol:     symbol,
		Side:       side,
		Contracts:  contracts,
		EntryPrice: entry,
		Notional:   contracts * entry,
		Timestamp:  time.Now().UTC(),
	}
}

func TestReconcilePairing(t *testing.T) {
	h := newTestReconciler(t)
	h.gateway.FetchOpenPositionsFunc = func(ctx context.Context) ([]market.RawPosition, error) {
		return []market.RawPosition{
			rawPosition("BTC-USDT", market.Long, 0.5, 50000),
			rawPosition("ETH-USDT", market.Short, 8, 3000),
			rawPosition("SOL-USDT", market.Long, 10, 150),
		}, nil
	}

	report, err := h.reconciler.ReconcileOnStartup(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Pairs, 1)
	assert.Equal(t, "BTC-USDT", report.Pairs[0].PairX)
	assert.Equal(t, "ETH-USDT", report.Pairs[0].PairY)
	assert.Equal(t, ledger.SourceRecovered, report.Pairs[0].Source)
	assert.Equal(t, order.Buy, report.Pairs[0].LegX.Side)
	assert.Equal(t, order.Sell, report.Pairs[0].LegY.Side)

	require.Len(t, report.Orphans, 1)
	assert.Equal(t, "SOL-USDT", report.Orphans[0].Leg.Symbol)
	assert.Equal(t, order.Buy, report.Orphans[0].Leg.Side)

	// orphans are recorded, not silently dropped
	assert.True(t, h.ledger.Has("BTC-USDT_ETH-USDT"))
	assert.Len(t, h.ledger.Orphans(), 1)
	assert.Len(t, h.storage.OrphanLegs(), 1)
	assert.NotEmpty(t, report.Recommendations)
}

func TestReconcileEmptyState(t *testing.T) {
	h := newTestReconciler(t)

	report, err := h.reconciler.ReconcileOnStartup(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Pairs)
	assert.Empty(t, report.Orphans)
	assert.Empty(t, h.ledger.Open())
	assert.Equal(t, 1, h.gateway.PositionCalls())
}

func TestReconcileRetry(t *testing.T) {
	h := newTestReconciler(t)
	calls := 0
	h.gateway.FetchOpenPositionsFunc = func(ctx context.Context) ([]market.RawPosition, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("connection reset")
		}
		return []market.RawPosition{
			rawPosition("BTC-USDT", market.Long, 0.5, 50000),
			rawPosition("ETH-USDT", market.Short, 8, 3000),
		}, nil
	}

	report, err := h.reconciler.ReconcileOnStartup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, h.gateway.PositionCalls(), "two failures plus one success is exactly three calls")
	assert.Equal(t, 3, report.Attempts)
	assert.Len(t, report.Pairs, 1)
	assert.True(t, h.ledger.Has("BTC-USDT_ETH-USDT"))
}

func TestReconcileRetriesExhausted(t *testing.T) {
	h := newTestReconciler(t)
	h.gateway.FetchOpenPositionsFunc = func(ctx context.Context) ([]market.RawPosition, error) {
		return nil, errors.New("connection reset")
	}

	_, err := h.reconciler.ReconcileOnStartup(context.Background())
	require.Error(t, err)
	assert.Equal(t, 3, h.gateway.PositionCalls())
	assert.Empty(t, h.ledger.Open(), "degraded start has an empty book")
}

func TestReconcileMultiplePairs(t *testing.T) {
	h := newTestReconciler(t)
	h.gateway.FetchOpenPositionsFunc = func(ctx context.Context) ([]market.RawPosition, error) {
		return []market.RawPosition{
			rawPosition("BTC-USDT", market.Long, 0.5, 50000),
			rawPosition("SOL-USDT", market.Long, 10, 150),
			rawPosition("ETH-USDT", market.Short, 8, 3000),
			rawPosition("AVAX-USDT", market.Short, 20, 40),
		}, nil
	}

	report, err := h.reconciler.ReconcileOnStartup(context.Background())
	require.NoError(t, err)
	// side-only greedy pairing: first long with first short, and so on
	require.Len(t, report.Pairs, 2)
	assert.Equal(t, "BTC-USDT_ETH-USDT", report.Pairs[0].Key)
	assert.Equal(t, "SOL-USDT_AVAX-USDT", report.Pairs[1].Key)
	assert.Empty(t, report.Orphans)
}

func TestLastReport(t *testing.T) {
	h := newTestReconciler(t)
	assert.Nil(t, h.reconciler.LastReport())

	_, err := h.reconciler.ReconcileOnStartup(context.Background())
	require.NoError(t, err)
	require.NotNil(t, h.reconciler.LastReport())
	assert.False(t, h.reconciler.LastReport().CompletedAt.IsZero())
}
