package runner

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantarb/pair-trader/internal/db"
	"github.com/quantarb/pair-trader/internal/engine"
	"github.com/quantarb/pair-trader/internal/exchange"
	"github.com/quantarb/pair-trader/internal/ledger"
	"github.com/quantarb/pair-trader/internal/notifier"
	"github.com/quantarb/pair-trader/internal/precision"
	"github.com/quantarb/pair-trader/internal/signal"
)

func TestRunExecutesSignals(t *testing.T) {
	gw := &exchange.MockGateway{}
	eng := engine.New(engine.Config{
		QuoteBudget:   10000,
		RiskFraction:  0.1,
		LegRetryDelay: time.Millisecond,
	}, gw, precision.NewValidator(nil, "0.0001", 1), ledger.New(), db.NewMemory(), &notifier.Noop{}, zerolog.Nop())
	r := New(eng, &notifier.Noop{}, zerolog.Nop())

	signals := make(chan signal.TradeSignal, 1)
	signals <- signal.TradeSignal{
		PairX: "BTC-USDT", PairY: "ETH-USDT", Type: signal.TypeBuy,
		Confidence: 1, HedgeRatio: 1, Time: time.Now().UTC(),
	}
	close(signals)

	done := make(chan struct{})
	go func() {
		r.Run(context.Background(), signals)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not drain the signal channel")
	}

	require.Len(t, gw.Submits(), 2)
	assert.True(t, eng.Ledger().Has("BTC-USDT_ETH-USDT"))
}

func TestRunStopsOnContextCancel(t *testing.T) {
	gw := &exchange.MockGateway{}
	eng := engine.New(engine.Config{LegRetryDelay: time.Millisecond},
		gw, precision.NewValidator(nil, "0.0001", 1), ledger.New(), db.NewMemory(), &notifier.Noop{}, zerolog.Nop())
	r := New(eng, &notifier.Noop{}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan signal.TradeSignal)

	done := make(chan struct{})
	go func() {
		r.Run(ctx, signals)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop on cancel")
	}
}
