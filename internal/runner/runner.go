// Package runner consumes upstream trade signals and drives the execution
// coordinator, one worker per signal.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantarb/pair-trader/internal/engine"
	"github.com/quantarb/pair-trader/internal/journal"
	"github.com/quantarb/pair-trader/internal/notifier"
	"github.com/quantarb/pair-trader/internal/signal"
)

// Runner fans incoming signals out to the coordinator. Failures are logged
// and notified; the loop itself never stops on a failed trade.
type Runner struct {
	engine   *engine.Engine
	notifier notifier.Notifier
	logger   zerolog.Logger

	// Stats are reported at this cadence while the loop runs.
	StatsInterval time.Duration
}

func New(eng *engine.Engine, n notifier.Notifier, logger zerolog.Logger) *Runner {
	if n == nil {
		n = &notifier.Noop{}
	}
	return &Runner{
		engine:        eng,
		notifier:      n,
		logger:        logger.With().Str("component", "runner").Logger(),
		StatsInterval: 3 * time.Minute,
	}
}

// Run consumes signals until the channel closes or the context ends.
func (r *Runner) Run(ctx context.Context, signals <-chan signal.TradeSignal) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Str("category", journal.CategorySafety).
				Interface("panic", rec).Msg("recovered from panic in signal loop")
			r.notifier.Send(fmt.Sprintf("PANIC in trading system: %v", rec))
		}
	}()

	go r.monitorStats(ctx)

	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sig, ok := <-signals:
			if !ok {
				wg.Wait()
				return
			}
			wg.Add(1)
			go func(s signal.TradeSignal) {
				defer wg.Done()
				r.handle(ctx, s)
			}(sig)
		}
	}
}

func (r *Runner) handle(ctx context.Context, sig signal.TradeSignal) {
	result, err := r.engine.ExecuteSignal(ctx, sig)
	if err != nil {
		reason, _ := engine.Reason(err)
		if reason == engine.ReasonDuplicate {
			// Expected under signal bursts, not worth operator attention.
			return
		}
		r.logger.Warn().Str("category", journal.CategoryStrategy).
			Str("pair_x", sig.PairX).Str("pair_y", sig.PairY).
			Str("reason", string(reason)).Err(err).Msg("signal execution failed")
		if reason == engine.ReasonCompensationFailed {
			return // already paged by the engine
		}
		r.notifier.SendWithRetry(fmt.Sprintf("Trade %s/%s failed: %v", sig.PairX, sig.PairY, err))
		return
	}
	if result != nil {
		r.notifier.Send(fmt.Sprintf("Opened %s: %s %.6f / %s %.6f",
			result.Position.Key,
			result.OrderA.Side, result.OrderA.FilledQty,
			result.OrderB.Side, result.OrderB.FilledQty))
	}
}

func (r *Runner) monitorStats(ctx context.Context) {
	ticker := time.NewTicker(r.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := r.engine.Ledger().Summary(nil)
			r.logger.Info().Str("category", journal.CategoryStrategy).
				Int("open_pairs", snap.OpenPairs).
				Int("closed_trades", snap.ClosedTrades).
				Float64("realized_pnl", snap.RealizedPnL).
				Int("pending_signals", r.engine.PendingSignals()).
				Msg("execution stats")
		}
	}
}
