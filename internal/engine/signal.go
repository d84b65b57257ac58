package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/quantarb/pair-trader/internal/journal"
	"github.com/quantarb/pair-trader/internal/ledger"
	"github.com/quantarb/pair-trader/internal/metrics"
	"github.com/quantarb/pair-trader/internal/order"
	"github.com/quantarb/pair-trader/internal/signal"
)

// ExecuteSignal converts an upstream trade signal into an execution request
// and runs it. Sizing comes from the configured quote budget scaled by risk
// fraction and signal confidence; leg Y is sized by the hedge ratio.
func (e *Engine) ExecuteSignal(ctx context.Context, sig signal.TradeSignal) (*TradeResult, error) {
	if sig.Type == signal.TypeExit {
		return nil, e.ClosePair(ctx, sig.PairX, sig.PairY)
	}

	tickerX, err := e.gateway.FetchTicker(ctx, sig.PairX)
	if err != nil {
		return nil, failure(ReasonMarketData, fmt.Errorf("ticker %s: %w", sig.PairX, err))
	}
	if tickerX.Last <= 0 {
		return nil, failure(ReasonMarketData, fmt.Errorf("no price for %s", sig.PairX))
	}

	confidence := sig.Confidence
	if confidence <= 0 || confidence > 1 {
		confidence = 1
	}
	hedge := sig.HedgeRatio
	if hedge <= 0 {
		hedge = 1
	}

	budget := e.cfg.QuoteBudget * e.cfg.RiskFraction * confidence
	amountX := budget / tickerX.Last
	amountY := amountX * hedge

	sideX, sideY := order.Buy, order.Sell
	if sig.Type == signal.TypeSell {
		sideX, sideY = order.Sell, order.Buy
	}

	e.logger.Info().Str("category", journal.CategoryStrategy).
		Str("pair_x", sig.PairX).Str("pair_y", sig.PairY).
		Str("type", string(sig.Type)).Float64("z_score", sig.ZScore).
		Float64("confidence", confidence).Float64("amount_x", amountX).
		Msg("signal accepted for execution")

	return e.ExecutePairTrade(ctx, ExecutionRequest{
		PairX:      sig.PairX,
		PairY:      sig.PairY,
		SideX:      sideX,
		SideY:      sideY,
		AmountX:    amountX,
		AmountY:    amountY,
		HedgeRatio: hedge,
		SignalRef:  fmt.Sprintf("%s@%d", sig.Type, sig.Time.UnixMilli()),
	})
}

// ClosePair unwinds an open pair with reverse market orders and realizes the
// result in the ledger.
func (e *Engine) ClosePair(ctx context.Context, pairX, pairY string) error {
	key := ledger.Key(pairX, pairY)
	pos, ok := e.ledger.Get(key)
	if !ok {
		return failure(ReasonValidation, fmt.Errorf("pair %s is not open", key))
	}

	closeX, err := e.placeWithRetry(ctx, pos.LegX.Symbol, pos.LegX.Side.Opposite(), pos.LegX.Quantity)
	if err != nil {
		return failure(ReasonLegA, fmt.Errorf("closing %s: %w", pos.LegX.Symbol, err))
	}
	e.recordOrder(ctx, closeX)

	closeY, err := e.placeWithRetry(ctx, pos.LegY.Symbol, pos.LegY.Side.Opposite(), pos.LegY.Quantity)
	if err != nil {
		// Leg X is already flat; the Y leg survives as exposure and must
		// be surfaced rather than absorbed.
		msg := fmt.Sprintf("PARTIAL CLOSE: %s closed but %s could not be closed: %v", pos.LegX.Symbol, pos.LegY.Symbol, err)
		e.logger.Error().Str("category", journal.CategorySafety).Bool("critical", true).
			Str("key", key).Err(err).Msg("pair close left one leg open")
		e.journal(ctx, journal.CategorySafety, "partial_close", msg, map[string]any{"key": key})
		e.notifier.SendWithRetry(msg)
		return failure(ReasonCompensationFailed, err)
	}
	e.recordOrder(ctx, closeY)

	exitX := closeX.AvgPrice
	if exitX <= 0 {
		exitX = pos.LegX.EntryPrice
	}
	exitY := closeY.AvgPrice
	if exitY <= 0 {
		exitY = pos.LegY.EntryPrice
	}

	trade, err := e.ledger.ClosePair(key, exitX, exitY)
	if err != nil {
		return failure(ReasonValidation, err)
	}
	if err := e.storage.ClosePairPosition(ctx, key, trade.PnL, trade.ClosedAt); err != nil {
		e.logger.Error().Str("category", journal.CategoryExecution).Err(err).Msg("failed to persist pair close")
	}

	e.journal(ctx, journal.CategoryExecution, "pair_trade_closed",
		fmt.Sprintf("closed %s pnl %.2f", key, trade.PnL),
		map[string]any{"key": key, "pnl": trade.PnL})
	metrics.TradesTotal.WithLabelValues("closed").Inc()
	e.logger.Info().Str("category", journal.CategoryExecution).
		Str("key", key).Float64("pnl", trade.PnL).Msg("pair closed")
	return nil
}

// CheckOpenOrders re-queries every non-terminal persisted order and writes
// back the venue's view. Runs from the background status loop.
func (e *Engine) CheckOpenOrders(ctx context.Context) error {
	open, err := e.storage.GetOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("loading open orders: %w", err)
	}
	for _, o := range open {
		latest, err := e.gateway.FetchOrderStatus(ctx, o.OrderID)
		if err != nil {
			e.logger.Warn().Str("category", journal.CategoryExecution).
				Str("order_id", o.OrderID).Err(err).Msg("order status check failed")
			continue
		}
		if latest.Status == o.Status && latest.FilledQty == o.FilledQty {
			continue
		}
		if err := e.storage.UpdateOrderStatus(ctx, o.OrderID, latest.Status, latest.FilledQty, latest.AvgPrice, time.Now().UTC()); err != nil {
			e.logger.Error().Str("category", journal.CategoryExecution).
				Str("order_id", o.OrderID).Err(err).Msg("failed to update order status")
		}
	}
	return nil
}
