// Package engine
package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantarb/pair-trader/internal/db"
	"github.com/quantarb/pair-trader/internal/exchange"
	"github.com/quantarb/pair-trader/internal/journal"
	"github.com/quantarb/pair-trader/internal/ledger"
	"github.com/quantarb/pair-trader/internal/metrics"
	"github.com/quantarb/pair-trader/internal/notifier"
	"github.com/quantarb/pair-trader/internal/order"
	"github.com/quantarb/pair-trader/internal/precision"
)

// FailReason classifies a pair trade failure.
type FailReason string

const (
	ReasonDuplicate          FailReason = "duplicate_signal"
	ReasonValidation         FailReason = "validation"
	ReasonMarketData         FailReason = "market_data"
	ReasonLegA               FailReason = "leg_a_failed"
	ReasonSeverePartialFill  FailReason = "severe_partial_fill"
	ReasonLegB               FailReason = "leg_b_failed"
	ReasonCompensationFailed FailReason = "compensation_failed"
)

// TradeError is the typed failure result of a pair trade attempt.
type TradeError struct {
	Reason FailReason
	Err    error
}

func (e *TradeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return string(e.Reason)
}

func (e *TradeError) Unwrap() error { return e.Err }

func failure(reason FailReason, err error) *TradeError {
	return &TradeError{Reason: reason, Err: err}
}

// Reason extracts the failure classification from err, if it carries one.
func Reason(err error) (FailReason, bool) {
	if te, ok := err.(*TradeError); ok {
		return te.Reason, true
	}
	return "", false
}

// ExecutionRequest is one coordinator invocation. Immutable once built.
type ExecutionRequest struct {
	PairX      string
	PairY      string
	SideX      order.Side
	SideY      order.Side
	AmountX    float64
	AmountY    float64
	HedgeRatio float64
	SignalRef  string
}

// Key derives the dedup identity for the request.
func (r ExecutionRequest) Key() string {
	return r.PairX + "_" + r.PairY + "_" + string(r.SideX)
}

// TradeResult is the outcome of a successful pair trade.
type TradeResult struct {
	AttemptID string
	OrderA    order.Order
	OrderB    order.Order
	Position  ledger.PairPosition
	Ghost     bool
}

// Config carries the coordinator's tunables.
type Config struct {
	// Fills below this fraction of the requested leg A quantity are treated
	// as severe: compensate and abort.
	MinFillRatio float64
	// Fills at or above this fraction count as complete; below it leg B is
	// resized to the actual fill.
	FullFillRatio float64

	LegRetries    int
	LegRetryDelay time.Duration

	// Keys stay in the pending set this long after an attempt completes.
	DebounceWindow time.Duration

	GhostLookback     time.Duration
	GhostQtyTolerance float64

	// Sizing inputs for signal-driven execution.
	QuoteBudget  float64
	RiskFraction float64
}

func (c *Config) applyDefaults() {
	if c.MinFillRatio <= 0 {
		c.MinFillRatio = 0.10
	}
	if c.FullFillRatio <= 0 {
		c.FullFillRatio = 0.99
	}
	if c.LegRetries <= 0 {
		c.LegRetries = 3
	}
	if c.LegRetryDelay <= 0 {
		c.LegRetryDelay = 500 * time.Millisecond
	}
	if c.GhostLookback <= 0 {
		c.GhostLookback = 60 * time.Second
	}
	if c.GhostQtyTolerance <= 0 {
		c.GhostQtyTolerance = 0.01
	}
	if c.RiskFraction <= 0 {
		c.RiskFraction = 0.1
	}
}

// Engine coordinates two-leg pair trades against the gateway.
type Engine struct {
	cfg       Config
	gateway   exchange.Gateway
	validator *precision.Validator
	ledger    *ledger.Ledger
	storage   db.Storage
	notifier  notifier.Notifier
	logger    zerolog.Logger

	mu      sync.Mutex
	pending map[string]struct{}
}

func New(cfg Config, gw exchange.Gateway, v *precision.Validator, l *ledger.Ledger, storage db.Storage, n notifier.Notifier, logger zerolog.Logger) *Engine {
	cfg.applyDefaults()
	if n == nil {
		n = &notifier.Noop{}
	}
	return &Engine{
		cfg:       cfg,
		gateway:   gw,
		validator: v,
		ledger:    l,
		storage:   storage,
		notifier:  n,
		logger:    logger.With().Str("component", "engine").Logger(),
		pending:   make(map[string]struct{}),
	}
}

// PendingSignals returns the number of keys currently in flight or debouncing.
func (e *Engine) PendingSignals() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Ledger exposes the engine's position book for summary readers.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// ExecutePairTrade runs one pair trade attempt. On success both legs are
// filled in proportion and the position is in the ledger; on failure no naked
// single-leg exposure survives unless compensation itself failed, which is
// escalated through the notifier.
func (e *Engine) ExecutePairTrade(ctx context.Context, req ExecutionRequest) (*TradeResult, error) {
	key := req.Key()

	// The lock covers only the membership check and insert so unrelated
	// pairs never serialize behind each other.
	e.mu.Lock()
	if _, inFlight := e.pending[key]; inFlight {
		e.mu.Unlock()
		metrics.DuplicatesTotal.Inc()
		e.logger.Debug().Str("category", journal.CategoryStrategy).Str("key", key).Msg("duplicate signal rejected")
		return nil, failure(ReasonDuplicate, fmt.Errorf("signal %s already in flight", key))
	}
	e.pending[key] = struct{}{}
	e.mu.Unlock()

	defer e.releaseKey(key)

	attemptID := uuid.NewString()
	log := e.logger.With().Str("key", key).Str("attempt_id", attemptID).Logger()

	tickerX, err := e.gateway.FetchTicker(ctx, req.PairX)
	if err != nil {
		return nil, failure(ReasonMarketData, fmt.Errorf("ticker %s: %w", req.PairX, err))
	}
	tickerY, err := e.gateway.FetchTicker(ctx, req.PairY)
	if err != nil {
		return nil, failure(ReasonMarketData, fmt.Errorf("ticker %s: %w", req.PairY, err))
	}

	qtyX := e.validator.Normalize(req.PairX, req.AmountX)
	qtyY := e.validator.Normalize(req.PairY, req.AmountY)
	if err := e.validator.ValidateNotional(req.PairX, qtyX, tickerX.Last); err != nil {
		return nil, failure(ReasonValidation, err)
	}
	if err := e.validator.ValidateNotional(req.PairY, qtyY, tickerY.Last); err != nil {
		return nil, failure(ReasonValidation, err)
	}
	pairKey := ledger.Key(req.PairX, req.PairY)

	log.Info().Str("category", journal.CategoryExecution).
		Str("side_x", string(req.SideX)).Float64("qty_x", qtyX).
		Str("side_y", string(req.SideY)).Float64("qty_y", qtyY).
		Msg("executing pair trade")

	orderA, err := e.placeWithRetry(ctx, req.PairX, req.SideX, qtyX)
	if err != nil {
		log.Warn().Str("category", journal.CategoryExecution).Err(err).Msg("leg A failed")
		return nil, failure(ReasonLegA, err)
	}
	e.recordOrder(ctx, orderA)

	fillRatio := orderA.FillRatio()
	if fillRatio < e.cfg.MinFillRatio {
		log.Warn().Str("category", journal.CategorySafety).
			Float64("fill_ratio", fillRatio).Float64("threshold", e.cfg.MinFillRatio).
			Msg("severe partial fill, compensating leg A")
		e.journal(ctx, journal.CategorySafety, "severe_partial_fill",
			fmt.Sprintf("leg A %s filled %.4f of %.4f", req.PairX, orderA.FilledQty, qtyX),
			map[string]any{"attempt_id": attemptID, "fill_ratio": fillRatio})
		if err := e.compensate(ctx, orderA, attemptID); err != nil {
			return nil, err
		}
		return nil, failure(ReasonSeverePartialFill, fmt.Errorf("leg A fill ratio %.4f below %.4f", fillRatio, e.cfg.MinFillRatio))
	}

	legBQty := qtyY
	if fillRatio < e.cfg.FullFillRatio {
		// Leg B is always sized off the actual leg A fill.
		legBQty = e.validator.Normalize(req.PairY, qtyY*fillRatio)
		log.Info().Str("category", journal.CategoryExecution).
			Float64("fill_ratio", fillRatio).Float64("leg_b_qty", legBQty).
			Msg("moderate partial fill, resizing leg B")
	}
	if legBQty <= 0 {
		if err := e.compensate(ctx, orderA, attemptID); err != nil {
			return nil, err
		}
		return nil, failure(ReasonLegB, fmt.Errorf("resized leg B quantity for %s normalized to zero", req.PairY))
	}

	orderB, ghost, err := e.submitLegB(ctx, req.PairY, req.SideY, legBQty, attemptID)
	if err != nil {
		log.Warn().Str("category", journal.CategorySafety).Err(err).Msg("leg B failed, rolling back leg A")
		e.journal(ctx, journal.CategorySafety, "leg_b_rollback",
			fmt.Sprintf("leg B %s could not be confirmed", req.PairY),
			map[string]any{"attempt_id": attemptID})
		if compErr := e.compensate(ctx, orderA, attemptID); compErr != nil {
			return nil, compErr
		}
		return nil, failure(ReasonLegB, err)
	}
	e.recordOrder(ctx, orderB)

	position := ledger.PairPosition{
		Key:        pairKey,
		PairX:      req.PairX,
		PairY:      req.PairY,
		LegX:       legFromOrder(orderA, tickerX.Last),
		LegY:       legFromOrder(orderB, tickerY.Last),
		HedgeRatio: req.HedgeRatio,
		Source:     ledger.SourceExecuted,
		OpenedAt:   time.Now().UTC(),
	}
	position, realized := e.ledger.RecordFill(position)
	if position.Flat() {
		// The fill netted the open pair to zero.
		log.Info().Str("category", journal.CategoryExecution).
			Float64("realized", realized).Msg("fill netted the pair flat")
		if err := e.storage.ClosePairPosition(ctx, pairKey, realized, time.Now().UTC()); err != nil {
			log.Error().Str("category", journal.CategoryExecution).Err(err).Msg("failed to persist pair close")
		}
	} else if err := e.storage.SavePairPosition(ctx, position); err != nil {
		log.Error().Str("category", journal.CategoryExecution).Err(err).Msg("failed to persist pair position")
	}

	e.journal(ctx, journal.CategoryExecution, "pair_trade_opened",
		fmt.Sprintf("opened %s", pairKey),
		map[string]any{"attempt_id": attemptID, "ghost": ghost, "order_a": orderA.OrderID, "order_b": orderB.OrderID})
	metrics.TradesTotal.WithLabelValues("success").Inc()
	log.Info().Str("category", journal.CategoryExecution).Bool("ghost", ghost).Msg("pair trade complete")

	return &TradeResult{AttemptID: attemptID, OrderA: orderA, OrderB: orderB, Position: position, Ghost: ghost}, nil
}

// releaseKey removes the signal key after the debounce window so a burst of
// identical signals collapses into one execution.
func (e *Engine) releaseKey(key string) {
	if e.cfg.DebounceWindow <= 0 {
		e.mu.Lock()
		delete(e.pending, key)
		e.mu.Unlock()
		return
	}
	time.AfterFunc(e.cfg.DebounceWindow, func() {
		e.mu.Lock()
		delete(e.pending, key)
		e.mu.Unlock()
	})
}

// placeWithRetry submits a market order, retrying definitive failures a fixed
// number of times. Timeouts are never retried blindly; the ambiguity belongs
// to the caller.
func (e *Engine) placeWithRetry(ctx context.Context, symbol string, side order.Side, qty float64) (order.Order, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.LegRetries; attempt++ {
		o, err := e.gateway.SubmitMarketOrder(ctx, symbol, side, qty)
		if err == nil {
			metrics.OrdersTotal.WithLabelValues(symbol, string(side)).Inc()
			return o, nil
		}
		if exchange.IsTimeout(err) {
			return order.Order{}, err
		}
		lastErr = err
		e.logger.Warn().Str("category", journal.CategoryExecution).
			Str("symbol", symbol).Int("attempt", attempt).Int("max", e.cfg.LegRetries).
			Err(err).Msg("order submission failed")
		if attempt < e.cfg.LegRetries {
			select {
			case <-ctx.Done():
				return order.Order{}, ctx.Err()
			case <-time.After(e.cfg.LegRetryDelay):
			}
		}
	}
	return order.Order{}, fmt.Errorf("submit %s %s: %w", side, symbol, lastErr)
}

// submitLegB places the hedge leg with ghost order protection: a timeout
// triggers a recent-order lookup instead of a blind retry.
func (e *Engine) submitLegB(ctx context.Context, symbol string, side order.Side, qty float64, attemptID string) (order.Order, bool, error) {
	o, err := e.gateway.SubmitMarketOrder(ctx, symbol, side, qty)
	if err == nil {
		metrics.OrdersTotal.WithLabelValues(symbol, string(side)).Inc()
		return o, false, nil
	}
	if !exchange.IsTimeout(err) {
		return order.Order{}, false, err
	}

	e.logger.Warn().Str("category", journal.CategorySafety).
		Str("symbol", symbol).Msg("leg B timed out, checking for ghost order")
	ghost, found := e.findGhostOrder(ctx, symbol, side, qty)
	if !found {
		return order.Order{}, false, fmt.Errorf("leg B %s timed out and no matching order found: %w", symbol, err)
	}

	metrics.GhostOrdersTotal.Inc()
	e.journal(ctx, journal.CategorySafety, "ghost_order_detected",
		fmt.Sprintf("leg B %s confirmed via recent order lookup", symbol),
		map[string]any{"attempt_id": attemptID, "order_id": ghost.OrderID})
	return ghost, true, nil
}

// findGhostOrder scans recent orders for one matching side and quantity
// within tolerance.
func (e *Engine) findGhostOrder(ctx context.Context, symbol string, side order.Side, qty float64) (order.Order, bool) {
	recent, err := e.gateway.FetchRecentOrders(ctx, symbol, e.cfg.GhostLookback)
	if err != nil {
		e.logger.Warn().Str("category", journal.CategorySafety).Err(err).Msg("ghost order lookup failed")
		return order.Order{}, false
	}
	for _, o := range recent {
		if o.Side != side {
			continue
		}
		if qty <= 0 || math.Abs(o.Quantity-qty)/qty > e.cfg.GhostQtyTolerance {
			continue
		}
		return o, true
	}
	return order.Order{}, false
}

// compensate submits an opposite-side market order for leg A's actual fill.
// A failure here leaves live unhedged exposure, so it is the one path that
// escalates to a page.
func (e *Engine) compensate(ctx context.Context, legA order.Order, attemptID string) *TradeError {
	qty := e.validator.Normalize(legA.Symbol, legA.FilledQty)
	if qty <= 0 {
		// Nothing actually filled, nothing to unwind.
		return nil
	}

	comp, err := e.placeWithRetry(ctx, legA.Symbol, legA.Side.Opposite(), qty)
	if err != nil {
		metrics.CompensationsTotal.WithLabelValues("failed").Inc()
		msg := fmt.Sprintf("COMPENSATION FAILED: %s %s %.8f could not be unwound: %v", legA.Symbol, legA.Side, qty, err)
		e.logger.Error().Str("category", journal.CategorySafety).Bool("critical", true).
			Str("symbol", legA.Symbol).Float64("quantity", qty).Err(err).
			Msg("compensation order failed, live unhedged exposure")
		e.journal(ctx, journal.CategorySafety, "compensation_failed", msg,
			map[string]any{"attempt_id": attemptID, "symbol": legA.Symbol, "quantity": qty})
		e.notifier.SendWithRetry(msg)
		return failure(ReasonCompensationFailed, err)
	}

	metrics.CompensationsTotal.WithLabelValues("success").Inc()
	e.recordOrder(ctx, comp)
	e.journal(ctx, journal.CategorySafety, "compensation_submitted",
		fmt.Sprintf("unwound %s %s %.8f", legA.Symbol, legA.Side, qty),
		map[string]any{"attempt_id": attemptID, "order_id": comp.OrderID})
	return nil
}

func (e *Engine) recordOrder(ctx context.Context, o order.Order) {
	e.ledger.RecordExecution(o.FeeCost)
	if o.OrderID == "" {
		// Ghost fills matched from venue trade history carry no order id;
		// they are counted above but have no row to persist.
		return
	}
	if err := e.storage.SaveOrder(ctx, o); err != nil {
		e.logger.Error().Str("category", journal.CategoryExecution).
			Str("order_id", o.OrderID).Err(err).Msg("failed to persist order")
	}
}

func (e *Engine) journal(ctx context.Context, category, eventType, description string, data map[string]any) {
	event := journal.Event{
		Time:        time.Now().UTC(),
		Category:    category,
		Type:        eventType,
		Description: description,
		Data:        data,
	}
	if err := e.storage.LogEvent(ctx, event); err != nil {
		e.logger.Error().Str("category", category).Err(err).Msg("failed to journal event")
	}
}

func legFromOrder(o order.Order, fallbackPrice float64) ledger.Leg {
	price := o.AvgPrice
	if price <= 0 {
		price = fallbackPrice
	}
	return ledger.Leg{
		Symbol:     o.Symbol,
		Side:       o.Side,
		Quantity:   o.FilledQty,
		EntryPrice: price,
		OrderID:    o.OrderID,
	}
}
