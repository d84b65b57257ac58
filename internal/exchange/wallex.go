// Package exchange
package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	wallex "github.com/wallexchange/wallex-go"
	"golang.org/x/time/rate"

	"github.com/quantarb/pair-trader/internal/market"
	"github.com/quantarb/pair-trader/internal/order"
)

// WallexGateway implements Gateway on top of the Wallex REST API.
type WallexGateway struct {
	client  *wallex.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

func NewWallexGateway(apiKey string, logger zerolog.Logger) *WallexGateway {
	return &WallexGateway{
		client:  wallex.New(wallex.ClientOptions{APIKey: apiKey}),
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		logger:  logger.With().Str("component", "wallex").Logger(),
	}
}

func (w *WallexGateway) Name() string { return "wallex" }

// retry wraps a function with retry logic for transient errors, using
// exponential backoff. Rejections and timeouts are returned immediately.
func (w *WallexGateway) retry(attempts int, delay time.Duration, fn func() error) error {
	backoff := delay
	var err error
	for i := 1; i <= attempts; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if IsTimeout(err) || IsRejected(err) {
			return err
		}
		w.logger.Warn().Err(err).Int("attempt", i).Int("max", attempts).
			Dur("backoff", backoff).Msg("retry attempt failed")
		time.Sleep(backoff)
		// Exponential backoff, but cap at 5 minutes
		if backoff < 5*time.Minute {
			backoff *= 2
			if backoff > 5*time.Minute {
				backoff = 5 * time.Minute
			}
		}
	}
	return err
}

// classify wraps a raw client error with its kind. Timeouts are never
// retried here; the caller decides how to resolve the ambiguity.
func classify(op, symbol string, err error) error {
	kind := KindNetwork
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.As(err, &ne) && ne.Timeout():
		kind = KindTimeout
	case strings.Contains(strings.ToLower(err.Error()), "insufficient"),
		strings.Contains(strings.ToLower(err.Error()), "reject"):
		kind = KindRejected
	}
	return &Error{Kind: kind, Op: op, Symbol: symbol, Err: err}
}

func (w *WallexGateway) FetchTicker(ctx context.Context, symbol string) (market.Ticker, error) {
	select {
	case <-ctx.Done():
		w.logger.Warn().Str("symbol", symbol).Msg("FetchTicker timeout")
		return market.Ticker{}, ctx.Err()

	default:
		if err := w.limiter.Wait(ctx); err != nil {
			return market.Ticker{}, err
		}

		var trades []*wallex.MarketTrade
		err := w.retry(3, 2*time.Second, func() error {
			var err error
			trades, err = w.client.MarketTrades(NormalizeSymbol(symbol))
			if err != nil {
				return classify("FetchTicker", symbol, err)
			}
			return nil
		})
		if err != nil {
			return market.Ticker{}, fmt.Errorf("FetchTicker failed: %w", err)
		}
		if len(trades) == 0 {
			return market.Ticker{}, fmt.Errorf("no trades found for symbol: %s", symbol)
		}

		last := float64Ptr(&trades[0].Price)
		return market.Ticker{
			Symbol:    symbol,
			Last:      last,
			Bid:       last,
			Ask:       last,
			Timestamp: trades[0].Timestamp.UTC(),
		}, nil
	}
}

func (w *WallexGateway) SubmitMarketOrder(ctx context.Context, symbol string, side order.Side, quantity float64) (order.Order, error) {
	select {
	case <-ctx.Done():
		w.logger.Warn().Str("symbol", symbol).Msg("SubmitMarketOrder timeout")
		return order.Order{}, ctx.Err()

	default:
		if err := w.limiter.Wait(ctx); err != nil {
			return order.Order{}, err
		}

		qty := strconv.FormatFloat(quantity, 'f', 8, 64)
		params := &wallex.OrderParams{
			Symbol:   NormalizeSymbol(symbol),
			Type:     "MARKET",
			Side:     strings.ToUpper(string(side)),
			Quantity: wallex.Number(qty),
		}
		resp, err := w.client.PlaceOrder(params)
		if err != nil {
			return order.Order{}, classify("SubmitMarketOrder", symbol, err)
		}

		return order.Order{
			OrderID:   resp.ClientOrderID,
			Symbol:    symbol,
			Side:      side,
			Kind:      order.Market,
			Quantity:  quantity,
			FilledQty: float64Ptr(resp.ExecutedQty),
			AvgPrice:  float64Ptr(resp.ExecutedPrice),
			Status:    mapStatus(resp.Status),
			Timestamp: resp.CreatedAt.UTC(),
			UpdatedAt: resp.CreatedAt.UTC(),
		}, nil
	}
}

// FetchRecentOrders returns the venue's view of recent activity for the
// symbol: the account's fulfilled trades plus any still-active orders inside
// the lookback window. The venue is queried directly so fills whose
// submission response was lost to a timeout still show up.
func (w *WallexGateway) FetchRecentOrders(ctx context.Context, symbol string, lookback time.Duration) ([]order.Order, error) {
	select {
	case <-ctx.Done():
		w.logger.Warn().Str("symbol", symbol).Msg("FetchRecentOrders timeout")
		return nil, ctx.Err()

	default:
		if err := w.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		wallexSymbol := NormalizeSymbol(symbol)
		var trades []*wallex.Trade
		err := w.retry(3, 2*time.Second, func() error {
			var err error
			trades, err = w.client.Trades(wallexSymbol, "")
			if err != nil {
				return classify("FetchRecentOrders", symbol, err)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("FetchRecentOrders failed: %w", err)
		}

		open, err := w.client.OpenOrders(wallexSymbol)
		if err != nil {
			w.logger.Warn().Err(err).Str("symbol", symbol).Msg("open orders lookup failed")
		}

		cutoff := time.Now().UTC().Add(-lookback)
		var out []order.Order
		for _, t := range trades {
			o := orderFromTrade(t, symbol)
			if o.Timestamp.Before(cutoff) {
				continue
			}
			out = append(out, o)
		}
		for _, v := range open {
			if v.CreatedAt.Before(cutoff) {
				continue
			}
			out = append(out, orderFromVenue(v, symbol))
		}
		return out, nil
	}
}

// orderFromTrade maps one fulfilled venue trade onto the order model. Trades
// carry no client order id.
func orderFromTrade(t *wallex.Trade, symbol string) order.Order {
	side := order.Sell
	if t.IsBuyer {
		side = order.Buy
	}
	qty := float64Ptr(&t.Quantity)
	return order.Order{
		Symbol:    symbol,
		Side:      side,
		Kind:      order.Market,
		Quantity:  qty,
		FilledQty: qty,
		AvgPrice:  float64Ptr(&t.Price),
		FeeCost:   float64Ptr(&t.Fee),
		Status:    order.StatusClosed,
		Timestamp: t.Timestamp.UTC(),
		UpdatedAt: t.Timestamp.UTC(),
	}
}

// orderFromVenue maps a venue order payload onto the order model.
func orderFromVenue(v *wallex.Order, symbol string) order.Order {
	return order.Order{
		OrderID:   v.ClientOrderID,
		Symbol:    symbol,
		Side:      order.Side(strings.ToLower(v.Side)),
		Kind:      order.Kind(strings.ToLower(v.Type)),
		Quantity:  float64Ptr(&v.OrigQty),
		FilledQty: float64Ptr(v.ExecutedQty),
		AvgPrice:  float64Ptr(v.ExecutedPrice),
		Price:     float64Ptr(&v.Price),
		Status:    mapStatus(v.Status),
		Timestamp: v.CreatedAt.UTC(),
		UpdatedAt: v.CreatedAt.UTC(),
	}
}

func (w *WallexGateway) FetchOrderStatus(ctx context.Context, orderID string) (order.Order, error) {
	select {
	case <-ctx.Done():
		w.logger.Warn().Str("order_id", orderID).Msg("FetchOrderStatus timeout")
		return order.Order{}, ctx.Err()

	default:
		if err := w.limiter.Wait(ctx); err != nil {
			return order.Order{}, err
		}

		resp, err := w.client.Order(orderID)
		if err != nil {
			return order.Order{}, classify("FetchOrderStatus", "", err)
		}

		return orderFromVenue(resp, DenormalizeSymbol(resp.Symbol)), nil
	}
}

// FetchOpenPositions derives spot positions from non-fiat balances. Each
// asset with a nonzero total maps to a long position priced at the latest
// trade against USDT.
func (w *WallexGateway) FetchOpenPositions(ctx context.Context) ([]market.RawPosition, error) {
	select {
	case <-ctx.Done():
		w.logger.Warn().Msg("FetchOpenPositions timeout")
		return nil, ctx.Err()

	default:
		if err := w.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		var wallexBalances map[string]*wallex.Balance
		err := w.retry(3, 2*time.Second, func() error {
			var err error
			wallexBalances, err = w.client.Balances()
			if err != nil {
				return classify("FetchOpenPositions", "", err)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("FetchOpenPositions failed: %w", err)
		}

		var positions []market.RawPosition
		now := time.Now().UTC()
		for asset, wb := range wallexBalances {
			if wb.Fiat || asset == "USDT" {
				continue
			}
			available, _ := strconv.ParseFloat(string(wb.Value), 64)
			locked, _ := strconv.ParseFloat(string(wb.Locked), 64)
			total := available + locked
			if total <= 0 {
				continue
			}

			symbol := asset + "-USDT"
			entry := 0.0
			if t, err := w.FetchTicker(ctx, symbol); err == nil {
				entry = t.Last
			}
			positions = append(positions, market.RawPosition{
				Symbol:     symbol,
				Side:       market.Long,
				Contracts:  total,
				EntryPrice: entry,
				Notional:   total * entry,
				Timestamp:  now,
			})
		}
		return positions, nil
	}
}

// DenormalizeSymbol converts BTCUSDT back to BTC-USDT.
func DenormalizeSymbol(symbol string) string {
	if strings.Contains(symbol, "-") {
		return symbol
	}
	if strings.HasSuffix(symbol, "USDT") {
		return strings.TrimSuffix(symbol, "USDT") + "-USDT"
	}
	if strings.HasSuffix(symbol, "TMN") {
		return strings.TrimSuffix(symbol, "TMN") + "-TMN"
	}
	if len(symbol) > 3 {
		return symbol[:len(symbol)-3] + "-" + symbol[len(symbol)-3:]
	}
	return symbol
}

func mapStatus(s string) order.Status {
	switch strings.ToUpper(s) {
	case "FILLED", "DONE":
		return order.StatusClosed
	case "CANCELED", "CANCELLED":
		return order.StatusCancelled
	case "NEW", "ACTIVE":
		return order.StatusOpen
	case "REJECTED", "EXPIRED":
		return order.StatusFailed
	default:
		return order.StatusPending
	}
}

// Helper to safely dereference *wallex.Number
func float64Ptr(n *wallex.Number) float64 {
	if n == nil {
		return 0
	}
	out, _ := strconv.ParseFloat(string(*n), 64)
	return out
}
