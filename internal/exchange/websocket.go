// Package exchange
//
// WebSocket Implementation Notes:
//   - Instead of broadcasting every trade to consumers, watchers store only
//     the last trade per symbol in a shared PriceCache.
//   - Consumers call PriceCache.Last() on demand; Fresh() tells whether the
//     cached price is recent enough to mark positions with.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/quantarb/pair-trader/internal/market"
)

// ConnectionState represents the state of the websocket connection
// (for health checks and monitoring)
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
)

// PriceCache holds the latest traded price per symbol.
type PriceCache struct {
	mu    sync.RWMutex
	state map[string]market.Ticker
}

func NewPriceCache() *PriceCache {
	return &PriceCache{state: make(map[string]market.Ticker)}
}

func (p *PriceCache) update(t market.Ticker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state[t.Symbol] = t
}

// Last returns the most recent ticker for a symbol.
func (p *PriceCache) Last(symbol string) (market.Ticker, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.state[symbol]
	return t, ok
}

// Fresh reports whether the cached price for symbol is younger than maxAge.
func (p *PriceCache) Fresh(symbol string, maxAge time.Duration) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.state[symbol]
	if !ok {
		return false
	}
	return time.Since(t.Timestamp) < maxAge
}

// Mark returns a price function suitable for valuing positions: cached price
// when fresh, zero otherwise.
func (p *PriceCache) Mark(maxAge time.Duration) func(symbol string) float64 {
	return func(symbol string) float64 {
		p.mu.RLock()
		defer p.mu.RUnlock()
		t, ok := p.state[symbol]
		if !ok || time.Since(t.Timestamp) >= maxAge {
			return 0
		}
		return t.Last
	}
}

// wallexTrade is a trade message from the Wallex Socket.IO broadcaster.
type wallexTrade struct {
	IsBuyOrder bool      `json:"isBuyOrder"`
	Quantity   string    `json:"quantity"`
	Price      string    `json:"price"`
	Timestamp  time.Time `json:"timestamp"`
}

// TradeWatcher maintains one websocket session per symbol and writes every
// trade into the shared PriceCache, with reconnect and health tracking.
type TradeWatcher struct {
	cache  *PriceCache
	symbol string
	logger zerolog.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	cancel    context.CancelFunc
	closed    bool
	connState ConnectionState
	healthErr error
	lastPing  time.Time
	lastPong  time.Time
}

func NewTradeWatcher(cache *PriceCache, symbol string, logger zerolog.Logger) *TradeWatcher {
	return &TradeWatcher{
		cache:     cache,
		symbol:    symbol,
		logger:    logger.With().Str("component", "trade_watcher").Str("symbol", symbol).Logger(),
		connState: Disconnected,
	}
}

// IsConnected returns true if the websocket is currently connected
func (w *TradeWatcher) IsConnected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.connState == Connected && w.conn != nil
}

// Health returns the last health error (if any)
func (w *TradeWatcher) Health() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.healthErr
}

// Close closes the websocket connection and cancels the session context
func (w *TradeWatcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	if w.cancel != nil {
		w.cancel()
	}
	if w.conn != nil {
		w.conn.Close()
	}
	w.connState = Disconnected
	w.logger.Info().Msg("trade watcher closed")
}

// Start launches the watcher loop with reconnect and exponential backoff.
func (w *TradeWatcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.connState = Connecting
	w.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	go func() {
		retryDelay := time.Second
		for {
			select {
			case <-ctx.Done():
				return
			default:
				if err := w.connectAndStream(ctx); err != nil {
					w.mu.Lock()
					w.connState = Reconnecting
					w.healthErr = err
					w.mu.Unlock()
					w.logger.Warn().Err(err).Dur("retry_in", retryDelay).Msg("disconnected")
					time.Sleep(retryDelay)
					if retryDelay < 60*time.Second {
						retryDelay *= 2
					} else {
						retryDelay = 60 * time.Second
					}
					continue
				}
				return
			}
		}
	}()
}

// subscribeMessage is used to subscribe to a channel via Socket.IO,
// e.g. {"channel": "BTCUSDT@trade"}
type subscribeMessage struct {
	Channel string `json:"channel"`
}

// connectAndStream handles a single websocket session.
func (w *TradeWatcher) connectAndStream(ctx context.Context) error {
	w.mu.Lock()
	w.connState = Connecting
	w.healthErr = nil
	w.mu.Unlock()

	u := url.URL{Scheme: "wss", Host: "api.wallex.ir", Path: "/socket.io/"}
	query := u.Query()
	query.Set("EIO", "4")
	query.Set("transport", "websocket")
	u.RawQuery = query.Encode()

	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.conn = c
	w.connState = Connected
	w.lastPing = time.Now()
	w.lastPong = time.Now()
	w.mu.Unlock()

	w.logger.Info().Msg("connection established")
	defer func() {
		c.Close()
		w.mu.Lock()
		w.conn = nil
		w.connState = Disconnected
		w.mu.Unlock()
	}()

	// Socket.IO connect frame
	if err := c.WriteMessage(websocket.TextMessage, []byte("40")); err != nil {
		return err
	}

	channelName := NormalizeSymbol(w.symbol) + "@trade"
	if err := w.subscribe(c, channelName); err != nil {
		return err
	}

	c.SetPongHandler(func(appData string) error {
		w.mu.Lock()
		w.lastPong = time.Now()
		w.mu.Unlock()
		return nil
	})

	pingTicker := time.NewTicker(20 * time.Second)
	defer pingTicker.Stop()

	handshakeComplete := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pingTicker.C:
			w.mu.Lock()
			if w.conn != nil {
				w.conn.WriteMessage(websocket.PingMessage, nil)
				w.lastPing = time.Now()
			}
			w.mu.Unlock()
		default:
			c.SetReadDeadline(time.Now().Add(30 * time.Second))
			_, message, err := c.ReadMessage()
			if err != nil {
				return err
			}
			msgStr := string(message)
			if msgStr == "2" {
				// Socket.IO ping, respond with pong
				c.WriteMessage(websocket.TextMessage, []byte("3"))
				continue
			}
			if msgStr == "40" && !handshakeComplete {
				handshakeComplete = true
				if err := w.subscribe(c, channelName); err != nil {
					return err
				}
				continue
			}
			// Socket.IO event frames start with "42"
			if len(msgStr) >= 2 && msgStr[:2] == "42" {
				w.handleEvent(msgStr[2:], channelName)
			}
		}
	}
}

func (w *TradeWatcher) subscribe(c *websocket.Conn, channel string) error {
	body, err := json.Marshal(subscribeMessage{Channel: channel})
	if err != nil {
		return err
	}
	frame := fmt.Sprintf(`42["subscribe",%s]`, string(body))
	if err := c.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		return err
	}
	w.logger.Debug().Str("channel", channel).Msg("subscribed")
	return nil
}

func (w *TradeWatcher) handleEvent(jsonPart, channelName string) {
	var eventArray []interface{}
	if err := json.Unmarshal([]byte(jsonPart), &eventArray); err != nil {
		return
	}
	if len(eventArray) < 3 {
		return
	}
	eventName, ok := eventArray[0].(string)
	if !ok || eventName != "Broadcaster" {
		return
	}
	channel, ok := eventArray[1].(string)
	if !ok || channel != channelName {
		return
	}
	dataJSON, err := json.Marshal(eventArray[2])
	if err != nil {
		return
	}
	var trade wallexTrade
	if err := json.Unmarshal(dataJSON, &trade); err != nil {
		return
	}
	price, err := strconv.ParseFloat(trade.Price, 64)
	if err != nil || price <= 0 {
		return
	}
	ts := trade.Timestamp.UTC()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	w.cache.update(market.Ticker{
		Symbol:    w.symbol,
		Last:      price,
		Bid:       price,
		Ask:       price,
		Timestamp: ts,
	})
}
