// Package ledger
package ledger

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/quantarb/pair-trader/internal/order"
)

// Source records how a pair position entered the ledger.
type Source string

const (
	SourceExecuted  Source = "executed"
	SourceRecovered Source = "recovered"
)

// Mode is the directional state of a pair position, read off leg X.
type Mode string

const (
	ModeLong    Mode = "long"
	ModeShort   Mode = "short"
	ModeNeutral Mode = "neutral"
)

// Leg is one side of a pair position.
type Leg struct {
	Symbol     string     `json:"symbol"`
	Side       order.Side `json:"side"`
	Quantity   float64    `json:"quantity"`
	EntryPrice float64    `json:"entry_price"`
	OrderID    string     `json:"order_id,omitempty"`
}

// Notional returns the entry value of the leg.
func (l Leg) Notional() float64 {
	return l.Quantity * l.EntryPrice
}

// unrealized returns the mark-to-market profit of the leg at price p.
// A zero or negative mark yields zero rather than a bogus loss.
func (l Leg) unrealized(p float64) float64 {
	if p <= 0 {
		return 0
	}
	if l.Side == order.Buy {
		return (p - l.EntryPrice) * l.Quantity
	}
	return (l.EntryPrice - p) * l.Quantity
}

// PairPosition is an open two-legged position.
type PairPosition struct {
	Key        string    `json:"key"`
	PairX      string    `json:"pair_x"`
	PairY      string    `json:"pair_y"`
	LegX       Leg       `json:"leg_x"`
	LegY       Leg       `json:"leg_y"`
	HedgeRatio float64   `json:"hedge_ratio"`
	Source     Source    `json:"source"`
	OpenedAt   time.Time `json:"opened_at"`
}

// Mode returns the directional state of the position.
func (p PairPosition) Mode() Mode {
	switch {
	case p.LegX.Quantity <= 0:
		return ModeNeutral
	case p.LegX.Side == order.Buy:
		return ModeLong
	default:
		return ModeShort
	}
}

// Flat reports whether both legs have been netted to zero.
func (p PairPosition) Flat() bool {
	return p.LegX.Quantity <= 0 && p.LegY.Quantity <= 0
}

// OrphanLeg is a single-symbol exposure with no matching opposite leg.
type OrphanLeg struct {
	Leg        Leg       `json:"leg"`
	DetectedAt time.Time `json:"detected_at"`
}

// ClosedTrade is the realized result of one pair round trip.
type ClosedTrade struct {
	Key      string    `json:"key"`
	PnL      float64   `json:"pnl"`
	OpenedAt time.Time `json:"opened_at"`
	ClosedAt time.Time `json:"closed_at"`
}

// Summary is a point-in-time snapshot of the ledger.
type Summary struct {
	OpenPairs      int            `json:"open_pairs"`
	Orphans        int            `json:"orphans"`
	ClosedTrades   int            `json:"closed_trades"`
	ExecutedOrders int            `json:"executed_orders"`
	RealizedPnL    float64        `json:"realized_pnl"`
	UnrealizedPnL  float64        `json:"unrealized_pnl"`
	TotalFees      float64        `json:"total_fees"`
	Positions      []PairPosition `json:"positions"`
	OrphanLegs     []OrphanLeg    `json:"orphan_legs,omitempty"`
	GeneratedAt    time.Time      `json:"generated_at"`
}

// Key builds the canonical ledger key for a pair.
func Key(pairX, pairY string) string {
	return pairX + "_" + pairY
}

// Ledger is the in-memory record of open pairs, orphans, and realized
// results. It is the process's authoritative view; persistence happens
// through journaling, not through this type.
type Ledger struct {
	mu       sync.RWMutex
	open     map[string]PairPosition
	orphans  []OrphanLeg
	closed   []ClosedTrade
	realized float64
	executed int
	fees     float64
}

func New() *Ledger {
	return &Ledger{open: make(map[string]PairPosition)}
}

// RecordFill merges an executed fill into the book and returns the resulting
// position with any profit realized by the merge. A new key opens a position.
// Same-side fills on an existing key accumulate quantities with entry prices
// averaged by size; opposite-side fills net against the open legs, realizing
// the price difference, flipping the mode when the fill exceeds the leg, and
// removing the position entirely when both legs net to zero.
func (l *Ledger) RecordFill(p PairPosition) (PairPosition, float64) {
	if p.Key == "" {
		p.Key = Key(p.PairX, p.PairY)
	}
	if p.OpenedAt.IsZero() {
		p.OpenedAt = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	existing, ok := l.open[p.Key]
	if !ok {
		l.open[p.Key] = p
		return p, 0
	}

	var realized float64
	existing.LegX, realized = netLeg(existing.LegX, p.LegX)
	ry := 0.0
	existing.LegY, ry = netLeg(existing.LegY, p.LegY)
	realized += ry
	existing.HedgeRatio = p.HedgeRatio
	l.realized += realized

	if existing.Flat() {
		delete(l.open, p.Key)
		l.closed = append(l.closed, ClosedTrade{
			Key:      p.Key,
			PnL:      realized,
			OpenedAt: existing.OpenedAt,
			ClosedAt: time.Now().UTC(),
		})
		return existing, realized
	}
	l.open[p.Key] = existing
	return existing, realized
}

// netLeg folds an incoming fill into an open leg: same side accumulates,
// opposite side reduces and realizes the round trip on the closed quantity.
func netLeg(a, b Leg) (Leg, float64) {
	if b.Quantity <= 0 {
		return a, 0
	}
	if a.Quantity <= 0 {
		return b, 0
	}

	if a.Side == b.Side {
		total := a.Quantity + b.Quantity
		a.EntryPrice = (a.EntryPrice*a.Quantity + b.EntryPrice*b.Quantity) / total
		a.Quantity = total
		if b.OrderID != "" {
			a.OrderID = b.OrderID
		}
		return a, 0
	}

	closed := math.Min(a.Quantity, b.Quantity)
	realized := (b.EntryPrice - a.EntryPrice) * closed
	if a.Side == order.Sell {
		realized = -realized
	}

	switch {
	case b.Quantity < a.Quantity:
		a.Quantity -= b.Quantity
	case b.Quantity > a.Quantity:
		a = Leg{
			Symbol:     a.Symbol,
			Side:       b.Side,
			Quantity:   b.Quantity - a.Quantity,
			EntryPrice: b.EntryPrice,
			OrderID:    b.OrderID,
		}
	default:
		a.Quantity = 0
	}
	return a, realized
}

// OpenPair records a new pair position. Opening a key that is already open
// is a bookkeeping error and is rejected.
func (l *Ledger) OpenPair(p PairPosition) error {
	if p.Key == "" {
		p.Key = Key(p.PairX, p.PairY)
	}
	if p.OpenedAt.IsZero() {
		p.OpenedAt = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.open[p.Key]; exists {
		return fmt.Errorf("pair %s is already open", p.Key)
	}
	l.open[p.Key] = p
	return nil
}

// Get returns the open position for key.
func (l *Ledger) Get(key string) (PairPosition, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.open[key]
	return p, ok
}

// Has reports whether key is currently open.
func (l *Ledger) Has(key string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.open[key]
	return ok
}

// Open returns a copy of all open pair positions.
func (l *Ledger) Open() []PairPosition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]PairPosition, 0, len(l.open))
	for _, p := range l.open {
		out = append(out, p)
	}
	return out
}

// ClosePair removes an open pair and realizes its profit against the given
// exit prices. It returns the recorded trade.
func (l *Ledger) ClosePair(key string, exitX, exitY float64) (ClosedTrade, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.open[key]
	if !ok {
		return ClosedTrade{}, fmt.Errorf("pair %s is not open", key)
	}
	delete(l.open, key)

	trade := ClosedTrade{
		Key:      key,
		PnL:      p.LegX.unrealized(exitX) + p.LegY.unrealized(exitY),
		OpenedAt: p.OpenedAt,
		ClosedAt: time.Now().UTC(),
	}
	l.closed = append(l.closed, trade)
	l.realized += trade.PnL
	return trade, nil
}

// RecordOrphan registers a leg that could not be paired. Orphans are kept
// alongside open pairs so operators can see the full exposure.
func (l *Ledger) RecordOrphan(leg Leg) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.orphans = append(l.orphans, OrphanLeg{Leg: leg, DetectedAt: time.Now().UTC()})
}

// Orphans returns a copy of the recorded orphan legs.
func (l *Ledger) Orphans() []OrphanLeg {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]OrphanLeg(nil), l.orphans...)
}

// RealizedPnL returns the accumulated realized profit.
func (l *Ledger) RealizedPnL() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.realized
}

// RecordExecution counts one executed exchange order and its fee. Every
// order the venue accepted counts, including compensations and closes.
func (l *Ledger) RecordExecution(fee float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.executed++
	if fee > 0 {
		l.fees += fee
	}
}

// ExecutedOrders returns how many exchange orders have been executed.
func (l *Ledger) ExecutedOrders() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.executed
}

// Summary snapshots the ledger. mark supplies a current price per symbol for
// unrealized profit; it may return 0 for symbols without a fresh price, which
// excludes them from the unrealized total.
func (l *Ledger) Summary(mark func(symbol string) float64) Summary {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := Summary{
		OpenPairs:      len(l.open),
		Orphans:        len(l.orphans),
		ClosedTrades:   len(l.closed),
		ExecutedOrders: l.executed,
		RealizedPnL:    l.realized,
		TotalFees:      l.fees,
		GeneratedAt:    time.Now().UTC(),
	}
	for _, p := range l.open {
		s.Positions = append(s.Positions, p)
		if mark != nil {
			s.UnrealizedPnL += p.LegX.unrealized(mark(p.LegX.Symbol))
			s.UnrealizedPnL += p.LegY.unrealized(mark(p.LegY.Symbol))
		}
	}
	s.OrphanLegs = append(s.OrphanLegs, l.orphans...)
	return s
}
