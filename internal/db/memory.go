package db

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quantarb/pair-trader/internal/journal"
	"github.com/quantarb/pair-trader/internal/ledger"
	"github.com/quantarb/pair-trader/internal/order"
)

// closedPair tracks the terminal state of a persisted pair position.
type closedPair struct {
	pnl      float64
	closedAt time.Time
}

// Memory is an in-memory Storage implementation for tests and dry runs.
type Memory struct {
	mu      sync.RWMutex
	orders  map[string]order.Order
	pairs   map[string]ledger.PairPosition
	closed  map[string]closedPair
	orphans []ledger.OrphanLeg
	events  []journal.Event
}

func NewMemory() *Memory {
	return &Memory{
		orders: make(map[string]order.Order),
		pairs:  make(map[string]ledger.PairPosition),
		closed: make(map[string]closedPair),
	}
}

func (m *Memory) GetDB() *sql.DB { return nil }

func (m *Memory) SaveOrder(ctx context.Context, o order.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.OrderID] = o
	return nil
}

func (m *Memory) GetOrder(ctx context.Context, orderID string) (*order.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if o, ok := m.orders[orderID]; ok {
		cp := o
		return &cp, nil
	}
	return nil, nil
}

func (m *Memory) GetOpenOrders(ctx context.Context) ([]order.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []order.Order
	for _, o := range m.orders {
		if !o.Status.Terminal() {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *Memory) UpdateOrderStatus(ctx context.Context, orderID string, status order.Status, filledQty, avgPrice float64, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s not found", orderID)
	}
	o.Status = status
	o.FilledQty = filledQty
	o.AvgPrice = avgPrice
	o.UpdatedAt = updatedAt
	m.orders[orderID] = o
	return nil
}

func (m *Memory) SavePairPosition(ctx context.Context, p ledger.PairPosition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pairs[p.Key] = p
	delete(m.closed, p.Key)
	return nil
}

func (m *Memory) ClosePairPosition(ctx context.Context, key string, pnl float64, closedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pairs[key]; !ok {
		return fmt.Errorf("no open pair position for key %s", key)
	}
	delete(m.pairs, key)
	m.closed[key] = closedPair{pnl: pnl, closedAt: closedAt}
	return nil
}

func (m *Memory) GetOpenPairPositions(ctx context.Context) ([]ledger.PairPosition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ledger.PairPosition, 0, len(m.pairs))
	for _, p := range m.pairs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (m *Memory) SaveOrphanLeg(ctx context.Context, o ledger.OrphanLeg) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orphans = append(m.orphans, o)
	return nil
}

func (m *Memory) LogEvent(ctx context.Context, event journal.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *Memory) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []journal.Event
	for _, e := range m.events {
		if e.Type != eventType {
			continue
		}
		if e.Time.Before(start) || e.Time.After(end) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Events returns every journal entry, newest last. Test helper.
func (m *Memory) Events() []journal.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]journal.Event(nil), m.events...)
}

// OrphanLegs returns every recorded orphan. Test helper.
func (m *Memory) OrphanLegs() []ledger.OrphanLeg {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ledger.OrphanLeg(nil), m.orphans...)
}
