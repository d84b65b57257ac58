package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/quantarb/pair-trader/internal/db/conf"
	"github.com/quantarb/pair-trader/internal/journal"
	"github.com/quantarb/pair-trader/internal/ledger"
	"github.com/quantarb/pair-trader/internal/order"
)

// Transaction context key
type txKey struct{}

// WithTransaction adds a transaction to the context
func WithTransaction(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// GetTransaction retrieves a transaction from context, or returns nil if not present
func GetTransaction(ctx context.Context) *sql.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return nil
}

type Default struct {
	db *sql.DB
}

func New(c conf.Config) (*Default, error) {
	return &Default{db: c.DB}, nil
}

func (p *Default) GetDB() *sql.DB {
	return p.db
}

// executeWithTransaction executes a function with proper transaction management.
// If a transaction exists in context, it uses that. Otherwise, it creates a new one.
func (p *Default) executeWithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	if tx := GetTransaction(ctx); tx != nil {
		return fn(tx)
	}

	tx, err := p.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if fnErr := fn(tx); fnErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction rollback failed: %w (original error: %v)", rbErr, fnErr)
		}
		return fnErr
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("transaction commit failed: %w", commitErr)
	}

	return nil
}

// queryWithTransaction executes a query using transaction from context if available
func (p *Default) queryWithTransaction(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if tx := GetTransaction(ctx); tx != nil {
		return tx.QueryContext(ctx, query, args...)
	}
	return p.db.QueryContext(ctx, query, args...)
}

func (p *Default) SaveOrder(ctx context.Context, o order.Order) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO orders (order_id, symbol, side, type, price, quantity, status, filled_qty, avg_price, fee_cost, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
			ON CONFLICT (order_id) DO UPDATE SET status=EXCLUDED.status, filled_qty=EXCLUDED.filled_qty, avg_price=EXCLUDED.avg_price, fee_cost=EXCLUDED.fee_cost, updated_at=EXCLUDED.updated_at`,
			o.OrderID, o.Symbol, o.Side, o.Kind, o.Price, o.Quantity, o.Status, o.FilledQty, o.AvgPrice, o.FeeCost, o.Timestamp, o.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to save order: %w", err)
		}
		return nil
	})
}

func (p *Default) GetOrder(ctx context.Context, orderID string) (*order.Order, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT order_id, symbol, side, type, price, quantity, status, filled_qty, avg_price, fee_cost, created_at, updated_at FROM orders WHERE order_id=$1`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query order: %w", err)
	}
	if rows == nil {
		return nil, nil
	}
	defer rows.Close()

	var o order.Order
	if rows.Next() {
		if err := rows.Scan(&o.OrderID, &o.Symbol, &o.Side, &o.Kind, &o.Price, &o.Quantity, &o.Status, &o.FilledQty, &o.AvgPrice, &o.FeeCost, &o.Timestamp, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		o.Timestamp = o.Timestamp.UTC()
		o.UpdatedAt = o.UpdatedAt.UTC()
		return &o, nil
	}

	return nil, nil
}

func (p *Default) GetOpenOrders(ctx context.Context) ([]order.Order, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT order_id, symbol, side, type, price, quantity, status, filled_qty, avg_price, fee_cost, created_at, updated_at FROM orders WHERE status NOT IN ('closed', 'cancelled', 'failed')`)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		return nil, nil
	}
	defer rows.Close()
	var orders []order.Order
	for rows.Next() {
		var o order.Order
		if err := rows.Scan(&o.OrderID, &o.Symbol, &o.Side, &o.Kind, &o.Price, &o.Quantity, &o.Status, &o.FilledQty, &o.AvgPrice, &o.FeeCost, &o.Timestamp, &o.UpdatedAt); err != nil {
			return nil, err
		}
		o.Timestamp = o.Timestamp.UTC()
		o.UpdatedAt = o.UpdatedAt.UTC()
		orders = append(orders, o)
	}
	return orders, nil
}

func (p *Default) UpdateOrderStatus(ctx context.Context, orderID string, status order.Status, filledQty, avgPrice float64, updatedAt time.Time) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE orders SET status=$1, filled_qty=$2, avg_price=$3, updated_at=$4 WHERE order_id=$5`,
			status, filledQty, avgPrice, updatedAt, orderID)
		if err != nil {
			return fmt.Errorf("failed to update order status: %w", err)
		}
		return nil
	})
}

func (p *Default) SavePairPosition(ctx context.Context, pos ledger.PairPosition) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		legX, err := json.Marshal(pos.LegX)
		if err != nil {
			return fmt.Errorf("failed to marshal leg_x: %w", err)
		}
		legY, err := json.Marshal(pos.LegY)
		if err != nil {
			return fmt.Errorf("failed to marshal leg_y: %w", err)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO pair_positions (key, pair_x, pair_y, leg_x, leg_y, hedge_ratio, source, opened_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (key) DO UPDATE SET leg_x=EXCLUDED.leg_x, leg_y=EXCLUDED.leg_y, hedge_ratio=EXCLUDED.hedge_ratio, source=EXCLUDED.source, opened_at=EXCLUDED.opened_at, closed_at=NULL, pnl=NULL`,
			pos.Key, pos.PairX, pos.PairY, legX, legY, pos.HedgeRatio, pos.Source, pos.OpenedAt)
		if err != nil {
			return fmt.Errorf("failed to save pair position: %w", err)
		}
		return nil
	})
}

func (p *Default) ClosePairPosition(ctx context.Context, key string, pnl float64, closedAt time.Time) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE pair_positions SET closed_at=$1, pnl=$2 WHERE key=$3 AND closed_at IS NULL`, closedAt, pnl, key)
		if err != nil {
			return fmt.Errorf("failed to close pair position: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("no open pair position for key %s", key)
		}
		return nil
	})
}

func (p *Default) GetOpenPairPositions(ctx context.Context) ([]ledger.PairPosition, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT key, pair_x, pair_y, leg_x, leg_y, hedge_ratio, source, opened_at FROM pair_positions WHERE closed_at IS NULL ORDER BY opened_at ASC`)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		return nil, nil
	}
	defer rows.Close()

	var positions []ledger.PairPosition
	for rows.Next() {
		var pos ledger.PairPosition
		var legX, legY []byte
		if err := rows.Scan(&pos.Key, &pos.PairX, &pos.PairY, &legX, &legY, &pos.HedgeRatio, &pos.Source, &pos.OpenedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pair position: %w", err)
		}
		if err := json.Unmarshal(legX, &pos.LegX); err != nil {
			return nil, fmt.Errorf("failed to unmarshal leg_x: %w", err)
		}
		if err := json.Unmarshal(legY, &pos.LegY); err != nil {
			return nil, fmt.Errorf("failed to unmarshal leg_y: %w", err)
		}
		pos.OpenedAt = pos.OpenedAt.UTC()
		positions = append(positions, pos)
	}
	return positions, nil
}

func (p *Default) SaveOrphanLeg(ctx context.Context, o ledger.OrphanLeg) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO orphan_legs (symbol, side, quantity, entry_price, detected_at) VALUES ($1,$2,$3,$4,$5)`,
			o.Leg.Symbol, o.Leg.Side, o.Leg.Quantity, o.Leg.EntryPrice, o.DetectedAt)
		if err != nil {
			return fmt.Errorf("failed to save orphan leg: %w", err)
		}
		return nil
	})
}

func (p *Default) LogEvent(ctx context.Context, event journal.Event) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		data, _ := json.Marshal(event.Data)
		_, err := tx.ExecContext(ctx, `INSERT INTO events (time, category, type, description, data) VALUES ($1,$2,$3,$4,$5)`,
			event.Time, event.Category, event.Type, event.Description, data)
		if err != nil {
			return fmt.Errorf("failed to log event: %w", err)
		}
		return nil
	})
}

func (p *Default) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT time, category, type, description, data FROM events WHERE type=$1 AND time >= $2 AND time <= $3 ORDER BY time ASC`, eventType, start, end)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		return nil, nil
	}
	defer rows.Close()
	var events []journal.Event
	for rows.Next() {
		var e journal.Event
		var data []byte
		if err := rows.Scan(&e.Time, &e.Category, &e.Type, &e.Description, &data); err != nil {
			return nil, err
		}
		json.Unmarshal(data, &e.Data)
		e.Time = e.Time.UTC()
		events = append(events, e)
	}
	return events, nil
}
