// Package db
package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/quantarb/pair-trader/internal/journal"
	"github.com/quantarb/pair-trader/internal/ledger"
	"github.com/quantarb/pair-trader/internal/order"
)

// Storage is the interface for all persistent storage.
type Storage interface {
	GetDB() *sql.DB

	SaveOrder(ctx context.Context, o order.Order) error
	GetOrder(ctx context.Context, orderID string) (*order.Order, error)
	GetOpenOrders(ctx context.Context) ([]order.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID string, status order.Status, filledQty, avgPrice float64, updatedAt time.Time) error

	SavePairPosition(ctx context.Context, p ledger.PairPosition) error
	ClosePairPosition(ctx context.Context, key string, pnl float64, closedAt time.Time) error
	GetOpenPairPositions(ctx context.Context) ([]ledger.PairPosition, error)
	SaveOrphanLeg(ctx context.Context, o ledger.OrphanLeg) error

	journal.Journaler
}
