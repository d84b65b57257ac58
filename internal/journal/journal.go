package journal

import (
	"context"
	"time"
)

// Log categories. SAFETY events are the ones operators alert on: compensation,
// rollback, ghost orders, orphaned legs.
const (
	CategoryStrategy  = "STRATEGY"
	CategoryExecution = "EXECUTION"
	CategorySafety    = "SAFETY"
)

// Event represents a journaled event.
type Event struct {
	Time        time.Time
	Category    string // STRATEGY, EXECUTION, SAFETY
	Type        string // e.g., "order", "signal", "error", "reconcile"
	Description string
	Data        map[string]any
}

// Journaler interface for journaling events.
type Journaler interface {
	LogEvent(ctx context.Context, event Event) error
	GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]Event, error)
}
