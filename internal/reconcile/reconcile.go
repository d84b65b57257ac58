// Package reconcile rebuilds the local position book from exchange state
// after a restart, before the coordinator accepts new requests.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantarb/pair-trader/internal/db"
	"github.com/quantarb/pair-trader/internal/exchange"
	"github.com/quantarb/pair-trader/internal/journal"
	"github.com/quantarb/pair-trader/internal/ledger"
	"github.com/quantarb/pair-trader/internal/market"
	"github.com/quantarb/pair-trader/internal/metrics"
	"github.com/quantarb/pair-trader/internal/notifier"
	"github.com/quantarb/pair-trader/internal/order"
)

// Config carries the startup reconciliation tunables.
type Config struct {
	Attempts    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (c *Config) applyDefaults() {
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
}

// Report is the operator-facing outcome of one reconciliation run.
type Report struct {
	Pairs           []ledger.PairPosition `json:"pairs"`
	Orphans         []ledger.OrphanLeg    `json:"orphans"`
	Attempts        int                   `json:"attempts"`
	Recommendations []string              `json:"recommendations,omitempty"`
	CompletedAt     time.Time             `json:"completed_at"`
}

// Reconciler seeds the ledger from exchange positions at startup.
type Reconciler struct {
	cfg      Config
	gateway  exchange.Gateway
	ledger   *ledger.Ledger
	storage  db.Storage
	notifier notifier.Notifier
	logger   zerolog.Logger

	mu   sync.RWMutex
	last *Report
}

func New(cfg Config, gw exchange.Gateway, l *ledger.Ledger, storage db.Storage, n notifier.Notifier, logger zerolog.Logger) *Reconciler {
	cfg.applyDefaults()
	if n == nil {
		n = &notifier.Noop{}
	}
	return &Reconciler{
		cfg:      cfg,
		gateway:  gw,
		ledger:   l,
		storage:  storage,
		notifier: n,
		logger:   logger.With().Str("component", "reconcile").Logger(),
	}
}

// LastReport returns the most recent reconciliation report, if any.
func (r *Reconciler) LastReport() *Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

// ReconcileOnStartup fetches all open exchange positions, pairs longs with
// shorts, seeds the ledger, and records every unmatched leg as an orphan.
// Zero open positions is the expected state after a clean shutdown and
// returns an empty report.
func (r *Reconciler) ReconcileOnStartup(ctx context.Context) (*Report, error) {
	positions, attempts, err := r.fetchWithRetry(ctx)
	if err != nil {
		r.logger.Error().Str("category", journal.CategorySafety).
			Int("attempts", attempts).Err(err).
			Msg("reconciliation exhausted retries, starting with an empty book")
		return nil, fmt.Errorf("fetching open positions after %d attempts: %w", attempts, err)
	}

	report := &Report{Attempts: attempts, CompletedAt: time.Now().UTC()}

	if len(positions) == 0 {
		r.logger.Info().Str("category", journal.CategoryExecution).Msg("no open exchange positions, clean start")
		r.store(report)
		return report, nil
	}

	var longs, shorts []market.RawPosition
	for _, p := range positions {
		if p.Side == market.Short {
			shorts = append(shorts, p)
		} else {
			longs = append(longs, p)
		}
	}

	// Greedy first-available pairing by side only. Legs of unrelated pairs
	// can be matched when several positions share the same side pattern;
	// this is a legality check, not a trading decision.
	n := len(longs)
	if len(shorts) < n {
		n = len(shorts)
	}
	for i := 0; i < n; i++ {
		pos := ledger.PairPosition{
			PairX:      longs[i].Symbol,
			PairY:      shorts[i].Symbol,
			LegX:       legFromRaw(longs[i]),
			LegY:       legFromRaw(shorts[i]),
			HedgeRatio: 1,
			Source:     ledger.SourceRecovered,
			OpenedAt:   time.Now().UTC(),
		}
		pos.Key = ledger.Key(pos.PairX, pos.PairY)
		if err := r.ledger.OpenPair(pos); err != nil {
			r.logger.Warn().Str("category", journal.CategorySafety).
				Str("key", pos.Key).Err(err).Msg("recovered pair collides with an open ledger entry")
			continue
		}
		if err := r.storage.SavePairPosition(ctx, pos); err != nil {
			r.logger.Error().Str("category", journal.CategoryExecution).Err(err).Msg("failed to persist recovered pair")
		}
		report.Pairs = append(report.Pairs, pos)
		r.logger.Info().Str("category", journal.CategoryExecution).
			Str("long", pos.PairX).Str("short", pos.PairY).Msg("recovered pair position")
	}

	for _, leftover := range append(longs[n:], shorts[n:]...) {
		orphan := ledger.OrphanLeg{Leg: legFromRaw(leftover), DetectedAt: time.Now().UTC()}
		r.ledger.RecordOrphan(orphan.Leg)
		if err := r.storage.SaveOrphanLeg(ctx, orphan); err != nil {
			r.logger.Error().Str("category", journal.CategoryExecution).Err(err).Msg("failed to persist orphan leg")
		}
		report.Orphans = append(report.Orphans, orphan)
		metrics.OrphanedLegsTotal.Inc()
		r.logger.Warn().Str("category", journal.CategorySafety).
			Str("symbol", leftover.Symbol).Str("side", string(leftover.Side)).
			Float64("contracts", leftover.Contracts).
			Msg("orphaned leg requires operator attention")
	}

	if len(report.Orphans) > 0 {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("%d unmatched leg(s) found; close or re-hedge them manually", len(report.Orphans)))
		r.notifier.SendWithRetry(fmt.Sprintf("Reconciliation found %d orphaned leg(s) at startup", len(report.Orphans)))
	}

	r.journal(ctx, report)
	r.store(report)
	return report, nil
}

// fetchWithRetry queries open positions with bounded exponential backoff.
func (r *Reconciler) fetchWithRetry(ctx context.Context) ([]market.RawPosition, int, error) {
	backoff := r.cfg.BaseBackoff
	var lastErr error
	for attempt := 1; attempt <= r.cfg.Attempts; attempt++ {
		positions, err := r.gateway.FetchOpenPositions(ctx)
		if err == nil {
			return positions, attempt, nil
		}
		lastErr = err
		r.logger.Warn().Str("category", journal.CategoryExecution).
			Int("attempt", attempt).Int("max", r.cfg.Attempts).
			Dur("backoff", backoff).Err(err).Msg("open positions fetch failed")
		if attempt < r.cfg.Attempts {
			select {
			case <-ctx.Done():
				return nil, attempt, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > r.cfg.MaxBackoff {
				backoff = r.cfg.MaxBackoff
			}
		}
	}
	return nil, r.cfg.Attempts, lastErr
}

func (r *Reconciler) journal(ctx context.Context, report *Report) {
	event := journal.Event{
		Time:        time.Now().UTC(),
		Category:    journal.CategorySafety,
		Type:        "reconciliation_complete",
		Description: fmt.Sprintf("recovered %d pair(s), %d orphan(s)", len(report.Pairs), len(report.Orphans)),
		Data: map[string]any{
			"pairs":    len(report.Pairs),
			"orphans":  len(report.Orphans),
			"attempts": report.Attempts,
		},
	}
	if err := r.storage.LogEvent(ctx, event); err != nil {
		r.logger.Error().Err(err).Msg("failed to journal reconciliation report")
	}
}

func (r *Reconciler) store(report *Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = report
}

func legFromRaw(p market.RawPosition) ledger.Leg {
	side := order.Buy
	if p.Side == market.Short {
		side = order.Sell
	}
	return ledger.Leg{
		Symbol:     p.Symbol,
		Side:       side,
		Quantity:   p.Contracts,
		EntryPrice: p.EntryPrice,
	}
}
