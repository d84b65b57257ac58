package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/quantarb/pair-trader/internal/api"
	"github.com/quantarb/pair-trader/internal/config"
	"github.com/quantarb/pair-trader/internal/db"
	"github.com/quantarb/pair-trader/internal/db/conf"
	"github.com/quantarb/pair-trader/internal/engine"
	"github.com/quantarb/pair-trader/internal/exchange"
	"github.com/quantarb/pair-trader/internal/ledger"
	"github.com/quantarb/pair-trader/internal/metrics"
	"github.com/quantarb/pair-trader/internal/notifier"
	"github.com/quantarb/pair-trader/internal/precision"
	"github.com/quantarb/pair-trader/internal/reconcile"
	"github.com/quantarb/pair-trader/internal/runner"
	tradesig "github.com/quantarb/pair-trader/internal/signal"
	"github.com/quantarb/pair-trader/internal/utils"
)

const markFreshness = 5 * time.Second

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := utils.NewLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var storage db.Storage
	if cfg.DBConnStr != "" {
		dbConfig, err := conf.NewConfig(cfg.DBConnStr, cfg.DBMaxOpen, cfg.DBMaxIdle)
		if err != nil {
			logger.Fatal().Err(err).Msg("connecting to database")
		}
		defer dbConfig.DB.Close()
		storage, err = db.New(dbConfig)
		if err != nil {
			logger.Fatal().Err(err).Msg("initializing storage")
		}
	} else {
		logger.Warn().Msg("no DB_CONN_STR set, using in-memory storage")
		storage = db.NewMemory()
	}

	var n notifier.Notifier = &notifier.Noop{}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		n = notifier.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID, cfg.NotificationRetries, cfg.NotificationDelay)
	}

	gateway := exchange.NewWallexGateway(cfg.WallexAPIKey, logger)
	book := ledger.New()
	validator := precision.NewValidator(cfg.LotSteps, cfg.DefaultStep, cfg.MinNotional)

	// Reconcile before accepting any work; a degraded start runs with an
	// empty book and is loudly logged.
	reconciler := reconcile.New(reconcile.Config{
		Attempts:    cfg.ReconcileAttempts,
		BaseBackoff: cfg.ReconcileBackoff,
	}, gateway, book, storage, n, logger)
	if report, err := reconciler.ReconcileOnStartup(ctx); err != nil {
		logger.Error().Err(err).Msg("startup reconciliation failed")
	} else {
		logger.Info().Int("pairs", len(report.Pairs)).Int("orphans", len(report.Orphans)).
			Msg("startup reconciliation complete")
	}

	coordinator := engine.New(engine.Config{
		MinFillRatio:      cfg.MinFillRatio,
		FullFillRatio:     cfg.FullFillRatio,
		LegRetries:        cfg.LegRetries,
		LegRetryDelay:     cfg.LegRetryDelay,
		DebounceWindow:    cfg.DebounceWindow,
		GhostLookback:     cfg.GhostLookback,
		GhostQtyTolerance: cfg.GhostQtyTolerance,
		QuoteBudget:       cfg.QuoteBudget,
		RiskFraction:      cfg.RiskFraction,
	}, gateway, validator, book, storage, n, logger)

	// Live last-price cache for unrealized PnL marks in the summary.
	cache := exchange.NewPriceCache()
	var watchers []*exchange.TradeWatcher
	for _, symbol := range cfg.Symbols {
		w := exchange.NewTradeWatcher(cache, symbol, logger)
		w.Start(ctx)
		watchers = append(watchers, w)
	}

	metricsSrv := metrics.Serve(cfg.MetricsAddr)
	logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")

	// Signals arrive over POST /signals and are drained by the runner.
	signals := make(chan tradesig.TradeSignal, 64)
	apiSrv := api.NewServer(coordinator, reconciler, cache.Mark(markFreshness), logger)
	apiSrv.AcceptSignals(signals)
	go func() {
		if err := apiSrv.Run(cfg.APIAddr); err != nil {
			logger.Error().Err(err).Msg("api server stopped")
			cancel()
		}
	}()

	loop := runner.New(coordinator, n, logger)
	go loop.Run(ctx, signals)

	// Background order status loop: non-terminal orders are re-queried and
	// closed in storage when the venue reports them done.
	go func() {
		ticker := time.NewTicker(cfg.OrderCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := coordinator.CheckOpenOrders(ctx); err != nil {
					logger.Warn().Err(err).Msg("order status check failed")
				}
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-ctx.Done():
	}

	cancel()
	for _, w := range watchers {
		w.Close()
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("metrics server shutdown")
	}
	logger.Info().Msg("goodbye")
}
