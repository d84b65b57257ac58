// Package config
package config

import (
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

/*
YAML config example:
wallex_api_key: "..."
db_conn_str: "host=localhost port=5432 user=postgres dbname=trader sslmode=disable"
symbols: ["BTC-USDT", "ETH-USDT"]
lot_steps:
  BTC-USDT: "0.0001"
  ETH-USDT: "0.001"
min_fill_ratio: 0.10
min_notional: 5.0
quote_budget: 10000
risk_fraction: 0.1
debounce_window: 50ms
ghost_lookback: 60s
metrics_addr: ":9100"
api_addr: ":8080"
log_level: "info"
*/

type Config struct {
	WallexAPIKey string `yaml:"wallex_api_key"`
	DBConnStr    string `yaml:"db_conn_str"`
	DBMaxOpen    int    `yaml:"db_max_open"`
	DBMaxIdle    int    `yaml:"db_max_idle"`

	Symbols  []string          `yaml:"symbols"`
	LotSteps map[string]string `yaml:"lot_steps"`

	MinFillRatio  float64       `yaml:"min_fill_ratio"`
	FullFillRatio float64       `yaml:"full_fill_ratio"`
	MinNotional   float64       `yaml:"min_notional"`
	DefaultStep   string        `yaml:"default_step"`
	LegRetries    int           `yaml:"leg_retries"`
	LegRetryDelay time.Duration `yaml:"leg_retry_delay"`

	DebounceWindow    time.Duration `yaml:"debounce_window"`
	GhostLookback     time.Duration `yaml:"ghost_lookback"`
	GhostQtyTolerance float64       `yaml:"ghost_qty_tolerance"`

	QuoteBudget  float64 `yaml:"quote_budget"`
	RiskFraction float64 `yaml:"risk_fraction"`

	ReconcileAttempts int           `yaml:"reconcile_attempts"`
	ReconcileBackoff  time.Duration `yaml:"reconcile_backoff"`

	OrderCheckInterval time.Duration `yaml:"order_check_interval"`

	TelegramToken       string        `yaml:"telegram_token"`
	TelegramChatID      string        `yaml:"telegram_chat_id"`
	NotificationRetries int           `yaml:"notification_retries"`
	NotificationDelay   time.Duration `yaml:"notification_delay"`

	MetricsAddr string `yaml:"metrics_addr"`
	APIAddr     string `yaml:"api_addr"`
	LogLevel    string `yaml:"log_level"`
}

// Load parses flags, then a YAML file if -config is given, with env fallback
// for secrets. Flag values are the defaults; the file wins where set.
func Load() Config {
	symbolsFlag := flag.String("symbols", "BTC-USDT,ETH-USDT", "Comma-separated list of trading symbols")
	minFillRatio := flag.Float64("min-fill-ratio", 0.10, "Leg A fills below this fraction are compensated and aborted")
	minNotional := flag.Float64("min-notional", 5.0, "Minimum order notional in quote currency")
	defaultStep := flag.String("default-step", "0.0001", "Default lot step for symbols without an explicit one")
	legRetries := flag.Int("leg-retries", 3, "Order submission attempts per leg")
	legRetryDelay := flag.Duration("leg-retry-delay", 500*time.Millisecond, "Delay between leg submission retries")
	debounceWindow := flag.Duration("debounce-window", 50*time.Millisecond, "Signal key hold time after an attempt completes")
	ghostLookback := flag.Duration("ghost-lookback", 60*time.Second, "Recent-order window for ghost order lookup")
	quoteBudget := flag.Float64("quote-budget", 10000, "Quote currency budget for signal sizing")
	riskFraction := flag.Float64("risk-fraction", 0.1, "Fraction of the budget risked per signal")
	reconcileAttempts := flag.Int("reconcile-attempts", 3, "Startup reconciliation fetch attempts")
	reconcileBackoff := flag.Duration("reconcile-backoff", time.Second, "Base backoff between reconciliation attempts")
	orderCheckInterval := flag.Duration("order-check-interval", 30*time.Second, "Interval of the open order status loop")
	telegramToken := flag.String("telegram-token", "", "Telegram bot token for notifications")
	telegramChatID := flag.String("telegram-chat", "", "Telegram chat ID for notifications")
	notificationRetries := flag.Int("notification-retries", 3, "Number of notification send attempts")
	notificationDelay := flag.Duration("notification-delay", 5*time.Second, "Delay between notification retries (e.g., 5s)")
	metricsAddr := flag.String("metrics-addr", ":9100", "Prometheus metrics listen address")
	apiAddr := flag.String("api-addr", ":8080", "HTTP API listen address")
	logLevel := flag.String("log-level", "info", "Log level: trace, debug, info, warn, error")
	configFile := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	cfg := Config{
		WallexAPIKey:        os.Getenv("WALLEX_API_KEY"),
		DBConnStr:           os.Getenv("DB_CONN_STR"),
		DBMaxOpen:           10,
		DBMaxIdle:           5,
		Symbols:             strings.Split(*symbolsFlag, ","),
		MinFillRatio:        *minFillRatio,
		MinNotional:         *minNotional,
		DefaultStep:         *defaultStep,
		LegRetries:          *legRetries,
		LegRetryDelay:       *legRetryDelay,
		DebounceWindow:      *debounceWindow,
		GhostLookback:       *ghostLookback,
		QuoteBudget:         *quoteBudget,
		RiskFraction:        *riskFraction,
		ReconcileAttempts:   *reconcileAttempts,
		ReconcileBackoff:    *reconcileBackoff,
		OrderCheckInterval:  *orderCheckInterval,
		TelegramToken:       *telegramToken,
		TelegramChatID:      *telegramChatID,
		NotificationRetries: *notificationRetries,
		NotificationDelay:   *notificationDelay,
		MetricsAddr:         *metricsAddr,
		APIAddr:             *apiAddr,
		LogLevel:            *logLevel,
	}

	if *configFile != "" {
		data, err := os.ReadFile(*configFile)
		if err != nil {
			log.Fatalf("Failed to read config file: %v", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatalf("Failed to parse config file: %v", err)
		}
		if cfg.WallexAPIKey == "" {
			cfg.WallexAPIKey = os.Getenv("WALLEX_API_KEY")
		}
		if cfg.DBConnStr == "" {
			cfg.DBConnStr = os.Getenv("DB_CONN_STR")
		}
	}

	return cfg
}
