package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the full configuration surface of the execution service. All
// values come from the environment; thresholds are tunable without recompiling.
type Config struct {
	Port      string
	JWTSecret string
	DSN       string

	// Phase guard
	SellFailureLimit   decimal.Decimal // dollar value of failed sells that blocks the BUY phase
	MaxEquityFraction  decimal.Decimal // cap on cumulative BUY notional as a fraction of equity
	ReservationBuffer  decimal.Decimal // multiplier applied to worst-case BUY estimates
	MinTradeDelta      decimal.Decimal // deltas below this are planned as no-ops
	DriftEpsilon       decimal.Decimal // drift at or below this is not drift
	DriftAlertLimit    decimal.Decimal // drift above this alerts and halts the symbol
	MaxConcurrentOrders int

	// Order monitoring
	MonitorTimeout     time.Duration
	StatusQueryRetries int

	// Broker push stream
	BrokerStreamURL string
}

// Load reads the configuration from the environment with defaults suitable
// for local development.
func Load() Config {
	return Config{
		Port:      getEnv("PORT", "8080"),
		JWTSecret: getEnv("JWT_SECRET", "rebalance-secret-key"),
		DSN:       getEnv("DATABASE_DSN", "rebalance.db"),

		SellFailureLimit:    getEnvDecimal("SELL_FAILURE_LIMIT", "500"),
		MaxEquityFraction:   getEnvDecimal("MAX_EQUITY_FRACTION", "0.95"),
		ReservationBuffer:   getEnvDecimal("RESERVATION_BUFFER", "1.02"),
		MinTradeDelta:       getEnvDecimal("MIN_TRADE_DELTA", "0.01"),
		DriftEpsilon:        getEnvDecimal("DRIFT_EPSILON", "0.0001"),
		DriftAlertLimit:     getEnvDecimal("DRIFT_ALERT_LIMIT", "5"),
		MaxConcurrentOrders: getEnvInt("MAX_CONCURRENT_ORDERS", 10),

		MonitorTimeout:     getEnvDuration("MONITOR_TIMEOUT", 90*time.Second),
		StatusQueryRetries: getEnvInt("STATUS_QUERY_RETRIES", 3),

		BrokerStreamURL: getEnv("BROKER_STREAM_URL", ""),
	}
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getEnvDecimal(key, def string) decimal.Decimal {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		v = def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		d, _ = decimal.NewFromString(def)
	}
	return d
}
