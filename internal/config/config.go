package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Settlement holds the tunables of the settlement jobs. It is passed by value to
// each component so tests can inject deterministic values.
type Settlement struct {
	Currency          string
	MaxPayoutAttempts int
	BackoffLadder     []time.Duration
	PayoutBatchLimit  int
	FeeBatchLimit     int
	MinimumPayout     decimal.Decimal
	PayoutDelay       time.Duration
	StaleLockAfter    time.Duration
	RefundEpsilon     decimal.Decimal
	LedgerCommitTries int
}

// DefaultSettlement returns the production defaults.
func DefaultSettlement() Settlement {
	return Settlement{
		Currency:          "chf",
		MaxPayoutAttempts: 5,
		BackoffLadder:     []time.Duration{15 * time.Minute, time.Hour, 4 * time.Hour, 24 * time.Hour},
		PayoutBatchLimit:  50,
		FeeBatchLimit:     100,
		MinimumPayout:     decimal.RequireFromString("0.50"),
		PayoutDelay:       7 * 24 * time.Hour,
		StaleLockAfter:    30 * time.Minute,
		RefundEpsilon:     decimal.RequireFromString("0.005"),
		LedgerCommitTries: 3,
	}
}

// Backoff returns the delay before the next payout attempt after the given
// (1-based) attempt failed. Attempts past the end of the ladder reuse its last step.
func (s Settlement) Backoff(attempt int) time.Duration {
	if len(s.BackoffLadder) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(s.BackoffLadder) {
		idx = len(s.BackoffLadder) - 1
	}
	return s.BackoffLadder[idx]
}

// Event transports
const (
	TransportLog   = "log"
	TransportRedis = "redis"
	TransportKafka = "kafka"
)

type SMTP struct {
	Host     string
	Port     string
	User     string
	Password string
	From     string
}

type Config struct {
	Env            string
	DatabaseURL    string
	RedisURL       string
	KafkaBrokers   []string
	EventTransport string
	StripeKey      string
	GatewayTimeout time.Duration
	AdminAPIKey    string
	Port           string
	OpsPort        string
	OpsAlertEmail  string
	SMTP           SMTP
	Settlement     Settlement
}

// Load reads the configuration from the environment. Call godotenv.Load first
// when a .env file should be honoured.
func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}

	cfg := &Config{
		Env:            getEnv("ENVIRONMENT", "development"),
		DatabaseURL:    dbURL,
		RedisURL:       os.Getenv("REDIS_URL"),
		EventTransport: getEnv("EVENT_TRANSPORT", TransportLog),
		StripeKey:      os.Getenv("STRIPE_SECRET_KEY"),
		AdminAPIKey:    os.Getenv("ADMIN_API_KEY"),
		Port:           getEnv("PORT", "8080"),
		OpsPort:        getEnv("OPS_PORT", "9090"),
		OpsAlertEmail:  os.Getenv("OPS_ALERT_EMAIL"),
		SMTP: SMTP{
			Host:     os.Getenv("SMTP_HOST"),
			Port:     os.Getenv("SMTP_PORT"),
			User:     os.Getenv("SMTP_USER"),
			Password: os.Getenv("SMTP_PASS"),
			From:     os.Getenv("EMAIL_FROM"),
		},
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}

	var err error
	if cfg.GatewayTimeout, err = durationEnv("GATEWAY_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.Settlement, err = loadSettlement(); err != nil {
		return nil, err
	}

	switch cfg.EventTransport {
	case TransportRedis:
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("REDIS_URL is required when EVENT_TRANSPORT=redis")
		}
	case TransportKafka:
		if len(cfg.KafkaBrokers) == 0 {
			return nil, fmt.Errorf("KAFKA_BROKERS is required when EVENT_TRANSPORT=kafka")
		}
	case TransportLog:
	default:
		return nil, fmt.Errorf("unknown EVENT_TRANSPORT %q", cfg.EventTransport)
	}

	return cfg, nil
}

func loadSettlement() (Settlement, error) {
	s := DefaultSettlement()
	var err error

	s.Currency = strings.ToLower(getEnv("SETTLEMENT_CURRENCY", s.Currency))
	if s.MaxPayoutAttempts, err = intEnv("PAYOUT_MAX_ATTEMPTS", s.MaxPayoutAttempts); err != nil {
		return s, err
	}
	if s.PayoutBatchLimit, err = intEnv("PAYOUT_BATCH_LIMIT", s.PayoutBatchLimit); err != nil {
		return s, err
	}
	if s.FeeBatchLimit, err = intEnv("FEE_BATCH_LIMIT", s.FeeBatchLimit); err != nil {
		return s, err
	}
	if s.MinimumPayout, err = decimalEnv("PAYOUT_MINIMUM", s.MinimumPayout); err != nil {
		return s, err
	}
	if s.RefundEpsilon, err = decimalEnv("REFUND_EPSILON", s.RefundEpsilon); err != nil {
		return s, err
	}
	if s.PayoutDelay, err = durationEnv("PAYOUT_DELAY", s.PayoutDelay); err != nil {
		return s, err
	}
	if s.StaleLockAfter, err = durationEnv("STALE_LOCK_AFTER", s.StaleLockAfter); err != nil {
		return s, err
	}
	if raw := os.Getenv("PAYOUT_BACKOFF"); raw != "" {
		if s.BackoffLadder, err = ParseLadder(raw); err != nil {
			return s, err
		}
	}

	if s.MaxPayoutAttempts < 1 {
		return s, fmt.Errorf("PAYOUT_MAX_ATTEMPTS must be at least 1")
	}
	return s, nil
}

// ParseLadder parses a comma separated list of durations, e.g. "15m,1h,4h,24h".
func ParseLadder(raw string) ([]time.Duration, error) {
	var ladder []time.Duration
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, fmt.Errorf("invalid backoff step %q: %w", part, err)
		}
		ladder = append(ladder, d)
	}
	if len(ladder) == 0 {
		return nil, fmt.Errorf("backoff ladder is empty")
	}
	return ladder, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func decimalEnv(key string, fallback decimal.Decimal) (decimal.Decimal, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
