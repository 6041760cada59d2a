// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"loanengine/internal/circulation"
	"loanengine/internal/fines"
	"loanengine/internal/membership"
)

const (
	ServiceName    = "circulation"
	ServiceVersion = "0.1.0"
)

const (
	day = 24 * time.Hour
	// maxDays keeps day counts well inside time.Duration's range.
	maxDays = 36500
)

// Config holds the circulation policy and the service wiring.
type Config struct {
	LoanPeriod              time.Duration
	MaxRenewals             int
	MaxActiveLoans          int
	DailyFineRate           decimal.Decimal
	MaxFinePerLoan          decimal.Decimal
	PickupWindow            time.Duration
	MaxHoldQueueLength      int
	SuspensionFineThreshold decimal.Decimal
	PickupSweepInterval     time.Duration

	Port         string
	RateLimitRPS float64
	RateBurst    int

	DatabaseURL        string
	KafkaBroker        string
	NotificationsTopic string
	OtelEndpoint       string
	JournalBuffer      int
	JournalGapTimeout  time.Duration
}

// Load reads the configuration from the environment. All problems are
// reported together.
func Load() (*Config, error) {
	p := &parser{}
	cfg := &Config{
		LoanPeriod:              p.days("LOAN_PERIOD_DAYS", 14),
		MaxRenewals:             p.int("MAX_RENEWALS", 2),
		MaxActiveLoans:          p.int("MAX_ACTIVE_LOANS_PER_MEMBER", 5),
		DailyFineRate:           p.decimal("DAILY_FINE_RATE", "0.25"),
		MaxFinePerLoan:          p.decimal("MAX_FINE_PER_LOAN", "10.00"),
		PickupWindow:            p.days("PICKUP_WINDOW_DAYS", 3),
		MaxHoldQueueLength:      p.int("MAX_HOLD_QUEUE_LENGTH", 20),
		SuspensionFineThreshold: p.decimal("SUSPENSION_FINE_THRESHOLD", "5.00"),
		PickupSweepInterval:     p.duration("PICKUP_SWEEP_INTERVAL", time.Minute),

		Port:         getEnv("PORT", "8082"),
		RateLimitRPS: p.float("RATE_LIMIT_RPS", 50),
		RateBurst:    p.int("RATE_LIMIT_BURST", 100),

		DatabaseURL:        getEnv("DATABASE_URL", ""),
		KafkaBroker:        getEnv("KAFKA_BROKER", ""),
		NotificationsTopic: getEnv("NOTIFICATIONS_TOPIC", "circulation.notifications"),
		OtelEndpoint:       getEnv("OTEL_ENDPOINT", ""),
		JournalBuffer:      p.int("JOURNAL_BUFFER", 1024),
		JournalGapTimeout:  p.duration("JOURNAL_GAP_TIMEOUT", 5*time.Second),
	}
	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.LoanPeriod > 0, "LOAN_PERIOD_DAYS must be positive")
	check(c.MaxRenewals >= 0, "MAX_RENEWALS cannot be negative")
	check(c.MaxActiveLoans > 0, "MAX_ACTIVE_LOANS_PER_MEMBER must be positive")
	check(!c.DailyFineRate.IsNegative(), "DAILY_FINE_RATE cannot be negative")
	check(!c.MaxFinePerLoan.IsNegative(), "MAX_FINE_PER_LOAN cannot be negative")
	check(c.PickupWindow > 0, "PICKUP_WINDOW_DAYS must be positive")
	check(c.MaxHoldQueueLength > 0, "MAX_HOLD_QUEUE_LENGTH must be positive")
	check(!c.SuspensionFineThreshold.IsNegative(), "SUSPENSION_FINE_THRESHOLD cannot be negative")
	check(c.PickupSweepInterval > 0, "PICKUP_SWEEP_INTERVAL must be positive")
	check(c.Port != "", "PORT cannot be empty")
	check(c.RateLimitRPS > 0, "RATE_LIMIT_RPS must be positive")
	check(c.RateBurst > 0, "RATE_LIMIT_BURST must be positive")
	check(c.JournalBuffer > 0, "JOURNAL_BUFFER must be positive")
	check(c.JournalGapTimeout >= 0, "JOURNAL_GAP_TIMEOUT cannot be negative")
	check(c.KafkaBroker == "" || c.NotificationsTopic != "", "NOTIFICATIONS_TOPIC cannot be empty when KAFKA_BROKER is set")

	return errors.Join(errs...)
}

func (c *Config) Policy() circulation.Policy {
	return circulation.Policy{
		LoanPeriod:   c.LoanPeriod,
		MaxRenewals:  c.MaxRenewals,
		PickupWindow: c.PickupWindow,
	}
}

func (c *Config) Limits() membership.Limits {
	return membership.Limits{
		MaxActiveLoans:          c.MaxActiveLoans,
		SuspensionFineThreshold: c.SuspensionFineThreshold,
	}
}

func (c *Config) Calculator() fines.Calculator {
	return fines.NewCalculator(c.DailyFineRate, c.MaxFinePerLoan)
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// parser converts environment values and keeps every failure.
type parser struct {
	err error
}

func (p *parser) fail(key, value string, err error) {
	p.err = errors.Join(p.err, fmt.Errorf("%s=%q: %w", key, value, err))
}

func (p *parser) int(key string, def int) int {
	raw := getEnv(key, strconv.Itoa(def))
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return v
}

// days reads a whole number of days. Counts beyond maxDays in either
// direction are rejected before they can overflow a time.Duration.
func (p *parser) days(key string, def int) time.Duration {
	n := p.int(key, def)
	if n > maxDays || n < -maxDays {
		p.fail(key, strconv.Itoa(n), fmt.Errorf("exceeds %d days", maxDays))
		return time.Duration(def) * day
	}
	return time.Duration(n) * day
}

func (p *parser) float(key string, def float64) float64 {
	raw := getEnv(key, strconv.FormatFloat(def, 'f', -1, 64))
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return v
}

func (p *parser) decimal(key, def string) decimal.Decimal {
	raw := getEnv(key, def)
	v, err := decimal.NewFromString(raw)
	if err != nil {
		p.fail(key, raw, err)
		return decimal.RequireFromString(def)
	}
	return v
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := getEnv(key, def.String())
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return v
}
