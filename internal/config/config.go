// Package config содержит логику чтения конфигурации сервиса.
package config

import (
	"flag"
	"fmt"
	"math"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress           string        `env:"RUN_ADDRESS"`
	DatabaseURI          string        `env:"DATABASE_URI"`
	PaymentSystemAddress string        `env:"PAYMENT_SYSTEM_ADDRESS"`
	PaymentSecret        string        `env:"PAYMENT_SECRET"`
	AuthSecret           string        `env:"AUTH_SECRET"`
	FrontendSecret       string        `env:"FRONTEND_SECRET"`
	NotifyURL            string        `env:"NOTIFY_URL"`
	RedisAddr            string        `env:"REDIS_ADDR"`
	AdminIDs             []int64       `env:"ADMIN_IDS" envSeparator:","`
	MaxWorkersPerOrder   int           `env:"MAX_WORKERS_PER_ORDER" envDefault:"3"`
	WorkerPercent        float64       `env:"WORKER_PERCENT" envDefault:"0.7"`
	ReferralPercent      float64       `env:"REFERRAL_PERCENT" envDefault:"0.05"`
	PaymentTimeout       time.Duration `env:"PAYMENT_TIMEOUT" envDefault:"5s"`
	PollInterval         time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`
	SessionCacheSize     int           `env:"SESSION_CACHE_SIZE" envDefault:"1024"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envPaymentAddress := cfg.PaymentSystemAddress
	envPaymentSecret := cfg.PaymentSecret
	envNotifyURL := cfg.NotifyURL
	envFrontendSecret := cfg.FrontendSecret

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.PaymentSystemAddress, "r", "", "payment system address")
	flag.StringVar(&cfg.PaymentSecret, "s", "", "payment callback shared secret")
	flag.StringVar(&cfg.NotifyURL, "n", "", "front-end notification URL")
	flag.StringVar(&cfg.FrontendSecret, "f", "", "front-end registration shared secret")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envPaymentAddress != "" {
		cfg.PaymentSystemAddress = envPaymentAddress
	}
	if envPaymentSecret != "" {
		cfg.PaymentSecret = envPaymentSecret
	}
	if envNotifyURL != "" {
		cfg.NotifyURL = envNotifyURL
	}
	if envFrontendSecret != "" {
		cfg.FrontendSecret = envFrontendSecret
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.MaxWorkersPerOrder < 1 {
		return fmt.Errorf("MAX_WORKERS_PER_ORDER must be at least 1, got %d", c.MaxWorkersPerOrder)
	}
	if c.WorkerPercent < 0 || c.WorkerPercent > 1 {
		return fmt.Errorf("WORKER_PERCENT must be within [0, 1], got %v", c.WorkerPercent)
	}
	if c.ReferralPercent < 0 || c.ReferralPercent > 1 {
		return fmt.Errorf("REFERRAL_PERCENT must be within [0, 1], got %v", c.ReferralPercent)
	}
	if c.PaymentTimeout <= 0 {
		return fmt.Errorf("PAYMENT_TIMEOUT must be positive, got %s", c.PaymentTimeout)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}
	if c.SessionCacheSize < 1 {
		return fmt.Errorf("SESSION_CACHE_SIZE must be at least 1, got %d", c.SessionCacheSize)
	}
	return nil
}

// BasisPoints переводит долю в базисные пункты с округлением до ближайшего.
func BasisPoints(fraction float64) int64 {
	return int64(math.Round(fraction * 10000))
}
