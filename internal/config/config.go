package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"kasircore/internal/domain"
	"kasircore/internal/money"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	KafkaBrokers          []string
	KafkaSalesTopic       string
	TaxRatePercent        string
	Branch                domain.BranchIdentity
	InvoicePrefix         string
	FrequentItemsLimit    int
	FrequentItemsWindow   time.Duration
	FrequentItemsTTL      time.Duration
	SessionIdleTimeout    time.Duration
	AuthSecret            string
	AccessTokenTTLMinutes int
	LogLevel              string
	LogFormat             string
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := Config{
		Port:            getEnv("PORT", "8080"),
		AllowedOrigin:   getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		RedisDB:         redisDB,
		KafkaBrokers:    splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaSalesTopic: getEnv("KAFKA_SALES_TOPIC", "pos.sales"),
		TaxRatePercent:  getEnv("TAX_RATE_PERCENT", "10"),
		Branch: domain.BranchIdentity{
			ID:      getEnv("BRANCH_ID", "MAIN"),
			Name:    getEnv("BRANCH_NAME", "Kasir Core"),
			Address: os.Getenv("BRANCH_ADDRESS"),
			Phone:   os.Getenv("BRANCH_PHONE"),
		},
		InvoicePrefix:         getEnv("BRANCH_INVOICE_PREFIX", "INV"),
		FrequentItemsLimit:    getInt("FREQUENT_ITEMS_LIMIT", 6),
		FrequentItemsWindow:   time.Duration(getInt("FREQUENT_ITEMS_WINDOW_DAYS", 30)) * 24 * time.Hour,
		FrequentItemsTTL:      time.Duration(getInt("FREQUENT_ITEMS_TTL_SECONDS", 60)) * time.Second,
		SessionIdleTimeout:    time.Duration(getInt("SESSION_IDLE_MINUTES", 120)) * time.Minute,
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: getInt("ACCESS_TOKEN_TTL_MINUTES", 480),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogFormat:             getEnv("LOG_FORMAT", "text"),
	}

	return cfg
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	var errs []error
	if len(c.AuthSecret) < 32 {
		errs = append(errs, errors.New("AUTH_SECRET must be at least 32 characters"))
	}
	if _, err := c.TaxRate(); err != nil {
		errs = append(errs, fmt.Errorf("TAX_RATE_PERCENT: %w", err))
	}
	if strings.TrimSpace(c.Branch.ID) == "" {
		errs = append(errs, errors.New("BRANCH_ID must not be empty"))
	}
	return errors.Join(errs...)
}

func (c Config) TaxRate() (money.Rate, error) {
	return money.NewRate(c.TaxRatePercent)
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

// getInt reads a positive integer, falling back on anything else.
func getInt(key string, fallback int) int {
	val, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || val < 1 {
		return fallback
	}
	return val
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
