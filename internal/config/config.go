package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	JWTSecret          string
	CORSAllowedOrigins []string

	// Payment gateway connection. Passed explicitly into the gateway client
	// at construction; nothing in this service holds process-global gateway
	// state.
	GatewayBaseURL       string
	GatewaySecretKey     string
	GatewayWebhookSecret string
	GatewayTimeout       time.Duration
	SignatureTolerance   time.Duration

	SupportedCurrencies []string
	OneOffPriceCents    int64

	IdempotencyTTL     time.Duration
	WebhookReplayTTL   time.Duration
	WebhookRateLimit   string
	HistoryPageSize    int
	ReceiptMaxRetry    int
	WorkerConcurrency  int
	MigrationsPath     string
	MigrationsDisabled bool
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		JWTSecret:          k.String("JWT_SECRET"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),

		GatewayBaseURL:       valueOrDefault(k.String("GATEWAY_BASE_URL"), "https://api.stripe.com"),
		GatewaySecretKey:     k.String("GATEWAY_SECRET_KEY"),
		GatewayWebhookSecret: k.String("GATEWAY_WEBHOOK_SECRET"),
		GatewayTimeout:       parseDuration(k.String("GATEWAY_TIMEOUT"), "10s"),
		SignatureTolerance:   parseDuration(k.String("GATEWAY_SIGNATURE_TOLERANCE"), "5m"),

		SupportedCurrencies: splitAndTrim(valueOrDefault(k.String("SUPPORTED_CURRENCIES"), "EUR,USD")),
		OneOffPriceCents:    int64(k.Int("ONE_OFF_PRICE_CENTS")),

		IdempotencyTTL:     parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		WebhookReplayTTL:   parseDuration(k.String("WEBHOOK_REPLAY_TTL"), "72h"),
		WebhookRateLimit:   valueOrDefault(k.String("WEBHOOK_RATE_LIMIT"), "300-M"),
		HistoryPageSize:    intOrDefault(k.Int("HISTORY_PAGE_SIZE"), 20),
		ReceiptMaxRetry:    intOrDefault(k.Int("RECEIPT_MAX_RETRY"), 5),
		WorkerConcurrency:  intOrDefault(k.Int("WORKER_CONCURRENCY"), 4),
		MigrationsPath:     valueOrDefault(k.String("MIGRATIONS_PATH"), "db/migrations"),
		MigrationsDisabled: parseBool(k.String("MIGRATIONS_DISABLED")),
	}

	if cfg.OneOffPriceCents <= 0 {
		cfg.OneOffPriceCents = 599
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	if cfg.GatewaySecretKey == "" {
		return nil, errors.New("GATEWAY_SECRET_KEY is required")
	}
	if cfg.GatewayWebhookSecret == "" {
		return nil, errors.New("GATEWAY_WEBHOOK_SECRET is required")
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// CurrencySupported reports whether the ISO-4217 code is in the allowed set.
func (c *Config) CurrencySupported(code string) bool {
	code = strings.ToUpper(strings.TrimSpace(code))
	for _, cur := range c.SupportedCurrencies {
		if strings.ToUpper(cur) == code {
			return true
		}
	}
	return false
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func intOrDefault(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
