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
	PublicBaseURL      string

	CurrencyCode   string
	AccessTokenTTL time.Duration

	// Daraja (M-Pesa) provider credentials and endpoints.
	DarajaBaseURL        string
	DarajaConsumerKey    string
	DarajaConsumerSecret string
	DarajaShortCode      string
	DarajaPasskey        string
	DarajaCallbackURL    string

	PaymentProvider    string
	OutboundTimeout    time.Duration
	TokenExpiryMargin  time.Duration
	WatchPollInterval  time.Duration
	WatchTimeout       time.Duration
	SweepMaxAge        time.Duration
	SweepInterval      time.Duration
	SweepBatchSize     int
	IdempotencyTTL     time.Duration
	CallbackReplayTTL  time.Duration
	QueueRedisPrefix   string
	QueueMaxAttempts   int
	LockTTL            time.Duration
	NotifyEmailEnabled bool
	NotifyEmailFrom    string

	CallbackRateMax    int
	CallbackRateWindow time.Duration
	LoginRateMax       int
	LoginRateWindow    time.Duration
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
		PublicBaseURL:      strings.TrimRight(strings.TrimSpace(k.String("PUBLIC_BASE_URL")), "/"),

		CurrencyCode:   valueOrDefault(k.String("CURRENCY_CODE"), "KES"),
		AccessTokenTTL: parseDuration(k.String("ACCESS_TOKEN_TTL"), "15m"),

		DarajaBaseURL:        valueOrDefault(k.String("DARAJA_BASE_URL"), "https://sandbox.safaricom.co.ke"),
		DarajaConsumerKey:    k.String("DARAJA_CONSUMER_KEY"),
		DarajaConsumerSecret: k.String("DARAJA_CONSUMER_SECRET"),
		DarajaShortCode:      k.String("DARAJA_SHORTCODE"),
		DarajaPasskey:        k.String("DARAJA_PASSKEY"),
		DarajaCallbackURL:    k.String("DARAJA_CALLBACK_URL"),

		PaymentProvider:    valueOrDefault(k.String("PAYMENT_PROVIDER"), "mpesa"),
		OutboundTimeout:    parseDuration(k.String("PAYMENT_OUTBOUND_TIMEOUT"), "10s"),
		TokenExpiryMargin:  parseDuration(k.String("PAYMENT_TOKEN_EXPIRY_MARGIN"), "60s"),
		WatchPollInterval:  parseDuration(k.String("PAYMENT_WATCH_POLL_INTERVAL"), "3s"),
		WatchTimeout:       parseDuration(k.String("PAYMENT_WATCH_TIMEOUT"), "60s"),
		SweepMaxAge:        parseDuration(k.String("PAYMENT_SWEEP_MAX_AGE"), "2h"),
		SweepInterval:      parseDuration(k.String("PAYMENT_SWEEP_INTERVAL"), "5m"),
		SweepBatchSize:     parseInt(k.String("PAYMENT_SWEEP_BATCH_SIZE"), 100),
		IdempotencyTTL:     parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		CallbackReplayTTL:  parseDuration(k.String("CALLBACK_REPLAY_TTL"), "24h"),
		QueueRedisPrefix:   valueOrDefault(k.String("QUEUE_REDIS_PREFIX"), "gems"),
		QueueMaxAttempts:   parseInt(k.String("QUEUE_MAX_ATTEMPTS"), 6),
		LockTTL:            parseDuration(k.String("LOCK_TTL"), "60s"),
		NotifyEmailEnabled: parseBool(k.String("NOTIFY_EMAIL_ENABLED")),
		NotifyEmailFrom:    valueOrDefault(k.String("NOTIFY_EMAIL_FROM"), "no-reply@gems.local"),

		CallbackRateMax:    parseInt(k.String("RATE_CALLBACK_MAX"), 60),
		CallbackRateWindow: parseDuration(k.String("RATE_CALLBACK_WINDOW"), "1m"),
		LoginRateMax:       parseInt(k.String("RATE_LOGIN_MAX"), 10),
		LoginRateWindow:    parseDuration(k.String("RATE_LOGIN_WINDOW"), "1m"),
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

// CallbackURL returns the externally reachable callback endpoint for the
// given provider, preferring the provider-specific override.
func (c *Config) CallbackURL(provider string) string {
	if strings.TrimSpace(c.DarajaCallbackURL) != "" {
		return c.DarajaCallbackURL
	}
	if c.PublicBaseURL == "" {
		return ""
	}
	return c.PublicBaseURL + "/api/v1/webhooks/payment/" + provider
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
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

func parseInt(value string, fallback int) int {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	var parsed int
	if _, err := fmt.Sscanf(trimmed, "%d", &parsed); err != nil {
		return fallback
	}
	return parsed
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
