package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
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
	RedisURL           string
	CORSAllowedOrigins []string
	Checkout           CheckoutConfig
	Gateway            GatewayConfig
	HTTP               HTTPConfig
	Obs                ObsConfig
}

// CheckoutConfig tunes the payment session controller and storefront.
type CheckoutConfig struct {
	PollInterval     time.Duration
	FailureTolerance int
	UnitPrice        int64
	Description      string
	ItemLabel        string
	MaxQuantity      int
	SessionTTL       time.Duration
	SweepInterval    time.Duration
	QRSize           int
}

// GatewayConfig tunes the outbound provider client. Credentials are not part of it; see
// EnvCredentials.
type GatewayConfig struct {
	Timeout            time.Duration
	BreakerMinRequests int
	BreakerFailureRate float64
	BreakerOpenFor     time.Duration
}

// HTTPConfig tunes the storefront API middleware.
type HTTPConfig struct {
	IdempotencyTTL          time.Duration
	RateLimitSessionsPerMin int
	BodyLimitBytes          int64
	ReadyRedisTimeout       time.Duration
}

// ObsConfig controls logging, metrics and tracing.
type ObsConfig struct {
	LogFormat        string
	LogLevel         string
	MetricsNamespace string
	MetricsBuckets   string
	EnablePrometheus bool
	EnableTracing    bool
	EnablePprof      bool
	TracingExporter  string
	OTLPEndpoint     string
	SamplingRatio    float64
	PprofUser        string
	PprofPass        string
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
		RedisURL:           strings.TrimSpace(k.String("REDIS_URL")),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		Checkout: CheckoutConfig{
			PollInterval:     parseDuration(k.String("CHECKOUT_POLL_INTERVAL"), "1s"),
			FailureTolerance: parseInt(k.String("CHECKOUT_POLL_FAILURE_TOLERANCE"), 0),
			UnitPrice:        int64(parseInt(k.String("CHECKOUT_UNIT_PRICE"), 100)),
			Description:      valueOrDefault(k.String("CHECKOUT_DESCRIPTION"), "Brussels Matcha Tea"),
			ItemLabel:        strings.TrimSpace(k.String("CHECKOUT_ITEM_LABEL")),
			MaxQuantity:      parseInt(k.String("CHECKOUT_MAX_QUANTITY"), 99),
			SessionTTL:       parseDuration(k.String("CHECKOUT_SESSION_TTL"), "15m"),
			SweepInterval:    parseDuration(k.String("CHECKOUT_SWEEP_INTERVAL"), "1m"),
			QRSize:           parseInt(k.String("QR_SIZE_PX"), 256),
		},
		Gateway: GatewayConfig{
			Timeout:            parseDuration(k.String("OUTBOUND_TIMEOUT"), "5s"),
			BreakerMinRequests: parseInt(k.String("CIRCUIT_GATEWAY_MIN_REQ"), 10),
			BreakerFailureRate: parseFloat(k.String("CIRCUIT_GATEWAY_FAILURE_RATE"), 0.5),
			BreakerOpenFor:     parseDuration(k.String("CIRCUIT_GATEWAY_OPEN_FOR"), "30s"),
		},
		HTTP: HTTPConfig{
			IdempotencyTTL:          parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
			RateLimitSessionsPerMin: parseInt(k.String("RATE_LIMIT_SESSIONS_PER_MIN"), 20),
			BodyLimitBytes:          int64(parseInt(k.String("HTTP_BODY_LIMIT_BYTES"), 64<<10)),
			ReadyRedisTimeout:       parseDuration(k.String("HEALTH_READY_REDIS_TIMEOUT"), "300ms"),
		},
		Obs: ObsConfig{
			LogFormat:        valueOrDefault(k.String("OBS_LOG_FORMAT"), "json"),
			LogLevel:         valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),
			MetricsNamespace: valueOrDefault(k.String("OBS_METRICS_NAMESPACE"), "checkout"),
			MetricsBuckets:   k.String("OBS_METRICS_BUCKETS_MS"),
			EnablePrometheus: parseBoolDefault(k.String("OBS_ENABLE_PROMETHEUS"), true),
			EnableTracing:    parseBoolDefault(k.String("OBS_ENABLE_TRACING"), false),
			EnablePprof:      parseBoolDefault(k.String("OBS_ENABLE_PPROF"), false),
			TracingExporter:  valueOrDefault(k.String("OBS_TRACING_EXPORTER"), "otlp"),
			OTLPEndpoint:     strings.TrimSpace(k.String("OBS_OTLP_ENDPOINT")),
			SamplingRatio:    parseFloat(k.String("OBS_TRACING_SAMPLING_RATIO"), 1),
			PprofUser:        k.String("SECURE_PPROF_BASIC_AUTH_USER"),
			PprofPass:        k.String("SECURE_PPROF_BASIC_AUTH_PASS"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Checkout.PollInterval < 100*time.Millisecond {
		errs = append(errs, errors.New("CHECKOUT_POLL_INTERVAL must be at least 100ms"))
	}
	if c.Checkout.FailureTolerance < 0 {
		errs = append(errs, errors.New("CHECKOUT_POLL_FAILURE_TOLERANCE must not be negative"))
	}
	if c.Checkout.UnitPrice <= 0 {
		errs = append(errs, errors.New("CHECKOUT_UNIT_PRICE must be positive"))
	}
	if c.Checkout.MaxQuantity <= 0 {
		errs = append(errs, errors.New("CHECKOUT_MAX_QUANTITY must be positive"))
	}
	if c.Checkout.QRSize < 64 || c.Checkout.QRSize > 1024 {
		errs = append(errs, errors.New("QR_SIZE_PX must be between 64 and 1024"))
	}
	if c.Gateway.Timeout <= 0 {
		errs = append(errs, errors.New("OUTBOUND_TIMEOUT must be positive"))
	}
	if c.Gateway.BreakerFailureRate <= 0 || c.Gateway.BreakerFailureRate > 1 {
		errs = append(errs, errors.New("CIRCUIT_GATEWAY_FAILURE_RATE must be in (0, 1]"))
	}
	return errors.Join(errs...)
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
		return strings.TrimSpace(value)
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
	v, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return v
}

func parseFloat(value string, fallback float64) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return v
}

func parseBoolDefault(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
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
	var cfg *Config
	err := WithEnv(env, func() error {
		var loadErr error
		cfg, loadErr = Load()
		return loadErr
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// WithEnv runs fn with the given variables set and restores the previous values afterwards.
// An empty value unsets the variable for the duration of fn.
func WithEnv(env map[string]string, fn func() error) error {
	original := make(map[string]*string, len(env))
	for key := range env {
		if prev, ok := os.LookupEnv(key); ok {
			original[key] = &prev
		} else {
			original[key] = nil
		}
		if err := setEnvVar(key, env[key]); err != nil {
			return err
		}
	}
	err := fn()
	if restoreErr := restoreEnv(original); restoreErr != nil {
		return errors.Join(err, restoreErr)
	}
	return err
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]*string) error {
	var errs []string
	for key, value := range values {
		var err error
		if value == nil {
			err = os.Unsetenv(key)
		} else {
			err = os.Setenv(key, *value)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
