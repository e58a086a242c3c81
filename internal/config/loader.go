package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "meterforge.yaml"

// DefaultEnvFile is the optional dotenv file loaded before the environment overlay.
const DefaultEnvFile = ".env"

// Load returns a Config using the hierarchy: defaults < YAML < .env < ENV.
// Both files are optional; missing files are not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile, DefaultEnvFile)
}

// LoadFrom returns a Config loaded from the given YAML and dotenv paths using
// the hierarchy: defaults < YAML < .env < ENV.
func LoadFrom(yamlPath, envPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	if err := loadDotenv(envPath); err != nil {
		return nil, fmt.Errorf("config dotenv: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadDotenv populates the process environment from a dotenv file.
// Variables already set in the environment win over the file.
func loadDotenv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "METERFORGE_PORT")
	setString(&cfg.Server.CORSOrigin, "METERFORGE_CORS_ORIGIN")
	setString(&cfg.Store.Driver, "METERFORGE_STORE_DRIVER")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "METERFORGE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "METERFORGE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "METERFORGE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "METERFORGE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "METERFORGE_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.LiteLLM.URL, "LITELLM_URL")
	setString(&cfg.LiteLLM.MasterKey, "LITELLM_MASTER_KEY")
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "METERFORGE_REDIS_DB")
	setString(&cfg.Redis.Stream, "METERFORGE_REDIS_STREAM")
	setInt64(&cfg.Redis.MaxLen, "METERFORGE_REDIS_MAX_LEN")
	setString(&cfg.Logging.Level, "METERFORGE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "METERFORGE_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "METERFORGE_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "METERFORGE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "METERFORGE_BREAKER_TIMEOUT")

	// Pricing
	setString(&cfg.Pricing.Markup, "METERFORGE_PRICING_MARKUP")
	setString(&cfg.Pricing.CreditsPerUSD, "METERFORGE_PRICING_CREDITS_PER_USD")

	// Ledger
	setString(&cfg.Ledger.SourceSystem, "METERFORGE_LEDGER_SOURCE_SYSTEM")
	setInt(&cfg.Ledger.MaxAttempts, "METERFORGE_LEDGER_MAX_ATTEMPTS")
	setDuration(&cfg.Ledger.InitialBackoff, "METERFORGE_LEDGER_INITIAL_BACKOFF")
	setDuration(&cfg.Ledger.MaxBackoff, "METERFORGE_LEDGER_MAX_BACKOFF")
	setDuration(&cfg.Ledger.CommitTimeout, "METERFORGE_LEDGER_COMMIT_TIMEOUT")

	// Relay
	setInt(&cfg.Relay.UIBuffer, "METERFORGE_RELAY_UI_BUFFER")
	setInt(&cfg.Relay.BillingBuffer, "METERFORGE_RELAY_BILLING_BUFFER")

	// Reconcile
	setInt(&cfg.Reconcile.MaxAttempts, "METERFORGE_RECONCILE_MAX_ATTEMPTS")
	setDuration(&cfg.Reconcile.AttemptTimeout, "METERFORGE_RECONCILE_ATTEMPT_TIMEOUT")
	setDuration(&cfg.Reconcile.InitialBackoff, "METERFORGE_RECONCILE_INITIAL_BACKOFF")
	setDuration(&cfg.Reconcile.Lookback, "METERFORGE_RECONCILE_LOOKBACK")
	setDuration(&cfg.Reconcile.SettleDelay, "METERFORGE_RECONCILE_SETTLE_DELAY")

	setBool(&cfg.Billing.Strict, "METERFORGE_BILLING_STRICT")

	// Cache
	setInt64(&cfg.Cache.L1MaxSizeMB, "METERFORGE_CACHE_L1_SIZE_MB")
	setDuration(&cfg.Cache.L1TTL, "METERFORGE_CACHE_L1_TTL")
	setString(&cfg.Cache.L2Bucket, "METERFORGE_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.BalanceTTL, "METERFORGE_CACHE_BALANCE_TTL")

	// Telemetry
	setBool(&cfg.Telemetry.Enabled, "METERFORGE_OTEL_ENABLED")
	setString(&cfg.Telemetry.Exporter, "METERFORGE_OTEL_EXPORTER")
	setString(&cfg.Telemetry.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setFloat64(&cfg.Telemetry.SampleRate, "METERFORGE_OTEL_SAMPLE_RATE")
	setString(&cfg.Telemetry.ServiceName, "OTEL_SERVICE_NAME")
	setDuration(&cfg.Telemetry.MetricPeriod, "METERFORGE_OTEL_METRIC_PERIOD")

	// Executors
	setString(&cfg.Executors.RemoteGraphURL, "METERFORGE_REMOTE_GRAPH_URL")
	setString(&cfg.Executors.RemoteGraphName, "METERFORGE_REMOTE_GRAPH_NAME")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	switch cfg.Store.Driver {
	case "postgres":
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required")
		}
		if cfg.Postgres.MaxConns < 1 {
			return errors.New("postgres.max_conns must be >= 1")
		}
	case "memory":
	default:
		return fmt.Errorf("store.driver %q is not supported", cfg.Store.Driver)
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if err := validateDecimal(cfg.Pricing.Markup, "pricing.markup"); err != nil {
		return err
	}
	if err := validateDecimal(cfg.Pricing.CreditsPerUSD, "pricing.credits_per_usd"); err != nil {
		return err
	}
	if cfg.Ledger.SourceSystem == "" {
		return errors.New("ledger.source_system is required")
	}
	if cfg.Ledger.MaxAttempts < 1 {
		return errors.New("ledger.max_attempts must be >= 1")
	}
	if cfg.Relay.UIBuffer < 1 {
		return errors.New("relay.ui_buffer must be >= 1")
	}
	if cfg.Relay.BillingBuffer < 1 {
		return errors.New("relay.billing_buffer must be >= 1")
	}
	if cfg.Reconcile.MaxAttempts < 1 {
		return errors.New("reconcile.max_attempts must be >= 1")
	}
	if cfg.Reconcile.AttemptTimeout <= 0 {
		return errors.New("reconcile.attempt_timeout must be > 0")
	}
	if cfg.Reconcile.SettleDelay < 0 {
		return errors.New("reconcile.settle_delay must be >= 0")
	}
	return nil
}

func validateDecimal(v, field string) error {
	d, _, err := apd.NewFromString(v)
	if err != nil {
		return fmt.Errorf("%s must be a decimal: %w", field, err)
	}
	if d.Negative {
		return fmt.Errorf("%s must be >= 0", field)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
