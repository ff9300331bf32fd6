package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Registration counter backends.
const (
	CounterMemory   = "memory"
	CounterRedis    = "redis"
	CounterPostgres = "postgres"
)

type Config struct {
	Port            string        `mapstructure:"PORT"`
	Env             string        `mapstructure:"ENV"`
	LogLevel        string        `mapstructure:"LOG_LEVEL"`
	RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit       string        `mapstructure:"BODY_LIMIT"`
	BundleBodyLimit string        `mapstructure:"BUNDLE_BODY_LIMIT"`
	RateLimitRPS    float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst  int           `mapstructure:"RATE_LIMIT_BURST"`
	CORSOrigins     []string      `mapstructure:"CORS_ORIGINS"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	HearthURL         string        `mapstructure:"HEARTH_URL"`
	SearchURL         string        `mapstructure:"SEARCH_URL"`
	SearchIndex       string        `mapstructure:"SEARCH_INDEX"`
	OpenHIMURL        string        `mapstructure:"OPENHIM_URL"`
	IntegrationSecret string        `mapstructure:"INTEGRATION_SECRET"`
	MetricsURL        string        `mapstructure:"METRICS_URL"`
	KafkaBrokers      []string      `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic        string        `mapstructure:"KAFKA_TOPIC"`
	HTTPClientTimeout time.Duration `mapstructure:"HTTP_CLIENT_TIMEOUT"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	RegistrationNumberStrategy string        `mapstructure:"REGISTRATION_NUMBER_STRATEGY"`
	RegistrationCounter        string        `mapstructure:"REGISTRATION_COUNTER"`
	ExternalValidation         bool          `mapstructure:"EXTERNAL_VALIDATION"`
	StoreRetryAttempts         int           `mapstructure:"STORE_RETRY_ATTEMPTS"`
	SearchRetryAttempts        int           `mapstructure:"SEARCH_RETRY_ATTEMPTS"`
	ReconcileInterval          time.Duration `mapstructure:"RECONCILE_INTERVAL"`
	ReconcileBatchSize         int           `mapstructure:"RECONCILE_BATCH_SIZE"`
	DevScopes                  []string      `mapstructure:"DEV_SCOPES"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "REQUEST_TIMEOUT", "BODY_LIMIT", "BUNDLE_BODY_LIMIT",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "CORS_ORIGINS",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"HEARTH_URL", "SEARCH_URL", "SEARCH_INDEX", "OPENHIM_URL", "INTEGRATION_SECRET",
	"METRICS_URL", "KAFKA_BROKERS", "KAFKA_TOPIC", "HTTP_CLIENT_TIMEOUT",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"REGISTRATION_NUMBER_STRATEGY", "REGISTRATION_COUNTER", "EXTERNAL_VALIDATION",
	"STORE_RETRY_ATTEMPTS", "SEARCH_RETRY_ATTEMPTS", "RECONCILE_INTERVAL",
	"RECONCILE_BATCH_SIZE", "DEV_SCOPES",
}

// Load reads the environment and an optional .env file. It does not
// validate; call Validate before starting the server.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("REQUEST_TIMEOUT", "60s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("BUNDLE_BODY_LIMIT", "20M")
	v.SetDefault("RATE_LIMIT_RPS", 0)
	v.SetDefault("RATE_LIMIT_BURST", 50)
	v.SetDefault("SEARCH_INDEX", "ocrvs")
	v.SetDefault("KAFKA_TOPIC", "registration-events")
	v.SetDefault("HTTP_CLIENT_TIMEOUT", "30s")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("REGISTRATION_NUMBER_STRATEGY", "default")
	v.SetDefault("REGISTRATION_COUNTER", CounterMemory)
	v.SetDefault("STORE_RETRY_ATTEMPTS", 3)
	v.SetDefault("SEARCH_RETRY_ATTEMPTS", 3)
	v.SetDefault("RECONCILE_INTERVAL", "0s")
	v.SetDefault("RECONCILE_BATCH_SIZE", 100)
	v.SetDefault("DEV_SCOPES", "declare,validate,register,certify,sysadmin")

	for _, k := range keys {
		v.BindEnv(k)
	}

	// A missing .env file is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = list(v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = list(v.GetString("KAFKA_BROKERS"))
	cfg.DevScopes = list(v.GetString("DEV_SCOPES"))
	return cfg, nil
}

func list(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// SigningKey decodes AUTH_SIGNING_KEY. It is only used for HS256 tokens in
// development and tests.
func (c *Config) SigningKey() []byte {
	if c.AuthSigningKey == "" {
		return nil
	}
	key, err := hex.DecodeString(c.AuthSigningKey)
	if err != nil {
		return nil
	}
	return key
}

// UsesDevAuth reports whether requests are let through without a token.
func (c *Config) UsesDevAuth() bool {
	return c.IsDev() && c.AuthJWKSURL == "" && c.AuthSigningKey == ""
}

// Validate checks the settings the server cannot start without. Whether the
// strategy code is actually registered is checked when the registry is
// built.
func (c *Config) Validate() error {
	if c.HearthURL == "" {
		return fmt.Errorf("HEARTH_URL is required")
	}
	if c.RegistrationNumberStrategy == "" {
		return fmt.Errorf("REGISTRATION_NUMBER_STRATEGY must not be empty")
	}
	switch c.RegistrationCounter {
	case CounterMemory:
	case CounterRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REGISTRATION_COUNTER=redis requires REDIS_URL")
		}
	case CounterPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("REGISTRATION_COUNTER=postgres requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("REGISTRATION_COUNTER must be memory, redis or postgres, got %q", c.RegistrationCounter)
	}
	// A memory counter restarts at 1 and is not shared between replicas.
	if !c.IsDev() && c.RegistrationCounter == CounterMemory && c.RegistrationNumberStrategy != "default" {
		return fmt.Errorf("REGISTRATION_COUNTER=memory is only allowed when ENV=development, use redis or postgres for strategy %q", c.RegistrationNumberStrategy)
	}
	if c.AuthSigningKey != "" {
		if _, err := hex.DecodeString(c.AuthSigningKey); err != nil {
			return fmt.Errorf("AUTH_SIGNING_KEY is not valid hex: %w", err)
		}
	}
	if !c.IsDev() && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_JWKS_URL must be set when ENV=%q", c.Env)
	}
	if c.StoreRetryAttempts < 1 || c.SearchRetryAttempts < 1 {
		return fmt.Errorf("STORE_RETRY_ATTEMPTS and SEARCH_RETRY_ATTEMPTS must be at least 1")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
