package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("HEARTH_URL", "http://hearth:3447/fhir")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "8000" || cfg.SearchIndex != "ocrvs" || cfg.KafkaTopic != "registration-events" {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.RegistrationNumberStrategy != "default" || cfg.RegistrationCounter != CounterMemory {
		t.Errorf("unexpected strategy defaults %q %q", cfg.RegistrationNumberStrategy, cfg.RegistrationCounter)
	}
	if cfg.StoreRetryAttempts != 3 || cfg.SearchRetryAttempts != 3 {
		t.Errorf("unexpected retry defaults %d %d", cfg.StoreRetryAttempts, cfg.SearchRetryAttempts)
	}
	if cfg.HTTPClientTimeout != 30*time.Second || cfg.ReconcileInterval != 0 {
		t.Errorf("unexpected durations %v %v", cfg.HTTPClientTimeout, cfg.ReconcileInterval)
	}
	if len(cfg.DevScopes) == 0 {
		t.Error("expected default dev scopes")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_Lists(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("CORS_ORIGINS", "http://localhost:3000")
	t.Setenv("EXTERNAL_VALIDATION", "true")
	t.Setenv("RECONCILE_INTERVAL", "5m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "kafka-2:9092" {
		t.Errorf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if len(cfg.CORSOrigins) != 1 || !cfg.ExternalValidation || cfg.ReconcileInterval != 5*time.Minute {
		t.Errorf("unexpected config %+v", cfg)
	}
}

func production(c *Config) {
	c.Env = "production"
	c.AuthJWKSURL = "http://auth/.well-known"
	c.RegistrationCounter = CounterPostgres
	c.DatabaseURL = "postgres://localhost/crvs"
}

func valid() *Config {
	return &Config{
		Env:                        "development",
		HearthURL:                  "http://hearth:3447/fhir",
		RegistrationNumberStrategy: "sequential",
		RegistrationCounter:        CounterMemory,
		StoreRetryAttempts:         3,
		SearchRetryAttempts:        3,
		DBMaxConns:                 10,
		DBMinConns:                 2,
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"valid", func(*Config) {}, ""},
		{"no hearth", func(c *Config) { c.HearthURL = "" }, "HEARTH_URL"},
		{"no strategy", func(c *Config) { c.RegistrationNumberStrategy = "" }, "REGISTRATION_NUMBER_STRATEGY"},
		{"redis without url", func(c *Config) { c.RegistrationCounter = CounterRedis }, "REDIS_URL"},
		{"postgres without url", func(c *Config) { c.RegistrationCounter = CounterPostgres }, "DATABASE_URL"},
		{"unknown counter", func(c *Config) { c.RegistrationCounter = "etcd" }, "REGISTRATION_COUNTER"},
		{"bad signing key", func(c *Config) { c.AuthSigningKey = "not-hex" }, "AUTH_SIGNING_KEY"},
		{"production without jwks", func(c *Config) { production(c); c.AuthJWKSURL = "" }, "AUTH_JWKS_URL"},
		{"production with jwks", production, ""},
		{"production memory counter", func(c *Config) { production(c); c.RegistrationCounter = CounterMemory }, "REGISTRATION_COUNTER=memory"},
		{"production memory counter default strategy", func(c *Config) {
			production(c)
			c.RegistrationCounter = CounterMemory
			c.RegistrationNumberStrategy = "default"
		}, ""},
		{"zero retries", func(c *Config) { c.StoreRetryAttempts = 0 }, "STORE_RETRY_ATTEMPTS"},
		{"pool bounds", func(c *Config) { c.DBMinConns = 20 }, "DB_MIN_CONNS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.want == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %s, got %v", tt.want, err)
			}
		})
	}
}

func TestConfig_Auth(t *testing.T) {
	c := valid()
	if !c.UsesDevAuth() {
		t.Error("development without keys should use dev auth")
	}
	c.AuthSigningKey = "0a0b0c"
	if c.UsesDevAuth() {
		t.Error("a signing key should switch dev auth off")
	}
	if k := c.SigningKey(); len(k) != 3 || k[0] != 0x0a {
		t.Errorf("unexpected key %x", k)
	}

	c.Env = "production"
	if c.IsDev() {
		t.Error("expected IsDev() to return false for production")
	}
}
