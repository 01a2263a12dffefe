package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "0123456789abcdef")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StoreDriver != DriverPostgres || cfg.Port != "8080" {
		t.Errorf("defaults: %+v", cfg)
	}
	if cfg.AccrualMaxWindow != 8*time.Hour || cfg.AccrualStartingRate != 250 {
		t.Errorf("accrual defaults: %v %d", cfg.AccrualMaxWindow, cfg.AccrualStartingRate)
	}
	if cfg.ClaimBreakerThreshold != 2 || cfg.ClaimBreakerReset != time.Minute {
		t.Errorf("claim breaker defaults: %d %v", cfg.ClaimBreakerThreshold, cfg.ClaimBreakerReset)
	}
	if !cfg.SchemaAutoRepair {
		t.Error("schema repair should default on")
	}
	if cfg.Addr() != "0.0.0.0:8080" {
		t.Errorf("addr: %s", cfg.Addr())
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "0123456789abcdef")
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", "/tmp/x.db")
	t.Setenv("ACCRUAL_MAX_WINDOW", "12h")
	t.Setenv("SCHEMA_AUTO_REPAIR", "false")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StoreDriver != DriverSQLite || cfg.AccrualMaxWindow != 12*time.Hour || cfg.SchemaAutoRepair {
		t.Errorf("overrides: %+v", cfg)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "https://b.example" {
		t.Errorf("origins: %v", cfg.CORSAllowedOrigins)
	}
}

func TestLoad_MissingSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without JWT_SECRET")
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			StoreDriver: DriverPostgres, DatabaseURL: "postgres://x", DBMaxConns: 4, DBMinConns: 1,
			JWTSecret: "0123456789abcdef", AccrualMaxWindow: time.Hour, LogLevel: "info",
			ClaimBreakerThreshold: 2, ClaimBreakerReset: time.Minute,
			StatusBreakerThreshold: 5, StatusBreakerReset: time.Minute,
			PersistenceTimeout: time.Second, NotifyMaxWorkers: 1,
		}
	}
	base := valid()
	if err := base.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"driver", func(c *Config) { c.StoreDriver = "mysql" }, "STORE_DRIVER"},
		{"short secret", func(c *Config) { c.JWTSecret = "short" }, "JWT_SECRET"},
		{"window", func(c *Config) { c.AccrualMaxWindow = 0 }, "ACCRUAL_MAX_WINDOW"},
		{"rate", func(c *Config) { c.AccrualStartingRate = -1 }, "ACCRUAL_STARTING_RATE"},
		{"threshold", func(c *Config) { c.ClaimBreakerThreshold = 0 }, "thresholds"},
		{"conns", func(c *Config) { c.DBMinConns = 10 }, "DB_MIN_CONNS"},
		{"timeout", func(c *Config) { c.PersistenceTimeout = 0 }, "PERSISTENCE_TIMEOUT"},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "LOG_LEVEL"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := valid()
			tc.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("expected error mentioning %s, got %v", tc.want, err)
			}
		})
	}
}
