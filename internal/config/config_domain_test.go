package config

import (
	"testing"
	"time"
)

func TestLoadFromEnvDomainStackOverrides(t *testing.T) {
	t.Setenv("DB_DSN", "postgres://example/test")
	t.Setenv("DB_MAX_CONNS", "42")
	t.Setenv("ACTIVE_POOL_ENABLED", "false")
	t.Setenv("ACTIVE_POOL_SIZE", "7")
	t.Setenv("ACTIVE_POOL_COOLING_PERIOD_MS", "120000")
	t.Setenv("REFRESH_LOCK_TTL_SECONDS", "90")
	t.Setenv("METRICS_ENABLED", "false")
	t.Setenv("METRICS_PORT", "9999")
	t.Setenv("MAX_SYNC_DELETE_ACCOUNTS", "500")
	t.Setenv("SYNC_DELETE_RATE_WINDOW", "2m")

	cfg := &Config{ActivePoolEnabled: true, MetricsEnabled: true}
	cfg.loadFromEnv()

	if cfg.DBDSN != "postgres://example/test" {
		t.Fatalf("expected DB_DSN override, got %q", cfg.DBDSN)
	}
	if cfg.DBMaxConns != 42 {
		t.Fatalf("expected DB_MAX_CONNS override, got %d", cfg.DBMaxConns)
	}
	if cfg.ActivePoolEnabled {
		t.Fatalf("expected ACTIVE_POOL_ENABLED=false to disable the pool")
	}
	if cfg.ActivePoolSize != 7 {
		t.Fatalf("expected ACTIVE_POOL_SIZE override, got %d", cfg.ActivePoolSize)
	}
	if cfg.ActivePoolCoolingPeriod != 2*time.Minute {
		t.Fatalf("expected 120000ms to parse as 2m, got %v", cfg.ActivePoolCoolingPeriod)
	}
	if cfg.RefreshLockTTL != 90*time.Second {
		t.Fatalf("expected REFRESH_LOCK_TTL_SECONDS override, got %v", cfg.RefreshLockTTL)
	}
	if cfg.MetricsEnabled {
		t.Fatalf("expected METRICS_ENABLED=false to disable metrics")
	}
	if cfg.MetricsPort != 9999 {
		t.Fatalf("expected METRICS_PORT override, got %d", cfg.MetricsPort)
	}
	if cfg.MaxSyncDeleteAccounts != 500 {
		t.Fatalf("expected MAX_SYNC_DELETE_ACCOUNTS override, got %d", cfg.MaxSyncDeleteAccounts)
	}
	if cfg.SyncDeleteRateWindow != 2*time.Minute {
		t.Fatalf("expected SYNC_DELETE_RATE_WINDOW override, got %v", cfg.SyncDeleteRateWindow)
	}
}
