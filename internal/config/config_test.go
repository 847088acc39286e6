package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Tuning.DedupTTL.Std() != 60*time.Second {
		t.Errorf("dedup ttl default = %v", cfg.Tuning.DedupTTL)
	}
	if cfg.Tuning.DLQMaxLen != 10000 {
		t.Errorf("dlq max len default = %d", cfg.Tuning.DLQMaxLen)
	}
	if cfg.Tuning.BreakerThreshold != 5 || cfg.Tuning.BreakerOpenFor.Std() != 30*time.Second {
		t.Errorf("breaker defaults = %d/%v", cfg.Tuning.BreakerThreshold, cfg.Tuning.BreakerOpenFor)
	}
	if cfg.Tuning.WarmupReadings != 10 {
		t.Errorf("warmup default = %d", cfg.Tuning.WarmupReadings)
	}
	if cfg.Tuning.StaleTimeout.Std() != 2*time.Hour {
		t.Errorf("stale timeout default = %v", cfg.Tuning.StaleTimeout)
	}
	if cfg.Features.MQTTIngest || cfg.Features.WebSocket {
		t.Error("feature toggles must default to off")
	}
}

func TestEnvOverlay(t *testing.T) {
	t.Setenv("LEGACY_DB_HOST", "db.internal")
	t.Setenv("LEGACY_DB_PORT", "5433")
	t.Setenv("GENERIC_DB_URL", "postgres://u:p@ts:5432/points")
	t.Setenv("REDIS_URL", "redis://cache:6379/1")
	t.Setenv("FF_WEBSOCKET", "true")
	t.Setenv("FF_CSV", "1")
	t.Setenv("DEDUP_TTL", "90s")
	t.Setenv("STALE_TIMEOUT", "7200")
	t.Setenv("BREAKER_FAILURE_THRESHOLD", "9")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.LegacyDB.Host != "db.internal" || cfg.LegacyDB.Port != 5433 {
		t.Errorf("legacy db overlay lost: %+v", cfg.LegacyDB)
	}
	if cfg.GenericDB.URL != "postgres://u:p@ts:5432/points" {
		t.Errorf("generic url overlay lost: %q", cfg.GenericDB.URL)
	}
	if cfg.Redis.URL != "redis://cache:6379/1" {
		t.Errorf("redis overlay lost: %q", cfg.Redis.URL)
	}
	if !cfg.Features.WebSocket || !cfg.Features.CSV {
		t.Error("feature toggles not applied")
	}
	if cfg.Tuning.DedupTTL.Std() != 90*time.Second {
		t.Errorf("dedup ttl overlay = %v", cfg.Tuning.DedupTTL)
	}
	// Bare seconds form for older deployments.
	if cfg.Tuning.StaleTimeout.Std() != 2*time.Hour {
		t.Errorf("bare-seconds duration lost: %v", cfg.Tuning.StaleTimeout)
	}
	if cfg.Tuning.BreakerThreshold != 9 {
		t.Errorf("breaker threshold overlay = %d", cfg.Tuning.BreakerThreshold)
	}
}

func TestYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
app:
  name: datagate
  env: production
server:
  port: 9090
tuning:
  dedup_ttl: 45s
  warmup_readings: 3
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.App.Env != "production" || cfg.Server.Port != 9090 {
		t.Errorf("yaml values lost: %+v %+v", cfg.App, cfg.Server)
	}
	if cfg.Tuning.DedupTTL.Std() != 45*time.Second || cfg.Tuning.WarmupReadings != 3 {
		t.Errorf("yaml tuning lost: %+v", cfg.Tuning)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("missing file must error")
	}
}
