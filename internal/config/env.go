package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads a .env file when present; real environment variables
// always win.
func LoadDotEnv() {
	if path := os.Getenv("DATAGATE_ENV_FILE"); path != "" {
		_ = godotenv.Load(path)
		return
	}
	_ = godotenv.Load()
}

// applyEnv overlays recognized environment keys onto the configuration.
// Each key maps to one effect; unknown keys are ignored.
func applyEnv(cfg *Config) {
	// Legacy backend connection parameters.
	envString("LEGACY_DB_HOST", &cfg.LegacyDB.Host)
	envInt("LEGACY_DB_PORT", &cfg.LegacyDB.Port)
	envString("LEGACY_DB_USER", &cfg.LegacyDB.User)
	envString("LEGACY_DB_PASSWORD", &cfg.LegacyDB.Password)
	envString("LEGACY_DB_NAME", &cfg.LegacyDB.DBName)

	// Generic backend.
	envString("GENERIC_DB_URL", &cfg.GenericDB.URL)

	// Dedup + DLQ backing store, and the reserved bus override.
	envString("REDIS_URL", &cfg.Redis.URL)
	envString("BUS_URL", &cfg.Redis.BusURL)

	// MQTT broker.
	envString("MQTT_HOST", &cfg.MQTT.Host)
	envInt("MQTT_PORT", &cfg.MQTT.Port)
	envString("MQTT_USERNAME", &cfg.MQTT.Username)
	envString("MQTT_PASSWORD", &cfg.MQTT.Password)

	// Feature toggles.
	envBool("FF_MQTT_INGEST", &cfg.Features.MQTTIngest)
	envBool("FF_MODULAR_RECEIVER", &cfg.Features.ModularReceiver)
	envBool("FF_MQTT_GENERIC", &cfg.Features.MQTTGeneric)
	envBool("FF_WEBSOCKET", &cfg.Features.WebSocket)
	envBool("FF_CSV", &cfg.Features.CSV)
	envBool("FF_DEVICE_AUTH", &cfg.Features.DeviceAuth)

	// Tuning.
	envDuration("DEDUP_TTL", &cfg.Tuning.DedupTTL)
	envInt64("DLQ_MAX_LEN", &cfg.Tuning.DLQMaxLen)
	envInt("BREAKER_FAILURE_THRESHOLD", &cfg.Tuning.BreakerThreshold)
	envDuration("BREAKER_OPEN_FOR", &cfg.Tuning.BreakerOpenFor)
	envInt("RETRY_MAX_ATTEMPTS", &cfg.Tuning.RetryMaxAttempts)
	envDuration("RETRY_BASE_DELAY", &cfg.Tuning.RetryBaseDelay)
	envDuration("BUS_MIN_INTERVAL", &cfg.Tuning.BusMinInterval)
	envDuration("CACHE_TTL", &cfg.Tuning.CacheTTL)
	envInt("WARMUP_READINGS", &cfg.Tuning.WarmupReadings)
	envDuration("STALE_TIMEOUT", &cfg.Tuning.StaleTimeout)

	// Auth.
	envString("API_KEY", &cfg.Auth.APIKey)
	envString("JWT_SECRET", &cfg.Auth.JWTSecret)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
			return
		}
		// Bare numbers mean seconds, matching the older deployments.
		if n, err := strconv.Atoi(v); err == nil {
			*dst = Duration(time.Duration(n) * time.Second)
		}
	}
}
