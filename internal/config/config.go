package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"datagate/internal/logger"

	"gopkg.in/yaml.v3"
)

// Duration decodes YAML durations in either Go notation ("30s", "2h") or
// bare seconds (older deployments wrote plain numbers).
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			secs, convErr := strconv.ParseInt(s, 10, 64)
			if convErr != nil {
				return fmt.Errorf("invalid duration %q: %w", s, err)
			}
			parsed = time.Duration(secs) * time.Second
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	return fmt.Errorf("invalid duration node")
}

// Std returns the standard library value.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config represents the gateway configuration
type Config struct {
	App       AppConfig       `yaml:"app"`
	Server    ServerConfig    `yaml:"server"`
	LegacyDB  LegacyDBConfig  `yaml:"legacy_db"`
	GenericDB GenericDBConfig `yaml:"generic_db"`
	Redis     RedisConfig     `yaml:"redis"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Features  FeatureConfig   `yaml:"features"`
	Tuning    TuningConfig    `yaml:"tuning"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   logger.Config   `yaml:"logging"`
}

// AppConfig represents application configuration
type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Env     string `yaml:"env"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	ReadTimeout    Duration `yaml:"read_timeout"`
	WriteTimeout   Duration `yaml:"write_timeout"`
	RequestTimeout Duration `yaml:"request_timeout"`
}

// LegacyDBConfig holds the legacy (IoT) backend connection parameters.
type LegacyDBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// GenericDBConfig holds the generic time-series backend URL.
type GenericDBConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig holds the dedup + DLQ + prediction-bus backing store URL.
type RedisConfig struct {
	URL string `yaml:"url"`
	// BusURL overrides the bus backing store; reserved, empty means the
	// main Redis URL.
	BusURL string `yaml:"bus_url"`
}

// MQTTConfig represents MQTT broker configuration
type MQTTConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// FeatureConfig holds the transport feature toggles.
type FeatureConfig struct {
	MQTTIngest      bool `yaml:"mqtt_ingest"`
	ModularReceiver bool `yaml:"modular_receiver"`
	MQTTGeneric     bool `yaml:"mqtt_generic"`
	WebSocket       bool `yaml:"websocket"`
	CSV             bool `yaml:"csv"`
	DeviceAuth      bool `yaml:"device_auth"`
}

// TuningConfig holds the resilience and cache tuning knobs.
type TuningConfig struct {
	DedupTTL         Duration `yaml:"dedup_ttl"`
	DLQMaxLen        int64    `yaml:"dlq_max_len"`
	BreakerThreshold int      `yaml:"breaker_threshold"`
	BreakerOpenFor   Duration `yaml:"breaker_open_for"`
	RetryMaxAttempts int      `yaml:"retry_max_attempts"`
	RetryBaseDelay   Duration `yaml:"retry_base_delay"`
	BusMinInterval   Duration `yaml:"bus_min_interval"`
	CacheTTL         Duration `yaml:"cache_ttl"`
	WarmupReadings   int      `yaml:"warmup_readings"`
	StaleTimeout     Duration `yaml:"stale_timeout"`
}

// AuthConfig holds API-key settings.
type AuthConfig struct {
	APIKey    string `yaml:"api_key"`
	JWTSecret string `yaml:"jwt_secret"`
}

// Load loads configuration from a YAML file and overlays the environment.
func Load(filename string) (*Config, error) {
	cfg := defaults()

	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		App: AppConfig{Name: "datagate", Env: "development"},
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			ReadTimeout:    Duration(15 * time.Second),
			WriteTimeout:   Duration(15 * time.Second),
			RequestTimeout: Duration(10 * time.Second),
		},
		LegacyDB: LegacyDBConfig{
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
		},
		MQTT: MQTTConfig{Host: "localhost", Port: 1883},
		Tuning: TuningConfig{
			DedupTTL:         Duration(60 * time.Second),
			DLQMaxLen:        10000,
			BreakerThreshold: 5,
			BreakerOpenFor:   Duration(30 * time.Second),
			RetryMaxAttempts: 3,
			RetryBaseDelay:   Duration(500 * time.Millisecond),
			BusMinInterval:   Duration(time.Second),
			CacheTTL:         Duration(300 * time.Second),
			WarmupReadings:   10,
			StaleTimeout:     Duration(2 * time.Hour),
		},
		Logging: logger.Config{Level: "info", Format: "json", Output: "stdout"},
	}
}
