package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// DB wraps the pooled connection to one storage backend. Connection
// establishment is probed once; transient failures after that are the
// retry/circuit-breaker layer's problem, not the pool's, so there is no
// reconnect loop or background monitor here.
type DB struct {
	*sql.DB
	name string
	log  *logrus.Entry
}

// Config holds one backend's connection parameters.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string

	MaxOpen         int
	MaxIdle         int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

// dsn renders the config as a postgres URL, the form lib/pq parses without
// quoting surprises in passwords.
func (c *Config) dsn() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.DBName,
	}
	if c.User != "" {
		u.User = url.UserPassword(c.User, c.Password)
	}
	q := url.Values{}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	q.Set("sslmode", sslmode)
	u.RawQuery = q.Encode()
	return u.String()
}

// ParseURL builds a Config from a postgres:// URL.
func ParseURL(raw string) (*Config, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}
	cfg := &Config{
		Host:    u.Hostname(),
		Port:    5432,
		SSLMode: "disable",
	}
	if p := u.Port(); p != "" {
		if cfg.Port, err = strconv.Atoi(p); err != nil {
			return nil, fmt.Errorf("invalid database port: %w", err)
		}
	}
	if u.User != nil {
		cfg.User = u.User.Username()
		cfg.Password, _ = u.User.Password()
	}
	if len(u.Path) > 1 {
		cfg.DBName = u.Path[1:]
	}
	if m := u.Query().Get("sslmode"); m != "" {
		cfg.SSLMode = m
	}
	return cfg, nil
}

// Open connects the named backend and verifies it answers one ping within
// the configured timeout. Pool bounds come from the config; zero values get
// gateway defaults sized for an ingest workload (more idle headroom than
// the driver's own defaults, bounded lifetime so rolling restarts of the
// database shed stale connections).
func Open(name string, cfg *Config, log *logrus.Entry) (*DB, error) {
	pool, err := sql.Open("postgres", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", name, err)
	}

	maxOpen := cfg.MaxOpen
	if maxOpen <= 0 {
		maxOpen = 25
	}
	maxIdle := cfg.MaxIdle
	if maxIdle <= 0 {
		maxIdle = maxOpen / 4
		if maxIdle < 2 {
			maxIdle = 2
		}
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	idleTime := cfg.ConnMaxIdleTime
	if idleTime <= 0 {
		idleTime = 15 * time.Minute
	}
	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}

	pool.SetMaxOpenConns(maxOpen)
	pool.SetMaxIdleConns(maxIdle)
	pool.SetConnMaxLifetime(lifetime)
	pool.SetConnMaxIdleTime(idleTime)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := pool.PingContext(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping %s backend: %w", name, err)
	}

	log.WithFields(logrus.Fields{
		"backend":  name,
		"max_open": maxOpen,
		"max_idle": maxIdle,
	}).Info("database backend connected")

	return &DB{DB: pool, name: name, log: log}, nil
}

// Name returns the backend name this pool serves.
func (db *DB) Name() string { return db.name }

// HealthCheck probes the backend within the caller's deadline.
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.PingContext(ctx)
}

// PoolSnapshot is the point-in-time pool state surfaced through the health
// endpoints. Computed on demand; nothing polls in the background.
type PoolSnapshot struct {
	Open         int    `json:"open"`
	InUse        int    `json:"in_use"`
	Idle         int    `json:"idle"`
	WaitCount    int64  `json:"wait_count"`
	WaitDuration string `json:"wait_duration"`
}

// Snapshot reads the current pool counters, logging once per call when the
// pool shows wait pressure so saturation is visible without a scraper.
func (db *DB) Snapshot() PoolSnapshot {
	s := db.DB.Stats()
	snap := PoolSnapshot{
		Open:         s.OpenConnections,
		InUse:        s.InUse,
		Idle:         s.Idle,
		WaitCount:    s.WaitCount,
		WaitDuration: s.WaitDuration.String(),
	}
	if s.WaitCount > 0 {
		db.log.WithFields(logrus.Fields{
			"backend":    db.name,
			"wait_count": s.WaitCount,
			"in_use":     s.InUse,
		}).Warn("database pool under wait pressure")
	}
	return snap
}

// Close releases the pool.
func (db *DB) Close() error {
	return db.DB.Close()
}
