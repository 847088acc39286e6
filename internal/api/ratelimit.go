package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	Enabled      bool `yaml:"enabled"`
	SensorPerMin int  `yaml:"sensor_per_min"`
	DevicePerMin int  `yaml:"device_per_min"`
	GlobalPerMin int  `yaml:"global_per_min"`
}

// DefaultRateLimitConfig returns the per-minute defaults.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:      true,
		SensorPerMin: 60,
		DevicePerMin: 300,
		GlobalPerMin: 1000,
	}
}

// IngestRateLimiter enforces three levels of producer-facing backpressure:
// per series, per device, and per client IP. Keyed token buckets; stale
// buckets are swept periodically so the maps stay bounded.
type IngestRateLimiter struct {
	cfg RateLimitConfig

	mu       sync.Mutex
	limiters map[string]*keyedLimiter
	lastSwep time.Time
}

type keyedLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

const limiterIdleEviction = 5 * time.Minute

// NewIngestRateLimiter creates the limiter.
func NewIngestRateLimiter(cfg RateLimitConfig) *IngestRateLimiter {
	return &IngestRateLimiter{
		cfg:      cfg,
		limiters: make(map[string]*keyedLimiter),
		lastSwep: time.Now(),
	}
}

// AllowSeries checks the per-series budget.
func (l *IngestRateLimiter) AllowSeries(seriesID string) bool {
	return l.allow("series:"+seriesID, l.cfg.SensorPerMin)
}

// AllowDevice checks the per-device budget.
func (l *IngestRateLimiter) AllowDevice(deviceUUID string) bool {
	return l.allow("device:"+deviceUUID, l.cfg.DevicePerMin)
}

// AllowIP checks the per-client budget.
func (l *IngestRateLimiter) AllowIP(ip string) bool {
	return l.allow("ip:"+ip, l.cfg.GlobalPerMin)
}

func (l *IngestRateLimiter) allow(key string, perMin int) bool {
	if !l.cfg.Enabled || perMin <= 0 {
		return true
	}

	l.mu.Lock()
	l.maybeSweep()
	kl, ok := l.limiters[key]
	if !ok {
		kl = &keyedLimiter{
			lim: rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin),
		}
		l.limiters[key] = kl
	}
	kl.lastSeen = time.Now()
	l.mu.Unlock()

	return kl.lim.Allow()
}

// maybeSweep evicts idle buckets. Caller holds the lock.
func (l *IngestRateLimiter) maybeSweep() {
	now := time.Now()
	if now.Sub(l.lastSwep) < time.Minute {
		return
	}
	l.lastSwep = now
	cutoff := now.Add(-limiterIdleEviction)
	for key, kl := range l.limiters {
		if kl.lastSeen.Before(cutoff) {
			delete(l.limiters, key)
		}
	}
}
