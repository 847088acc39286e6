package storage

import (
	"context"
	"strings"
	"sync"
	"time"
)

// SensorResolver maps (device_uuid, sensor_uuid) pairs to legacy sensor ids
// through a TTL cache, validating that each sensor belongs to the device.
type SensorResolver struct {
	store *LegacyStore
	ttl   time.Duration

	mu    sync.Mutex
	cache map[string]resolvedSensor
}

type resolvedSensor struct {
	sensorID int64
	expires  time.Time
}

// NewSensorResolver creates the resolver (default TTL 300s).
func NewSensorResolver(store *LegacyStore, ttl time.Duration) *SensorResolver {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &SensorResolver{
		store: store,
		ttl:   ttl,
		cache: make(map[string]resolvedSensor),
	}
}

// Resolve returns sensor ids keyed by lowercase sensor uuid, plus the uuids
// that did not resolve. Cache hits skip the backend entirely.
func (r *SensorResolver) Resolve(ctx context.Context, deviceUUID string, sensorUUIDs []string) (map[string]int64, []string, error) {
	device := strings.ToLower(deviceUUID)
	resolved := make(map[string]int64, len(sensorUUIDs))
	var misses []string

	now := time.Now()
	r.mu.Lock()
	for _, raw := range sensorUUIDs {
		u := strings.ToLower(raw)
		if hit, ok := r.cache[device+"|"+u]; ok && now.Before(hit.expires) {
			resolved[u] = hit.sensorID
			continue
		}
		misses = append(misses, raw)
	}
	r.mu.Unlock()

	if len(misses) == 0 {
		return resolved, nil, nil
	}

	fresh, unknown, err := r.store.ResolveSensors(ctx, deviceUUID, misses)
	if err != nil {
		return nil, nil, err
	}

	r.mu.Lock()
	expiry := now.Add(r.ttl)
	for u, id := range fresh {
		resolved[u] = id
		r.cache[device+"|"+u] = resolvedSensor{sensorID: id, expires: expiry}
	}
	r.mu.Unlock()

	return resolved, unknown, nil
}
