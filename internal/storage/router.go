package storage

import (
	"context"
	"time"

	"datagate/internal/database"
	"datagate/internal/errors"
	"datagate/internal/ingest"
)

// Router directs persistence to the legacy (IoT) or generic backend based on
// the point's domain. It never inserts across backends, and exposes health
// for each backend independently so either may be down without taking the
// other with it.
type Router struct {
	legacy  *LegacyStore
	generic *GenericStore
}

// NewRouter creates the domain storage router. Either backend may be nil
// when the deployment does not carry that domain; points for a missing
// backend fail with kind=unavailable.
func NewRouter(legacy *LegacyStore, generic *GenericStore) *Router {
	return &Router{legacy: legacy, generic: generic}
}

// InsertPoint persists one point into exactly one backend. For IoT the
// legacy procedure also evaluates thresholds and manages alert records
// transactionally; the classification travels along as metadata only.
func (r *Router) InsertPoint(ctx context.Context, p *ingest.DataPoint, cls ingest.Classification) error {
	if p.IsLegacy() {
		if r.legacy == nil {
			return errors.Unavailable("legacy_backend_missing", nil)
		}
		return r.legacy.InsertReading(ctx, p.LegacySensorID, p.Value, p.Timestamp, cls)
	}
	if r.generic == nil {
		return errors.Unavailable("generic_backend_missing", nil)
	}
	return r.generic.InsertPoint(ctx, p, cls)
}

// UpsertLatest refreshes the latest-value record. The legacy procedure
// maintains its own latest table, so IoT is a no-op here.
func (r *Router) UpsertLatest(ctx context.Context, p *ingest.DataPoint) error {
	if p.IsLegacy() {
		return nil
	}
	if r.generic == nil {
		return errors.Unavailable("generic_backend_missing", nil)
	}
	return r.generic.UpsertLatest(ctx, p)
}

// CreateAlert opens an alert record. IoT alert records are owned by the
// legacy procedure; the call is a no-op for that domain.
func (r *Router) CreateAlert(ctx context.Context, p *ingest.DataPoint, rec *AlertRecord) error {
	if p.IsLegacy() {
		return nil
	}
	if r.generic == nil {
		return errors.Unavailable("generic_backend_missing", nil)
	}
	return r.generic.CreateAlert(ctx, rec)
}

// CreateWarning opens a warning event record; no-op for IoT.
func (r *Router) CreateWarning(ctx context.Context, p *ingest.DataPoint, rec *WarningRecord) error {
	if p.IsLegacy() {
		return nil
	}
	if r.generic == nil {
		return errors.Unavailable("generic_backend_missing", nil)
	}
	return r.generic.CreateWarning(ctx, rec)
}

// ResolveActive resolves the active record of one kind; no-op for IoT.
func (r *Router) ResolveActive(ctx context.Context, p *ingest.DataPoint, kind string, reason string, at time.Time) (bool, error) {
	if p.IsLegacy() || r.generic == nil {
		return false, nil
	}
	if kind == "alert" {
		return r.generic.ResolveActiveAlert(ctx, p.SeriesID, reason, at)
	}
	return r.generic.ResolveActiveWarning(ctx, p.SeriesID, reason, at)
}

// HasActiveEvents reports active alert/warning records. The legacy
// procedure resolves its own records, so IoT reports none and never blocks
// recovery.
func (r *Router) HasActiveEvents(ctx context.Context, p *ingest.DataPoint) (bool, error) {
	if p.IsLegacy() || r.generic == nil {
		return false, nil
	}
	return r.generic.HasActiveEvents(ctx, p.SeriesID)
}

// CreateNotification records the alert hand-off; no-op for IoT (the legacy
// procedure writes its own notification rows).
func (r *Router) CreateNotification(ctx context.Context, p *ingest.DataPoint, rec *NotificationRecord) error {
	if p.IsLegacy() {
		return nil
	}
	if r.generic == nil {
		return errors.Unavailable("generic_backend_missing", nil)
	}
	return r.generic.CreateNotification(ctx, rec)
}

// BackendHealth is one backend's health snapshot.
type BackendHealth struct {
	Configured bool                   `json:"configured"`
	Healthy    bool                   `json:"healthy"`
	Error      string                 `json:"error,omitempty"`
	Pool       *database.PoolSnapshot `json:"pool,omitempty"`
}

// Health checks both backends independently.
func (r *Router) Health(ctx context.Context) map[string]BackendHealth {
	out := make(map[string]BackendHealth, 2)

	legacy := BackendHealth{Configured: r.legacy != nil}
	if r.legacy != nil {
		if err := r.legacy.HealthCheck(ctx); err != nil {
			legacy.Error = err.Error()
		} else {
			legacy.Healthy = true
		}
		pool := r.legacy.Pool()
		legacy.Pool = &pool
	}
	out["legacy"] = legacy

	generic := BackendHealth{Configured: r.generic != nil}
	if r.generic != nil {
		if err := r.generic.HealthCheck(ctx); err != nil {
			generic.Error = err.Error()
		} else {
			generic.Healthy = true
		}
		pool := r.generic.Pool()
		generic.Pool = &pool
	}
	out["generic"] = generic
	return out
}
