package pipeline

import (
	"context"
	"time"

	"datagate/internal/ingest"
	"datagate/internal/storage"
)

// Store is the persistence surface the sub-pipelines use. Implemented by
// the domain storage router; tests substitute fakes.
type Store interface {
	InsertPoint(ctx context.Context, p *ingest.DataPoint, cls ingest.Classification) error
	UpsertLatest(ctx context.Context, p *ingest.DataPoint) error
	CreateAlert(ctx context.Context, p *ingest.DataPoint, rec *storage.AlertRecord) error
	CreateWarning(ctx context.Context, p *ingest.DataPoint, rec *storage.WarningRecord) error
	ResolveActive(ctx context.Context, p *ingest.DataPoint, kind, reason string, at time.Time) (bool, error)
	HasActiveEvents(ctx context.Context, p *ingest.DataPoint) (bool, error)
	CreateNotification(ctx context.Context, p *ingest.DataPoint, rec *storage.NotificationRecord) error
}

// Pipeline is one of the three purpose-bound sub-pipelines. Each defensively
// rejects readings it does not own; classifications never cross pipelines.
type Pipeline interface {
	Name() string
	Ingest(ctx context.Context, r *ingest.UnifiedReading) error
}

// Outcome summarizes what the router did with one point.
type Outcome struct {
	Class     ingest.Class  `json:"class,omitempty"`
	Reason    ingest.Reason `json:"reason,omitempty"`
	Persisted bool          `json:"persisted"`
	Published bool          `json:"published"`
	Duplicate bool          `json:"duplicate"`
	Rejected  bool          `json:"rejected"`
	Detail    string        `json:"detail,omitempty"`
	Err       error         `json:"-"`
}
