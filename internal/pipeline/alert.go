package pipeline

import (
	"context"
	"fmt"

	"datagate/internal/errors"
	"datagate/internal/ingest"
	"datagate/internal/storage"

	"github.com/sirupsen/logrus"
)

// AlertPipeline owns CRITICAL_VIOLATION(physical_range) readings: it
// persists the triggering point, supersedes any pre-existing active alert,
// opens a new critical one, and emits the notification record. It never
// touches the prediction bus.
type AlertPipeline struct {
	store Store
	log   *logrus.Entry
}

// NewAlertPipeline creates the alert sub-pipeline.
func NewAlertPipeline(store Store, log *logrus.Entry) *AlertPipeline {
	return &AlertPipeline{store: store, log: log}
}

// Name implements Pipeline.
func (p *AlertPipeline) Name() string { return "alert" }

// Ingest implements Pipeline.
func (p *AlertPipeline) Ingest(ctx context.Context, r *ingest.UnifiedReading) error {
	if r.Classification.Class != ingest.ClassCriticalViolation ||
		r.Classification.Reason != ingest.ReasonPhysicalRange {
		return errors.Internal("pipeline_mismatch",
			fmt.Errorf("alert pipeline got %s(%s)", r.Classification.Class, r.Classification.Reason))
	}

	point := &r.Point
	if err := p.store.InsertPoint(ctx, point, r.Classification); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "alert_persist_failed")
	}

	// Severity is critical and non-downgradable: once an alert record is
	// opened critical it can only be superseded by another critical.
	rec := &storage.AlertRecord{
		SeriesID:      point.SeriesID,
		Severity:      "critical",
		ThresholdName: r.Classification.ViolatedBand,
		Value:         point.Value,
		ValueAt:       point.Timestamp,
		OpenedAt:      point.Timestamp,
	}
	if err := p.store.CreateAlert(ctx, point, rec); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "alert_record_failed")
	}

	note := &storage.NotificationRecord{
		SeriesID:  point.SeriesID,
		Severity:  "critical",
		Message:   fmt.Sprintf("critical violation on %s: %s", point.SeriesID, r.Classification.Detail),
		CreatedAt: point.Timestamp,
	}
	if err := p.store.CreateNotification(ctx, point, note); err != nil {
		// The alert record is the source of truth; a lost notification row
		// is logged, not retried through the whole pipeline.
		p.log.WithError(err).WithField("series_id", point.SeriesID).Warn("notification record failed")
	}

	p.log.WithFields(logrus.Fields{
		"series_id": point.SeriesID,
		"value":     point.Value,
		"band":      r.Classification.ViolatedBand,
	}).Warn("alert opened")
	return nil
}
