package pipeline

import (
	"context"
	"fmt"
	"math"

	"datagate/internal/errors"
	"datagate/internal/ingest"
	"datagate/internal/storage"

	"github.com/sirupsen/logrus"
)

// WarningPipeline owns delta-spike anomalies and operational-band
// violations: it persists the point and the event record, superseding any
// active warning. It never touches the prediction bus.
type WarningPipeline struct {
	store Store
	log   *logrus.Entry
}

// NewWarningPipeline creates the warning sub-pipeline.
func NewWarningPipeline(store Store, log *logrus.Entry) *WarningPipeline {
	return &WarningPipeline{store: store, log: log}
}

// Name implements Pipeline.
func (p *WarningPipeline) Name() string { return "warning" }

func (p *WarningPipeline) owns(cls ingest.Classification) bool {
	switch {
	case cls.Class == ingest.ClassAnomalyDetected && cls.Reason == ingest.ReasonDeltaSpike:
		return true
	case cls.Class == ingest.ClassWarningViolation &&
		(cls.Reason == ingest.ReasonOperationalRange || cls.Reason == ingest.ReasonWarningZone):
		return true
	}
	return false
}

// Ingest implements Pipeline.
func (p *WarningPipeline) Ingest(ctx context.Context, r *ingest.UnifiedReading) error {
	if !p.owns(r.Classification) {
		return errors.Internal("pipeline_mismatch",
			fmt.Errorf("warning pipeline got %s(%s)", r.Classification.Class, r.Classification.Reason))
	}

	point := &r.Point
	if err := p.store.InsertPoint(ctx, point, r.Classification); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "warning_persist_failed")
	}

	rec := p.buildRecord(r)
	if err := p.store.CreateWarning(ctx, point, rec); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "warning_record_failed")
	}

	p.log.WithFields(logrus.Fields{
		"series_id":  point.SeriesID,
		"event_type": rec.EventType,
		"value":      point.Value,
	}).Warn("warning opened")
	return nil
}

func (p *WarningPipeline) buildRecord(r *ingest.UnifiedReading) *storage.WarningRecord {
	point := &r.Point
	rec := &storage.WarningRecord{
		SeriesID:     point.SeriesID,
		CurrentValue: point.Value,
		ValueAt:      point.Timestamp,
		OpenedAt:     point.Timestamp,
	}

	if d := r.Classification.Delta; d != nil {
		rec.EventType = storage.EventDeltaSpike
		rec.PreviousValue = d.PreviousValue
		rec.AbsoluteDelta = d.AbsoluteDelta
		rec.RelativeDelta = d.RelativeDelta
		return rec
	}

	rec.EventType = storage.EventOperationalDeviation
	if r.HasPrevValue {
		rec.PreviousValue = r.PrevValue
		rec.AbsoluteDelta = math.Abs(point.Value - r.PrevValue)
		if math.Abs(r.PrevValue) > 1e-6 {
			rec.RelativeDelta = rec.AbsoluteDelta / math.Abs(r.PrevValue)
		}
	}
	return rec
}
