package pipeline

import (
	"context"
	"fmt"

	"datagate/internal/bus"
	"datagate/internal/errors"
	"datagate/internal/ingest"

	"github.com/sirupsen/logrus"
)

// PredictionPipeline owns NORMAL readings: it persists the point, refreshes
// the latest-value record, and — when the series is out of warm-up and
// prediction is enabled — publishes to the throttled prediction bus.
//
// Persistence and publication are best-effort independent: the publish only
// runs after persistence succeeded, and a publish failure is logged without
// re-persisting anything.
type PredictionPipeline struct {
	store     Store
	publisher bus.Publisher
	log       *logrus.Entry

	onPublish func()
}

// NewPredictionPipeline creates the prediction sub-pipeline.
func NewPredictionPipeline(store Store, publisher bus.Publisher, log *logrus.Entry) *PredictionPipeline {
	return &PredictionPipeline{store: store, publisher: publisher, log: log}
}

// OnPublish registers a hook invoked after each publish attempt is handed to
// the bus (metrics).
func (p *PredictionPipeline) OnPublish(fn func()) { p.onPublish = fn }

// Name implements Pipeline.
func (p *PredictionPipeline) Name() string { return "prediction" }

// Ingest implements Pipeline.
func (p *PredictionPipeline) Ingest(ctx context.Context, r *ingest.UnifiedReading) error {
	if r.Classification.Class != ingest.ClassNormal {
		return errors.Internal("pipeline_mismatch",
			fmt.Errorf("prediction pipeline got %s(%s)", r.Classification.Class, r.Classification.Reason))
	}

	point := &r.Point
	if err := p.store.InsertPoint(ctx, point, r.Classification); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "prediction_persist_failed")
	}
	if err := p.store.UpsertLatest(ctx, point); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "latest_upsert_failed")
	}

	// Warm-up gate: a series still INITIALIZING never reaches the bus, no
	// matter how many NORMAL points it produces.
	if r.State == ingest.StateInitializing {
		return nil
	}
	if r.Config == nil || !r.Config.PredictionEnabled {
		return nil
	}
	if p.publisher == nil {
		return nil
	}

	if err := p.publisher.Publish(ctx, point); err != nil {
		// Fire-and-forget per contract; never retried, never escalated.
		p.log.WithError(err).WithField("series_id", point.SeriesID).Warn("bus publish failed")
		return nil
	}
	if p.onPublish != nil {
		p.onPublish()
	}
	return nil
}
