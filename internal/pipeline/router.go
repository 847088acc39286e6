package pipeline

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"

	"datagate/internal/classify"
	"datagate/internal/errors"
	"datagate/internal/ingest"
	"datagate/internal/monitor"
	"datagate/internal/resilience"

	"github.com/sirupsen/logrus"
)

// Deduplicator is the idempotency window the router consults.
type Deduplicator interface {
	IsDuplicate(ctx context.Context, msgID string) bool
	Available() bool
}

// DeadLetter is the sink for terminally failed messages.
type DeadLetter interface {
	Send(ctx context.Context, e ingest.DLQEntry)
}

// ConfigSource loads per-series configuration (read-through cached).
type ConfigSource interface {
	Get(ctx context.Context, seriesID string, domain ingest.Domain) (*ingest.StreamConfig, error)
}

// StateSource loads and persists operational state (write-through cached).
type StateSource interface {
	Get(ctx context.Context, seriesID string) (*ingest.SeriesState, error)
	Save(ctx context.Context, state *ingest.SeriesState) error
}

const lockStripes = 1024

// Router is the single entry point into the core: guards, dedup,
// classification, dispatch into exactly one sub-pipeline, resilience
// wrapping, and the state-machine transition. It is the only place where
// classifications convert into side effects.
//
// The router is reentrant; one instance is shared across all transports.
// State transitions for a series are serialized through striped locks.
type Router struct {
	dedup      Deduplicator
	dlq        DeadLetter
	configs    ConfigSource
	states     StateSource
	classifier *classify.Classifier
	store      Store

	alert      Pipeline
	warning    Pipeline
	prediction Pipeline

	retryCfg resilience.RetryConfig
	breakers map[string]*resilience.CircuitBreaker

	locks   [lockStripes]sync.Mutex
	metrics *monitor.Metrics
	log     *logrus.Entry
	now     func() time.Time
}

// RouterDeps bundles the router's collaborators; the router is built once
// and handed out immutable.
type RouterDeps struct {
	Dedup      Deduplicator
	DLQ        DeadLetter
	Configs    ConfigSource
	States     StateSource
	Classifier *classify.Classifier
	Store      Store
	Alert      Pipeline
	Warning    Pipeline
	Prediction Pipeline
	RetryCfg   resilience.RetryConfig
	Breakers   map[string]*resilience.CircuitBreaker
	Metrics    *monitor.Metrics
	Log        *logrus.Entry
	Now        func() time.Time
}

// NewRouter wires the router from its dependencies.
func NewRouter(deps RouterDeps) *Router {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.RetryCfg.MaxAttempts == 0 {
		deps.RetryCfg = resilience.DefaultRetryConfig()
	}
	return &Router{
		dedup:      deps.Dedup,
		dlq:        deps.DLQ,
		configs:    deps.Configs,
		states:     deps.States,
		classifier: deps.Classifier,
		store:      deps.Store,
		alert:      deps.Alert,
		warning:    deps.Warning,
		prediction: deps.Prediction,
		retryCfg:   deps.RetryCfg,
		breakers:   deps.Breakers,
		metrics:    deps.Metrics,
		log:        deps.Log,
		now:        deps.Now,
	}
}

// Route processes one point end to end. transport names the adapter for
// metrics and DLQ context; raw is the original payload for DLQ entries.
func (r *Router) Route(ctx context.Context, transport string, p *ingest.DataPoint, raw []byte) Outcome {
	started := r.now()
	if p.IngestedAt.IsZero() {
		p.IngestedAt = started
	}
	if raw == nil {
		// Transports that already unmarshalled (HTTP, WS batches) hand no
		// raw payload; DLQ entries then carry the contract encoding so the
		// replay consumer can reconstruct the point.
		raw, _ = json.Marshal(p)
	}

	// 1. Guards.
	if g := ingest.Guard(p, started); !g.OK {
		r.metrics.PointsRejected.WithLabelValues(transport, g.Reason).Inc()
		r.dlq.Send(ctx, ingest.DLQEntry{
			Transport: transport,
			Raw:       raw,
			Category:  ingest.DLQGuards,
			Detail:    g.Reason + ": " + g.Detail,
			MsgID:     p.MsgID,
			SeriesID:  p.SeriesID,
			Attempts:  1,
		})
		r.metrics.DLQEntries.WithLabelValues(string(ingest.DLQGuards)).Inc()
		return Outcome{Rejected: true, Reason: ingest.ReasonGuardsFailed, Detail: g.Reason}
	}

	// 2. Dedup.
	msgID := p.DeriveMsgID()
	if r.dedup.IsDuplicate(ctx, msgID) {
		r.metrics.DedupHits.Inc()
		return Outcome{Duplicate: true}
	}
	if r.dedup.Available() {
		r.metrics.DedupPassthru.Set(0)
	} else {
		r.metrics.DedupPassthru.Set(1)
	}

	// Per-series serialization: classification through state transition run
	// under the series' stripe.
	lock := &r.locks[stripe(p.SeriesID)]
	lock.Lock()
	defer lock.Unlock()

	// 3. Context: constraints and operational state.
	cfg, err := r.configs.Get(ctx, p.SeriesID, p.Domain)
	if err != nil {
		return r.persistFailure(ctx, transport, p, raw, msgID, err)
	}
	st, err := r.states.Get(ctx, p.SeriesID)
	if err != nil {
		return r.persistFailure(ctx, transport, p, raw, msgID, err)
	}

	if ingest.SuspiciousZero(p, st.LastValue, st.HasLast) {
		r.metrics.SuspiciousZeros.Inc()
		r.log.WithFields(logrus.Fields{
			"series_id":  p.SeriesID,
			"prev_value": st.LastValue,
			"timestamp":  p.Timestamp,
		}).Warn("suspicious exact-zero reading")
	}

	// 4. Classify.
	cls := r.classifier.Classify(classify.Input{
		Point:  *p,
		Config: cfg,
		State:  st,
		Now:    started,
	})
	r.metrics.Classifications.WithLabelValues(string(cls.Class), string(cls.Reason)).Inc()

	reading := &ingest.UnifiedReading{
		Point:          *p,
		Classification: cls,
		State:          st.State,
		Config:         cfg,
		PrevValue:      st.LastValue,
		HasPrevValue:   st.HasLast,
	}

	// 5. Exactly one sub-pipeline.
	pipe := r.pipelineFor(cls)
	if pipe == nil {
		err := errors.Internal("no_pipeline", nil).WithContext("class", cls.Class)
		r.dlq.Send(ctx, ingest.DLQEntry{
			Transport: transport,
			Raw:       raw,
			Category:  ingest.DLQClassifierBug,
			Detail:    err.Error(),
			MsgID:     msgID,
			SeriesID:  p.SeriesID,
			Attempts:  1,
		})
		r.metrics.DLQEntries.WithLabelValues(string(ingest.DLQClassifierBug)).Inc()
		return Outcome{Class: cls.Class, Reason: cls.Reason, Err: err}
	}

	// 6. Persist under retry + circuit breaker.
	breaker := r.breakerFor(p.Domain)
	persistErr := resilience.Retry(ctx, r.retryCfg, func(ctx context.Context) error {
		if breaker == nil {
			return pipe.Ingest(ctx, reading)
		}
		return breaker.Call(ctx, func(ctx context.Context) error {
			return pipe.Ingest(ctx, reading)
		})
	})
	if persistErr != nil {
		if app := errors.AsApp(persistErr); app != nil && app.Kind == errors.KindInternal {
			r.dlq.Send(ctx, ingest.DLQEntry{
				Transport: transport,
				Raw:       raw,
				Category:  ingest.DLQClassifierBug,
				Detail:    persistErr.Error(),
				MsgID:     msgID,
				SeriesID:  p.SeriesID,
				Attempts:  1,
			})
			r.metrics.DLQEntries.WithLabelValues(string(ingest.DLQClassifierBug)).Inc()
			return Outcome{Class: cls.Class, Reason: cls.Reason, Err: persistErr}
		}
		return r.persistFailure(ctx, transport, p, raw, msgID, persistErr)
	}

	// 7. State transition, atomic with the counter through the
	// write-through repository.
	r.applyState(ctx, p, cls, st)

	p.ProcessedAt = r.now()
	r.metrics.PointsIngested.WithLabelValues(transport, string(p.Domain)).Inc()
	r.metrics.IngestLatency.WithLabelValues(transport).Observe(r.now().Sub(started).Seconds())

	return Outcome{Class: cls.Class, Reason: cls.Reason, Persisted: true}
}

// applyState advances the state machine. A NORMAL point landing on an
// ALERT/WARNING series means the value returned to band: the router
// resolves the active records first (starting their cooldown clocks), then
// transitions. Recovery requires that nothing is still active afterwards.
func (r *Router) applyState(ctx context.Context, p *ingest.DataPoint, cls ingest.Classification, st *ingest.SeriesState) {
	eventsActive := false
	if cls.Class == ingest.ClassNormal &&
		(st.State == ingest.StateWarning || st.State == ingest.StateAlert) {
		now := r.now()
		for _, kind := range []classify.EventKind{classify.KindAlert, classify.KindWarning} {
			resolved, err := r.store.ResolveActive(ctx, p, string(kind), "recovered", now)
			if err != nil {
				r.log.WithError(err).WithField("series_id", p.SeriesID).Warn("resolve on recovery failed")
				continue
			}
			if resolved {
				r.classifier.MarkResolved(p.SeriesID, kind, now)
			}
		}

		var err error
		eventsActive, err = r.store.HasActiveEvents(ctx, p)
		if err != nil {
			r.log.WithError(err).WithField("series_id", p.SeriesID).Warn("active-event lookup failed, keeping state")
			eventsActive = true
		}
	}

	tr := classify.Apply(st, cls, p, eventsActive)

	if tr.Changed {
		r.metrics.StateTransitions.WithLabelValues(string(tr.From), string(tr.To)).Inc()
	}
	if err := r.states.Save(ctx, st); err != nil {
		r.log.WithError(err).WithField("series_id", p.SeriesID).Error("state save failed")
	}
}

// persistFailure routes a terminal persistence failure to the DLQ.
func (r *Router) persistFailure(ctx context.Context, transport string, p *ingest.DataPoint, raw []byte, msgID string, err error) Outcome {
	category := ingest.DLQPersist
	if ctx.Err() != nil {
		category = ingest.DLQCancelled
	}
	r.dlq.Send(ctx, ingest.DLQEntry{
		Transport: transport,
		Raw:       raw,
		Category:  category,
		Detail:    err.Error(),
		MsgID:     msgID,
		SeriesID:  p.SeriesID,
		Attempts:  r.retryCfg.MaxAttempts,
	})
	r.metrics.DLQEntries.WithLabelValues(string(category)).Inc()
	return Outcome{Err: errors.Wrap(err, errors.KindUnavailable, "persist_failed")}
}

// pipelineFor maps a classification onto its owning sub-pipeline.
func (r *Router) pipelineFor(cls ingest.Classification) Pipeline {
	switch cls.Class {
	case ingest.ClassCriticalViolation:
		return r.alert
	case ingest.ClassWarningViolation, ingest.ClassAnomalyDetected:
		return r.warning
	case ingest.ClassNormal:
		return r.prediction
	}
	return nil
}

// breakerFor picks the breaker guarding the backend the point targets.
func (r *Router) breakerFor(domain ingest.Domain) *resilience.CircuitBreaker {
	if domain == ingest.DomainIoT {
		return r.breakers["legacy"]
	}
	return r.breakers["generic"]
}

func stripe(seriesID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(seriesID))
	return h.Sum32() % lockStripes
}
