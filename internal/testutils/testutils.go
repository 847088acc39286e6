package testutils

import (
	"context"
	"fmt"
	"sync"
	"time"

	"datagate/internal/classify"
	"datagate/internal/ingest"
	"datagate/internal/monitor"
	"datagate/internal/pipeline"
	"datagate/internal/resilience"
	"datagate/internal/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Logger returns a quiet logger for tests.
func Logger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l.WithField("test", true)
}

// Ptr returns a pointer to v; handy for optional bounds.
func Ptr(v float64) *float64 { return &v }

// FakeStore is an in-memory pipeline.Store that tracks active records and
// supports failure injection.
type FakeStore struct {
	mu sync.Mutex

	Points        []ingest.DataPoint
	Latest        map[string]float64
	Alerts        []*storage.AlertRecord
	Warnings      []*storage.WarningRecord
	Notifications []*storage.NotificationRecord

	// FailInserts makes InsertPoint fail until cleared.
	FailInserts bool
	InsertCalls int
}

// NewFakeStore creates an empty fake.
func NewFakeStore() *FakeStore {
	return &FakeStore{Latest: make(map[string]float64)}
}

func (f *FakeStore) InsertPoint(ctx context.Context, p *ingest.DataPoint, cls ingest.Classification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.InsertCalls++
	if f.FailInserts {
		return fmt.Errorf("injected insert failure")
	}
	f.Points = append(f.Points, *p)
	return nil
}

func (f *FakeStore) UpsertLatest(ctx context.Context, p *ingest.DataPoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Latest[p.SeriesID] = p.Value
	return nil
}

func (f *FakeStore) CreateAlert(ctx context.Context, p *ingest.DataPoint, rec *storage.AlertRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := rec.OpenedAt
	for _, a := range f.Alerts {
		if a.SeriesID == rec.SeriesID && a.IsActive {
			a.IsActive = false
			a.ResolvedAt = &now
			a.ResolveReason = storage.ResolveSuperseded
		}
	}
	rec.IsActive = true
	rec.ID = int64(len(f.Alerts) + 1)
	f.Alerts = append(f.Alerts, rec)
	return nil
}

func (f *FakeStore) CreateWarning(ctx context.Context, p *ingest.DataPoint, rec *storage.WarningRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := rec.OpenedAt
	for _, w := range f.Warnings {
		if w.SeriesID == rec.SeriesID && w.IsActive {
			w.IsActive = false
			w.ResolvedAt = &now
			w.ResolveReason = storage.ResolveSuperseded
		}
	}
	rec.IsActive = true
	rec.ID = int64(len(f.Warnings) + 1)
	f.Warnings = append(f.Warnings, rec)
	return nil
}

func (f *FakeStore) ResolveActive(ctx context.Context, p *ingest.DataPoint, kind, reason string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	resolved := false
	if kind == "alert" {
		for _, a := range f.Alerts {
			if a.SeriesID == p.SeriesID && a.IsActive {
				a.IsActive = false
				a.ResolvedAt = &at
				a.ResolveReason = reason
				resolved = true
			}
		}
		return resolved, nil
	}
	for _, w := range f.Warnings {
		if w.SeriesID == p.SeriesID && w.IsActive {
			w.IsActive = false
			w.ResolvedAt = &at
			w.ResolveReason = reason
			resolved = true
		}
	}
	return resolved, nil
}

func (f *FakeStore) HasActiveEvents(ctx context.Context, p *ingest.DataPoint) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.Alerts {
		if a.SeriesID == p.SeriesID && a.IsActive {
			return true, nil
		}
	}
	for _, w := range f.Warnings {
		if w.SeriesID == p.SeriesID && w.IsActive {
			return true, nil
		}
	}
	return false, nil
}

func (f *FakeStore) CreateNotification(ctx context.Context, p *ingest.DataPoint, rec *storage.NotificationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec.ID = int64(len(f.Notifications) + 1)
	f.Notifications = append(f.Notifications, rec)
	return nil
}

// ActiveAlerts counts active alerts for a series.
func (f *FakeStore) ActiveAlerts(seriesID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.Alerts {
		if a.SeriesID == seriesID && a.IsActive {
			n++
		}
	}
	return n
}

// ActiveWarnings counts active warnings for a series.
func (f *FakeStore) ActiveWarnings(seriesID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, w := range f.Warnings {
		if w.SeriesID == seriesID && w.IsActive {
			n++
		}
	}
	return n
}

// FakeDedup is a map-backed idempotency window.
type FakeDedup struct {
	mu   sync.Mutex
	seen map[string]bool
	// Passthrough simulates a dedup-store outage.
	Passthrough bool
	Hits        int
}

func NewFakeDedup() *FakeDedup {
	return &FakeDedup{seen: make(map[string]bool)}
}

func (d *FakeDedup) IsDuplicate(ctx context.Context, msgID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Passthrough {
		return false
	}
	if d.seen[msgID] {
		d.Hits++
		return true
	}
	d.seen[msgID] = true
	return false
}

func (d *FakeDedup) Available() bool { return !d.Passthrough }

// FakeDLQ records entries in memory.
type FakeDLQ struct {
	mu      sync.Mutex
	Entries []ingest.DLQEntry
}

func (q *FakeDLQ) Send(ctx context.Context, e ingest.DLQEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.Entries = append(q.Entries, e)
}

// ByCategory returns the entries in one category.
func (q *FakeDLQ) ByCategory(cat ingest.DLQCategory) []ingest.DLQEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []ingest.DLQEntry
	for _, e := range q.Entries {
		if e.Category == cat {
			out = append(out, e)
		}
	}
	return out
}

// FakeConfigs serves stream configs from a map, falling back to domain
// defaults like the real repository.
type FakeConfigs struct {
	mu      sync.Mutex
	Configs map[string]*ingest.StreamConfig
}

func NewFakeConfigs() *FakeConfigs {
	return &FakeConfigs{Configs: make(map[string]*ingest.StreamConfig)}
}

// Set registers a config for a series.
func (c *FakeConfigs) Set(cfg *ingest.StreamConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Configs[cfg.SeriesID] = cfg
}

func (c *FakeConfigs) Get(ctx context.Context, seriesID string, domain ingest.Domain) (*ingest.StreamConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cfg, ok := c.Configs[seriesID]; ok {
		return cfg, nil
	}
	return ingest.DefaultStreamConfig(seriesID, domain), nil
}

// FakeStates keeps operational state in memory with write-through
// semantics identical to the repository's contract.
type FakeStates struct {
	mu          sync.Mutex
	States      map[string]*ingest.SeriesState
	MinReadings int
	SaveErr     error
}

func NewFakeStates(minReadings int) *FakeStates {
	if minReadings <= 0 {
		minReadings = 10
	}
	return &FakeStates{States: make(map[string]*ingest.SeriesState), MinReadings: minReadings}
}

func (s *FakeStates) Get(ctx context.Context, seriesID string) (*ingest.SeriesState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.States[seriesID]; ok {
		c := *st
		return &c, nil
	}
	st := &ingest.SeriesState{
		SeriesID:             seriesID,
		State:                ingest.StateInitializing,
		MinReadingsForNormal: s.MinReadings,
		StateChangedAt:       time.Now(),
	}
	s.States[seriesID] = st
	c := *st
	return &c, nil
}

func (s *FakeStates) Save(ctx context.Context, st *ingest.SeriesState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SaveErr != nil {
		return s.SaveErr
	}
	c := *st
	s.States[st.SeriesID] = &c
	return nil
}

// FakePublisher records bus publishes and optionally fails.
type FakePublisher struct {
	mu        sync.Mutex
	Published []ingest.DataPoint
	Err       error
}

func (p *FakePublisher) Publish(ctx context.Context, point *ingest.DataPoint) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.Published = append(p.Published, *point)
	return nil
}

// Count returns the number of publishes for a series.
func (p *FakePublisher) Count(seriesID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, pt := range p.Published {
		if pt.SeriesID == seriesID {
			n++
		}
	}
	return n
}

// Harness wires a real router over fakes for end-to-end core tests.
type Harness struct {
	Router    *pipeline.Router
	Store     *FakeStore
	Dedup     *FakeDedup
	DLQ       *FakeDLQ
	Configs   *FakeConfigs
	States    *FakeStates
	Publisher *FakePublisher
	Breakers  map[string]*resilience.CircuitBreaker
}

// HarnessOptions tune the harness construction.
type HarnessOptions struct {
	MinReadings int
	RetryCfg    resilience.RetryConfig
	BreakerCfg  resilience.BreakerConfig
}

// NewHarness builds the harness. Retry sleeps are shrunk so tests stay fast.
func NewHarness(opts HarnessOptions) *Harness {
	log := Logger()
	if opts.RetryCfg.MaxAttempts == 0 {
		opts.RetryCfg = resilience.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
		}
	}
	if opts.BreakerCfg.FailureThreshold == 0 {
		opts.BreakerCfg = resilience.BreakerConfig{
			FailureThreshold: 5,
			OpenTimeout:      50 * time.Millisecond,
		}
	}

	h := &Harness{
		Store:     NewFakeStore(),
		Dedup:     NewFakeDedup(),
		DLQ:       &FakeDLQ{},
		Configs:   NewFakeConfigs(),
		States:    NewFakeStates(opts.MinReadings),
		Publisher: &FakePublisher{},
		Breakers: map[string]*resilience.CircuitBreaker{
			"legacy":  resilience.NewCircuitBreaker("legacy", opts.BreakerCfg, log),
			"generic": resilience.NewCircuitBreaker("generic", opts.BreakerCfg, log),
		},
	}

	prediction := pipeline.NewPredictionPipeline(h.Store, h.Publisher, log)
	h.Router = pipeline.NewRouter(pipeline.RouterDeps{
		Dedup:      h.Dedup,
		DLQ:        h.DLQ,
		Configs:    h.Configs,
		States:     h.States,
		Classifier: classify.NewClassifier(),
		Store:      h.Store,
		Alert:      pipeline.NewAlertPipeline(h.Store, log),
		Warning:    pipeline.NewWarningPipeline(h.Store, log),
		Prediction: prediction,
		RetryCfg:   opts.RetryCfg,
		Breakers:   h.Breakers,
		Metrics:    monitor.NewMetricsWith(prometheus.NewRegistry()),
		Log:        log,
	})
	return h
}
