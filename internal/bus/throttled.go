package bus

import (
	"context"
	"sync"
	"time"

	"datagate/internal/ingest"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ThrottledPublisher rate-limits the inner publisher per series: at most one
// publish per minimum interval, excess dropped silently and counted. Publish
// failures are logged at most once per minute per series, never retried.
type ThrottledPublisher struct {
	inner       Publisher
	minInterval time.Duration
	log         *logrus.Entry

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	lastErr  map[string]time.Time

	onThrottled func()
	onPublished func()
	onFailed    func()
}

const errLogInterval = time.Minute

// NewThrottledPublisher wraps inner with the per-series throttle.
func NewThrottledPublisher(inner Publisher, minInterval time.Duration, log *logrus.Entry) *ThrottledPublisher {
	if minInterval <= 0 {
		minInterval = time.Second
	}
	return &ThrottledPublisher{
		inner:       inner,
		minInterval: minInterval,
		log:         log,
		limiters:    make(map[string]*rate.Limiter),
		lastErr:     make(map[string]time.Time),
	}
}

// OnEvents registers the metric hooks.
func (t *ThrottledPublisher) OnEvents(throttled, published, failed func()) {
	t.onThrottled = throttled
	t.onPublished = published
	t.onFailed = failed
}

// Publish forwards to the inner publisher when the series' token bucket
// allows it. Always returns nil: the bus is fire-and-forget and publish
// failures never escalate into the ingest path.
func (t *ThrottledPublisher) Publish(ctx context.Context, p *ingest.DataPoint) error {
	if !t.allow(p.SeriesID) {
		if t.onThrottled != nil {
			t.onThrottled()
		}
		return nil
	}

	if err := t.inner.Publish(ctx, p); err != nil {
		if t.onFailed != nil {
			t.onFailed()
		}
		t.logFailure(p.SeriesID, err)
		return nil
	}
	if t.onPublished != nil {
		t.onPublished()
	}
	return nil
}

func (t *ThrottledPublisher) allow(seriesID string) bool {
	t.mu.Lock()
	lim, ok := t.limiters[seriesID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(t.minInterval), 1)
		t.limiters[seriesID] = lim
	}
	t.mu.Unlock()
	return lim.Allow()
}

// logFailure logs once per errLogInterval per series so a dead consumer
// does not flood the log.
func (t *ThrottledPublisher) logFailure(seriesID string, err error) {
	t.mu.Lock()
	last, ok := t.lastErr[seriesID]
	now := time.Now()
	if ok && now.Sub(last) < errLogInterval {
		t.mu.Unlock()
		return
	}
	t.lastErr[seriesID] = now
	t.mu.Unlock()

	t.log.WithError(err).WithField("series_id", seriesID).Warn("prediction bus publish failed")
}
