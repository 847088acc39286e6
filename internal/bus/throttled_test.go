package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"datagate/internal/ingest"

	"github.com/sirupsen/logrus"
)

type capturingPublisher struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (c *capturingPublisher) Publish(ctx context.Context, p *ingest.DataPoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.published = append(c.published, p.SeriesID)
	return nil
}

func (c *capturingPublisher) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.published)
}

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l.WithField("test", true)
}

func point(seriesID string) *ingest.DataPoint {
	return &ingest.DataPoint{SeriesID: seriesID, Value: 1, Timestamp: time.Now()}
}

func TestThrottledPublisher(t *testing.T) {
	ctx := context.Background()

	t.Run("one publish per interval per series", func(t *testing.T) {
		inner := &capturingPublisher{}
		throttled := 0
		tp := NewThrottledPublisher(inner, 50*time.Millisecond, testLog())
		tp.OnEvents(func() { throttled++ }, nil, nil)

		for i := 0; i < 5; i++ {
			_ = tp.Publish(ctx, point("s1"))
		}
		if inner.count() != 1 {
			t.Fatalf("expected 1 publish inside the window, got %d", inner.count())
		}
		if throttled != 4 {
			t.Fatalf("expected 4 throttled drops, got %d", throttled)
		}

		time.Sleep(60 * time.Millisecond)
		_ = tp.Publish(ctx, point("s1"))
		if inner.count() != 2 {
			t.Fatalf("window elapsed, expected 2 publishes, got %d", inner.count())
		}
	})

	t.Run("series are throttled independently", func(t *testing.T) {
		inner := &capturingPublisher{}
		tp := NewThrottledPublisher(inner, time.Hour, testLog())

		_ = tp.Publish(ctx, point("a"))
		_ = tp.Publish(ctx, point("b"))
		_ = tp.Publish(ctx, point("c"))
		if inner.count() != 3 {
			t.Fatalf("independent series must all publish, got %d", inner.count())
		}
	})

	t.Run("publish failures never propagate", func(t *testing.T) {
		inner := &capturingPublisher{err: fmt.Errorf("bus down")}
		failed := 0
		tp := NewThrottledPublisher(inner, time.Millisecond, testLog())
		tp.OnEvents(nil, nil, func() { failed++ })

		if err := tp.Publish(ctx, point("s1")); err != nil {
			t.Fatalf("fire-and-forget must swallow errors, got %v", err)
		}
		if failed != 1 {
			t.Fatalf("failure hook not invoked, failed=%d", failed)
		}
	})
}
