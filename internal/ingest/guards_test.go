package ingest

import (
	"math"
	"testing"
	"time"
)

func validPoint(now time.Time) *DataPoint {
	return &DataPoint{
		SeriesID:  "infrastructure/web-01/cpu",
		Value:     42.5,
		Timestamp: now.Add(-time.Minute),
		Domain:    DomainInfrastructure,
	}
}

func TestGuard(t *testing.T) {
	now := time.Now()

	t.Run("accepts a clean point", func(t *testing.T) {
		res := Guard(validPoint(now), now)
		if !res.OK {
			t.Fatalf("expected OK, got %s: %s", res.Reason, res.Detail)
		}
	})

	t.Run("rejects NaN", func(t *testing.T) {
		p := validPoint(now)
		p.Value = math.NaN()
		res := Guard(p, now)
		if res.OK || res.Reason != "value_nan" {
			t.Fatalf("expected value_nan, got %+v", res)
		}
	})

	t.Run("rejects infinity", func(t *testing.T) {
		for _, v := range []float64{math.Inf(1), math.Inf(-1)} {
			p := validPoint(now)
			p.Value = v
			res := Guard(p, now)
			if res.OK || res.Reason != "value_infinite" {
				t.Fatalf("expected value_infinite for %v, got %+v", v, res)
			}
		}
	})

	t.Run("rejects non-positive legacy sensor id", func(t *testing.T) {
		p := validPoint(now)
		p.Domain = DomainIoT
		p.SeriesID = "0"
		p.LegacySensorID = 0
		res := Guard(p, now)
		if res.OK || res.Reason != "sensor_id_invalid" {
			t.Fatalf("expected sensor_id_invalid, got %+v", res)
		}
	})

	// 时间边界：24h-1µs 接受，24h+1µs 拒绝
	t.Run("timestamp boundary at 24h", func(t *testing.T) {
		p := validPoint(now)
		p.Timestamp = now.Add(-MaxPastWindow + time.Microsecond)
		if res := Guard(p, now); !res.OK {
			t.Fatalf("just inside the window should pass, got %+v", res)
		}

		p.Timestamp = now.Add(-MaxPastWindow - time.Microsecond)
		if res := Guard(p, now); res.OK || res.Reason != "timestamp_too_old" {
			t.Fatalf("just outside the window should fail, got %+v", res)
		}
	})

	t.Run("rejects future skew beyond 60s", func(t *testing.T) {
		p := validPoint(now)
		p.Timestamp = now.Add(61 * time.Second)
		res := Guard(p, now)
		if res.OK || res.Reason != "timestamp_in_future" {
			t.Fatalf("expected timestamp_in_future, got %+v", res)
		}

		p.Timestamp = now.Add(59 * time.Second)
		if res := Guard(p, now); !res.OK {
			t.Fatalf("59s skew should pass, got %+v", res)
		}
	})

	t.Run("rejects unknown domain", func(t *testing.T) {
		p := validPoint(now)
		p.Domain = Domain("bogus")
		res := Guard(p, now)
		if res.OK || res.Reason != "domain_invalid" {
			t.Fatalf("expected domain_invalid, got %+v", res)
		}
	})
}

func TestSuspiciousZero(t *testing.T) {
	p := &DataPoint{SeriesID: "s", Value: 0, Domain: DomainGeneric, StreamType: "temperature"}

	t.Run("flagged when previous was far from zero", func(t *testing.T) {
		if !SuspiciousZero(p, 21.5, true) {
			t.Fatal("exact zero after 21.5 should be suspicious")
		}
	})

	t.Run("not flagged without history", func(t *testing.T) {
		if SuspiciousZero(p, 0, false) {
			t.Fatal("first reading can legitimately be zero")
		}
	})

	t.Run("not flagged when previous was near zero", func(t *testing.T) {
		if SuspiciousZero(p, 0.2, true) {
			t.Fatal("zero after 0.2 is plausible")
		}
	})

	t.Run("not flagged for counter-like stream types", func(t *testing.T) {
		q := *p
		q.StreamType = "power"
		if SuspiciousZero(&q, 100, true) {
			t.Fatal("power can drop to exactly zero")
		}
	})

	t.Run("non-zero value never flagged", func(t *testing.T) {
		q := *p
		q.Value = 0.5
		if SuspiciousZero(&q, 100, true) {
			t.Fatal("non-zero value flagged")
		}
	})
}

func TestDeriveMsgID(t *testing.T) {
	ts := time.Unix(12, 0).UTC()
	p := &DataPoint{SeriesID: "s2", Value: 7, Timestamp: ts}

	id1 := p.DeriveMsgID()
	id2 := p.DeriveMsgID()
	if id1 != id2 {
		t.Fatalf("derivation must be deterministic: %s vs %s", id1, id2)
	}

	// Producer-supplied ids win.
	p.MsgID = "custom"
	if got := p.DeriveMsgID(); got != "custom" {
		t.Fatalf("expected producer msg_id, got %s", got)
	}

	q := &DataPoint{SeriesID: "s2", Value: 7.000001, Timestamp: ts}
	if q.DeriveMsgID() == id1 {
		t.Fatal("different values must derive different ids")
	}
}
