package classify

import (
	"testing"
	"time"

	"datagate/internal/ingest"
)

func point(seriesID string, value float64) *ingest.DataPoint {
	return &ingest.DataPoint{
		SeriesID:  seriesID,
		Value:     value,
		Timestamp: time.Now(),
		Domain:    ingest.DomainGeneric,
	}
}

func normalCls() ingest.Classification {
	return ingest.Classification{Class: ingest.ClassNormal, Reason: ingest.ReasonClean}
}

func TestStateMachineWarmup(t *testing.T) {
	st := &ingest.SeriesState{
		SeriesID:             "s",
		State:                ingest.StateInitializing,
		MinReadingsForNormal: 3,
	}

	for i := 1; i <= 2; i++ {
		tr := Apply(st, normalCls(), point("s", float64(i)), false)
		if tr.Changed {
			t.Fatalf("reading %d should not transition yet", i)
		}
		if st.ValidReadingsCount != i {
			t.Fatalf("count = %d, want %d", st.ValidReadingsCount, i)
		}
	}

	tr := Apply(st, normalCls(), point("s", 3), false)
	if !tr.Changed || tr.To != ingest.StateNormal {
		t.Fatalf("third reading should reach NORMAL, got %+v", tr)
	}
}

func TestStateMachineViolations(t *testing.T) {
	t.Run("critical moves NORMAL to ALERT", func(t *testing.T) {
		st := &ingest.SeriesState{SeriesID: "s", State: ingest.StateNormal, MinReadingsForNormal: 1}
		tr := Apply(st, ingest.Classification{Class: ingest.ClassCriticalViolation}, point("s", 120), false)
		if tr.To != ingest.StateAlert {
			t.Fatalf("expected ALERT, got %s", tr.To)
		}
	})

	t.Run("warning moves NORMAL to WARNING", func(t *testing.T) {
		st := &ingest.SeriesState{SeriesID: "s", State: ingest.StateNormal, MinReadingsForNormal: 1}
		tr := Apply(st, ingest.Classification{Class: ingest.ClassAnomalyDetected}, point("s", 55), false)
		if tr.To != ingest.StateWarning {
			t.Fatalf("expected WARNING, got %s", tr.To)
		}
	})

	t.Run("critical escalates WARNING to ALERT", func(t *testing.T) {
		st := &ingest.SeriesState{SeriesID: "s", State: ingest.StateWarning, MinReadingsForNormal: 1}
		tr := Apply(st, ingest.Classification{Class: ingest.ClassCriticalViolation}, point("s", 120), false)
		if tr.To != ingest.StateAlert {
			t.Fatalf("expected ALERT, got %s", tr.To)
		}
	})

	t.Run("recovery requires no active events", func(t *testing.T) {
		st := &ingest.SeriesState{SeriesID: "s", State: ingest.StateAlert, MinReadingsForNormal: 1}
		tr := Apply(st, normalCls(), point("s", 50), true)
		if tr.Changed {
			t.Fatalf("active events must block recovery, got %+v", tr)
		}

		tr = Apply(st, normalCls(), point("s", 50), false)
		if tr.To != ingest.StateNormal || !tr.Recovered {
			t.Fatalf("expected recovery to NORMAL, got %+v", tr)
		}
	})

	// ALERT 状态下的降级违规不回退到 WARNING
	t.Run("alert never downgrades to warning", func(t *testing.T) {
		st := &ingest.SeriesState{SeriesID: "s", State: ingest.StateAlert, MinReadingsForNormal: 1}
		tr := Apply(st, ingest.Classification{Class: ingest.ClassWarningViolation}, point("s", 95), false)
		if tr.Changed {
			t.Fatalf("ALERT must hold through warning violations, got %+v", tr)
		}
	})
}

func TestStateMachineStale(t *testing.T) {
	t.Run("stale revives into INITIALIZING", func(t *testing.T) {
		st := &ingest.SeriesState{
			SeriesID:             "s",
			State:                ingest.StateStale,
			ValidReadingsCount:   42,
			MinReadingsForNormal: 10,
		}
		tr := Apply(st, normalCls(), point("s", 5), false)
		if tr.To != ingest.StateInitializing {
			t.Fatalf("expected INITIALIZING, got %s", tr.To)
		}
		if st.ValidReadingsCount != 1 {
			t.Fatalf("revival should restart the counter, got %d", st.ValidReadingsCount)
		}
	})

	t.Run("sweeper marks live states stale", func(t *testing.T) {
		for _, from := range []ingest.SeriesStatus{ingest.StateNormal, ingest.StateWarning, ingest.StateAlert} {
			st := &ingest.SeriesState{SeriesID: "s", State: from}
			tr := MarkStale(st, time.Now())
			if tr.To != ingest.StateStale {
				t.Fatalf("%s should go STALE, got %s", from, tr.To)
			}
		}
	})

	t.Run("sweeper skips INITIALIZING", func(t *testing.T) {
		st := &ingest.SeriesState{SeriesID: "s", State: ingest.StateInitializing}
		tr := MarkStale(st, time.Now())
		if tr.Changed {
			t.Fatalf("INITIALIZING must not go STALE, got %+v", tr)
		}
	})
}

func TestValidTransition(t *testing.T) {
	cases := []struct {
		from, to ingest.SeriesStatus
		want     bool
	}{
		{ingest.StateInitializing, ingest.StateNormal, true},
		{ingest.StateInitializing, ingest.StateAlert, false},
		{ingest.StateNormal, ingest.StateAlert, true},
		{ingest.StateAlert, ingest.StateWarning, false},
		{ingest.StateAlert, ingest.StateNormal, true},
		{ingest.StateStale, ingest.StateInitializing, true},
		{ingest.StateStale, ingest.StateNormal, false},
		{ingest.StateNormal, ingest.StateNormal, true},
	}
	for _, tc := range cases {
		if got := ValidTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("ValidTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}
