package pipeline_test

import (
	"context"
	"math"
	"testing"
	"time"

	"datagate/internal/ingest"
	"datagate/internal/resilience"
	"datagate/internal/storage"
	"datagate/internal/testutils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func genericPoint(seriesID string, value float64, at time.Time) *ingest.DataPoint {
	return &ingest.DataPoint{
		SeriesID:  seriesID,
		Value:     value,
		Timestamp: at,
		Domain:    ingest.DomainGeneric,
	}
}

func bandedConfig(seriesID string) *ingest.StreamConfig {
	return &ingest.StreamConfig{
		SeriesID:          seriesID,
		Domain:            ingest.DomainGeneric,
		AlertingEnabled:   true,
		PredictionEnabled: true,
		Constraints: ingest.ValueConstraints{
			CriticalMin:    testutils.Ptr(0),
			CriticalMax:    testutils.Ptr(100),
			OperationalMin: testutils.Ptr(10),
			OperationalMax: testutils.Ptr(90),
		},
	}
}

func TestWarmupSuppression(t *testing.T) {
	h := testutils.NewHarness(testutils.HarnessOptions{MinReadings: 3})
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	cfg := bandedConfig("s1")
	h.Configs.Set(cfg)

	// Three warm-up points: no alerts, no warnings, no publishes.
	for i, v := range []float64{10, 11, 12} {
		outcome := h.Router.Route(ctx, "test", genericPoint("s1", v, base.Add(time.Duration(i)*time.Second)), nil)
		require.True(t, outcome.Persisted, "warm-up points still persist")
	}
	assert.Zero(t, len(h.Store.Alerts))
	assert.Zero(t, len(h.Store.Warnings))
	assert.Zero(t, h.Publisher.Count("s1"))

	st, err := h.States.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, ingest.StateNormal, st.State, "third point completes warm-up")

	// The fourth point publishes.
	outcome := h.Router.Route(ctx, "test", genericPoint("s1", 10, base.Add(4*time.Second)), nil)
	require.True(t, outcome.Persisted)
	assert.Equal(t, 1, h.Publisher.Count("s1"))
	assert.Zero(t, len(h.Store.Alerts))
	assert.Zero(t, len(h.Store.Warnings))
}

func TestCriticalWins(t *testing.T) {
	h := testutils.NewHarness(testutils.HarnessOptions{MinReadings: 1})
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	h.Configs.Set(bandedConfig("s2"))

	// Warm-up done after the first point.
	h.Router.Route(ctx, "test", genericPoint("s2", 50, base), nil)

	outcome := h.Router.Route(ctx, "test", genericPoint("s2", 120, base.Add(10*time.Second)), nil)
	require.True(t, outcome.Persisted)
	assert.Equal(t, ingest.ClassCriticalViolation, outcome.Class)

	require.Len(t, h.Store.Alerts, 1)
	alert := h.Store.Alerts[0]
	assert.Equal(t, "critical", alert.Severity)
	assert.Equal(t, "critical", alert.ThresholdName)
	assert.True(t, alert.IsActive)
	assert.Zero(t, len(h.Store.Warnings))
	assert.Zero(t, h.Publisher.Count("s2"), "critical points never reach the bus")
}

func TestAlertDeduplication(t *testing.T) {
	h := testutils.NewHarness(testutils.HarnessOptions{MinReadings: 1})
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	h.Configs.Set(bandedConfig("s2"))
	h.Router.Route(ctx, "test", genericPoint("s2", 50, base), nil)
	h.Router.Route(ctx, "test", genericPoint("s2", 120, base.Add(10*time.Second)), nil)
	h.Router.Route(ctx, "test", genericPoint("s2", 130, base.Add(11*time.Second)), nil)

	require.Len(t, h.Store.Alerts, 2)
	first, second := h.Store.Alerts[0], h.Store.Alerts[1]

	assert.False(t, first.IsActive, "previous alert must be resolved")
	require.NotNil(t, first.ResolvedAt)
	assert.Equal(t, storage.ResolveSuperseded, first.ResolveReason)

	assert.True(t, second.IsActive)
	assert.Equal(t, "critical", second.Severity)
	assert.Equal(t, 1, h.Store.ActiveAlerts("s2"), "exactly one active alert at all times")
}

func TestDeltaSpikeScenario(t *testing.T) {
	h := testutils.NewHarness(testutils.HarnessOptions{MinReadings: 1})
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	h.Configs.Set(&ingest.StreamConfig{
		SeriesID:          "s4",
		Domain:            ingest.DomainGeneric,
		AlertingEnabled:   true,
		PredictionEnabled: true,
		Constraints: ingest.ValueConstraints{
			AbsDelta:       testutils.Ptr(3),
			SpikeWindowSec: 1,
			MinReadings:    1,
		},
	})

	h.Router.Route(ctx, "test", genericPoint("s4", 50, base), nil)
	outcome := h.Router.Route(ctx, "test", genericPoint("s4", 55, base.Add(200*time.Millisecond)), nil)

	require.True(t, outcome.Persisted)
	assert.Equal(t, ingest.ClassAnomalyDetected, outcome.Class)

	require.Len(t, h.Store.Warnings, 1)
	warning := h.Store.Warnings[0]
	assert.Equal(t, storage.EventDeltaSpike, warning.EventType)
	assert.Equal(t, 5.0, warning.AbsoluteDelta)
	assert.Equal(t, 50.0, warning.PreviousValue)
	assert.Zero(t, len(h.Store.Alerts))
	assert.Zero(t, h.Publisher.Count("s4"), "neither warm-up nor anomaly points reach the bus")
}

func TestDedupHit(t *testing.T) {
	h := testutils.NewHarness(testutils.HarnessOptions{MinReadings: 1})
	ctx := context.Background()
	ts := time.Now().Add(-30 * time.Second)

	h.Configs.Set(bandedConfig("s5"))

	p1 := genericPoint("s5", 7, ts)
	p1.MsgID = "msg-1"
	p2 := genericPoint("s5", 7, ts)
	p2.MsgID = "msg-1"

	first := h.Router.Route(ctx, "test", p1, nil)
	second := h.Router.Route(ctx, "test", p2, nil)

	require.True(t, first.Persisted)
	assert.True(t, second.Duplicate)
	assert.False(t, second.Persisted)
	assert.Equal(t, 1, h.Store.InsertCalls, "one persistence call total")
	assert.Equal(t, 1, h.Dedup.Hits)
}

func TestCircuitBreakerOpens(t *testing.T) {
	h := testutils.NewHarness(testutils.HarnessOptions{
		MinReadings: 1,
		RetryCfg: resilience.RetryConfig{
			MaxAttempts: 1,
			BaseDelay:   time.Millisecond,
			MaxDelay:    time.Millisecond,
		},
		BreakerCfg: resilience.BreakerConfig{
			FailureThreshold: 5,
			OpenTimeout:      50 * time.Millisecond,
		},
	})
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	h.Configs.Set(bandedConfig("s3"))
	h.Store.FailInserts = true

	// Five consecutive failures trip the breaker.
	for i := 0; i < 5; i++ {
		p := genericPoint("s3", 50, base.Add(time.Duration(i)*time.Second))
		p.MsgID = "f" + string(rune('0'+i))
		outcome := h.Router.Route(ctx, "test", p, nil)
		require.Error(t, outcome.Err)
	}
	assert.Equal(t, resilience.StateOpen, h.Breakers["generic"].State())

	// The sixth point fails fast into the DLQ without touching the store.
	before := h.Store.InsertCalls
	p := genericPoint("s3", 50, base.Add(6*time.Second))
	p.MsgID = "f6"
	outcome := h.Router.Route(ctx, "test", p, nil)
	require.Error(t, outcome.Err)
	assert.Equal(t, before, h.Store.InsertCalls, "open breaker must not invoke the store")
	assert.NotEmpty(t, h.DLQ.ByCategory(ingest.DLQPersist))

	// After the open window a trial succeeds and the breaker closes.
	h.Store.FailInserts = false
	time.Sleep(60 * time.Millisecond)
	p = genericPoint("s3", 50, base.Add(7*time.Second))
	p.MsgID = "f7"
	outcome = h.Router.Route(ctx, "test", p, nil)
	require.NoError(t, outcome.Err)
	assert.True(t, outcome.Persisted)
	assert.Equal(t, resilience.StateClosed, h.Breakers["generic"].State())
}

func TestGuardsRejectToDLQ(t *testing.T) {
	h := testutils.NewHarness(testutils.HarnessOptions{MinReadings: 1})
	ctx := context.Background()

	p := genericPoint("g1", math.NaN(), time.Now())
	outcome := h.Router.Route(ctx, "test", p, []byte(`{"v":"nan"}`))

	assert.True(t, outcome.Rejected)
	assert.Equal(t, ingest.ReasonGuardsFailed, outcome.Reason)
	entries := h.DLQ.ByCategory(ingest.DLQGuards)
	require.Len(t, entries, 1)
	assert.Equal(t, "test", entries[0].Transport)
	assert.Zero(t, h.Store.InsertCalls)
}

func TestRecoveryResolvesActiveRecords(t *testing.T) {
	h := testutils.NewHarness(testutils.HarnessOptions{MinReadings: 1})
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	cfg := bandedConfig("r1")
	cfg.Constraints.CooldownSeconds = 1
	h.Configs.Set(cfg)

	h.Router.Route(ctx, "test", genericPoint("r1", 50, base), nil)
	h.Router.Route(ctx, "test", genericPoint("r1", 120, base.Add(time.Second)), nil)
	require.Equal(t, 1, h.Store.ActiveAlerts("r1"))

	st, _ := h.States.Get(ctx, "r1")
	require.Equal(t, ingest.StateAlert, st.State)

	// Back in band: the series recovers and the active alert resolves.
	h.Router.Route(ctx, "test", genericPoint("r1", 50, base.Add(2*time.Second)), nil)

	st, _ = h.States.Get(ctx, "r1")
	assert.Equal(t, ingest.StateNormal, st.State)
	assert.Zero(t, h.Store.ActiveAlerts("r1"))
	require.NotEmpty(t, h.Store.Alerts)
	assert.Equal(t, "recovered", h.Store.Alerts[0].ResolveReason)
}

func TestPredictionDisabledSkipsPublish(t *testing.T) {
	h := testutils.NewHarness(testutils.HarnessOptions{MinReadings: 1})
	ctx := context.Background()

	cfg := bandedConfig("p1")
	cfg.PredictionEnabled = false
	h.Configs.Set(cfg)

	h.Router.Route(ctx, "test", genericPoint("p1", 50, time.Now().Add(-time.Second)), nil)
	h.Router.Route(ctx, "test", genericPoint("p1", 51, time.Now()), nil)
	assert.Zero(t, h.Publisher.Count("p1"))
	assert.Equal(t, 2, h.Store.InsertCalls, "persistence still happens")
}
