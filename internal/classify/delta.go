package classify

import (
	"fmt"
	"math"

	"datagate/internal/ingest"
)

const relEpsilon = 1e-6

// noiseFloor filters micro-jitter before the spike criteria run. Values per
// stream type: absolute floor in native units, relative floor as a fraction.
type noiseFloor struct {
	abs float64
	rel float64
}

var noiseFloors = map[string]noiseFloor{
	"temperature": {0.5, 0.02},
	"humidity":    {2.0, 0.03},
	"air_quality": {50.0, 0.10},
	"voltage":     {1.0, 0.05},
	"power":       {10.0, 0.10},
	"pressure":    {0.5, 0.005},
	"cpu":         {1.0, 0.02},
	"latency":     {5.0, 0.05},
}

var defaultNoiseFloor = noiseFloor{0.1, 0.01}

// detectSpike evaluates the rate-of-change band against the previous point.
// Returns nil when no spike fired. Δt=0 never triggers.
func detectSpike(cons *ingest.ValueConstraints, streamType string, state *ingest.SeriesState, p *ingest.DataPoint) *ingest.DeltaInfo {
	if cons.AbsDelta == nil && cons.RelDelta == nil && cons.AbsSlope == nil && cons.RelSlope == nil {
		return nil
	}
	if !state.HasLast {
		return nil
	}
	if state.ValidReadingsCount < cons.MinReadingsRequired() {
		return nil
	}

	dt := p.Timestamp.Sub(state.LastTimestamp).Seconds()
	if dt <= 0 || dt > cons.SpikeWindow() {
		return nil
	}

	dv := math.Abs(p.Value - state.LastValue)
	rel := dv / math.Max(math.Abs(state.LastValue), relEpsilon)

	floor, ok := noiseFloors[ingest.NormalizeStreamType(streamType)]
	if !ok {
		floor = defaultNoiseFloor
	}
	if dv < floor.abs && rel < floor.rel {
		return nil
	}

	slopeAbs := dv / dt
	slopeRel := rel / dt

	var triggered []string
	if cons.AbsDelta != nil && dv >= *cons.AbsDelta {
		triggered = append(triggered, "abs_delta")
	}
	if cons.RelDelta != nil && rel >= *cons.RelDelta {
		triggered = append(triggered, "rel_delta")
	}
	if cons.AbsSlope != nil && slopeAbs >= *cons.AbsSlope {
		triggered = append(triggered, "abs_slope")
	}
	if cons.RelSlope != nil && slopeRel >= *cons.RelSlope {
		triggered = append(triggered, "rel_slope")
	}
	if len(triggered) == 0 {
		return nil
	}

	return &ingest.DeltaInfo{
		AbsoluteDelta: dv,
		RelativeDelta: rel,
		AbsoluteSlope: slopeAbs,
		RelativeSlope: slopeRel,
		ElapsedSec:    dt,
		PreviousValue: state.LastValue,
		Triggered:     triggered,
	}
}

// spikeDetail renders the human-readable explanation for a fired spike.
func spikeDetail(d *ingest.DeltaInfo) string {
	return fmt.Sprintf("delta=%.4f rel=%.4f dt=%.3fs triggered=%v",
		d.AbsoluteDelta, d.RelativeDelta, d.ElapsedSec, d.Triggered)
}
