package classify

import (
	"fmt"
	"time"

	"datagate/internal/ingest"
)

// Input is everything the classifier needs for one point. The previous
// point travels inside State (last value/timestamp).
type Input struct {
	Point  ingest.DataPoint
	Config *ingest.StreamConfig
	State  *ingest.SeriesState
	Now    time.Time
}

// Classifier turns a point plus its loaded context into a classification.
// Band evaluation is a pure function of the input; the debounce counters and
// cooldown clocks are the only state it keeps.
//
// Precedence, first match wins:
//  1. outside critical band  -> CRITICAL_VIOLATION physical_range
//  2. outside operational    -> WARNING_VIOLATION operational_range
//  3. inside warning zone    -> WARNING_VIOLATION warning_zone
//  4. delta spike            -> ANOMALY_DETECTED delta_spike
//  5. otherwise              -> NORMAL
type Classifier struct {
	consecutive *consecutiveTracker
	cooldowns   *cooldownTracker
}

// NewClassifier creates a classifier with empty debounce/cooldown state.
func NewClassifier() *Classifier {
	return &Classifier{
		consecutive: newConsecutiveTracker(),
		cooldowns:   newCooldownTracker(),
	}
}

// Classify runs the precedence chain and the warm-up, debounce and cooldown
// rewrites. The result selects exactly one sub-pipeline.
func (c *Classifier) Classify(in Input) ingest.Classification {
	cls := c.evaluate(in)

	if cls.Class != ingest.ClassNormal {
		cls = c.debounce(in, cls)
	}
	if cls.Class != ingest.ClassNormal {
		cls = c.cooldown(in, cls)
	}
	if cls.Class == ingest.ClassNormal && cls.Reason != ingest.ReasonDebounce && cls.Reason != ingest.ReasonCooldown {
		c.consecutive.reset(in.Point.SeriesID)
	}

	// Warm-up suppression: classification runs for observability but the
	// result is rewritten so a warming series never emits events.
	if in.State.Warming() && cls.Class != ingest.ClassNormal {
		return ingest.Classification{
			Class:  ingest.ClassNormal,
			Reason: ingest.ReasonWarmup,
			Detail: fmt.Sprintf("suppressed %s(%s) during warm-up", cls.Class, cls.Reason),
		}
	}
	if in.State.Warming() {
		cls.Reason = ingest.ReasonWarmup
	}
	return cls
}

// evaluate is the pure band chain.
func (c *Classifier) evaluate(in Input) ingest.Classification {
	cons := &in.Config.Constraints
	v := in.Point.Value

	if !in.Config.AlertingEnabled {
		return ingest.Classification{Class: ingest.ClassNormal, Reason: ingest.ReasonClean}
	}

	// Band boundaries are closed on the safe side: a value exactly on the
	// bound is in-band.
	if outside(v, cons.CriticalMin, cons.CriticalMax) {
		return ingest.Classification{
			Class:        ingest.ClassCriticalViolation,
			Reason:       ingest.ReasonPhysicalRange,
			ViolatedBand: "critical",
			Detail:       bandDetail(v, cons.CriticalMin, cons.CriticalMax),
		}
	}
	if outside(v, cons.OperationalMin, cons.OperationalMax) {
		return ingest.Classification{
			Class:        ingest.ClassWarningViolation,
			Reason:       ingest.ReasonOperationalRange,
			ViolatedBand: "operational",
			Detail:       bandDetail(v, cons.OperationalMin, cons.OperationalMax),
		}
	}
	if outside(v, cons.WarningMin, cons.WarningMax) {
		return ingest.Classification{
			Class:        ingest.ClassWarningViolation,
			Reason:       ingest.ReasonWarningZone,
			ViolatedBand: "warning",
			Detail:       bandDetail(v, cons.WarningMin, cons.WarningMax),
		}
	}
	if delta := detectSpike(cons, in.Point.StreamType, in.State, &in.Point); delta != nil {
		return ingest.Classification{
			Class:  ingest.ClassAnomalyDetected,
			Reason: ingest.ReasonDeltaSpike,
			Delta:  delta,
			Detail: spikeDetail(delta),
		}
	}
	return ingest.Classification{Class: ingest.ClassNormal, Reason: ingest.ReasonClean}
}

// debounce holds a violation back until the required number of back-to-back
// same-reason classifications arrived.
func (c *Classifier) debounce(in Input, cls ingest.Classification) ingest.Classification {
	required := in.Config.Constraints.ConsecutiveRequired()
	count := c.consecutive.bump(in.Point.SeriesID, cls.Reason)
	if count >= required {
		return cls
	}
	return ingest.Classification{
		Class:  ingest.ClassNormal,
		Reason: ingest.ReasonDebounce,
		Detail: fmt.Sprintf("%s %d/%d consecutive", cls.Reason, count, required),
	}
}

// cooldown suppresses a fresh violation while the same kind of event was
// resolved less than cooldown_seconds ago.
func (c *Classifier) cooldown(in Input, cls ingest.Classification) ingest.Classification {
	kind := KindWarning
	if cls.Class == ingest.ClassCriticalViolation {
		kind = KindAlert
	}
	if !c.cooldowns.active(in.Point.SeriesID, kind, in.Config.Constraints.Cooldown(), in.Now) {
		return cls
	}
	return ingest.Classification{
		Class:  ingest.ClassNormal,
		Reason: ingest.ReasonCooldown,
		Detail: fmt.Sprintf("suppressed %s(%s) in cooldown", cls.Class, cls.Reason),
	}
}

// MarkResolved starts the cooldown window after an active record resolved.
// Called by the router when a series recovers.
func (c *Classifier) MarkResolved(seriesID string, kind EventKind, at time.Time) {
	c.cooldowns.MarkResolved(seriesID, kind, at)
}

func outside(v float64, min, max *float64) bool {
	if min != nil && v < *min {
		return true
	}
	if max != nil && v > *max {
		return true
	}
	return false
}

func bandDetail(v float64, min, max *float64) string {
	lo, hi := "-inf", "+inf"
	if min != nil {
		lo = fmt.Sprintf("%g", *min)
	}
	if max != nil {
		hi = fmt.Sprintf("%g", *max)
	}
	return fmt.Sprintf("value %g outside [%s, %s]", v, lo, hi)
}
