package classify

import (
	"time"

	"datagate/internal/ingest"
)

// validTransitions is the lifecycle table. Self-transitions are always
// allowed and mean "no change".
var validTransitions = map[ingest.SeriesStatus][]ingest.SeriesStatus{
	ingest.StateInitializing: {ingest.StateNormal, ingest.StateStale},
	ingest.StateNormal:       {ingest.StateWarning, ingest.StateAlert, ingest.StateStale},
	ingest.StateWarning:      {ingest.StateNormal, ingest.StateAlert, ingest.StateStale},
	ingest.StateAlert:        {ingest.StateNormal, ingest.StateStale},
	ingest.StateStale:        {ingest.StateInitializing},
}

// ValidTransition reports whether from -> to is allowed.
func ValidTransition(from, to ingest.SeriesStatus) bool {
	if from == to {
		return true
	}
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Transition is the outcome of applying one point to the state machine.
type Transition struct {
	From    ingest.SeriesStatus
	To      ingest.SeriesStatus
	Changed bool
	// Recovered is set when an ALERT/WARNING series returned to NORMAL; the
	// router resolves active records and starts the cooldown clock.
	Recovered bool
}

// Apply mutates st in place for one valid point and its final
// classification. The caller persists the result atomically (write-through
// repository under the per-series lock).
//
// eventsActive tells whether an active alert/warning record still exists for
// the series; recovery to NORMAL requires none.
func Apply(st *ingest.SeriesState, cls ingest.Classification, p *ingest.DataPoint, eventsActive bool) Transition {
	tr := Transition{From: st.State, To: st.State}

	// Every valid point counts and refreshes the last-reading snapshot.
	st.ValidReadingsCount++
	st.LastValue = p.Value
	st.LastTimestamp = p.Timestamp
	st.HasLast = true

	switch st.State {
	case ingest.StateStale:
		// Any valid point revives the series into warm-up.
		move(st, &tr, ingest.StateInitializing)
		st.ValidReadingsCount = 1

	case ingest.StateInitializing:
		if st.ValidReadingsCount >= st.MinReadingsForNormal {
			move(st, &tr, ingest.StateNormal)
		}

	case ingest.StateNormal:
		switch cls.Class {
		case ingest.ClassCriticalViolation:
			move(st, &tr, ingest.StateAlert)
		case ingest.ClassWarningViolation, ingest.ClassAnomalyDetected:
			move(st, &tr, ingest.StateWarning)
		}

	case ingest.StateWarning:
		switch cls.Class {
		case ingest.ClassCriticalViolation:
			move(st, &tr, ingest.StateAlert)
		case ingest.ClassNormal:
			if !eventsActive {
				move(st, &tr, ingest.StateNormal)
				tr.Recovered = true
			}
		}

	case ingest.StateAlert:
		if cls.Class == ingest.ClassNormal && !eventsActive {
			move(st, &tr, ingest.StateNormal)
			tr.Recovered = true
		}
	}

	return tr
}

// MarkStale transitions a quiet series to STALE. Used by the sweeper.
func MarkStale(st *ingest.SeriesState, now time.Time) Transition {
	tr := Transition{From: st.State, To: st.State}
	switch st.State {
	case ingest.StateStale, ingest.StateInitializing:
		// INITIALIZING series have produced nothing to go stale from.
		return tr
	}
	move(st, &tr, ingest.StateStale)
	st.StateChangedAt = now
	return tr
}

func move(st *ingest.SeriesState, tr *Transition, to ingest.SeriesStatus) {
	if !ValidTransition(st.State, to) || st.State == to {
		return
	}
	st.State = to
	st.StateChangedAt = time.Now()
	tr.To = to
	tr.Changed = true
}
