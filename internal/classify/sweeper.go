package classify

import (
	"context"
	"time"

	"datagate/internal/ingest"
	"datagate/internal/repository"

	"github.com/sirupsen/logrus"
)

// StaleSweeper periodically marks series that stopped reporting as STALE.
// Driven by the cron scheduler, default every 60s.
type StaleSweeper struct {
	states  *repository.StateRepository
	timeout time.Duration
	log     *logrus.Entry

	onTransition func(from, to ingest.SeriesStatus)
}

// NewStaleSweeper creates a sweeper with the configured stale timeout
// (default 2h).
func NewStaleSweeper(states *repository.StateRepository, timeout time.Duration, log *logrus.Entry) *StaleSweeper {
	if timeout <= 0 {
		timeout = 2 * time.Hour
	}
	return &StaleSweeper{states: states, timeout: timeout, log: log}
}

// OnTransition registers a hook for metrics.
func (s *StaleSweeper) OnTransition(fn func(from, to ingest.SeriesStatus)) {
	s.onTransition = fn
}

// RunOnce performs one sweep.
func (s *StaleSweeper) RunOnce(ctx context.Context) error {
	cutoff := time.Now().Add(-s.timeout)
	candidates, err := s.states.StaleCandidates(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, seriesID := range candidates {
		st, err := s.states.Get(ctx, seriesID)
		if err != nil {
			s.log.WithError(err).WithField("series_id", seriesID).Warn("stale sweep load failed")
			continue
		}
		// Re-check under fresh state; the series may have reported since
		// the candidate query ran.
		if st.HasLast && st.LastTimestamp.After(cutoff) {
			continue
		}
		tr := MarkStale(st, time.Now())
		if !tr.Changed {
			continue
		}
		if err := s.states.Save(ctx, st); err != nil {
			s.log.WithError(err).WithField("series_id", seriesID).Warn("stale sweep save failed")
			continue
		}
		if s.onTransition != nil {
			s.onTransition(tr.From, tr.To)
		}
		s.log.WithFields(logrus.Fields{
			"series_id": seriesID,
			"from":      tr.From,
		}).Info("series marked STALE")
	}
	return nil
}
