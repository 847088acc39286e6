package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"datagate/internal/database"
	"datagate/internal/ingest"
	"datagate/internal/repository"
)

// GenericStore persists non-IoT domains into the time-series schema on the
// generic Postgres backend. It also backs the config and state
// repositories.
type GenericStore struct {
	db *database.DB
}

// NewGenericStore creates a store over the generic backend pool.
func NewGenericStore(db *database.DB) *GenericStore {
	return &GenericStore{db: db}
}

// InsertPoint appends one data point.
func (s *GenericStore) InsertPoint(ctx context.Context, p *ingest.DataPoint, cls ingest.Classification) error {
	meta, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO data_points (series_id, domain, source_id, stream_type, value, value_at, sequence, metadata, classification, reason, ingested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.SeriesID, string(p.Domain), nullStr(p.SourceID), nullStr(p.StreamType),
		p.Value, p.Timestamp, nullInt(p.Sequence), meta,
		string(cls.Class), string(cls.Reason), nullTime(p.IngestedAt),
	)
	if err != nil {
		return fmt.Errorf("insert data point: %w", err)
	}
	return nil
}

// UpsertLatest refreshes the latest-value record for the series.
func (s *GenericStore) UpsertLatest(ctx context.Context, p *ingest.DataPoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO latest_values (series_id, value, value_at, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (series_id) DO UPDATE
		SET value = EXCLUDED.value, value_at = EXCLUDED.value_at, updated_at = now()
		WHERE latest_values.value_at <= EXCLUDED.value_at`,
		p.SeriesID, p.Value, p.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("upsert latest value: %w", err)
	}
	return nil
}

// CreateAlert opens a new active alert, resolving any pre-existing active
// one in the same transaction so the single-active invariant holds even
// under concurrent writers.
func (s *GenericStore) CreateAlert(ctx context.Context, rec *AlertRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin alert tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE alerts
		SET is_active = false, resolved_at = $2, resolve_reason = $3
		WHERE series_id = $1 AND is_active`,
		rec.SeriesID, rec.OpenedAt, ResolveSuperseded,
	)
	if err != nil {
		return fmt.Errorf("supersede alert: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO alerts (series_id, severity, threshold_name, value, value_at, opened_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, true)
		RETURNING id`,
		rec.SeriesID, rec.Severity, rec.ThresholdName, rec.Value, rec.ValueAt, rec.OpenedAt,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit alert tx: %w", err)
	}
	rec.IsActive = true
	return nil
}

// ResolveActiveAlert resolves the active alert if one exists.
func (s *GenericStore) ResolveActiveAlert(ctx context.Context, seriesID, reason string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts
		SET is_active = false, resolved_at = $2, resolve_reason = $3
		WHERE series_id = $1 AND is_active`,
		seriesID, at, reason,
	)
	if err != nil {
		return false, fmt.Errorf("resolve alert: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CreateWarning opens a new active warning event, superseding any active one.
func (s *GenericStore) CreateWarning(ctx context.Context, rec *WarningRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin warning tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE warning_events
		SET is_active = false, resolved_at = $2, resolve_reason = $3
		WHERE series_id = $1 AND is_active`,
		rec.SeriesID, rec.OpenedAt, ResolveSuperseded,
	)
	if err != nil {
		return fmt.Errorf("supersede warning: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO warning_events (series_id, event_type, previous_value, current_value, absolute_delta, relative_delta, value_at, opened_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, true)
		RETURNING id`,
		rec.SeriesID, rec.EventType, rec.PreviousValue, rec.CurrentValue,
		rec.AbsoluteDelta, rec.RelativeDelta, rec.ValueAt, rec.OpenedAt,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("insert warning: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit warning tx: %w", err)
	}
	rec.IsActive = true
	return nil
}

// ResolveActiveWarning resolves the active warning if one exists.
func (s *GenericStore) ResolveActiveWarning(ctx context.Context, seriesID, reason string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE warning_events
		SET is_active = false, resolved_at = $2, resolve_reason = $3
		WHERE series_id = $1 AND is_active`,
		seriesID, at, reason,
	)
	if err != nil {
		return false, fmt.Errorf("resolve warning: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// HasActiveEvents reports whether the series has any active alert or
// warning record.
func (s *GenericStore) HasActiveEvents(ctx context.Context, seriesID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT count(*) FROM alerts WHERE series_id = $1 AND is_active)
		     + (SELECT count(*) FROM warning_events WHERE series_id = $1 AND is_active)`,
		seriesID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count active events: %w", err)
	}
	return n > 0, nil
}

// CreateNotification records the alert hand-off for downstream channels.
func (s *GenericStore) CreateNotification(ctx context.Context, rec *NotificationRecord) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO notifications (series_id, severity, message, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		rec.SeriesID, rec.Severity, rec.Message, rec.CreatedAt,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// LoadStreamConfig implements repository.ConfigBackend.
func (s *GenericStore) LoadStreamConfig(ctx context.Context, seriesID string, domain ingest.Domain) (*ingest.StreamConfig, error) {
	cfg := &ingest.StreamConfig{SeriesID: seriesID, Domain: domain}
	var displayName sql.NullString
	cons := &cfg.Constraints

	err := s.db.QueryRowContext(ctx, `
		SELECT display_name, alerting_enabled, prediction_enabled,
		       critical_min, critical_max, operational_min, operational_max,
		       warning_min, warning_max, abs_delta, rel_delta, abs_slope, rel_slope,
		       spike_window_sec, min_readings, consecutive_required, cooldown_seconds
		FROM stream_configs
		WHERE series_id = $1 AND domain = $2`,
		seriesID, string(domain),
	).Scan(
		&displayName, &cfg.AlertingEnabled, &cfg.PredictionEnabled,
		&cons.CriticalMin, &cons.CriticalMax, &cons.OperationalMin, &cons.OperationalMax,
		&cons.WarningMin, &cons.WarningMax, &cons.AbsDelta, &cons.RelDelta, &cons.AbsSlope, &cons.RelSlope,
		&cons.SpikeWindowSec, &cons.MinReadings, &cons.ConsecutiveReq, &cons.CooldownSeconds,
	)
	if err == sql.ErrNoRows {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load stream config: %w", err)
	}
	cfg.DisplayName = displayName.String
	return cfg, nil
}

// LoadState implements repository.StateBackend.
func (s *GenericStore) LoadState(ctx context.Context, seriesID string) (*ingest.SeriesState, error) {
	st := &ingest.SeriesState{SeriesID: seriesID}
	var lastValue sql.NullFloat64
	var lastTS sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT state, valid_readings_count, min_readings_for_normal, state_changed_at, last_value, last_value_at
		FROM series_states
		WHERE series_id = $1`,
		seriesID,
	).Scan(&st.State, &st.ValidReadingsCount, &st.MinReadingsForNormal, &st.StateChangedAt, &lastValue, &lastTS)
	if err == sql.ErrNoRows {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load series state: %w", err)
	}
	if lastValue.Valid && lastTS.Valid {
		st.LastValue = lastValue.Float64
		st.LastTimestamp = lastTS.Time
		st.HasLast = true
	}
	return st, nil
}

// SaveState implements repository.StateBackend: the state row and counters
// are written in one statement so the transition persists atomically.
func (s *GenericStore) SaveState(ctx context.Context, st *ingest.SeriesState) error {
	var lastValue sql.NullFloat64
	var lastTS sql.NullTime
	if st.HasLast {
		lastValue = sql.NullFloat64{Float64: st.LastValue, Valid: true}
		lastTS = sql.NullTime{Time: st.LastTimestamp, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO series_states (series_id, state, valid_readings_count, min_readings_for_normal, state_changed_at, last_value, last_value_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (series_id) DO UPDATE
		SET state = EXCLUDED.state,
		    valid_readings_count = EXCLUDED.valid_readings_count,
		    min_readings_for_normal = EXCLUDED.min_readings_for_normal,
		    state_changed_at = EXCLUDED.state_changed_at,
		    last_value = EXCLUDED.last_value,
		    last_value_at = EXCLUDED.last_value_at`,
		st.SeriesID, string(st.State), st.ValidReadingsCount, st.MinReadingsForNormal,
		st.StateChangedAt, lastValue, lastTS,
	)
	if err != nil {
		return fmt.Errorf("save series state: %w", err)
	}
	return nil
}

// StaleCandidates implements repository.StateBackend.
func (s *GenericStore) StaleCandidates(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT series_id
		FROM series_states
		WHERE state IN ('NORMAL', 'WARNING', 'ALERT')
		  AND last_value_at IS NOT NULL
		  AND last_value_at < $1`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("query stale candidates: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// SeriesStatus returns the operational snapshot for the status endpoint.
func (s *GenericStore) SeriesStatus(ctx context.Context, seriesID string) (*ingest.SeriesState, error) {
	return s.LoadState(ctx, seriesID)
}

// HealthCheck pings the backend.
func (s *GenericStore) HealthCheck(ctx context.Context) error {
	return s.db.HealthCheck(ctx)
}

// Pool reports the backend's connection pool state.
func (s *GenericStore) Pool() database.PoolSnapshot {
	return s.db.Snapshot()
}

func nullStr(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullInt(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
