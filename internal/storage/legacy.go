package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"datagate/internal/database"
	"datagate/internal/ingest"
)

// LegacyStore persists IoT-domain points into the legacy relational schema.
// The stored procedure owns insertion, threshold evaluation, alert creation
// and notification rows in a single transactional call; the classification
// the core computed travels along only as informational metadata.
type LegacyStore struct {
	db *database.DB
}

// NewLegacyStore creates a store over the legacy backend pool.
func NewLegacyStore(db *database.DB) *LegacyStore {
	return &LegacyStore{db: db}
}

// InsertReading runs the legacy ingest procedure for one sensor reading.
func (s *LegacyStore) InsertReading(ctx context.Context, sensorID int64, value float64, ts time.Time, cls ingest.Classification) error {
	meta, err := json.Marshal(cls)
	if err != nil {
		return fmt.Errorf("marshal classification: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`SELECT ingest_reading_and_check_thresholds($1, $2, $3, $4)`,
		sensorID, value, ts, meta,
	)
	if err != nil {
		return fmt.Errorf("legacy ingest procedure: %w", err)
	}
	return nil
}

// SensorRef identifies one sensor resolved from a device packet.
type SensorRef struct {
	SensorID   int64
	SensorUUID string
}

// ResolveSensors maps (device_uuid, sensor_uuid...) to sensor ids,
// validating that each sensor belongs to the device. Unknown uuids come
// back in the second return value instead of failing the batch.
func (s *LegacyStore) ResolveSensors(ctx context.Context, deviceUUID string, sensorUUIDs []string) (map[string]int64, []string, error) {
	if len(sensorUUIDs) == 0 {
		return nil, nil, nil
	}

	params := make([]interface{}, 0, len(sensorUUIDs)+1)
	params = append(params, strings.ToLower(deviceUUID))
	placeholders := make([]string, len(sensorUUIDs))
	for i, u := range sensorUUIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		params = append(params, strings.ToLower(u))
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT s.uuid, s.id
		FROM sensors s
		JOIN devices d ON d.id = s.device_id
		WHERE d.uuid = $1 AND s.uuid IN (%s)`,
		strings.Join(placeholders, ", ")),
		params...,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve sensors: %w", err)
	}
	defer rows.Close()

	resolved := make(map[string]int64, len(sensorUUIDs))
	for rows.Next() {
		var uuid string
		var id int64
		if err := rows.Scan(&uuid, &id); err != nil {
			return nil, nil, err
		}
		resolved[uuid] = id
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var unknown []string
	for _, u := range sensorUUIDs {
		if _, ok := resolved[strings.ToLower(u)]; !ok {
			unknown = append(unknown, u)
		}
	}
	return resolved, unknown, nil
}

// DeviceKeyHash returns the stored bcrypt hash for a device, for the
// device-auth middleware.
func (s *LegacyStore) DeviceKeyHash(ctx context.Context, deviceUUID string) (string, error) {
	var hash sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT device_key_hash FROM devices WHERE uuid = $1`,
		strings.ToLower(deviceUUID),
	).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("unknown device %s", deviceUUID)
	}
	if err != nil {
		return "", fmt.Errorf("load device key: %w", err)
	}
	return hash.String, nil
}

// HealthCheck pings the backend.
func (s *LegacyStore) HealthCheck(ctx context.Context) error {
	return s.db.HealthCheck(ctx)
}

// Pool reports the backend's connection pool state.
func (s *LegacyStore) Pool() database.PoolSnapshot {
	return s.db.Snapshot()
}
