package mqtt

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"datagate/internal/ingest"
)

// legacyPayload is the JSON shape on iot/sensors/{sensor_id}/readings.
type legacyPayload struct {
	SensorID   int64   `json:"sensor_id"`
	Value      float64 `json:"value"`
	Timestamp  string  `json:"timestamp"`
	DeviceUUID string  `json:"device_uuid,omitempty"`
}

// genericPayload is the JSON shape on {domain}/{source}/{stream}/data.
type genericPayload struct {
	Value     float64           `json:"value"`
	Timestamp string            `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Sequence  int64             `json:"sequence,omitempty"`
	MsgID     string            `json:"msg_id,omitempty"`
}

// parseMessage turns one MQTT message into a DataPoint based on its topic.
func parseMessage(topic string, payload []byte) (*ingest.DataPoint, error) {
	parts := strings.Split(topic, "/")

	// iot/sensors/{sensor_id}/readings
	if len(parts) == 4 && parts[0] == "iot" && parts[1] == "sensors" && parts[3] == "readings" {
		return parseLegacy(parts[2], payload)
	}

	// {domain}/{source_id}/{stream_id}/data
	if len(parts) == 4 && parts[3] == "data" {
		return parseGeneric(parts[0], parts[1], parts[2], payload)
	}

	return nil, fmt.Errorf("unrecognized topic %q", topic)
}

func parseLegacy(sensorIDPart string, payload []byte) (*ingest.DataPoint, error) {
	var msg legacyPayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("legacy payload: %w", err)
	}

	sensorID := msg.SensorID
	if sensorID == 0 {
		// Topic is authoritative when the payload omits the id.
		id, err := strconv.ParseInt(sensorIDPart, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("sensor id in topic: %w", err)
		}
		sensorID = id
	}

	ts, err := parseTimestamp(msg.Timestamp)
	if err != nil {
		return nil, err
	}

	p := &ingest.DataPoint{
		SeriesID:       ingest.LegacySeriesKey(sensorID),
		Value:          msg.Value,
		Timestamp:      ts,
		Domain:         ingest.DomainIoT,
		LegacySensorID: sensorID,
	}
	if msg.DeviceUUID != "" {
		p.SourceID = msg.DeviceUUID
	}
	return p, nil
}

func parseGeneric(domain, sourceID, streamID string, payload []byte) (*ingest.DataPoint, error) {
	d := ingest.Domain(strings.ToLower(domain))
	if d == ingest.DomainIoT {
		return nil, fmt.Errorf("domain %q not allowed on the generic topic", domain)
	}
	if !ingest.ValidDomain(d) {
		return nil, fmt.Errorf("unknown domain %q", domain)
	}

	var msg genericPayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("generic payload: %w", err)
	}
	ts, err := parseTimestamp(msg.Timestamp)
	if err != nil {
		return nil, err
	}

	return &ingest.DataPoint{
		SeriesID:  ingest.SeriesKey(d, sourceID, streamID),
		Value:     msg.Value,
		Timestamp: ts,
		Domain:    d,
		SourceID:  sourceID,
		Sequence:  msg.Sequence,
		Metadata:  msg.Metadata,
		MsgID:     msg.MsgID,
	}, nil
}

// parseTimestamp accepts ISO8601 or a Unix epoch (seconds, fractional
// allowed). An empty timestamp means "now": the current UTC time is
// returned.
func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Now().UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if epoch, err := strconv.ParseFloat(s, 64); err == nil {
		sec := int64(epoch)
		return time.Unix(sec, int64((epoch-float64(sec))*1e9)).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}
