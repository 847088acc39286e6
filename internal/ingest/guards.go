package ingest

import (
	"fmt"
	"math"
	"time"
)

// Guard limits. Transports may apply stricter caps before the router runs.
const (
	MaxPastWindow    = 24 * time.Hour
	MaxFutureSkew    = 60 * time.Second
	SuspiciousZeroAt = 5.0
	zeroTolerance    = 1e-6
)

// Stream types for which an exact zero is improbable enough to flag.
var suspiciousZeroTypes = map[string]bool{
	"temperature": true,
	"humidity":    true,
	"pressure":    true,
	"ph":          true,
}

// GuardResult is the outcome of running a point through the guards.
type GuardResult struct {
	OK         bool
	Reason     string
	Detail     string
	Suspicious bool
}

// Guard runs syntactic sanity checks on a point: finite value, plausible
// timestamp, well-formed series identity. It rejects nothing for being
// out of band; that is the classifier's job.
func Guard(p *DataPoint, now time.Time) GuardResult {
	if math.IsNaN(p.Value) {
		return GuardResult{Reason: "value_nan", Detail: "value is NaN"}
	}
	if math.IsInf(p.Value, 0) {
		return GuardResult{Reason: "value_infinite", Detail: "value is infinite"}
	}
	if p.SeriesID == "" {
		return GuardResult{Reason: "series_id_missing", Detail: "empty series_id"}
	}
	if p.IsLegacy() && p.LegacySensorID <= 0 {
		return GuardResult{
			Reason: "sensor_id_invalid",
			Detail: fmt.Sprintf("legacy sensor id %d", p.LegacySensorID),
		}
	}
	if !ValidDomain(p.Domain) {
		return GuardResult{Reason: "domain_invalid", Detail: string(p.Domain)}
	}
	if p.Timestamp.IsZero() {
		return GuardResult{Reason: "timestamp_missing", Detail: "zero timestamp"}
	}
	if p.Timestamp.Before(now.Add(-MaxPastWindow)) {
		return GuardResult{
			Reason: "timestamp_too_old",
			Detail: fmt.Sprintf("ts=%s older than %s", p.Timestamp.Format(time.RFC3339), MaxPastWindow),
		}
	}
	if p.Timestamp.After(now.Add(MaxFutureSkew)) {
		return GuardResult{
			Reason: "timestamp_in_future",
			Detail: fmt.Sprintf("ts=%s beyond %s skew", p.Timestamp.Format(time.RFC3339), MaxFutureSkew),
		}
	}
	return GuardResult{OK: true}
}

// SuspiciousZero flags (never rejects) an exact zero whose previous
// neighbour was far from zero. Stream type narrows the check when known.
func SuspiciousZero(p *DataPoint, prevValue float64, hasPrev bool) bool {
	if math.Abs(p.Value) > zeroTolerance {
		return false
	}
	if hasPrev && math.Abs(prevValue) < SuspiciousZeroAt {
		return false
	}
	if !hasPrev {
		return false
	}
	t := NormalizeStreamType(p.StreamType)
	if t == "" {
		return true
	}
	return suspiciousZeroTypes[t]
}
