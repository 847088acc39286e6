package ingest

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Domain identifies the coarse category a series belongs to. It selects the
// storage backend and the default constraints applied when a series has no
// configuration of its own.
type Domain string

const (
	DomainIoT            Domain = "iot"
	DomainInfrastructure Domain = "infrastructure"
	DomainFinance        Domain = "finance"
	DomainHealth         Domain = "health"
	DomainGeneric        Domain = "generic"
)

// ValidDomain reports whether d is one of the recognized domains.
func ValidDomain(d Domain) bool {
	switch d {
	case DomainIoT, DomainInfrastructure, DomainFinance, DomainHealth, DomainGeneric:
		return true
	}
	return false
}

// DataPoint is the universal unit flowing through the ingestion core.
// Every transport parses its native message shape into this contract before
// anything downstream sees it.
type DataPoint struct {
	SeriesID  string    `json:"series_id"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`

	Domain     Domain `json:"domain"`
	SourceID   string `json:"source_id,omitempty"`
	StreamType string `json:"stream_type,omitempty"`

	// Sequence is an optional monotonically increasing producer counter.
	Sequence int64 `json:"sequence,omitempty"`

	// Metadata is an opaque bag; the core never interprets it.
	Metadata map[string]string `json:"metadata,omitempty"`

	// MsgID is the producer-supplied idempotency key. When empty the router
	// derives one from (series, timestamp, value).
	MsgID string `json:"msg_id,omitempty"`

	// LegacySensorID is set only by the legacy IoT adapters; zero otherwise.
	LegacySensorID int64 `json:"legacy_sensor_id,omitempty"`

	IngestedAt  time.Time `json:"ingested_at,omitempty"`
	ProcessedAt time.Time `json:"processed_at,omitempty"`
}

// SeriesKey builds a series identifier from its parts. Legacy IoT series use
// the bare sensor id rendered as a string.
func SeriesKey(domain Domain, sourceID, streamID string) string {
	return fmt.Sprintf("%s/%s/%s", domain, sourceID, streamID)
}

// LegacySeriesKey renders a legacy sensor id as a series identifier.
func LegacySeriesKey(sensorID int64) string {
	return strconv.FormatInt(sensorID, 10)
}

// DeriveMsgID builds the idempotency key used when the producer did not
// supply one. Timestamp is rounded to microseconds and value to six decimals
// so that re-encoded duplicates still collide.
func (p *DataPoint) DeriveMsgID() string {
	if p.MsgID != "" {
		return p.MsgID
	}
	us := p.Timestamp.UnixMicro()
	return fmt.Sprintf("%s:%d:%.6f", p.SeriesID, us, p.Value)
}

// IsLegacy reports whether the point targets the legacy IoT backend.
func (p *DataPoint) IsLegacy() bool {
	return p.Domain == DomainIoT
}

// Class is the outcome of classification.
type Class string

const (
	ClassNormal            Class = "NORMAL"
	ClassWarningViolation  Class = "WARNING_VIOLATION"
	ClassCriticalViolation Class = "CRITICAL_VIOLATION"
	ClassAnomalyDetected   Class = "ANOMALY_DETECTED"
	ClassRejected          Class = "REJECTED"
)

// Reason is the machine-readable code attached to a classification.
type Reason string

const (
	ReasonPhysicalRange    Reason = "physical_range"
	ReasonOperationalRange Reason = "operational_range"
	ReasonWarningZone      Reason = "warning_zone"
	ReasonDeltaSpike       Reason = "delta_spike"
	ReasonWarmup           Reason = "warmup"
	ReasonCooldown         Reason = "cooldown"
	ReasonDebounce         Reason = "debounce"
	ReasonClean            Reason = "clean"
	ReasonGuardsFailed     Reason = "guards_failed"
)

// DeltaInfo carries the computed deltas when a spike fired.
type DeltaInfo struct {
	AbsoluteDelta float64  `json:"absolute_delta"`
	RelativeDelta float64  `json:"relative_delta"`
	AbsoluteSlope float64  `json:"absolute_slope"`
	RelativeSlope float64  `json:"relative_slope"`
	ElapsedSec    float64  `json:"elapsed_sec"`
	PreviousValue float64  `json:"previous_value"`
	Triggered     []string `json:"triggered"`
}

// Classification is the tagged result of running a point through the
// classifier. Exactly one sub-pipeline owns each (Class, Reason) pair.
type Classification struct {
	Class  Class  `json:"class"`
	Reason Reason `json:"reason"`
	Detail string `json:"detail,omitempty"`

	// ViolatedBand names the band a violation crossed ("critical",
	// "operational", "warning"); empty for non-violations.
	ViolatedBand string     `json:"violated_band,omitempty"`
	Delta        *DeltaInfo `json:"delta,omitempty"`
}

// UnifiedReading is the unit handed from the router to a sub-pipeline: the
// point, its classification, and the context loaded at classification time.
type UnifiedReading struct {
	Point          DataPoint      `json:"point"`
	Classification Classification `json:"classification"`
	State          SeriesStatus   `json:"state"`
	Config         *StreamConfig  `json:"-"`
	// PrevValue is the previous reading observed for the series, when any.
	PrevValue    float64 `json:"prev_value,omitempty"`
	HasPrevValue bool    `json:"-"`
}

// SeriesStatus is the operational state value for a series. Lifecycle is
// owned by the state machine.
type SeriesStatus string

const (
	StateInitializing SeriesStatus = "INITIALIZING"
	StateNormal       SeriesStatus = "NORMAL"
	StateWarning      SeriesStatus = "WARNING"
	StateAlert        SeriesStatus = "ALERT"
	StateStale        SeriesStatus = "STALE"
)

// SeriesState holds the persisted operational state for one series.
type SeriesState struct {
	SeriesID             string       `json:"series_id"`
	State                SeriesStatus `json:"state"`
	ValidReadingsCount   int          `json:"valid_readings_count"`
	MinReadingsForNormal int          `json:"min_readings_for_normal"`
	StateChangedAt       time.Time    `json:"state_changed_at"`
	LastValue            float64      `json:"last_value"`
	LastTimestamp        time.Time    `json:"last_timestamp"`
	HasLast              bool         `json:"has_last"`
}

// Warming reports whether the series is still accumulating warm-up readings.
func (s *SeriesState) Warming() bool {
	return s.State == StateInitializing
}

// ValueConstraints holds the optional numeric bands for a series, tightest
// outermost: critical (hard physical limits), operational, warning, and the
// rate-of-change band. Every bound is optional and independently checkable.
type ValueConstraints struct {
	CriticalMin *float64 `json:"critical_min,omitempty"`
	CriticalMax *float64 `json:"critical_max,omitempty"`

	OperationalMin *float64 `json:"operational_min,omitempty"`
	OperationalMax *float64 `json:"operational_max,omitempty"`

	WarningMin *float64 `json:"warning_min,omitempty"`
	WarningMax *float64 `json:"warning_max,omitempty"`

	// Rate-of-change band.
	AbsDelta *float64 `json:"abs_delta,omitempty"`
	RelDelta *float64 `json:"rel_delta,omitempty"`
	AbsSlope *float64 `json:"abs_slope,omitempty"`
	RelSlope *float64 `json:"rel_slope,omitempty"`

	SpikeWindowSec  float64 `json:"spike_window_sec,omitempty"`
	MinReadings     int     `json:"min_readings,omitempty"`
	ConsecutiveReq  int     `json:"consecutive_violations_required,omitempty"`
	CooldownSeconds int     `json:"cooldown_seconds,omitempty"`
}

const (
	DefaultSpikeWindowSec  = 10.0
	DefaultMinReadings     = 5
	DefaultConsecutiveReq  = 1
	DefaultCooldownSeconds = 300
)

// SpikeWindow returns the configured spike window with the default applied.
func (c *ValueConstraints) SpikeWindow() float64 {
	if c.SpikeWindowSec > 0 {
		return c.SpikeWindowSec
	}
	return DefaultSpikeWindowSec
}

// MinReadingsRequired returns the minimum recent-history size for delta
// evaluation with the default applied.
func (c *ValueConstraints) MinReadingsRequired() int {
	if c.MinReadings > 0 {
		return c.MinReadings
	}
	return DefaultMinReadings
}

// ConsecutiveRequired returns the debounce requirement with the default
// applied.
func (c *ValueConstraints) ConsecutiveRequired() int {
	if c.ConsecutiveReq > 0 {
		return c.ConsecutiveReq
	}
	return DefaultConsecutiveReq
}

// Cooldown returns the post-resolution suppression window.
func (c *ValueConstraints) Cooldown() time.Duration {
	if c.CooldownSeconds > 0 {
		return time.Duration(c.CooldownSeconds) * time.Second
	}
	return DefaultCooldownSeconds * time.Second
}

// StreamConfig is the per-series configuration record. Identity is
// (SeriesID, Domain).
type StreamConfig struct {
	SeriesID          string           `json:"series_id"`
	Domain            Domain           `json:"domain"`
	DisplayName       string           `json:"display_name,omitempty"`
	AlertingEnabled   bool             `json:"alerting_enabled"`
	PredictionEnabled bool             `json:"prediction_enabled"`
	Constraints       ValueConstraints `json:"constraints"`
}

// DefaultStreamConfig returns the domain defaults applied when a series has
// no configuration row. Alerting stays off so unconfigured series cannot
// page anyone; prediction stays on so the series is still observable.
func DefaultStreamConfig(seriesID string, domain Domain) *StreamConfig {
	return &StreamConfig{
		SeriesID:          seriesID,
		Domain:            domain,
		AlertingEnabled:   false,
		PredictionEnabled: true,
		Constraints:       ValueConstraints{},
	}
}

// NormalizeStreamType lowercases and trims a stream type for table lookups.
func NormalizeStreamType(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}
