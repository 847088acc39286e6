package transport

import (
	"context"
	"sync/atomic"
)

// Transport is one ingestion adapter. Adapters own their concurrency
// control and backpressure; they parse native messages into DataPoints and
// hand them to the router.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Stats() StatsSnapshot
}

// Stats holds the per-transport counters.
type Stats struct {
	Received int64
	Parsed   int64
	Rejected int64
	Dropped  int64
	InFlight int64
}

// StatsSnapshot is an immutable copy for reporting.
type StatsSnapshot struct {
	Received int64 `json:"received"`
	Parsed   int64 `json:"parsed"`
	Rejected int64 `json:"rejected"`
	Dropped  int64 `json:"dropped"`
	InFlight int64 `json:"in_flight"`
}

// Counters is the shared atomic counter set adapters embed.
type Counters struct {
	received atomic.Int64
	parsed   atomic.Int64
	rejected atomic.Int64
	dropped  atomic.Int64
	inFlight atomic.Int64
}

func (c *Counters) Received() { c.received.Add(1) }
func (c *Counters) Parsed()   { c.parsed.Add(1) }
func (c *Counters) Rejected() { c.rejected.Add(1) }
func (c *Counters) Dropped()  { c.dropped.Add(1) }

func (c *Counters) Enter() { c.inFlight.Add(1) }
func (c *Counters) Leave() { c.inFlight.Add(-1) }

// Snapshot returns the current counter values.
func (c *Counters) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Received: c.received.Load(),
		Parsed:   c.parsed.Load(),
		Rejected: c.rejected.Load(),
		Dropped:  c.dropped.Load(),
		InFlight: c.inFlight.Load(),
	}
}
