package ingest

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DLQCategory classifies why a message landed in the dead-letter queue.
type DLQCategory string

const (
	DLQParse         DLQCategory = "parse"
	DLQGuards        DLQCategory = "guards"
	DLQPersist       DLQCategory = "persist"
	DLQCancelled     DLQCategory = "cancelled"
	DLQClassifierBug DLQCategory = "classifier_bug"
)

// DLQEntry is one record in the dead-letter log.
type DLQEntry struct {
	Transport     string      `json:"transport"`
	Raw           []byte      `json:"raw"`
	Category      DLQCategory `json:"category"`
	Detail        string      `json:"detail"`
	MsgID         string      `json:"msg_id,omitempty"`
	SeriesID      string      `json:"series_id,omitempty"`
	FirstFailedAt time.Time   `json:"first_failed_at"`
	Attempts      int         `json:"attempts"`
}

// DeadLetterQueue is an append-only ordered log of failed messages backed by
// a capped Redis Stream. When the ring is full the oldest entries are
// trimmed approximately (MAXLEN ~). Trimmed entries are not counted; the
// only counters are entries sent and failed sends.
type DeadLetterQueue struct {
	client *redis.Client
	stream string
	maxLen int64
	log    *logrus.Entry

	sent      atomic.Int64
	sendFails atomic.Int64
}

const (
	dlqStream        = "dlq:ingest"
	dlqArchiveStream = "dlq:archive"
	DefaultDLQMaxLen = 10000
)

// NewDeadLetterQueue creates a DLQ over the given Redis client. A nil client
// yields a log-only queue so callers never need to branch.
func NewDeadLetterQueue(client *redis.Client, maxLen int64, log *logrus.Entry) *DeadLetterQueue {
	if maxLen <= 0 {
		maxLen = DefaultDLQMaxLen
	}
	return &DeadLetterQueue{client: client, stream: dlqStream, maxLen: maxLen, log: log}
}

// Send appends an entry to the log. Failures are counted, never propagated:
// the DLQ is the last stop, there is nowhere further to fail to.
func (q *DeadLetterQueue) Send(ctx context.Context, e DLQEntry) {
	if e.FirstFailedAt.IsZero() {
		e.FirstFailedAt = time.Now()
	}
	if q.client == nil {
		q.log.WithFields(logrus.Fields{
			"transport": e.Transport,
			"category":  e.Category,
			"detail":    e.Detail,
		}).Warn("dlq disabled, entry dropped to log")
		return
	}

	values := map[string]interface{}{
		"transport":       e.Transport,
		"raw":             string(e.Raw),
		"category":        string(e.Category),
		"detail":          e.Detail,
		"first_failed_at": strconv.FormatFloat(float64(e.FirstFailedAt.UnixMicro())/1e6, 'f', 6, 64),
		"attempts":        strconv.Itoa(e.Attempts),
	}
	if e.MsgID != "" {
		values["msg_id"] = e.MsgID
	}
	if e.SeriesID != "" {
		values["series_id"] = e.SeriesID
	}

	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		q.sendFails.Add(1)
		q.log.WithError(err).WithField("category", e.Category).Error("dlq send failed")
		return
	}
	q.sent.Add(1)
}

// Depth returns the current number of entries in the log.
func (q *DeadLetterQueue) Depth(ctx context.Context) int64 {
	if q.client == nil {
		return 0
	}
	n, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		return 0
	}
	return n
}

// Recent returns the newest entries, most recent first.
func (q *DeadLetterQueue) Recent(ctx context.Context, count int64) ([]DLQEntry, error) {
	if q.client == nil {
		return nil, nil
	}
	msgs, err := q.client.XRevRangeN(ctx, q.stream, "+", "-", count).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DLQEntry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, decodeEntry(m.Values))
	}
	return out, nil
}

// DLQStats are the counters exposed through /resilience/health.
type DLQStats struct {
	Depth     int64 `json:"depth"`
	Sent      int64 `json:"total_sent"`
	SendFails int64 `json:"send_errors"`
}

// Stats returns a snapshot of the queue counters.
func (q *DeadLetterQueue) Stats(ctx context.Context) DLQStats {
	return DLQStats{
		Depth:     q.Depth(ctx),
		Sent:      q.sent.Load(),
		SendFails: q.sendFails.Load(),
	}
}

// decodeEntry rebuilds a DLQEntry from stream fields.
func decodeEntry(values map[string]interface{}) DLQEntry {
	e := DLQEntry{
		Transport: str(values["transport"]),
		Raw:       []byte(str(values["raw"])),
		Category:  DLQCategory(str(values["category"])),
		Detail:    str(values["detail"]),
		MsgID:     str(values["msg_id"]),
		SeriesID:  str(values["series_id"]),
	}
	if ts, err := strconv.ParseFloat(str(values["first_failed_at"]), 64); err == nil {
		sec := int64(ts)
		e.FirstFailedAt = time.Unix(sec, int64((ts-float64(sec))*1e9))
	}
	if n, err := strconv.Atoi(str(values["attempts"])); err == nil {
		e.Attempts = n
	}
	return e
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}
