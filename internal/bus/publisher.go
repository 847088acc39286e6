package bus

import (
	"context"
	"encoding/json"
	"time"

	"datagate/internal/ingest"

	"github.com/redis/go-redis/v9"
)

// Message is the wire shape published to the prediction channel. No
// ordering guarantee across series.
type Message struct {
	SeriesID   string            `json:"series_id"`
	Value      float64           `json:"value"`
	Timestamp  float64           `json:"timestamp"`
	IngestedAt float64           `json:"ingested_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Publisher pushes clean points to the downstream prediction channel.
type Publisher interface {
	Publish(ctx context.Context, p *ingest.DataPoint) error
}

// RedisPublisher publishes over Redis pub/sub. Fire-and-forget: consumers
// that are not listening simply miss the point.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

const defaultChannel = "predictions:readings"

// NewRedisPublisher creates a publisher on the given channel; empty channel
// uses the default.
func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = defaultChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

// Publish serializes and publishes one point.
func (p *RedisPublisher) Publish(ctx context.Context, point *ingest.DataPoint) error {
	msg := Message{
		SeriesID:  point.SeriesID,
		Value:     point.Value,
		Timestamp: toEpoch(point.Timestamp),
		Metadata:  point.Metadata,
	}
	if !point.IngestedAt.IsZero() {
		msg.IngestedAt = toEpoch(point.IngestedAt)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.channel, payload).Err()
}

func toEpoch(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}
