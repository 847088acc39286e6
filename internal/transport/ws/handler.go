package ws

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"datagate/internal/ingest"
	"datagate/internal/pipeline"
	"datagate/internal/transport"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	maxInFlight = 100

	closePolicyViolation = 1008
	closeTryAgainLater   = 1013
)

// Frame shapes of the streaming protocol.
type connectFrame struct {
	Type     string `json:"type"`
	SourceID string `json:"source_id"`
	Domain   string `json:"domain"`
	APIKey   string `json:"api_key"`
}

type dataFrame struct {
	Type  string      `json:"type"`
	Batch []batchItem `json:"batch"`
}

type batchItem struct {
	StreamID   string            `json:"stream_id"`
	Value      *float64          `json:"value"`
	Timestamp  *float64          `json:"timestamp,omitempty"`
	StreamType string            `json:"stream_type,omitempty"`
	Sequence   int64             `json:"sequence,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	MsgID      string            `json:"msg_id,omitempty"`
}

type ackFrame struct {
	Type         string         `json:"type"`
	SequenceUpTo int64          `json:"sequence_up_to"`
	Rejected     []rejectedItem `json:"rejected"`
}

type rejectedItem struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// Handler serves the /ingest/stream WebSocket endpoint: handshake, data
// frames with per-batch acks, and close-based backpressure once more than
// maxInFlight points are being routed.
type Handler struct {
	router *pipeline.Router
	apiKey string
	log    *logrus.Entry

	transport.Counters
}

// NewHandler creates the WebSocket transport handler.
func NewHandler(router *pipeline.Router, apiKey string, log *logrus.Entry) *Handler {
	return &Handler{router: router, apiKey: apiKey, log: log}
}

// Name implements transport.Transport.
func (h *Handler) Name() string { return "websocket" }

// Start and Stop are no-ops: the HTTP server owns the listener.
func (h *Handler) Start(ctx context.Context) error { return nil }
func (h *Handler) Stop(ctx context.Context) error  { return nil }

// Stats implements transport.Transport.
func (h *Handler) Stats() transport.StatsSnapshot { return h.Snapshot() }

// Serve runs one WebSocket session to completion.
func (h *Handler) Serve(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	domain, ok := h.handshake(conn)
	if !ok {
		return
	}
	sessionID := uuid.NewString()
	sourceID := domain.sourceID

	_ = conn.WriteJSON(map[string]string{
		"type":       "connected",
		"session_id": sessionID,
	})
	h.log.WithFields(logrus.Fields{
		"session_id": sessionID,
		"domain":     domain.domain,
		"source_id":  sourceID,
	}).Info("websocket session connected")

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			h.log.WithField("session_id", sessionID).Info("websocket session closed")
			return
		}
		h.Received()

		var frame dataFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			_ = conn.WriteJSON(errorFrame{Type: "error", Error: "malformed frame"})
			h.Rejected()
			continue
		}

		switch frame.Type {
		case "disconnect":
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
				time.Now().Add(time.Second))
			return
		case "data":
		default:
			_ = conn.WriteJSON(errorFrame{Type: "error", Error: "unknown frame type " + frame.Type})
			continue
		}

		if h.Snapshot().InFlight+int64(len(frame.Batch)) > maxInFlight {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(closeTryAgainLater, "queue_full"),
				time.Now().Add(time.Second))
			h.Dropped()
			return
		}

		ack := h.processBatch(ctx, domain, frame.Batch, raw)
		_ = conn.WriteJSON(ack)
	}
}

type session struct {
	domain   ingest.Domain
	sourceID string
}

// handshake validates the connect frame. Violations close with 1008.
func (h *Handler) handshake(conn *websocket.Conn) (session, bool) {
	var s session

	_ = conn.SetReadDeadline(time.Now().Add(15 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	var frame connectFrame
	if err := conn.ReadJSON(&frame); err != nil || frame.Type != "connect" {
		h.close(conn, closePolicyViolation, "expected connect frame")
		return s, false
	}
	if frame.SourceID == "" || frame.Domain == "" || frame.APIKey == "" {
		h.close(conn, closePolicyViolation, "missing source_id, domain or api_key")
		return s, false
	}
	d := ingest.Domain(strings.ToLower(frame.Domain))
	if d == ingest.DomainIoT {
		h.close(conn, closePolicyViolation, "domain iot not allowed on websocket transport")
		return s, false
	}
	if !ingest.ValidDomain(d) {
		h.close(conn, closePolicyViolation, "unknown domain "+frame.Domain)
		return s, false
	}
	if h.apiKey == "" || frame.APIKey != h.apiKey {
		h.close(conn, closePolicyViolation, "invalid api key")
		return s, false
	}
	return session{domain: d, sourceID: frame.SourceID}, true
}

func (h *Handler) processBatch(ctx context.Context, s session, batch []batchItem, raw []byte) ackFrame {
	ack := ackFrame{Type: "ack", Rejected: []rejectedItem{}}

	for i, item := range batch {
		h.Enter()

		if item.StreamID == "" || item.Value == nil {
			ack.Rejected = append(ack.Rejected, rejectedItem{Index: i, Reason: "missing stream_id or value"})
			h.Rejected()
			h.Leave()
			continue
		}

		ts := time.Now().UTC()
		if item.Timestamp != nil {
			sec := int64(*item.Timestamp)
			ts = time.Unix(sec, int64((*item.Timestamp-float64(sec))*1e9)).UTC()
		}

		point := &ingest.DataPoint{
			SeriesID:   ingest.SeriesKey(s.domain, s.sourceID, item.StreamID),
			Value:      *item.Value,
			Timestamp:  ts,
			Domain:     s.domain,
			SourceID:   s.sourceID,
			StreamType: item.StreamType,
			Sequence:   item.Sequence,
			Metadata:   item.Metadata,
			MsgID:      item.MsgID,
			IngestedAt: time.Now(),
		}
		h.Parsed()

		outcome := h.router.Route(ctx, h.Name(), point, raw)
		h.Leave()

		switch {
		case outcome.Rejected:
			ack.Rejected = append(ack.Rejected, rejectedItem{Index: i, Reason: string(outcome.Reason)})
			h.Rejected()
		case outcome.Err != nil:
			ack.Rejected = append(ack.Rejected, rejectedItem{Index: i, Reason: "persist_failed"})
		default:
			if item.Sequence > ack.SequenceUpTo {
				ack.SequenceUpTo = item.Sequence
			}
		}
	}
	return ack
}

func (h *Handler) close(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
}

var _ transport.Transport = (*Handler)(nil)
