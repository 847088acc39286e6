package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"datagate/internal/config"
	"datagate/internal/ingest"
	"datagate/internal/resilience"
	"datagate/internal/storage"
	"datagate/internal/testutils"
	"datagate/internal/transport/csvupload"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServer(t *testing.T) (*Server, *testutils.Harness) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h := testutils.NewHarness(testutils.HarnessOptions{MinReadings: 1})
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Features.CSV = true

	jobs := csvupload.NewJobManager(time.Hour)
	srv := NewServer(Deps{
		Config:        cfg,
		Router:        h.Router,
		States:        h.States,
		StorageRouter: storage.NewRouter(nil, nil),
		Dedup:         ingest.NewDeduplicator(nil, 0),
		DLQ:           ingest.NewDeadLetterQueue(nil, 0, testutils.Logger()),
		Breakers:      h.Breakers,
		CSVJobs:       jobs,
		CSVProcessor:  csvupload.NewProcessor(h.Router, jobs, testutils.Logger()),
		Transports:    nil,
		Log:           testutils.Logger(),
	})
	return srv, h
}

func postJSON(t *testing.T, srv *Server, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, req)
	return w
}

func TestIngestData(t *testing.T) {
	t.Run("accepts a generic batch and echoes classifications", func(t *testing.T) {
		srv, h := testServer(t)

		ts := float64(time.Now().Add(-time.Second).UnixMicro()) / 1e6
		w := postJSON(t, srv, "/ingest/data", DataRequest{
			SourceID: "web-01",
			Domain:   "infrastructure",
			DataPoints: []DataPointBody{
				{StreamID: "cpu", Value: testutils.Ptr(55.5), Timestamp: &ts},
				{StreamID: "mem", Value: testutils.Ptr(70.0), Timestamp: &ts},
			},
		})

		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var resp struct {
			Results []PointResult `json:"results"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp.Results, 2)
		assert.True(t, resp.Results[0].Persisted)
		assert.Equal(t, ingest.ClassNormal, resp.Results[0].Class)
		assert.Len(t, h.Store.Points, 2)
	})

	// 通用端点拒绝 iot 域
	t.Run("refuses domain iot with 400", func(t *testing.T) {
		srv, _ := testServer(t)
		w := postJSON(t, srv, "/ingest/data", DataRequest{
			SourceID:   "dev",
			Domain:     "iot",
			DataPoints: []DataPointBody{{StreamID: "t", Value: testutils.Ptr(1.0)}},
		})
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "invalid_domain")
	})

	t.Run("refuses unknown domains", func(t *testing.T) {
		srv, _ := testServer(t)
		w := postJSON(t, srv, "/ingest/data", DataRequest{
			SourceID:   "dev",
			Domain:     "warehouse",
			DataPoints: []DataPointBody{{StreamID: "t", Value: testutils.Ptr(1.0)}},
		})
		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("malformed body is a 400", func(t *testing.T) {
		srv, _ := testServer(t)
		req := httptest.NewRequest(http.MethodPost, "/ingest/data", bytes.NewReader([]byte("{")))
		w := httptest.NewRecorder()
		srv.Engine().ServeHTTP(w, req)
		require.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestLegacyReadings(t *testing.T) {
	srv, h := testServer(t)

	ts := float64(time.Now().Add(-time.Second).UnixMicro()) / 1e6
	w := postJSON(t, srv, "/ingest/readings", ReadingRequest{
		SensorID:  42,
		Value:     testutils.Ptr(21.5),
		Timestamp: &ts,
	})
	// The harness fake store accepts everything, so this goes through.
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp InsertedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Inserted)
	require.Len(t, h.Store.Points, 1)
	assert.Equal(t, ingest.DomainIoT, h.Store.Points[0].Domain)
	assert.Equal(t, "42", h.Store.Points[0].SeriesID)
}

func TestResilienceHealth(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/resilience/health", nil)
	w := httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Dedup struct {
			Available bool `json:"available"`
		} `json:"dedup"`
		DLQ struct {
			Depth int64 `json:"depth"`
		} `json:"dlq"`
		Breakers map[string]resilience.BreakerStatus `json:"breakers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Dedup.Available, "nil-store dedup reports unavailable")
	assert.Contains(t, resp.Breakers, "generic")
	assert.Equal(t, resilience.StateClosed, resp.Breakers["generic"].State)
}

func TestSeriesStatus(t *testing.T) {
	srv, _ := testServer(t)

	// Seed a legacy series (slash-free id keeps the route simple).
	ts := float64(time.Now().Add(-time.Second).UnixMicro()) / 1e6
	postJSON(t, srv, "/ingest/readings", ReadingRequest{
		SensorID:  42,
		Value:     testutils.Ptr(21.5),
		Timestamp: &ts,
	})

	req := httptest.NewRequest(http.MethodGet, "/series/42/status", nil)
	w := httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var st ingest.SeriesState
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, ingest.StateNormal, st.State)
}
