package api

import (
	"net/http"
	"time"

	"datagate/internal/errors"
	"datagate/internal/ingest"
	"datagate/internal/pipeline"
	"datagate/internal/transport/csvupload"

	"github.com/gin-gonic/gin"
)

// ingestPackets handles POST /ingest/packets (legacy device packets).
func (s *Server) ingestPackets(c *gin.Context) {
	var req PacketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Reason: "invalid_body", Detail: err.Error()})
		return
	}
	if !s.rateLimiter.AllowDevice(req.DeviceUUID) {
		c.Header("Retry-After", "60")
		c.JSON(http.StatusTooManyRequests, ErrorResponse{Reason: "device_rate_limited"})
		return
	}

	uuids := make([]string, 0, len(req.Readings))
	for _, r := range req.Readings {
		uuids = append(uuids, r.SensorUUID)
	}
	resolved, unknown, err := s.resolver.Resolve(c.Request.Context(), req.DeviceUUID, uuids)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Reason: "resolver_unavailable"})
		return
	}

	resp := PacketResponse{UnknownSensors: unknown}
	if resp.UnknownSensors == nil {
		resp.UnknownSensors = []string{}
	}

	for _, r := range req.Readings {
		sensorID, ok := resolved[normalizeUUID(r.SensorUUID)]
		if !ok {
			continue
		}
		point := legacyPoint(sensorID, *r.Value, r.TS)
		outcome := s.router.Route(c.Request.Context(), "http", point, nil)
		if outcome.Persisted || outcome.Duplicate {
			resp.Inserted++
		}
	}
	c.JSON(http.StatusOK, resp)
}

// ingestReading handles POST /ingest/readings (legacy single reading).
func (s *Server) ingestReading(c *gin.Context) {
	var req ReadingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Reason: "invalid_body", Detail: err.Error()})
		return
	}
	if !s.rateLimiter.AllowSeries(ingest.LegacySeriesKey(req.SensorID)) {
		c.Header("Retry-After", "60")
		c.JSON(http.StatusTooManyRequests, ErrorResponse{Reason: "sensor_rate_limited"})
		return
	}

	point := legacyPoint(req.SensorID, *req.Value, req.Timestamp)
	outcome := s.router.Route(c.Request.Context(), "http", point, nil)
	s.respondLegacy(c, []pipeline.Outcome{outcome})
}

// ingestReadingsBulk handles POST /ingest/readings/bulk.
func (s *Server) ingestReadingsBulk(c *gin.Context) {
	var req BulkReadingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Reason: "invalid_body", Detail: err.Error()})
		return
	}

	outcomes := make([]pipeline.Outcome, 0, len(req.Readings))
	for _, r := range req.Readings {
		if !s.rateLimiter.AllowSeries(ingest.LegacySeriesKey(r.SensorID)) {
			outcomes = append(outcomes, pipeline.Outcome{Err: errors.Throttled("sensor_rate_limited", "")})
			continue
		}
		point := legacyPoint(r.SensorID, *r.Value, r.Timestamp)
		outcomes = append(outcomes, s.router.Route(c.Request.Context(), "http", point, nil))
	}
	s.respondLegacy(c, outcomes)
}

// respondLegacy collapses outcomes into the legacy {inserted} shape.
func (s *Server) respondLegacy(c *gin.Context, outcomes []pipeline.Outcome) {
	resp := InsertedResponse{}
	var firstErr error
	for _, o := range outcomes {
		if o.Persisted || o.Duplicate {
			resp.Inserted++
			continue
		}
		if o.Err != nil && firstErr == nil {
			firstErr = o.Err
		}
	}
	if resp.Inserted == 0 && firstErr != nil {
		app := errors.AsApp(firstErr)
		if app != nil {
			c.JSON(app.HTTPStatus(), ErrorResponse{Reason: app.Reason})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Reason: "internal"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ingestData handles POST /ingest/data (generic multi-domain batch).
func (s *Server) ingestData(c *gin.Context) {
	var req DataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Reason: "invalid_body", Detail: err.Error()})
		return
	}

	domain := ingest.Domain(req.Domain)
	if domain == ingest.DomainIoT {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Reason: "invalid_domain",
			Detail: "domain iot must use the legacy ingest endpoints",
		})
		return
	}
	if !ingest.ValidDomain(domain) {
		c.JSON(http.StatusBadRequest, ErrorResponse{Reason: "invalid_domain", Detail: req.Domain})
		return
	}

	results := make([]PointResult, 0, len(req.DataPoints))
	for _, body := range req.DataPoints {
		seriesID := ingest.SeriesKey(domain, req.SourceID, body.StreamID)
		if !s.rateLimiter.AllowSeries(seriesID) {
			results = append(results, PointResult{StreamID: body.StreamID, Error: "throttled"})
			continue
		}

		ts := time.Now().UTC()
		if body.Timestamp != nil {
			ts = epochToTime(*body.Timestamp)
		}
		point := &ingest.DataPoint{
			SeriesID:   seriesID,
			Value:      *body.Value,
			Timestamp:  ts,
			Domain:     domain,
			SourceID:   req.SourceID,
			StreamType: body.StreamType,
			Sequence:   body.Sequence,
			Metadata:   body.Metadata,
			MsgID:      body.MsgID,
			IngestedAt: time.Now(),
		}

		outcome := s.router.Route(c.Request.Context(), "http", point, nil)
		result := PointResult{
			StreamID:  body.StreamID,
			Class:     outcome.Class,
			Reason:    outcome.Reason,
			Persisted: outcome.Persisted,
			Duplicate: outcome.Duplicate,
			Rejected:  outcome.Rejected,
		}
		if outcome.Err != nil {
			if app := errors.AsApp(outcome.Err); app != nil {
				result.Error = app.Reason
			} else {
				result.Error = "internal"
			}
		}
		results = append(results, result)
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// ingestCSV handles POST /ingest/csv (multipart upload).
func (s *Server) ingestCSV(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Reason: "missing_file"})
		return
	}
	req := csvupload.Request{
		Domain:          ingest.Domain(c.PostForm("domain")),
		SourceID:        c.PostForm("source_id"),
		TimestampColumn: c.PostForm("timestamp_column"),
		ValueColumns:    c.PostFormArray("value_columns"),
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Reason: "invalid_request", Detail: err.Error()})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Reason: "unreadable_file"})
		return
	}

	job := s.csvJobs.Create()
	go func() {
		defer file.Close()
		// Upload jobs outlive the HTTP request; they run under the server's
		// lifecycle context, not the request's.
		s.csvProcessor.Run(s.lifecycle, job.ID, req, file)
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"job_id": job.ID,
		"status": job.Status,
		"rows":   job.TotalRows,
	})
}

// csvJobStatus handles GET /ingest/csv/jobs/:id.
func (s *Server) csvJobStatus(c *gin.Context) {
	job, ok := s.csvJobs.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Reason: "job_not_found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

// seriesStatus handles GET /series/:id/status.
func (s *Server) seriesStatus(c *gin.Context) {
	st, err := s.states.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Reason: "state_unavailable"})
		return
	}
	c.JSON(http.StatusOK, st)
}

func legacyPoint(sensorID int64, value float64, ts *float64) *ingest.DataPoint {
	t := time.Now().UTC()
	if ts != nil {
		t = epochToTime(*ts)
	}
	return &ingest.DataPoint{
		SeriesID:       ingest.LegacySeriesKey(sensorID),
		Value:          value,
		Timestamp:      t,
		Domain:         ingest.DomainIoT,
		LegacySensorID: sensorID,
		IngestedAt:     time.Now(),
	}
}

func epochToTime(epoch float64) time.Time {
	sec := int64(epoch)
	return time.Unix(sec, int64((epoch-float64(sec))*1e9)).UTC()
}
