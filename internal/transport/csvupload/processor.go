package csvupload

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"datagate/internal/ingest"
	"datagate/internal/pipeline"
	"datagate/internal/transport"

	"github.com/sirupsen/logrus"
)

// Request describes one CSV upload.
type Request struct {
	Domain          ingest.Domain
	SourceID        string
	TimestampColumn string
	ValueColumns    []string
}

// Validate checks the form fields before a job is created.
func (r *Request) Validate() error {
	if r.Domain == ingest.DomainIoT {
		return fmt.Errorf("domain iot not allowed on csv transport")
	}
	if !ingest.ValidDomain(r.Domain) {
		return fmt.Errorf("unknown domain %q", r.Domain)
	}
	if r.SourceID == "" {
		return fmt.Errorf("source_id is required")
	}
	if r.TimestampColumn == "" {
		return fmt.Errorf("timestamp_column is required")
	}
	if len(r.ValueColumns) == 0 {
		return fmt.Errorf("at least one value column is required")
	}
	return nil
}

// Processor parses uploaded CSV files row by row and routes one point per
// value column. A bounded in-flight window pauses reading when the router
// falls behind (pause-and-resume backpressure).
type Processor struct {
	router      *pipeline.Router
	jobs        *JobManager
	maxInFlight int
	log         *logrus.Entry

	transport.Counters
}

// NewProcessor creates the CSV transport.
func NewProcessor(router *pipeline.Router, jobs *JobManager, log *logrus.Entry) *Processor {
	return &Processor{
		router:      router,
		jobs:        jobs,
		maxInFlight: 256,
		log:         log,
	}
}

// Name implements transport.Transport.
func (p *Processor) Name() string { return "csv" }

// Start and Stop are no-ops: jobs are launched per upload.
func (p *Processor) Start(ctx context.Context) error { return nil }
func (p *Processor) Stop(ctx context.Context) error  { return nil }

// Stats implements transport.Transport.
func (p *Processor) Stats() transport.StatsSnapshot { return p.Snapshot() }

// Run processes one upload to completion, updating the job as it goes.
// Meant to run on its own goroutine; the HTTP handler returns the job id
// immediately.
func (p *Processor) Run(ctx context.Context, jobID string, req Request, file io.Reader) {
	p.jobs.Update(jobID, func(j *Job) { j.Status = JobRunning })

	err := p.process(ctx, jobID, req, file)

	p.jobs.Update(jobID, func(j *Job) {
		j.FinishedAt = time.Now()
		if err != nil {
			j.Status = JobFailed
			j.Error = err.Error()
			return
		}
		j.Status = JobCompleted
	})
	if err != nil {
		p.log.WithError(err).WithField("job_id", jobID).Warn("csv job failed")
	}
}

func (p *Processor) process(ctx context.Context, jobID string, req Request, file io.Reader) error {
	reader := csv.NewReader(file)
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}

	tsIdx := -1
	valueIdx := make(map[string]int, len(req.ValueColumns))
	for i, col := range header {
		name := strings.TrimSpace(col)
		if name == req.TimestampColumn {
			tsIdx = i
		}
		for _, want := range req.ValueColumns {
			if name == want {
				valueIdx[want] = i
			}
		}
	}
	if tsIdx < 0 {
		return fmt.Errorf("timestamp column %q not found", req.TimestampColumn)
	}
	for _, want := range req.ValueColumns {
		if _, ok := valueIdx[want]; !ok {
			return fmt.Errorf("value column %q not found", want)
		}
	}

	var rowNum int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A torn row is skipped, not fatal: bulk files routinely carry
			// a few bad lines.
			p.jobs.Update(jobID, func(j *Job) { j.RejectedRows++ })
			p.Rejected()
			continue
		}
		rowNum++
		p.jobs.Update(jobID, func(j *Job) { j.TotalRows = rowNum; j.ProcessedRows = rowNum })

		ts, err := parseRowTimestamp(record[tsIdx])
		if err != nil {
			p.jobs.Update(jobID, func(j *Job) { j.RejectedRows++ })
			p.Rejected()
			continue
		}

		for _, col := range req.ValueColumns {
			raw := strings.TrimSpace(record[valueIdx[col]])
			if raw == "" {
				continue
			}
			value, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				p.jobs.Update(jobID, func(j *Job) { j.RejectedRows++ })
				p.Rejected()
				continue
			}

			// Pause-and-resume: wait for the window instead of dropping.
			for p.Snapshot().InFlight >= int64(p.maxInFlight) {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(10 * time.Millisecond):
				}
			}

			point := &ingest.DataPoint{
				SeriesID:   ingest.SeriesKey(req.Domain, req.SourceID, col),
				Value:      value,
				Timestamp:  ts,
				Domain:     req.Domain,
				SourceID:   req.SourceID,
				IngestedAt: time.Now(),
				Metadata:   map[string]string{"csv_column": col},
			}
			p.Received()
			p.Parsed()
			p.Enter()
			outcome := p.router.Route(ctx, p.Name(), point, []byte(raw))
			p.Leave()

			p.jobs.Update(jobID, func(j *Job) {
				if outcome.Persisted {
					j.InsertedRows++
				} else if outcome.Rejected {
					j.RejectedRows++
				}
			})
		}
	}
	return nil
}

// parseRowTimestamp accepts RFC3339 or epoch seconds.
func parseRowTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t.UTC(), nil
	}
	if epoch, err := strconv.ParseFloat(s, 64); err == nil {
		sec := int64(epoch)
		return time.Unix(sec, int64((epoch-float64(sec))*1e9)).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

var _ transport.Transport = (*Processor)(nil)
