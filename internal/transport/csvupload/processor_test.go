package csvupload

import (
	"context"
	"strings"
	"testing"
	"time"

	"datagate/internal/ingest"
	"datagate/internal/testutils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequest() Request {
	return Request{
		Domain:          ingest.DomainInfrastructure,
		SourceID:        "web-01",
		TimestampColumn: "ts",
		ValueColumns:    []string{"cpu", "mem"},
	}
}

func TestRequestValidate(t *testing.T) {
	t.Run("valid request passes", func(t *testing.T) {
		r := validRequest()
		require.NoError(t, r.Validate())
	})

	t.Run("iot domain is refused", func(t *testing.T) {
		r := validRequest()
		r.Domain = ingest.DomainIoT
		require.Error(t, r.Validate())
	})

	t.Run("missing fields are refused", func(t *testing.T) {
		r := validRequest()
		r.SourceID = ""
		require.Error(t, r.Validate())

		r = validRequest()
		r.ValueColumns = nil
		require.Error(t, r.Validate())
	})
}

func TestProcessorRun(t *testing.T) {
	now := time.Now().Add(-time.Minute).UTC()
	ts1 := now.Format(time.RFC3339)
	ts2 := now.Add(time.Second).Format(time.RFC3339)

	t.Run("processes rows into one point per value column", func(t *testing.T) {
		h := testutils.NewHarness(testutils.HarnessOptions{MinReadings: 1})
		jobs := NewJobManager(time.Hour)
		p := NewProcessor(h.Router, jobs, testutils.Logger())

		csv := "ts,cpu,mem\n" +
			ts1 + ",55.5,70\n" +
			ts2 + ",56.0,71\n"

		job := jobs.Create()
		p.Run(context.Background(), job.ID, validRequest(), strings.NewReader(csv))

		got, ok := jobs.Get(job.ID)
		require.True(t, ok)
		assert.Equal(t, JobCompleted, got.Status)
		assert.EqualValues(t, 2, got.ProcessedRows)
		assert.EqualValues(t, 4, got.InsertedRows, "two rows × two value columns")
		assert.Zero(t, got.RejectedRows)

		assert.Len(t, h.Store.Points, 4)
		assert.Equal(t, "infrastructure/web-01/cpu", h.Store.Points[0].SeriesID)
	})

	t.Run("bad rows are counted and skipped", func(t *testing.T) {
		h := testutils.NewHarness(testutils.HarnessOptions{MinReadings: 1})
		jobs := NewJobManager(time.Hour)
		p := NewProcessor(h.Router, jobs, testutils.Logger())

		csv := "ts,cpu,mem\n" +
			"not-a-time,55.5,70\n" +
			ts1 + ",oops,70\n" +
			ts2 + ",56.0,71\n"

		job := jobs.Create()
		p.Run(context.Background(), job.ID, validRequest(), strings.NewReader(csv))

		got, _ := jobs.Get(job.ID)
		assert.Equal(t, JobCompleted, got.Status)
		assert.EqualValues(t, 3, got.InsertedRows, "mem of row 2 plus both of row 3")
		assert.EqualValues(t, 2, got.RejectedRows)
	})

	t.Run("missing column fails the job", func(t *testing.T) {
		h := testutils.NewHarness(testutils.HarnessOptions{MinReadings: 1})
		jobs := NewJobManager(time.Hour)
		p := NewProcessor(h.Router, jobs, testutils.Logger())

		job := jobs.Create()
		p.Run(context.Background(), job.ID, validRequest(), strings.NewReader("ts,cpu\n"+ts1+",1\n"))

		got, _ := jobs.Get(job.ID)
		assert.Equal(t, JobFailed, got.Status)
		assert.Contains(t, got.Error, "mem")
		assert.Empty(t, h.Store.Points)
	})
}

func TestJobManager(t *testing.T) {
	jobs := NewJobManager(time.Hour)

	job := jobs.Create()
	if job.Status != JobPending || job.ID == "" {
		t.Fatalf("unexpected new job %+v", job)
	}

	jobs.Update(job.ID, func(j *Job) { j.Status = JobRunning })
	got, ok := jobs.Get(job.ID)
	if !ok || got.Status != JobRunning {
		t.Fatalf("update lost: %+v", got)
	}

	if _, ok := jobs.Get("nope"); ok {
		t.Fatal("unknown job reported as present")
	}
}
