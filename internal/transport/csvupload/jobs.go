package csvupload

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle of one upload job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job tracks the progress of one CSV upload.
type Job struct {
	ID            string    `json:"job_id"`
	Status        JobStatus `json:"status"`
	TotalRows     int64     `json:"rows"`
	ProcessedRows int64     `json:"processed_rows"`
	InsertedRows  int64     `json:"inserted_rows"`
	RejectedRows  int64     `json:"rejected_rows"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	FinishedAt    time.Time `json:"finished_at,omitempty"`
}

// JobManager tracks upload jobs in memory. Finished jobs age out after
// retention so the map stays bounded.
type JobManager struct {
	mu        sync.RWMutex
	jobs      map[string]*Job
	retention time.Duration
}

// NewJobManager creates the manager.
func NewJobManager(retention time.Duration) *JobManager {
	if retention <= 0 {
		retention = time.Hour
	}
	return &JobManager{
		jobs:      make(map[string]*Job),
		retention: retention,
	}
}

// Create registers a new pending job and returns it.
func (m *JobManager) Create() *Job {
	job := &Job{
		ID:        uuid.NewString(),
		Status:    JobPending,
		CreatedAt: time.Now(),
	}
	m.mu.Lock()
	m.sweepLocked()
	m.jobs[job.ID] = job
	m.mu.Unlock()
	return job
}

// Get returns a snapshot of the job, if known.
func (m *JobManager) Get(id string) (Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// Update applies fn to the job under the lock.
func (m *JobManager) Update(id string, fn func(*Job)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok {
		fn(job)
	}
}

// sweepLocked drops finished jobs past retention. Caller holds the lock.
func (m *JobManager) sweepLocked() {
	cutoff := time.Now().Add(-m.retention)
	for id, job := range m.jobs {
		if job.FinishedAt.IsZero() {
			continue
		}
		if job.FinishedAt.Before(cutoff) {
			delete(m.jobs, id)
		}
	}
}
