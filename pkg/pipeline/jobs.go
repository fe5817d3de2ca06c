package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hausgeist/hausgeist/pkg/protocol"
)

// Job tracks one deep-job submission through its lifecycle.
type Job struct {
	ID         string             `json:"job_id"`
	Status     protocol.JobStatus `json:"status"`
	DurationMs int64              `json:"duration_ms"`
	Result     *FinalResponse     `json:"result,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// JobManager runs long requests in the background. Jobs live in memory;
// a restart loses them, which callers handle by resubmitting.
type JobManager struct {
	orchestrator *Orchestrator

	mu   sync.RWMutex
	jobs map[string]*Job
}

func NewJobManager(orchestrator *Orchestrator) *JobManager {
	return &JobManager{orchestrator: orchestrator, jobs: make(map[string]*Job)}
}

// Submit queues the request and returns immediately with the job id.
func (m *JobManager) Submit(ctx context.Context, req *protocol.Request) (string, error) {
	if req == nil || req.LastUserMessage() == "" {
		return "", fmt.Errorf("request requires a user message")
	}

	job := &Job{ID: uuid.NewString(), Status: protocol.JobQueued}
	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()

	go m.runJob(context.WithoutCancel(ctx), job.ID, req)
	return job.ID, nil
}

func (m *JobManager) runJob(ctx context.Context, id string, req *protocol.Request) {
	m.setStatus(id, protocol.JobRunning)
	start := time.Now()

	resp, err := m.orchestrator.Process(ctx, req)

	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return
	}
	job.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		job.Status = protocol.JobFailed
		job.Error = err.Error()
		return
	}
	job.Status = protocol.JobSucceeded
	job.Result = resp
}

// Get returns a snapshot of the job, or false when unknown.
func (m *JobManager) Get(id string) (*Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, false
	}
	snapshot := *job
	return &snapshot, true
}

func (m *JobManager) setStatus(id string, status protocol.JobStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok {
		job.Status = status
	}
}
