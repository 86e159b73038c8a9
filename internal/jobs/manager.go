package jobs

import (
	"errors"
	"fmt"
	"sync"

	"render-queue/internal/domain"
)

// ErrJobExists is returned when a job id is registered twice.
var ErrJobExists = errors.New("job already exists")

// ErrUnknownJob is returned for ids the manager never saw.
var ErrUnknownJob = errors.New("unknown job")

// Manager tracks the lifecycle of every job launched by the orchestrator.
type Manager struct {
	mu   sync.RWMutex
	jobs map[string]domain.Job
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{jobs: make(map[string]domain.Job)}
}

// Start registers a job and moves it to building state.
func (m *Manager) Start(job domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job.ID == "" {
		return fmt.Errorf("start job: empty id")
	}
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("start job %s: %w", job.ID, ErrJobExists)
	}
	job.Status = domain.JobStatusBuilding
	m.jobs[job.ID] = job
	return nil
}

// Transition validates and applies a state change for one job.
func (m *Manager) Transition(id string, status domain.JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("transition %s: %w", id, ErrUnknownJob)
	}
	if status == job.Status {
		return nil
	}
	if !isValidTransition(job.Status, status) {
		return fmt.Errorf("invalid transition for %s: %s -> %s", id, job.Status, status)
	}

	job.Status = status
	m.jobs[id] = job
	return nil
}

// Finish moves a job to its terminal state.
func (m *Manager) Finish(id string, success bool) error {
	if success {
		return m.Transition(id, domain.JobStatusDone)
	}
	return m.Transition(id, domain.JobStatusFailed)
}

// Get returns a snapshot of one job.
func (m *Manager) Get(id string) (domain.Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	return job, ok
}

// Active returns the jobs that have not reached a terminal state.
func (m *Manager) Active() []domain.Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.Job
	for _, job := range m.jobs {
		if isRunning(job.Status) {
			out = append(out, job)
		}
	}
	return out
}

// Prune forgets finished jobs.
func (m *Manager) Prune() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, job := range m.jobs {
		if !isRunning(job.Status) {
			delete(m.jobs, id)
		}
	}
}

// isRunning checks if a status is a non-terminal stage.
func isRunning(status domain.JobStatus) bool {
	switch status {
	case domain.JobStatusBuilding, domain.JobStatusRunning, domain.JobStatusDecoding:
		return true
	default:
		return false
	}
}

// isValidTransition enforces the allowed job state machine edges.
func isValidTransition(from, to domain.JobStatus) bool {
	switch from {
	case domain.JobStatusIdle:
		return to == domain.JobStatusBuilding
	case domain.JobStatusBuilding:
		return to == domain.JobStatusRunning || to == domain.JobStatusFailed
	case domain.JobStatusRunning:
		return to == domain.JobStatusDecoding || to == domain.JobStatusFailed
	case domain.JobStatusDecoding:
		return to == domain.JobStatusDone || to == domain.JobStatusFailed
	default:
		return false
	}
}
