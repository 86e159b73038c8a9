package jobs

import (
	"errors"
	"testing"

	"render-queue/internal/domain"
)

// TestManagerLifecycle verifies normal progression to done state.
func TestManagerLifecycle(t *testing.T) {
	m := NewManager()
	if len(m.Active()) != 0 {
		t.Fatal("new manager should have no active jobs")
	}

	if err := m.Start(domain.Job{ID: "job-1", ProjectID: "p1", Kind: domain.JobKindFull}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(m.Active()) != 1 {
		t.Fatal("expected one active job after start")
	}

	for _, status := range []domain.JobStatus{
		domain.JobStatusRunning,
		domain.JobStatusDecoding,
	} {
		if err := m.Transition("job-1", status); err != nil {
			t.Fatalf("transition to %s: %v", status, err)
		}
	}
	if err := m.Finish("job-1", true); err != nil {
		t.Fatalf("finish: %v", err)
	}

	job, ok := m.Get("job-1")
	if !ok || job.Status != domain.JobStatusDone {
		t.Fatalf("job = %+v, want done", job)
	}
	if len(m.Active()) != 0 {
		t.Fatal("finished job should not be active")
	}
}

// TestManagerRejectsInvalidTransition checks state machine constraints.
func TestManagerRejectsInvalidTransition(t *testing.T) {
	m := NewManager()
	if err := m.Start(domain.Job{ID: "job-1"}); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := m.Transition("job-1", domain.JobStatusDone); err == nil {
		t.Fatal("expected invalid transition error")
	}
	if err := m.Finish("job-1", false); err != nil {
		t.Fatalf("build failure should be allowed: %v", err)
	}
	if err := m.Transition("job-1", domain.JobStatusRunning); err == nil {
		t.Fatal("terminal job must not move again")
	}
}

// TestManagerRejectsDuplicateAndUnknown covers id bookkeeping errors.
func TestManagerRejectsDuplicateAndUnknown(t *testing.T) {
	m := NewManager()
	if err := m.Start(domain.Job{ID: "job-1"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Start(domain.Job{ID: "job-1"}); !errors.Is(err, ErrJobExists) {
		t.Fatalf("second start error = %v, want %v", err, ErrJobExists)
	}
	if err := m.Transition("nope", domain.JobStatusRunning); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("unknown transition error = %v, want %v", err, ErrUnknownJob)
	}
}

// TestManagerPrune verifies only terminal jobs are dropped.
func TestManagerPrune(t *testing.T) {
	m := NewManager()
	_ = m.Start(domain.Job{ID: "a"})
	_ = m.Start(domain.Job{ID: "b"})
	_ = m.Finish("b", false)

	m.Prune()
	if _, ok := m.Get("a"); !ok {
		t.Fatal("active job pruned")
	}
	if _, ok := m.Get("b"); ok {
		t.Fatal("failed job kept")
	}
}
