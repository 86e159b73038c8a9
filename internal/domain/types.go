package domain

// JobKind selects the cheap preview profile or the user-configured render.
type JobKind string

const (
	JobKindPreview JobKind = "preview"
	JobKindFull    JobKind = "full"
	JobKindInspect JobKind = "inspect"
)

// JobStatus tracks each stage of a single render job.
type JobStatus string

const (
	JobStatusIdle     JobStatus = "idle"
	JobStatusBuilding JobStatus = "building"
	JobStatusRunning  JobStatus = "running"
	JobStatusDecoding JobStatus = "decoding"
	JobStatusDone     JobStatus = "done"
	JobStatusFailed   JobStatus = "failed"
)

// Job stores one job's identity and lifecycle status.
type Job struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	Kind      JobKind   `json:"kind"`
	Status    JobStatus `json:"status"`
}

// Outcome is the terminal result of one launched job.
type Outcome struct {
	JobID     string    `json:"jobId"`
	ProjectID string    `json:"projectId"`
	Kind      JobKind   `json:"kind"`
	Success   bool      `json:"success"`
	Payload   []byte    `json:"payload,omitempty"`
	Message   string    `json:"message,omitempty"`
	ErrorKind ErrorKind `json:"errorKind,omitempty"`
}

// Succeeded builds a SUCCESS outcome.
func Succeeded(job Job, payload []byte, message string) Outcome {
	return Outcome{
		JobID:     job.ID,
		ProjectID: job.ProjectID,
		Kind:      job.Kind,
		Success:   true,
		Payload:   payload,
		Message:   message,
	}
}

// Failed builds a FAILURE outcome from err.
func Failed(job Job, err error) Outcome {
	out := Outcome{
		JobID:     job.ID,
		ProjectID: job.ProjectID,
		Kind:      job.Kind,
		ErrorKind: KindOf(err),
	}
	if err != nil {
		out.Message = err.Error()
	}
	return out
}
