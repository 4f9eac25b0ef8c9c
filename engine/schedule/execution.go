package schedule

import (
	"time"

	"github.com/google/uuid"

	"github.com/varenq/legion/engine/job"
)

// Execution is the audit record of one schedule firing. It is created
// RUNNING before the job is submitted and finalized exactly once with the
// produced job's terminal status. JobID stays nil when job creation itself
// failed.
type Execution struct {
	ID             string     `json:"id"`
	ScheduledJobID string     `json:"scheduled_job_id"`
	JobID          *string    `json:"job_id,omitempty"`
	ScheduledAt    time.Time  `json:"scheduled_at"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Status         job.Status `json:"status"`
	ErrorMessage   string     `json:"error_message,omitempty"`
}

// NewExecution opens a RUNNING execution for a firing that was due at
// scheduledAt and actually started at startedAt.
func NewExecution(scheduledJobID string, scheduledAt, startedAt time.Time) *Execution {
	return &Execution{
		ID:             uuid.NewString(),
		ScheduledJobID: scheduledJobID,
		ScheduledAt:    scheduledAt.UTC(),
		StartedAt:      startedAt.UTC(),
		Status:         job.StatusRunning,
	}
}
