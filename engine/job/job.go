// Package job implements the orchestration core: jobs composed of ordered
// steps, each step fanning out over a set of accounts. The Executor drives
// jobs to completion (sequential or parallel, sync or async steps), the
// Fanout dispatches per-account actions, and the Store persists every
// checkpoint so an interrupted job can resume.
package job

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state shared by jobs and steps.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// IsValidStatus returns true if the status string is a valid Status.
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status is final. No transition ever leaves a
// terminal status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Job is one submitted unit of work: an ordered list of steps executed
// sequentially or in parallel. total_steps is fixed at creation;
// completed_steps and failed_steps are recomputed from persisted step
// statuses when the job finishes.
type Job struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Description       string     `json:"description,omitempty"`
	Status            Status     `json:"status"`
	ParallelExecution bool       `json:"parallel_execution"`
	TotalSteps        int        `json:"total_steps"`
	CompletedSteps    int        `json:"completed_steps"`
	FailedSteps       int        `json:"failed_steps"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	Pruned            bool       `json:"pruned,omitempty"`
	ScheduledJobID    string     `json:"scheduled_job_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`

	// Steps is populated only when the caller asked for them.
	Steps []*Step `json:"steps,omitempty"`
}

// NewJob creates a PENDING job. Steps are built separately by the Executor
// after targeting has been resolved.
func NewJob(name, description string, totalSteps int, parallel bool) *Job {
	return &Job{
		ID:                uuid.NewString(),
		Name:              name,
		Description:       description,
		Status:            StatusPending,
		ParallelExecution: parallel,
		TotalSteps:        totalSteps,
		CreatedAt:         time.Now().UTC(),
	}
}

// Start marks the job as running.
func (j *Job) Start() {
	now := time.Now().UTC()
	j.Status = StatusRunning
	j.StartedAt = &now
}

// Complete marks the job as completed.
func (j *Job) Complete() {
	now := time.Now().UTC()
	j.Status = StatusCompleted
	j.CompletedAt = &now
}

// Fail marks the job as failed with an error message.
func (j *Job) Fail(msg string) {
	now := time.Now().UTC()
	j.Status = StatusFailed
	j.ErrorMessage = msg
	j.CompletedAt = &now
}

// Cancel marks the job as cancelled with a reason.
func (j *Job) Cancel(reason string) {
	now := time.Now().UTC()
	j.Status = StatusCancelled
	j.ErrorMessage = reason
	j.CompletedAt = &now
}

// CreateRequest is the full job creation payload. Scheduled jobs store one
// of these as their job_config and replay it on every firing.
type CreateRequest struct {
	Name              string           `json:"name"`
	Description       string           `json:"description,omitempty"`
	Steps             []StepDefinition `json:"steps"`
	ParallelExecution bool             `json:"parallel_execution,omitempty"`

	// ScheduledJobID links a job fired by the scheduler back to its
	// schedule. Direct submissions leave it empty.
	ScheduledJobID string `json:"scheduled_job_id,omitempty"`
}

// JobPage is one page of a job listing.
type JobPage struct {
	Jobs       []*Job `json:"jobs"`
	Total      int    `json:"total"`
	Page       int    `json:"page"`
	PerPage    int    `json:"per_page"`
	TotalPages int    `json:"total_pages"`
}
