package schedule

import (
	"context"
	"database/sql"
	"time"

	"github.com/varenq/legion/engine/job"
	"github.com/varenq/legion/errors"
)

// ExecutionStore persists the per-firing audit trail.
type ExecutionStore struct {
	db *sql.DB
}

// NewExecutionStore creates an execution store backed by db.
func NewExecutionStore(db *sql.DB) *ExecutionStore {
	return &ExecutionStore{db: db}
}

const executionColumns = `id, scheduled_job_id, job_id, scheduled_at,
	started_at, completed_at, status, error_message`

// Create persists a new execution row.
func (s *ExecutionStore) Create(ctx context.Context, ex *Execution) error {
	query := `
		INSERT INTO scheduled_job_executions (` + executionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		ex.ID,
		ex.ScheduledJobID,
		optionalString(ex.JobID),
		formatTime(ex.ScheduledAt),
		formatTime(ex.StartedAt),
		formatOptionalTime(ex.CompletedAt),
		string(ex.Status),
		nullableText(ex.ErrorMessage),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create execution %s", ex.ID)
	}
	return nil
}

// Get returns one execution by id.
func (s *ExecutionStore) Get(ctx context.Context, id string) (*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM scheduled_job_executions WHERE id = ?`

	ex, err := scanExecution(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(errors.ErrNotFound, "execution %s", id)
		}
		return nil, errors.Wrapf(err, "failed to get execution %s", id)
	}
	return ex, nil
}

// AttachJob stamps the produced job's id onto a still-running execution.
func (s *ExecutionStore) AttachJob(ctx context.Context, id, jobID string) error {
	query := `
		UPDATE scheduled_job_executions
		SET job_id = ?
		WHERE id = ? AND status = ?`

	_, err := s.db.ExecContext(ctx, query, jobID, id, string(job.StatusRunning))
	if err != nil {
		return errors.Wrapf(err, "failed to attach job to execution %s", id)
	}
	return nil
}

// Finalize records the outcome of an execution. Only a RUNNING row can be
// finalized; the first terminal write wins and later ones are no-ops.
func (s *ExecutionStore) Finalize(ctx context.Context, id string, status job.Status, errMsg string, at time.Time) error {
	query := `
		UPDATE scheduled_job_executions
		SET status = ?, error_message = ?, completed_at = ?
		WHERE id = ? AND status = ?`

	_, err := s.db.ExecContext(ctx, query,
		string(status),
		nullableText(errMsg),
		formatTime(at),
		id,
		string(job.StatusRunning),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to finalize execution %s", id)
	}
	return nil
}

// ListBySchedule returns a schedule's executions, newest first. A limit of 0
// or less means no limit.
func (s *ExecutionStore) ListBySchedule(ctx context.Context, scheduledJobID string, limit int) ([]*Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM scheduled_job_executions
		WHERE scheduled_job_id = ?
		ORDER BY started_at DESC, id DESC`
	args := []any{scheduledJobID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list executions for scheduled job %s", scheduledJobID)
	}
	defer rows.Close()
	return collectExecutions(rows)
}

// ListRunning returns executions that have not been finalized, oldest first.
// The ticker sweeps these against their produced jobs each tick.
func (s *ExecutionStore) ListRunning(ctx context.Context) ([]*Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM scheduled_job_executions
		WHERE status = ?
		ORDER BY started_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, string(job.StatusRunning))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list running executions")
	}
	defer rows.Close()
	return collectExecutions(rows)
}

func collectExecutions(rows *sql.Rows) ([]*Execution, error) {
	var out []*Execution
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan execution")
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

func scanExecution(row interface{ Scan(...any) error }) (*Execution, error) {
	var (
		ex          Execution
		jobID       sql.NullString
		scheduledAt string
		startedAt   string
		completedAt sql.NullString
		errMsg      sql.NullString
	)
	err := row.Scan(
		&ex.ID,
		&ex.ScheduledJobID,
		&jobID,
		&scheduledAt,
		&startedAt,
		&completedAt,
		&ex.Status,
		&errMsg,
	)
	if err != nil {
		return nil, err
	}

	if jobID.Valid {
		ex.JobID = &jobID.String
	}
	if errMsg.Valid {
		ex.ErrorMessage = errMsg.String
	}
	if ex.ScheduledAt, err = parseTime(scheduledAt); err != nil {
		return nil, errors.Wrapf(err, "execution %s scheduled_at", ex.ID)
	}
	if ex.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, errors.Wrapf(err, "execution %s started_at", ex.ID)
	}
	if ex.CompletedAt, err = parseOptionalTime(completedAt); err != nil {
		return nil, errors.Wrapf(err, "execution %s completed_at", ex.ID)
	}
	return &ex, nil
}

func optionalString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
