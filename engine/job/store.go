package job

import (
	"context"
	"database/sql"
	"time"

	"github.com/varenq/legion/errors"
)

// terminalSet is inlined into UPDATE guards so a terminal status is written
// exactly once: a cancel racing a natural completion cannot overwrite it.
const terminalSet = `('COMPLETED', 'FAILED', 'CANCELLED')`

// Store persists jobs and steps. Every method opens and closes its own
// short-lived statement; nothing holds a transaction across a network call.
type Store struct {
	db *sql.DB
}

// NewStore creates a job store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateJobWithSteps inserts the job and all its steps in one transaction,
// so a half-created job can never be observed or resumed.
func (s *Store) CreateJobWithSteps(ctx context.Context, j *Job, steps []*Step) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin create job")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (
			id, name, description, status, parallel_execution,
			total_steps, completed_steps, failed_steps, error_message,
			pruned, scheduled_job_id, created_at, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID,
		j.Name,
		nullable(j.Description),
		j.Status,
		j.ParallelExecution,
		j.TotalSteps,
		j.CompletedSteps,
		j.FailedSteps,
		nullable(j.ErrorMessage),
		j.Pruned,
		nullable(j.ScheduledJobID),
		formatTimestamp(j.CreatedAt),
		formatOptionalTimestamp(j.StartedAt),
		formatOptionalTimestamp(j.CompletedAt),
	)
	if err != nil {
		return errors.Wrapf(err, "insert job %s", j.ID)
	}

	for _, st := range steps {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO job_steps (
				id, job_id, step_order, action_type, account_ids,
				target_account_ids, target_group_ids, parameters,
				max_retries, is_async, status, result, error_message,
				total_accounts, processed_accounts, successful_accounts,
				failed_accounts, created_at, started_at, completed_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			st.ID,
			st.JobID,
			st.StepOrder,
			st.ActionType,
			encodeIDs(st.AccountIDs),
			nullableIDs(st.TargetAccountIDs),
			nullableIDs(st.TargetGroupIDs),
			encodeParams(st.Parameters),
			st.MaxRetries,
			st.IsAsync,
			st.Status,
			nullableRaw(st.Result),
			nullable(st.ErrorMessage),
			st.TotalAccounts,
			st.ProcessedAccounts,
			st.SuccessfulAccounts,
			st.FailedAccounts,
			formatTimestamp(st.CreatedAt),
			formatOptionalTimestamp(st.StartedAt),
			formatOptionalTimestamp(st.CompletedAt),
		)
		if err != nil {
			return errors.Wrapf(err, "insert step %d of job %s", st.StepOrder, j.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "commit create job %s", j.ID)
	}
	return nil
}

// GetJob retrieves a job by id, optionally with its steps. Returns
// ErrNotFound when no such job exists.
func (s *Store) GetJob(ctx context.Context, jobID string, includeSteps bool) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobSelectColumns+` FROM jobs WHERE id = ?`, jobID)

	var j Job
	args := &jobScanArgs{}
	err := row.Scan(jobScanTargets(&j, args)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "job %s", jobID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get job %s", jobID)
	}
	if err := processJobScanArgs(&j, args); err != nil {
		return nil, err
	}

	if includeSteps {
		steps, err := s.ListSteps(ctx, jobID)
		if err != nil {
			return nil, err
		}
		j.Steps = steps
	}
	return &j, nil
}

// JobStatus reads only a job's status. The executor checks this before each
// step, so it stays a single-column query.
func (s *Store) JobStatus(ctx context.Context, jobID string) (Status, error) {
	var status Status
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errors.Wrapf(errors.ErrNotFound, "job %s", jobID)
	}
	if err != nil {
		return "", errors.Wrapf(err, "job status %s", jobID)
	}
	return status, nil
}

// ListJobs returns one page of jobs, newest first, optionally filtered by
// status and optionally with steps attached.
func (s *Store) ListJobs(ctx context.Context, filter *Status, page, perPage int, includeSteps bool) (*JobPage, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}
	if perPage > 200 {
		perPage = 200
	}

	var total int
	var err error
	if filter != nil {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM jobs WHERE status = ?`, *filter).Scan(&total)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&total)
	}
	if err != nil {
		return nil, errors.Wrap(err, "count jobs")
	}

	query := `SELECT ` + jobSelectColumns + ` FROM jobs`
	args := []any{}
	if filter != nil {
		query += ` WHERE status = ?`
		args = append(args, *filter)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, perPage, (page-1)*perPage)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	defer rows.Close()

	jobs := []*Job{}
	for rows.Next() {
		j, err := scanJobFromRows(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate jobs")
	}

	if includeSteps {
		for _, j := range jobs {
			steps, err := s.ListSteps(ctx, j.ID)
			if err != nil {
				return nil, err
			}
			j.Steps = steps
		}
	}

	totalPages := total / perPage
	if total%perPage != 0 {
		totalPages++
	}
	return &JobPage{
		Jobs:       jobs,
		Total:      total,
		Page:       page,
		PerPage:    perPage,
		TotalPages: totalPages,
	}, nil
}

// ListResumable returns jobs that were PENDING or RUNNING when the previous
// process stopped, oldest first, so the executor can resume them.
func (s *Store) ListResumable(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobSelectColumns+` FROM jobs
		 WHERE status IN ('PENDING', 'RUNNING')
		 ORDER BY created_at ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "list resumable jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJobFromRows(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan resumable job")
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// MarkJobRunning transitions a PENDING job to RUNNING. Returns false when
// the job was not PENDING (already running on resume, or cancelled before
// it ever started).
func (s *Store) MarkJobRunning(ctx context.Context, jobID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, started_at = ?
		WHERE id = ? AND status = 'PENDING'`,
		StatusRunning, formatTimestamp(at), jobID)
	if err != nil {
		return false, errors.Wrapf(err, "mark job %s running", jobID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	return n > 0, nil
}

// MarkJobCancelled flips a non-terminal job to CANCELLED. Returns false when
// the job had already reached a terminal status.
func (s *Store) MarkJobCancelled(ctx context.Context, jobID, reason string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error_message = ?, completed_at = ?
		WHERE id = ? AND status NOT IN `+terminalSet,
		StatusCancelled, reason, formatTimestamp(at), jobID)
	if err != nil {
		return false, errors.Wrapf(err, "mark job %s cancelled", jobID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	return n > 0, nil
}

// FinalizeJob writes the job's terminal status and reconciled step counts.
// Returns false when the job is already terminal (a concurrent cancel won);
// the caller should then persist the counts alone via UpdateJobStepCounts.
func (s *Store) FinalizeJob(ctx context.Context, jobID string, status Status, completedSteps, failedSteps int, errMsg string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, completed_steps = ?, failed_steps = ?,
		    error_message = ?, completed_at = ?
		WHERE id = ? AND status NOT IN `+terminalSet,
		status, completedSteps, failedSteps, nullable(errMsg),
		formatTimestamp(at), jobID)
	if err != nil {
		return false, errors.Wrapf(err, "finalize job %s", jobID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	return n > 0, nil
}

// UpdateJobStepCounts persists the reconciled step counters without touching
// status. Used when a cancel reached the job first but the late-arriving
// counts are still worth recording.
func (s *Store) UpdateJobStepCounts(ctx context.Context, jobID string, completedSteps, failedSteps int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET completed_steps = ?, failed_steps = ? WHERE id = ?`,
		completedSteps, failedSteps, jobID)
	return errors.Wrapf(err, "update job %s step counts", jobID)
}

// GetStep retrieves a step by id. Returns ErrNotFound when missing.
func (s *Store) GetStep(ctx context.Context, stepID string) (*Step, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepSelectColumns+` FROM job_steps WHERE id = ?`, stepID)

	var st Step
	args := &stepScanArgs{}
	err := row.Scan(stepScanTargets(&st, args)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "step %s", stepID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get step %s", stepID)
	}
	if err := processStepScanArgs(&st, args); err != nil {
		return nil, err
	}
	return &st, nil
}

// ListSteps returns a job's steps ordered by step_order.
func (s *Store) ListSteps(ctx context.Context, jobID string) ([]*Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepSelectColumns+` FROM job_steps
		 WHERE job_id = ? ORDER BY step_order ASC`, jobID)
	if err != nil {
		return nil, errors.Wrapf(err, "list steps of job %s", jobID)
	}
	defer rows.Close()

	var steps []*Step
	for rows.Next() {
		st, err := scanStepFromRows(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan step")
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// MarkStepRunning persists a step's RUNNING transition.
func (s *Store) MarkStepRunning(ctx context.Context, stepID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE job_steps SET status = ?, started_at = ?
		WHERE id = ? AND status = 'PENDING'`,
		StatusRunning, formatTimestamp(at), stepID)
	return errors.Wrapf(err, "mark step %s running", stepID)
}

// FinalizeStep writes a step's terminal status, result payload and final
// counters. Returns false when the step was already terminal, which happens
// when a cancel landed while the step was finishing.
func (s *Store) FinalizeStep(ctx context.Context, st *Step) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_steps
		SET status = ?, result = ?, error_message = ?,
		    processed_accounts = ?, successful_accounts = ?, failed_accounts = ?,
		    completed_at = ?
		WHERE id = ? AND status NOT IN `+terminalSet,
		st.Status,
		nullableRaw(st.Result),
		nullable(st.ErrorMessage),
		st.ProcessedAccounts,
		st.SuccessfulAccounts,
		st.FailedAccounts,
		formatOptionalTimestamp(st.CompletedAt),
		st.ID)
	if err != nil {
		return false, errors.Wrapf(err, "finalize step %s", st.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	return n > 0, nil
}

// MarkStepCancelled flips one non-terminal step to CANCELLED.
func (s *Store) MarkStepCancelled(ctx context.Context, stepID, reason string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE job_steps SET status = ?, error_message = ?, completed_at = ?
		WHERE id = ? AND status NOT IN `+terminalSet,
		StatusCancelled, reason, formatTimestamp(at), stepID)
	return errors.Wrapf(err, "mark step %s cancelled", stepID)
}

// CancelActiveSteps flips every PENDING/RUNNING step of a job to CANCELLED
// and reports how many were affected.
func (s *Store) CancelActiveSteps(ctx context.Context, jobID, reason string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_steps SET status = ?, error_message = ?, completed_at = ?
		WHERE job_id = ? AND status IN ('PENDING', 'RUNNING')`,
		StatusCancelled, reason, formatTimestamp(at), jobID)
	if err != nil {
		return 0, errors.Wrapf(err, "cancel active steps of job %s", jobID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "rows affected")
	}
	return int(n), nil
}

// StepStatusCounts re-reads persisted step statuses for the final job
// bookkeeping: completed, failed (FAILED or CANCELLED), and total.
func (s *Store) StepStatusCounts(ctx context.Context, jobID string) (completed, failed, total int, err error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM job_steps WHERE job_id = ? GROUP BY status`, jobID)
	if err != nil {
		return 0, 0, 0, errors.Wrapf(err, "step status counts of job %s", jobID)
	}
	defer rows.Close()

	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return 0, 0, 0, errors.Wrap(err, "scan status count")
		}
		total += n
		switch status {
		case StatusCompleted:
			completed += n
		case StatusFailed, StatusCancelled:
			failed += n
		}
	}
	return completed, failed, total, rows.Err()
}

// PruneJobs deletes the steps of terminal jobs older than the retention
// window and marks those jobs pruned. The job rows themselves stay for the
// audit trail. Returns how many jobs were pruned.
func (s *Store) PruneJobs(ctx context.Context, olderThan time.Duration, now time.Time) (int, error) {
	cutoff := formatTimestamp(now.Add(-olderThan))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "begin prune")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		DELETE FROM job_steps WHERE job_id IN (
			SELECT id FROM jobs
			WHERE status IN `+terminalSet+` AND pruned = 0 AND completed_at < ?
		)`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "prune steps")
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET pruned = 1
		WHERE status IN `+terminalSet+` AND pruned = 0 AND completed_at < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "flag pruned jobs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "rows affected")
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit prune")
	}
	return int(n), nil
}

// CountByStatus returns how many jobs sit in each lifecycle state.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "count jobs")
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "scan job count")
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

// nullable maps an empty string to NULL so optional text columns stay NULL
// instead of storing "".
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableRaw(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}

// nullableIDs keeps the original-targeting columns NULL when the input had
// no ids, distinguishing "not targeted this way" from "empty list".
func nullableIDs(ids []int64) any {
	if len(ids) == 0 {
		return nil
	}
	return encodeIDs(ids)
}

// encodeParams defaults an absent payload to the empty object the column's
// NOT NULL default expects.
func encodeParams(params []byte) string {
	if len(params) == 0 {
		return "{}"
	}
	return string(params)
}
