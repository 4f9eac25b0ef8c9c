package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/varenq/legion/errors"
)

// Store persists schedules and their execution audit rows.
type Store struct {
	db *sql.DB
}

// NewStore creates a schedule store backed by db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const scheduledJobColumns = `id, name, description, job_config, schedule_type,
	schedule_config, status, next_execution_at, last_executed_at,
	execution_count, failure_count, created_at, updated_at`

// Create persists a new schedule.
func (s *Store) Create(ctx context.Context, sj *ScheduledJob) error {
	query := `
		INSERT INTO scheduled_jobs (` + scheduledJobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		sj.ID,
		sj.Name,
		nullableText(sj.Description),
		string(sj.JobConfig),
		string(sj.ScheduleType),
		string(sj.ScheduleConfig),
		string(sj.Status),
		formatOptionalTime(sj.NextExecutionAt),
		formatOptionalTime(sj.LastExecutedAt),
		sj.ExecutionCount,
		sj.FailureCount,
		formatTime(sj.CreatedAt),
		formatTime(sj.UpdatedAt),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create scheduled job %s", sj.ID)
	}
	return nil
}

// Get returns one schedule by id.
func (s *Store) Get(ctx context.Context, id string) (*ScheduledJob, error) {
	query := `SELECT ` + scheduledJobColumns + ` FROM scheduled_jobs WHERE id = ?`

	sj, err := scanScheduledJob(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(errors.ErrNotFound, "scheduled job %s", id)
		}
		return nil, errors.Wrapf(err, "failed to get scheduled job %s", id)
	}
	return sj, nil
}

// List returns schedules, optionally filtered by status, newest first.
func (s *Store) List(ctx context.Context, status *Status) ([]*ScheduledJob, error) {
	query := `SELECT ` + scheduledJobColumns + ` FROM scheduled_jobs`
	var args []any
	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list scheduled jobs")
	}
	defer rows.Close()
	return collectScheduledJobs(rows)
}

// ListDue returns active schedules whose next execution time has arrived,
// soonest first.
func (s *Store) ListDue(ctx context.Context, now time.Time) ([]*ScheduledJob, error) {
	query := `
		SELECT ` + scheduledJobColumns + `
		FROM scheduled_jobs
		WHERE status = ? AND next_execution_at IS NOT NULL AND next_execution_at <= ?
		ORDER BY next_execution_at ASC`

	rows, err := s.db.QueryContext(ctx, query, string(StatusActive), formatTime(now))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due scheduled jobs")
	}
	defer rows.Close()
	return collectScheduledJobs(rows)
}

// ListOverdue returns active schedules whose next execution time passed
// before cutoff. The ticker reconciles these before firing anything.
func (s *Store) ListOverdue(ctx context.Context, cutoff time.Time) ([]*ScheduledJob, error) {
	query := `
		SELECT ` + scheduledJobColumns + `
		FROM scheduled_jobs
		WHERE status = ? AND next_execution_at IS NOT NULL AND next_execution_at < ?
		ORDER BY next_execution_at ASC`

	rows, err := s.db.QueryContext(ctx, query, string(StatusActive), formatTime(cutoff))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list overdue scheduled jobs")
	}
	defer rows.Close()
	return collectScheduledJobs(rows)
}

// Update rewrites a schedule's definition fields and next execution time.
// Counters and status are managed by the firing methods.
func (s *Store) Update(ctx context.Context, sj *ScheduledJob) error {
	query := `
		UPDATE scheduled_jobs
		SET name = ?, description = ?, job_config = ?, schedule_type = ?,
		    schedule_config = ?, next_execution_at = ?, updated_at = ?
		WHERE id = ?`

	res, err := s.db.ExecContext(ctx, query,
		sj.Name,
		nullableText(sj.Description),
		string(sj.JobConfig),
		string(sj.ScheduleType),
		string(sj.ScheduleConfig),
		formatOptionalTime(sj.NextExecutionAt),
		formatTime(time.Now().UTC()),
		sj.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update scheduled job %s", sj.ID)
	}
	return requireRow(res, sj.ID)
}

// UpdateStatus moves a schedule between lifecycle states. Only an active
// schedule keeps a next execution time; any other status nulls it.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status, next *time.Time) error {
	if status != StatusActive {
		next = nil
	}
	query := `
		UPDATE scheduled_jobs
		SET status = ?, next_execution_at = ?, updated_at = ?
		WHERE id = ?`

	res, err := s.db.ExecContext(ctx, query,
		string(status),
		formatOptionalTime(next),
		formatTime(time.Now().UTC()),
		id,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update scheduled job %s status", id)
	}
	return requireRow(res, id)
}

// CompleteFiring records a successful firing. A nil next means the schedule
// has nothing left to do and completes.
func (s *Store) CompleteFiring(ctx context.Context, id string, at time.Time, next *time.Time) error {
	var query string
	args := []any{formatTime(at)}
	if next == nil {
		query = `
			UPDATE scheduled_jobs
			SET execution_count = execution_count + 1, last_executed_at = ?,
			    next_execution_at = NULL, status = ?, updated_at = ?
			WHERE id = ?`
		args = append(args, string(StatusCompleted), formatTime(at), id)
	} else {
		query = `
			UPDATE scheduled_jobs
			SET execution_count = execution_count + 1, last_executed_at = ?,
			    next_execution_at = ?, updated_at = ?
			WHERE id = ?`
		args = append(args, formatTime(*next), formatTime(at), id)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrapf(err, "failed to record firing for scheduled job %s", id)
	}
	return requireRow(res, id)
}

// FailFiring records a firing that could not produce a job. A nil next marks
// the schedule failed; otherwise it stays active for the rescheduled attempt.
func (s *Store) FailFiring(ctx context.Context, id string, at time.Time, next *time.Time) error {
	var query string
	args := []any{formatTime(at)}
	if next == nil {
		query = `
			UPDATE scheduled_jobs
			SET failure_count = failure_count + 1, last_executed_at = ?,
			    next_execution_at = NULL, status = ?, updated_at = ?
			WHERE id = ?`
		args = append(args, string(StatusFailed), formatTime(at), id)
	} else {
		query = `
			UPDATE scheduled_jobs
			SET failure_count = failure_count + 1, last_executed_at = ?,
			    next_execution_at = ?, updated_at = ?
			WHERE id = ?`
		args = append(args, formatTime(*next), formatTime(at), id)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrapf(err, "failed to record failed firing for scheduled job %s", id)
	}
	return requireRow(res, id)
}

// SetNextExecution moves an active schedule's next firing time, used when
// reconciling schedules that went overdue while the engine was down.
func (s *Store) SetNextExecution(ctx context.Context, id string, next time.Time) error {
	query := `
		UPDATE scheduled_jobs
		SET next_execution_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`

	res, err := s.db.ExecContext(ctx, query,
		formatTime(next),
		formatTime(time.Now().UTC()),
		id,
		string(StatusActive),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to reschedule scheduled job %s", id)
	}
	return requireRow(res, id)
}

// Delete removes a schedule and, via the foreign key, its execution history.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete scheduled job %s", id)
	}
	return requireRow(res, id)
}

// CountByStatus returns how many schedules sit in each lifecycle state.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM scheduled_jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count scheduled jobs")
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan scheduled job count")
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

func collectScheduledJobs(rows *sql.Rows) ([]*ScheduledJob, error) {
	var out []*ScheduledJob
	for rows.Next() {
		sj, err := scanScheduledJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan scheduled job")
		}
		out = append(out, sj)
	}
	return out, rows.Err()
}

func scanScheduledJob(row interface{ Scan(...any) error }) (*ScheduledJob, error) {
	var (
		sj             ScheduledJob
		description    sql.NullString
		jobConfig      string
		scheduleConfig string
		nextAt         sql.NullString
		lastAt         sql.NullString
		createdAt      string
		updatedAt      string
	)
	err := row.Scan(
		&sj.ID,
		&sj.Name,
		&description,
		&jobConfig,
		&sj.ScheduleType,
		&scheduleConfig,
		&sj.Status,
		&nextAt,
		&lastAt,
		&sj.ExecutionCount,
		&sj.FailureCount,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if description.Valid {
		sj.Description = description.String
	}
	sj.JobConfig = json.RawMessage(jobConfig)
	sj.ScheduleConfig = json.RawMessage(scheduleConfig)

	if sj.NextExecutionAt, err = parseOptionalTime(nextAt); err != nil {
		return nil, errors.Wrapf(err, "scheduled job %s next_execution_at", sj.ID)
	}
	if sj.LastExecutedAt, err = parseOptionalTime(lastAt); err != nil {
		return nil, errors.Wrapf(err, "scheduled job %s last_executed_at", sj.ID)
	}
	if sj.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, errors.Wrapf(err, "scheduled job %s created_at", sj.ID)
	}
	if sj.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, errors.Wrapf(err, "scheduled job %s updated_at", sj.ID)
	}
	return &sj, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read rows affected")
	}
	if n == 0 {
		return errors.Wrapf(errors.ErrNotFound, "scheduled job %s", id)
	}
	return nil
}

func nullableText(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatOptionalTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func parseOptionalTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
