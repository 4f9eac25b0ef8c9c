package job

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/varenq/legion/errors"
)

// Timestamps are RFC3339 UTC text in sqlite; scan them as strings and parse.
// Optional columns scan through sql.Null* and are folded into the model
// afterwards, same shape for jobs and steps.

// jobScanArgs holds the nullable/text columns of one job row.
type jobScanArgs struct {
	Description    sql.NullString
	ErrorMessage   sql.NullString
	ScheduledJobID sql.NullString
	CreatedAt      string
	StartedAt      sql.NullString
	CompletedAt    sql.NullString
}

// jobSelectColumns is the canonical column list every job SELECT uses, in
// the order jobScanTargets expects.
const jobSelectColumns = `id, name, description, status, parallel_execution,
	total_steps, completed_steps, failed_steps, error_message, pruned,
	scheduled_job_id, created_at, started_at, completed_at`

func jobScanTargets(j *Job, args *jobScanArgs) []any {
	return []any{
		&j.ID,
		&j.Name,
		&args.Description,
		&j.Status,
		&j.ParallelExecution,
		&j.TotalSteps,
		&j.CompletedSteps,
		&j.FailedSteps,
		&args.ErrorMessage,
		&j.Pruned,
		&args.ScheduledJobID,
		&args.CreatedAt,
		&args.StartedAt,
		&args.CompletedAt,
	}
}

func processJobScanArgs(j *Job, args *jobScanArgs) error {
	if args.Description.Valid {
		j.Description = args.Description.String
	}
	if args.ErrorMessage.Valid {
		j.ErrorMessage = args.ErrorMessage.String
	}
	if args.ScheduledJobID.Valid {
		j.ScheduledJobID = args.ScheduledJobID.String
	}

	var err error
	if j.CreatedAt, err = parseTimestamp(args.CreatedAt); err != nil {
		return errors.Wrapf(err, "job %s created_at", j.ID)
	}
	if j.StartedAt, err = parseOptionalTimestamp(args.StartedAt); err != nil {
		return errors.Wrapf(err, "job %s started_at", j.ID)
	}
	if j.CompletedAt, err = parseOptionalTimestamp(args.CompletedAt); err != nil {
		return errors.Wrapf(err, "job %s completed_at", j.ID)
	}
	return nil
}

func scanJobFromRows(rows *sql.Rows) (*Job, error) {
	var j Job
	args := &jobScanArgs{}
	if err := rows.Scan(jobScanTargets(&j, args)...); err != nil {
		return nil, err
	}
	if err := processJobScanArgs(&j, args); err != nil {
		return nil, err
	}
	return &j, nil
}

// stepScanArgs holds the nullable/text columns of one step row.
type stepScanArgs struct {
	AccountIDs       string
	TargetAccountIDs sql.NullString
	TargetGroupIDs   sql.NullString
	Parameters       string
	Result           sql.NullString
	ErrorMessage     sql.NullString
	CreatedAt        string
	StartedAt        sql.NullString
	CompletedAt      sql.NullString
}

const stepSelectColumns = `id, job_id, step_order, action_type, account_ids,
	target_account_ids, target_group_ids, parameters, max_retries, is_async,
	status, result, error_message, total_accounts, processed_accounts,
	successful_accounts, failed_accounts, created_at, started_at, completed_at`

func stepScanTargets(st *Step, args *stepScanArgs) []any {
	return []any{
		&st.ID,
		&st.JobID,
		&st.StepOrder,
		&st.ActionType,
		&args.AccountIDs,
		&args.TargetAccountIDs,
		&args.TargetGroupIDs,
		&args.Parameters,
		&st.MaxRetries,
		&st.IsAsync,
		&st.Status,
		&args.Result,
		&args.ErrorMessage,
		&st.TotalAccounts,
		&st.ProcessedAccounts,
		&st.SuccessfulAccounts,
		&st.FailedAccounts,
		&args.CreatedAt,
		&args.StartedAt,
		&args.CompletedAt,
	}
}

func processStepScanArgs(st *Step, args *stepScanArgs) error {
	var err error
	if st.AccountIDs, err = decodeIDs(args.AccountIDs); err != nil {
		return errors.Wrapf(err, "step %s account_ids", st.ID)
	}
	if args.TargetAccountIDs.Valid {
		if st.TargetAccountIDs, err = decodeIDs(args.TargetAccountIDs.String); err != nil {
			return errors.Wrapf(err, "step %s target_account_ids", st.ID)
		}
	}
	if args.TargetGroupIDs.Valid {
		if st.TargetGroupIDs, err = decodeIDs(args.TargetGroupIDs.String); err != nil {
			return errors.Wrapf(err, "step %s target_group_ids", st.ID)
		}
	}
	if args.Parameters != "" {
		st.Parameters = json.RawMessage(args.Parameters)
	}
	if args.Result.Valid && args.Result.String != "" {
		st.Result = json.RawMessage(args.Result.String)
	}
	if args.ErrorMessage.Valid {
		st.ErrorMessage = args.ErrorMessage.String
	}

	if st.CreatedAt, err = parseTimestamp(args.CreatedAt); err != nil {
		return errors.Wrapf(err, "step %s created_at", st.ID)
	}
	if st.StartedAt, err = parseOptionalTimestamp(args.StartedAt); err != nil {
		return errors.Wrapf(err, "step %s started_at", st.ID)
	}
	if st.CompletedAt, err = parseOptionalTimestamp(args.CompletedAt); err != nil {
		return errors.Wrapf(err, "step %s completed_at", st.ID)
	}
	return nil
}

func scanStepFromRows(rows *sql.Rows) (*Step, error) {
	var st Step
	args := &stepScanArgs{}
	if err := rows.Scan(stepScanTargets(&st, args)...); err != nil {
		return nil, err
	}
	if err := processStepScanArgs(&st, args); err != nil {
		return nil, err
	}
	return &st, nil
}

// encodeIDs renders an id list as the JSON array the account_ids columns
// store. A nil list encodes as [] so the column is never NULL.
func encodeIDs(ids []int64) string {
	if len(ids) == 0 {
		return "[]"
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func decodeIDs(data string) ([]int64, error) {
	if data == "" || data == "[]" {
		return nil, nil
	}
	var ids []int64
	if err := json.Unmarshal([]byte(data), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatOptionalTimestamp(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTimestamp(*t)
}

func parseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func parseOptionalTimestamp(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
