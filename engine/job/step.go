package job

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Step is one ordered unit within a job. For account-directed actions the
// step fans out over AccountIDs; control-flow actions (delay,
// collect_async_tasks) carry no accounts at all.
type Step struct {
	ID         string     `json:"id"`
	JobID      string     `json:"job_id"`
	StepOrder  int        `json:"step_order"` // 1-based, unique per job
	ActionType ActionType `json:"action_type"`

	// AccountIDs is the resolved targeting: direct ids merged with expanded
	// group memberships, deduplicated and sorted at creation time.
	AccountIDs []int64 `json:"account_ids,omitempty"`

	// Original targeting inputs, retained for display and cloning only.
	TargetAccountIDs []int64 `json:"target_account_ids,omitempty"`
	TargetGroupIDs   []int64 `json:"target_group_ids,omitempty"`

	// Parameters is opaque to the core; the action executor interprets it.
	Parameters json.RawMessage `json:"parameters,omitempty"`

	MaxRetries   int             `json:"max_retries"`
	IsAsync      bool            `json:"is_async"`
	Status       Status          `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`

	TotalAccounts      int `json:"total_accounts"`
	ProcessedAccounts  int `json:"processed_accounts"`
	SuccessfulAccounts int `json:"successful_accounts"`
	FailedAccounts     int `json:"failed_accounts"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewStep creates a PENDING step owned by jobID. accountIDs must already be
// resolved, deduplicated and sorted.
func NewStep(jobID string, order int, def StepDefinition, accountIDs []int64) *Step {
	return &Step{
		ID:               uuid.NewString(),
		JobID:            jobID,
		StepOrder:        order,
		ActionType:       ActionType(def.ActionType),
		AccountIDs:       accountIDs,
		TargetAccountIDs: def.AccountIDs,
		TargetGroupIDs:   def.GroupIDs,
		Parameters:       def.Parameters,
		MaxRetries:       def.MaxRetries,
		IsAsync:          def.IsAsync,
		Status:           StatusPending,
		TotalAccounts:    len(accountIDs),
		CreatedAt:        time.Now().UTC(),
	}
}

// Start marks the step as running.
func (st *Step) Start() {
	now := time.Now().UTC()
	st.Status = StatusRunning
	st.StartedAt = &now
}

// Finish records the step's terminal state from its result: COMPLETED iff
// the result reported success, FAILED otherwise.
func (st *Step) Finish(res *StepResult) {
	now := time.Now().UTC()
	if res.Success {
		st.Status = StatusCompleted
	} else {
		st.Status = StatusFailed
		st.ErrorMessage = res.Message
	}
	st.ProcessedAccounts = res.SuccessfulAccounts + res.FailedAccounts
	st.SuccessfulAccounts = res.SuccessfulAccounts
	st.FailedAccounts = res.FailedAccounts
	st.Result = res.Encode()
	st.CompletedAt = &now
}

// Fail marks the step as failed with an error message. Used when execution
// itself broke, as opposed to the executor reporting failed accounts.
func (st *Step) Fail(msg string) {
	now := time.Now().UTC()
	st.Status = StatusFailed
	st.ErrorMessage = msg
	st.CompletedAt = &now
}

// Cancel marks the step as cancelled with a reason.
func (st *Step) Cancel(reason string) {
	now := time.Now().UTC()
	st.Status = StatusCancelled
	st.ErrorMessage = reason
	st.CompletedAt = &now
}

// StepDefinition is the creation-time description of one step. Targeting may
// name accounts directly, by group, or both; groups are expanded when the
// job is created, not when it runs.
type StepDefinition struct {
	ActionType string          `json:"action_type"`
	AccountIDs []int64         `json:"account_ids,omitempty"`
	GroupIDs   []int64         `json:"group_ids,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	MaxRetries int             `json:"max_retries,omitempty"`
	IsAsync    bool            `json:"is_async,omitempty"`
}

// ExecResult is what the action executor reports for one account invocation.
// Either Error (legacy single message) or Errors may be set; the fan-out
// normalizes both into the Errors list.
type ExecResult struct {
	Success bool           `json:"success"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
	Errors  []string       `json:"errors,omitempty"`
}

// AccountResult is one account's outcome within a step's fan-out.
type AccountResult struct {
	AccountID int64          `json:"account_id"`
	Success   bool           `json:"success"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Errors    []string       `json:"errors,omitempty"`
}

// AccountError annotates an account's failure with its display identity so
// operators do not have to resolve numeric ids by hand.
type AccountError struct {
	AccountID int64    `json:"account_id"`
	Account   string   `json:"account"`
	Errors    []string `json:"errors"`
}

// StepResult is the aggregate outcome of one step: overall success, counts,
// the action-specific summary, and the annotated per-account error list.
// This, not the raw per-account results, is what callers consume.
type StepResult struct {
	Success            bool           `json:"success"`
	TotalAccounts      int            `json:"total_accounts"`
	SuccessfulAccounts int            `json:"successful_accounts"`
	FailedAccounts     int            `json:"failed_accounts"`
	Summary            map[string]any `json:"summary,omitempty"`
	Errors             []AccountError `json:"errors,omitempty"`
	Message            string         `json:"message,omitempty"`
}

// Encode renders the result as JSON for the step's result column. Encoding
// a result built from our own types cannot fail; a nil receiver encodes as
// empty.
func (r *StepResult) Encode() json.RawMessage {
	if r == nil {
		return nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	return data
}

// DecodeStepResult parses a persisted step result.
func DecodeStepResult(data json.RawMessage) (*StepResult, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var r StepResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
