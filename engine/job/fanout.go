package job

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/varenq/legion/engine"
	"github.com/varenq/legion/logger"
)

// Fanout runs one step's action against every resolved account, one
// concurrent invocation per account. Results are folded in completion order
// so progress counters move as accounts finish, not when the slowest one
// does.
type Fanout struct {
	exec      ActionExecutor
	registry  *Registry
	tracker   *engine.Tracker
	canceller *engine.Canceller
	directory AccountDirectory
	log       *zap.SugaredLogger
}

// NewFanout creates a fan-out runner.
func NewFanout(exec ActionExecutor, registry *Registry, tracker *engine.Tracker, canceller *engine.Canceller, directory AccountDirectory, log *zap.SugaredLogger) *Fanout {
	return &Fanout{
		exec:      exec,
		registry:  registry,
		tracker:   tracker,
		canceller: canceller,
		directory: directory,
		log:       log.Named("fanout"),
	}
}

// accountOutcome carries one account invocation back to the collector.
type accountOutcome struct {
	accountID int64
	res       *ExecResult
	err       error
}

// Run executes the step's action for every account in step.AccountIDs and
// returns the folded step result. Per-account failures are data, not errors;
// Run itself never fails.
//
// Each invocation gets its own cancellable context registered with the
// cancellation controller, so a job cancel reaches accounts that are already
// in flight.
func (f *Fanout) Run(ctx context.Context, step *Step) *StepResult {
	total := len(step.AccountIDs)
	if total == 0 {
		return &StepResult{Success: true, Message: "no accounts to process"}
	}

	outcomes := make(chan accountOutcome, total)
	for _, accountID := range step.AccountIDs {
		go f.invoke(ctx, step, accountID, outcomes)
	}

	var (
		results    = make([]AccountResult, 0, total)
		processed  int
		successful int
		failed     int
	)
	for range step.AccountIDs {
		out := <-outcomes
		ar := foldOutcome(out)
		results = append(results, ar)

		processed++
		if ar.Success {
			successful++
		} else {
			failed++
		}
		f.tracker.PublishStep(step.ID, engine.StepProgress{
			Total:      total,
			Processed:  processed,
			Successful: successful,
			Failed:     failed,
		})
	}

	res := &StepResult{
		Success:            failed == 0,
		TotalAccounts:      total,
		SuccessfulAccounts: successful,
		FailedAccounts:     failed,
		Summary:            f.registry.Summarize(step.ActionType, results),
		Errors:             f.annotateErrors(ctx, results),
	}
	if failed == 0 {
		res.Message = fmt.Sprintf("all %d accounts succeeded", total)
	} else {
		res.Message = fmt.Sprintf("%d of %d accounts failed", failed, total)
	}
	return res
}

// invoke runs the action for a single account and reports the outcome.
func (f *Fanout) invoke(ctx context.Context, step *Step, accountID int64, outcomes chan<- accountOutcome) {
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	taskID := uuid.NewString()
	f.canceller.Track(step.JobID, taskID, engine.TaskAccount, cancel)
	defer f.canceller.Untrack(step.JobID, taskID)

	res, err := f.exec.Execute(taskCtx, accountID, step.ActionType, step.Parameters, step.MaxRetries)
	if err != nil {
		f.log.Debugw("account action failed",
			logger.FieldStepID, step.ID,
			logger.FieldAccountID, accountID,
			logger.FieldAction, step.ActionType,
			logger.FieldError, err)
	}
	outcomes <- accountOutcome{accountID: accountID, res: res, err: err}
}

// foldOutcome classifies one invocation outcome as an account result. An
// invocation error or a missing result is a failed account with the error as
// its text; an executor result that reports failure through the legacy
// single error field gets it normalized into the errors list.
func foldOutcome(out accountOutcome) AccountResult {
	if out.err != nil {
		return AccountResult{
			AccountID: out.accountID,
			Success:   false,
			Errors:    []string{out.err.Error()},
		}
	}
	if out.res == nil {
		return AccountResult{
			AccountID: out.accountID,
			Success:   false,
			Errors:    []string{"executor returned no result"},
		}
	}

	ar := AccountResult{
		AccountID: out.accountID,
		Success:   out.res.Success,
		Message:   out.res.Message,
		Data:      out.res.Data,
		Errors:    out.res.Errors,
	}
	if out.res.Error != "" {
		ar.Errors = append(ar.Errors, out.res.Error)
	}
	if !ar.Success && len(ar.Errors) == 0 {
		ar.Errors = []string{"action failed"}
	}
	return ar
}

// annotateErrors builds the per-account error list for failed accounts,
// labelled with each account's display identity when the directory knows it.
func (f *Fanout) annotateErrors(ctx context.Context, results []AccountResult) []AccountError {
	var failedIDs []int64
	for _, ar := range results {
		if !ar.Success {
			failedIDs = append(failedIDs, ar.AccountID)
		}
	}
	if len(failedIDs) == 0 {
		return nil
	}

	names := map[int64]string{}
	if f.directory != nil {
		resolved, err := f.directory.DisplayNames(ctx, failedIDs)
		if err != nil {
			f.log.Warnw("display name lookup failed", logger.FieldError, err)
		} else {
			names = resolved
		}
	}

	errs := make([]AccountError, 0, len(failedIDs))
	for _, ar := range results {
		if ar.Success {
			continue
		}
		name, ok := names[ar.AccountID]
		if !ok || name == "" {
			name = fmt.Sprintf("account %d", ar.AccountID)
		}
		errs = append(errs, AccountError{
			AccountID: ar.AccountID,
			Account:   name,
			Errors:    ar.Errors,
		})
	}
	return errs
}
