package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/varenq/legion/engine"
	"github.com/varenq/legion/errors"
	"github.com/varenq/legion/logger"
)

// Executor creates jobs and drives them to a terminal state. Jobs run
// detached from the caller: CreateJob returns as soon as the job and its
// steps are persisted, and the run loop advances on its own goroutine.
type Executor struct {
	store     *Store
	registry  *Registry
	directory AccountDirectory
	fanout    *Fanout
	tracker   *engine.Tracker
	canceller *engine.Canceller
	log       *zap.SugaredLogger

	// now is the executor's clock. Tests swap it out.
	now func() time.Time

	mu sync.Mutex
	// base is the lifecycle context detached runs inherit. Cancelling it
	// stops run loops without failing their jobs; non-terminal work is
	// picked up again by RecoverInterrupted.
	base context.Context
	// runs maps a job id to a channel closed when its run loop exits.
	runs map[string]chan struct{}
	// async maps a job id to its outstanding detached step tasks.
	async map[string][]*asyncTask
}

// asyncTask is one detached step run; done closes after the step's terminal
// state has been written.
type asyncTask struct {
	stepID string
	done   chan struct{}
}

// NewExecutor wires an executor. The account directory resolves group
// targeting at creation; the action executor performs the per-account calls.
func NewExecutor(store *Store, registry *Registry, directory AccountDirectory, exec ActionExecutor, tracker *engine.Tracker, canceller *engine.Canceller, log *zap.SugaredLogger) *Executor {
	e := &Executor{
		store:     store,
		registry:  registry,
		directory: directory,
		fanout:    NewFanout(exec, registry, tracker, canceller, directory, log),
		tracker:   tracker,
		canceller: canceller,
		log:       log.Named("executor"),
		now:       time.Now,
		base:      context.Background(),
		runs:      make(map[string]chan struct{}),
		async:     make(map[string][]*asyncTask),
	}
	return e
}

// Start binds detached job runs to ctx. Cancelling ctx winds the run loops
// down without writing terminal states, leaving interrupted jobs RUNNING for
// the next RecoverInterrupted.
func (e *Executor) Start(ctx context.Context) {
	e.mu.Lock()
	e.base = ctx
	e.mu.Unlock()
}

// CreateJob validates the request, resolves targeting, persists the job with
// all steps PENDING, and launches execution detached. The returned job
// reflects the persisted PENDING state, steps attached.
func (e *Executor) CreateJob(ctx context.Context, req CreateRequest) (*Job, error) {
	if req.Name == "" {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "job name is required")
	}
	if len(req.Steps) == 0 {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "job needs at least one step")
	}

	j := NewJob(req.Name, req.Description, len(req.Steps), req.ParallelExecution)
	j.ScheduledJobID = req.ScheduledJobID

	steps := make([]*Step, 0, len(req.Steps))
	for i, def := range req.Steps {
		accountIDs, err := e.resolveTargeting(ctx, i+1, def)
		if err != nil {
			return nil, err
		}
		steps = append(steps, NewStep(j.ID, i+1, def, accountIDs))
	}

	if err := e.store.CreateJobWithSteps(ctx, j, steps); err != nil {
		return nil, err
	}
	j.Steps = steps

	// The run loop mutates step state as it goes; give it its own copies so
	// the job handed back to the caller stays a stable PENDING snapshot.
	runSteps := make([]*Step, len(steps))
	for i, st := range steps {
		cp := *st
		runSteps[i] = &cp
	}
	e.launch(j, runSteps)
	e.log.Infow("job created",
		logger.FieldJobID, j.ID,
		logger.FieldCount, len(steps),
		"parallel", j.ParallelExecution)
	return j, nil
}

// resolveTargeting validates one step definition and expands its targeting
// to the final sorted deduplicated account id list.
func (e *Executor) resolveTargeting(ctx context.Context, order int, def StepDefinition) ([]int64, error) {
	if err := e.registry.Validate(def.ActionType); err != nil {
		return nil, errors.Wrapf(err, "step %d", order)
	}
	spec, _ := e.registry.Get(ActionType(def.ActionType))

	if spec.ControlFlow {
		if len(def.AccountIDs) > 0 || len(def.GroupIDs) > 0 {
			return nil, errors.Wrapf(errors.ErrInvalidRequest,
				"step %d: %s takes no accounts", order, def.ActionType)
		}
		return nil, nil
	}

	if len(def.AccountIDs) == 0 && len(def.GroupIDs) == 0 {
		return nil, errors.Wrapf(errors.ErrInvalidRequest,
			"step %d: no accounts or groups targeted", order)
	}

	ids := def.AccountIDs
	if len(def.GroupIDs) > 0 {
		members, err := e.directory.ResolveGroups(ctx, def.GroupIDs)
		if err != nil {
			return nil, errors.Wrapf(err, "step %d: resolve groups", order)
		}
		ids = append(ids[:len(ids):len(ids)], members...)
	}
	ids = dedupeIDs(ids)
	if len(ids) == 0 {
		return nil, errors.Wrapf(errors.ErrInvalidRequest,
			"step %d: targeting resolved to no accounts", order)
	}
	return ids, nil
}

// launch registers the run bookkeeping and detaches the run loop. A job id
// already running is left alone.
func (e *Executor) launch(j *Job, steps []*Step) {
	e.mu.Lock()
	if _, running := e.runs[j.ID]; running {
		e.mu.Unlock()
		return
	}
	done := make(chan struct{})
	e.runs[j.ID] = done
	base := e.base
	e.mu.Unlock()

	go func() {
		defer e.finishRun(j.ID, done)
		e.runJob(base, j, steps)
	}()
}

func (e *Executor) finishRun(jobID string, done chan struct{}) {
	e.mu.Lock()
	delete(e.runs, jobID)
	delete(e.async, jobID)
	e.mu.Unlock()
	close(done)
}

// WaitForJob blocks until the job's run loop exits or ctx is done. A job
// with no active run returns immediately.
func (e *Executor) WaitForJob(ctx context.Context, jobID string) error {
	e.mu.Lock()
	done, ok := e.runs[jobID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecoverInterrupted relaunches jobs left PENDING or RUNNING by a previous
// process. Terminal steps are skipped by the run loop, so a job interrupted
// at step 3 resumes at step 3. Returns how many jobs were relaunched.
func (e *Executor) RecoverInterrupted(ctx context.Context) (int, error) {
	jobs, err := e.store.ListResumable(ctx)
	if err != nil {
		return 0, err
	}
	for _, j := range jobs {
		steps, err := e.store.ListSteps(ctx, j.ID)
		if err != nil {
			return 0, err
		}
		e.log.Infow("resuming interrupted job",
			logger.FieldJobID, j.ID,
			logger.FieldStatus, j.Status)
		e.launch(j, steps)
	}
	return len(jobs), nil
}

// runJob drives one job to a terminal state.
func (e *Executor) runJob(ctx context.Context, j *Job, steps []*Step) {
	if _, err := e.store.MarkJobRunning(ctx, j.ID, e.now()); err != nil {
		e.log.Errorw("mark job running", logger.FieldJobID, j.ID, logger.FieldError, err)
		return
	}
	e.tracker.BeginJob(j.ID, j.TotalSteps)

	if j.ParallelExecution {
		e.runParallel(ctx, j, steps)
	} else {
		e.runSequential(ctx, j, steps)
	}
	e.finalizeJob(ctx, j)
}

// runSequential walks steps in order. Async steps are detached after their
// RUNNING transition is persisted; sync steps are awaited in place. All
// outstanding async tasks are joined before returning.
func (e *Executor) runSequential(ctx context.Context, j *Job, steps []*Step) {
	for _, st := range steps {
		if ctx.Err() != nil {
			break
		}
		if st.Status.Terminal() {
			// Resume guard: finished work is never redone.
			continue
		}
		if e.jobCancelled(ctx, j.ID) {
			if err := e.store.MarkStepCancelled(ctx, st.ID, "job cancelled", e.now()); err != nil {
				e.log.Warnw("mark step cancelled", logger.FieldStepID, st.ID, logger.FieldError, err)
			}
			continue
		}
		if st.IsAsync {
			e.startDetachedStep(ctx, j, st)
			continue
		}
		e.runStep(ctx, j, st)
	}
	e.joinAsync(ctx, j.ID)
}

// runParallel initializes every step's counters up front, then launches all
// steps detached and joins them.
func (e *Executor) runParallel(ctx context.Context, j *Job, steps []*Step) {
	for _, st := range steps {
		if st.Status.Terminal() {
			continue
		}
		e.tracker.BeginStep(j.ID, st.ID, st.TotalAccounts)
	}
	for _, st := range steps {
		if st.Status.Terminal() {
			continue
		}
		if e.jobCancelled(ctx, j.ID) {
			if err := e.store.MarkStepCancelled(ctx, st.ID, "job cancelled", e.now()); err != nil {
				e.log.Warnw("mark step cancelled", logger.FieldStepID, st.ID, logger.FieldError, err)
			}
			continue
		}
		e.startDetachedStep(ctx, j, st)
	}
	e.joinAsync(ctx, j.ID)
}

// jobCancelled reports whether a cancel has been accepted for the job. A
// read failure is treated as not cancelled; the terminal-state guards on the
// finalize writes keep a stale answer harmless.
func (e *Executor) jobCancelled(ctx context.Context, jobID string) bool {
	status, err := e.store.JobStatus(ctx, jobID)
	if err != nil {
		return false
	}
	return status == StatusCancelled
}

// startDetachedStep persists the RUNNING transition and initializes counters
// synchronously, then runs the step on its own goroutine with a cancellable
// context tracked by the cancellation controller.
func (e *Executor) startDetachedStep(ctx context.Context, j *Job, st *Step) {
	e.tracker.BeginStep(j.ID, st.ID, st.TotalAccounts)
	if err := e.store.MarkStepRunning(ctx, st.ID, e.now()); err != nil {
		e.log.Errorw("mark step running", logger.FieldStepID, st.ID, logger.FieldError, err)
		return
	}
	st.Start()

	taskCtx, cancel := context.WithCancel(ctx)
	taskID := uuid.NewString()
	e.canceller.Track(j.ID, taskID, engine.TaskAsyncStep, cancel)

	task := &asyncTask{stepID: st.ID, done: make(chan struct{})}
	e.mu.Lock()
	e.async[j.ID] = append(e.async[j.ID], task)
	e.mu.Unlock()

	go func() {
		defer close(task.done)
		defer cancel()
		defer e.canceller.Untrack(j.ID, taskID)
		e.runStepGuarded(taskCtx, j, st)
	}()
}

// runStepGuarded converts a panicking step task into a FAILED step instead
// of taking the process down.
func (e *Executor) runStepGuarded(ctx context.Context, j *Job, st *Step) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorw("step task panicked",
				logger.FieldStepID, st.ID, "panic", r)
			e.failStep(context.WithoutCancel(ctx), j, st, fmt.Sprintf("step task panicked: %v", r))
		}
	}()
	e.runStep(ctx, j, st)
}

// runStep executes one step body and persists its terminal state. When ctx
// is cancelled mid-step no terminal state is written here: a job cancel has
// already stamped the rows CANCELLED, and a process shutdown leaves the step
// RUNNING for resume.
func (e *Executor) runStep(ctx context.Context, j *Job, st *Step) {
	e.tracker.BeginStep(j.ID, st.ID, st.TotalAccounts)
	if st.Status == StatusPending {
		if err := e.store.MarkStepRunning(ctx, st.ID, e.now()); err != nil {
			e.log.Errorw("mark step running", logger.FieldStepID, st.ID, logger.FieldError, err)
			return
		}
		st.Start()
	}

	started := e.now()
	var res *StepResult
	switch st.ActionType {
	case ActionDelay:
		res = e.runDelay(ctx, st)
	case ActionCollectAsyncTasks:
		res = e.runCollect(ctx, j.ID, st)
	default:
		res = e.fanout.Run(ctx, st)
	}

	if ctx.Err() != nil {
		return
	}

	st.Finish(res)
	applied, err := e.store.FinalizeStep(ctx, st)
	if err != nil {
		e.log.Errorw("finalize step", logger.FieldStepID, st.ID, logger.FieldError, err)
		return
	}
	if applied {
		e.tracker.StepResolved(j.ID, !res.Success)
	}
	e.tracker.FinishStep(st.ID)

	e.log.Infow("step finished",
		logger.FieldJobID, j.ID,
		logger.FieldStepID, st.ID,
		logger.FieldAction, st.ActionType,
		logger.FieldStatus, st.Status,
		logger.FieldSuccessful, res.SuccessfulAccounts,
		logger.FieldFailed, res.FailedAccounts,
		logger.FieldDurationMS, e.now().Sub(started).Milliseconds())
}

// failStep records an execution-level failure (panic, unparseable
// parameters) as the step's terminal state.
func (e *Executor) failStep(ctx context.Context, j *Job, st *Step, msg string) {
	st.Fail(msg)
	applied, err := e.store.FinalizeStep(ctx, st)
	if err != nil {
		e.log.Errorw("finalize failed step", logger.FieldStepID, st.ID, logger.FieldError, err)
		return
	}
	if applied {
		e.tracker.StepResolved(j.ID, true)
	}
	e.tracker.FinishStep(st.ID)
}

// runDelay sleeps for the step's duration_seconds. Missing or negative
// durations fail the step.
func (e *Executor) runDelay(ctx context.Context, st *Step) *StepResult {
	var p delayParams
	if len(st.Parameters) > 0 {
		if err := json.Unmarshal(st.Parameters, &p); err != nil {
			return &StepResult{Success: false, Message: fmt.Sprintf("invalid delay parameters: %v", err)}
		}
	}
	if p.DurationSeconds == nil || *p.DurationSeconds < 0 {
		return &StepResult{Success: false, Message: "delay requires a non-negative duration_seconds"}
	}

	d := time.Duration(*p.DurationSeconds * float64(time.Second))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return &StepResult{Success: true, Message: fmt.Sprintf("delayed %s", d)}
	case <-ctx.Done():
		return &StepResult{Success: false, Message: "delay interrupted"}
	}
}

// runCollect joins the job's currently outstanding async tasks. On timeout
// the step fails but the awaited tasks keep running.
func (e *Executor) runCollect(ctx context.Context, jobID string, st *Step) *StepResult {
	var p collectParams
	if len(st.Parameters) > 0 {
		if err := json.Unmarshal(st.Parameters, &p); err != nil {
			return &StepResult{Success: false, Message: fmt.Sprintf("invalid collect parameters: %v", err)}
		}
	}
	if p.TimeoutSeconds < 0 {
		return &StepResult{Success: false, Message: "timeout_seconds must not be negative"}
	}

	tasks := e.asyncSnapshot(jobID, st.ID)
	if len(tasks) == 0 {
		return &StepResult{Success: true, Message: "no outstanding async tasks"}
	}

	var timeout <-chan time.Time
	if p.TimeoutSeconds > 0 {
		timer := time.NewTimer(time.Duration(p.TimeoutSeconds * float64(time.Second)))
		defer timer.Stop()
		timeout = timer.C
	}

	for i, t := range tasks {
		select {
		case <-t.done:
		case <-timeout:
			return &StepResult{
				Success: false,
				Message: fmt.Sprintf("%s: %d of %d tasks still running",
					errors.ErrCollectTimeout.Error(), len(tasks)-i, len(tasks)),
			}
		case <-ctx.Done():
			return &StepResult{Success: false, Message: "collection interrupted"}
		}
	}
	return &StepResult{Success: true, Message: fmt.Sprintf("collected %d async tasks", len(tasks))}
}

// asyncSnapshot copies the job's currently registered async tasks, excluding
// the asking step so an async collect cannot await itself.
func (e *Executor) asyncSnapshot(jobID, excludeStepID string) []*asyncTask {
	e.mu.Lock()
	defer e.mu.Unlock()

	tasks := make([]*asyncTask, 0, len(e.async[jobID]))
	for _, t := range e.async[jobID] {
		if t.stepID == excludeStepID {
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks
}

// joinAsync waits for every outstanding async task of the job. Bails out on
// ctx cancellation so a process shutdown does not hang the run loop.
func (e *Executor) joinAsync(ctx context.Context, jobID string) {
	for _, t := range e.asyncSnapshot(jobID, "") {
		select {
		case <-t.done:
		case <-ctx.Done():
			return
		}
	}
}

// finalizeJob derives and persists the job's terminal state from the
// persisted step statuses. Called after every step task has been joined, so
// a status other than COMPLETED/FAILED/CANCELLED on a step at this point is
// an accounting bug and fails the job with a diagnostic.
func (e *Executor) finalizeJob(ctx context.Context, j *Job) {
	// Finalization must outlive the run context: a cancelled run still has
	// counters worth persisting.
	fctx := context.WithoutCancel(ctx)
	defer e.tracker.EndJob(j.ID)

	status, err := e.store.JobStatus(fctx, j.ID)
	if err != nil {
		e.log.Errorw("finalize: read job status", logger.FieldJobID, j.ID, logger.FieldError, err)
		return
	}

	completed, failed, total, err := e.store.StepStatusCounts(fctx, j.ID)
	if err != nil {
		e.log.Errorw("finalize: step status counts", logger.FieldJobID, j.ID, logger.FieldError, err)
		return
	}

	if status == StatusCancelled {
		if err := e.store.UpdateJobStepCounts(fctx, j.ID, completed, failed); err != nil {
			e.log.Warnw("finalize: update counts", logger.FieldJobID, j.ID, logger.FieldError, err)
		}
		return
	}
	if ctx.Err() != nil {
		// Shutdown mid-run: stay RUNNING for the next RecoverInterrupted.
		return
	}

	final := StatusCompleted
	msg := ""
	switch {
	case completed+failed != total:
		final = StatusFailed
		msg = fmt.Sprintf("step accounting mismatch: %d completed + %d failed of %d steps", completed, failed, total)
	case failed > 0:
		final = StatusFailed
		msg = fmt.Sprintf("%d of %d steps failed", failed, total)
	}

	applied, err := e.store.FinalizeJob(fctx, j.ID, final, completed, failed, msg, e.now())
	if err != nil {
		e.log.Errorw("finalize job", logger.FieldJobID, j.ID, logger.FieldError, err)
		return
	}
	if !applied {
		// A cancel won the race; keep its terminal state, record the counts.
		if err := e.store.UpdateJobStepCounts(fctx, j.ID, completed, failed); err != nil {
			e.log.Warnw("finalize: update counts", logger.FieldJobID, j.ID, logger.FieldError, err)
		}
		return
	}
	e.log.Infow("job finished",
		logger.FieldJobID, j.ID,
		logger.FieldStatus, final,
		logger.FieldCount, total,
		logger.FieldFailed, failed)
}

// CancelJob flips a non-terminal job and its active steps to CANCELLED and
// cancels every tracked task. Terminal jobs are rejected with ErrJobTerminal.
func (e *Executor) CancelJob(ctx context.Context, jobID, reason string) error {
	j, err := e.store.GetJob(ctx, jobID, false)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return errors.Wrapf(errors.ErrJobTerminal, "job %s is %s", jobID, j.Status)
	}
	if reason == "" {
		reason = "cancelled by user"
	}

	applied, err := e.store.MarkJobCancelled(ctx, jobID, reason, e.now())
	if err != nil {
		return err
	}
	if !applied {
		return errors.Wrapf(errors.ErrJobTerminal, "job %s finished before the cancel landed", jobID)
	}
	e.tracker.MarkCancelled(jobID)

	cancelled, err := e.store.CancelActiveSteps(ctx, jobID, reason, e.now())
	if err != nil {
		return err
	}
	tasks := e.canceller.CancelAll(jobID)

	e.log.Infow("job cancelled",
		logger.FieldJobID, jobID,
		"steps_cancelled", cancelled,
		"tasks_cancelled", tasks,
		"reason", reason)
	return nil
}

// GetJob returns a job, optionally with steps.
func (e *Executor) GetJob(ctx context.Context, jobID string, includeSteps bool) (*Job, error) {
	return e.store.GetJob(ctx, jobID, includeSteps)
}

// ListJobs returns one page of jobs, optionally filtered by status.
func (e *Executor) ListJobs(ctx context.Context, filter *Status, page, perPage int, includeSteps bool) (*JobPage, error) {
	return e.store.ListJobs(ctx, filter, page, perPage, includeSteps)
}

// JobProgress returns live counters for a running job, falling back to the
// persisted step statuses when no run loop is tracking it.
func (e *Executor) JobProgress(ctx context.Context, jobID string) (engine.JobProgress, error) {
	if jp, ok := e.tracker.JobProgress(jobID); ok {
		return jp, nil
	}
	j, err := e.store.GetJob(ctx, jobID, false)
	if err != nil {
		return engine.JobProgress{}, err
	}
	if j.Status.Terminal() {
		return engine.JobProgress{Completed: j.CompletedSteps, Failed: j.FailedSteps, Total: j.TotalSteps}, nil
	}
	completed, failed, _, err := e.store.StepStatusCounts(ctx, jobID)
	if err != nil {
		return engine.JobProgress{}, err
	}
	return engine.JobProgress{Completed: completed, Failed: failed, Total: j.TotalSteps}, nil
}

// StepProgress returns live fan-out counters for a step, falling back to the
// persisted counters.
func (e *Executor) StepProgress(ctx context.Context, stepID string) (engine.StepProgress, error) {
	if sp, ok := e.tracker.StepProgress(stepID); ok {
		return sp, nil
	}
	st, err := e.store.GetStep(ctx, stepID)
	if err != nil {
		return engine.StepProgress{}, err
	}
	return engine.StepProgress{
		Total:      st.TotalAccounts,
		Processed:  st.ProcessedAccounts,
		Successful: st.SuccessfulAccounts,
		Failed:     st.FailedAccounts,
	}, nil
}

// dedupeIDs sorts and deduplicates account ids without mutating the input.
func dedupeIDs(ids []int64) []int64 {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
