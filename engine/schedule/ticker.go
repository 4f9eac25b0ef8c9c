package schedule

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/varenq/legion/engine/job"
	"github.com/varenq/legion/errors"
	"github.com/varenq/legion/logger"
)

// JobRunner is the slice of the job executor the ticker needs: submit a
// replayed job payload and read the produced job's state back.
type JobRunner interface {
	CreateJob(ctx context.Context, req job.CreateRequest) (*job.Job, error)
	GetJob(ctx context.Context, jobID string, includeSteps bool) (*job.Job, error)
}

// Ticker polls for due schedules and fires them. Each tick reconciles
// schedules that went overdue beyond the grace window, fires the due ones,
// and finalizes execution rows whose produced job reached a terminal status.
type Ticker struct {
	store      *Store
	executions *ExecutionStore
	runner     JobRunner
	planner    *Planner
	interval   time.Duration
	grace      time.Duration
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	log        *zap.SugaredLogger

	mu              sync.Mutex
	lastTickAt      time.Time
	ticksSinceStart int64
}

// TickerConfig contains the polling loop settings.
type TickerConfig struct {
	// How often due schedules are checked (default: 30 seconds)
	Interval time.Duration

	// Schedules overdue by more than this are reconciled instead of fired
	// (default: 2x interval)
	ExpiryGrace time.Duration
}

// DefaultTickerConfig returns sensible defaults.
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{
		Interval:    30 * time.Second,
		ExpiryGrace: 60 * time.Second,
	}
}

// NewTicker creates a schedule ticker.
func NewTicker(store *Store, executions *ExecutionStore, runner JobRunner, planner *Planner, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	return NewTickerWithContext(context.Background(), store, executions, runner, planner, cfg, log)
}

// NewTickerWithContext creates a ticker with a parent context.
func NewTickerWithContext(ctx context.Context, store *Store, executions *ExecutionStore, runner JobRunner, planner *Planner, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	tickerCtx, cancel := context.WithCancel(ctx)

	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ExpiryGrace <= 0 {
		cfg.ExpiryGrace = 2 * cfg.Interval
	}
	return &Ticker{
		store:      store,
		executions: executions,
		runner:     runner,
		planner:    planner,
		interval:   cfg.Interval,
		grace:      cfg.ExpiryGrace,
		ctx:        tickerCtx,
		cancel:     cancel,
		log:        log.Named("ticker"),
	}
}

// Start begins the polling loop.
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
	t.log.Infow("schedule ticker started", "interval", t.interval, "expiry_grace", t.grace)
}

// Stop gracefully stops the ticker.
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.log.Infow("schedule ticker stopped")
}

// run is the main polling loop.
func (t *Ticker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case tickTime := <-ticker.C:
			t.mu.Lock()
			t.lastTickAt = tickTime
			t.ticksSinceStart++
			t.mu.Unlock()

			if err := t.tick(tickTime.UTC()); err != nil {
				t.log.Warnw("schedule tick error", logger.FieldError, err)
			}
		}
	}
}

// tick runs one full pass. Reconciliation goes first so the firing phase
// never picks up a schedule that missed its window, and finalization last so
// a job finished within this very tick is recorded immediately.
func (t *Ticker) tick(now time.Time) error {
	if err := t.reconcileExpired(now); err != nil {
		return err
	}
	if err := t.fireDue(now); err != nil {
		return err
	}
	return t.finalizeExecutions(now)
}

// reconcileExpired handles active schedules whose next execution passed
// unfired beyond the grace window, typically because the engine was down.
// A once schedule is canceled rather than run late; recurring schedules skip
// the missed firing and continue from now.
func (t *Ticker) reconcileExpired(now time.Time) error {
	overdue, err := t.store.ListOverdue(t.ctx, now.Add(-t.grace))
	if err != nil {
		return errors.Wrap(err, "failed to list overdue schedules")
	}

	for _, sj := range overdue {
		select {
		case <-t.ctx.Done():
			return t.ctx.Err()
		default:
		}

		if sj.ScheduleType == TypeOnce {
			if err := t.store.UpdateStatus(t.ctx, sj.ID, StatusCanceled, nil); err != nil {
				t.log.Errorw("failed to cancel expired schedule",
					logger.FieldScheduleID, sj.ID,
					logger.FieldError, err)
				continue
			}
			t.log.Warnw("once schedule expired unfired, canceled",
				logger.FieldScheduleID, sj.ID,
				"was_due", sj.NextExecutionAt.Format(time.RFC3339))
			continue
		}

		next, err := t.planner.Next(sj.ScheduleType, sj.ScheduleConfig, now)
		if err != nil {
			t.log.Errorw("schedule cannot compute its next firing",
				logger.FieldScheduleID, sj.ID,
				logger.FieldError, err)
			if serr := t.store.UpdateStatus(t.ctx, sj.ID, StatusFailed, nil); serr != nil {
				t.log.Errorw("failed to mark schedule failed",
					logger.FieldScheduleID, sj.ID,
					logger.FieldError, serr)
			}
			continue
		}
		if err := t.store.SetNextExecution(t.ctx, sj.ID, next); err != nil {
			t.log.Errorw("failed to reschedule overdue schedule",
				logger.FieldScheduleID, sj.ID,
				logger.FieldError, err)
			continue
		}
		t.log.Warnw("missed firing skipped",
			logger.FieldScheduleID, sj.ID,
			"was_due", sj.NextExecutionAt.Format(time.RFC3339),
			logger.FieldNextRun, next.Format(time.RFC3339))
	}
	return nil
}

// fireDue fires every active schedule whose time has arrived. One schedule
// failing never blocks the others.
func (t *Ticker) fireDue(now time.Time) error {
	due, err := t.store.ListDue(t.ctx, now)
	if err != nil {
		return errors.Wrap(err, "failed to list due schedules")
	}

	for _, sj := range due {
		select {
		case <-t.ctx.Done():
			return t.ctx.Err()
		default:
		}

		if err := t.fire(sj, now); err != nil {
			t.log.Errorw("failed to fire schedule",
				logger.FieldScheduleID, sj.ID,
				logger.FieldError, err)
			continue
		}
	}
	return nil
}

// fire runs one schedule firing: audit row first, then the job, then the
// schedule's counters and next execution time. A firing that cannot produce
// a job is recorded on the audit row and counted, and returns nil so the
// remaining due schedules still fire.
func (t *Ticker) fire(sj *ScheduledJob, now time.Time) error {
	scheduledAt := now
	if sj.NextExecutionAt != nil {
		scheduledAt = *sj.NextExecutionAt
	}

	ex := NewExecution(sj.ID, scheduledAt, now)
	if err := t.executions.Create(t.ctx, ex); err != nil {
		// The firing still proceeds; the audit row is not worth skipping it.
		t.log.Errorw("failed to create execution record",
			logger.FieldScheduleID, sj.ID,
			logger.FieldError, err)
	}

	req, err := t.buildRequest(sj)
	if err != nil {
		return t.recordFiringFailure(sj, ex, err, now)
	}

	j, err := t.runner.CreateJob(t.ctx, req)
	if err != nil {
		return t.recordFiringFailure(sj, ex, err, now)
	}
	if err := t.executions.AttachJob(t.ctx, ex.ID, j.ID); err != nil {
		t.log.Warnw("failed to attach job to execution record",
			logger.FieldExecutionID, ex.ID,
			logger.FieldJobID, j.ID,
			logger.FieldError, err)
	}

	var next *time.Time
	if sj.ScheduleType != TypeOnce {
		n, err := t.planner.Next(sj.ScheduleType, sj.ScheduleConfig, now)
		if err != nil {
			// The job fired, but the timetable went bad under us. The
			// schedule cannot continue.
			t.log.Errorw("schedule cannot compute its next firing",
				logger.FieldScheduleID, sj.ID,
				logger.FieldError, err)
			if serr := t.store.UpdateStatus(t.ctx, sj.ID, StatusFailed, nil); serr != nil {
				return errors.Wrap(serr, "failed to mark schedule failed")
			}
			return nil
		}
		next = &n
	}

	if err := t.store.CompleteFiring(t.ctx, sj.ID, now, next); err != nil {
		return errors.Wrap(err, "failed to record firing")
	}

	fields := []any{
		logger.FieldScheduleID, sj.ID,
		logger.FieldJobID, j.ID,
		logger.FieldExecutionID, ex.ID,
	}
	if next != nil {
		fields = append(fields, logger.FieldNextRun, next.Format(time.RFC3339))
	}
	t.log.Infow("schedule fired", fields...)
	return nil
}

// recordFiringFailure finalizes the audit row, bumps the schedule's failure
// count and reschedules it. A once schedule has no retry and goes failed.
func (t *Ticker) recordFiringFailure(sj *ScheduledJob, ex *Execution, cause error, now time.Time) error {
	t.log.Errorw("schedule firing failed",
		logger.FieldScheduleID, sj.ID,
		logger.FieldExecutionID, ex.ID,
		logger.FieldError, cause)

	if err := t.executions.Finalize(t.ctx, ex.ID, job.StatusFailed, cause.Error(), now); err != nil {
		t.log.Warnw("failed to finalize execution record",
			logger.FieldExecutionID, ex.ID,
			logger.FieldError, err)
	}

	var next *time.Time
	if sj.ScheduleType != TypeOnce {
		if n, err := t.planner.Next(sj.ScheduleType, sj.ScheduleConfig, now); err == nil {
			next = &n
		}
	}
	if err := t.store.FailFiring(t.ctx, sj.ID, now, next); err != nil {
		return errors.Wrap(err, "failed to record failed firing")
	}
	return nil
}

// finalizeExecutions copies terminal job outcomes onto their still-running
// execution rows. Rows without a job id mean the engine died between the
// audit write and job creation; they are written off after the grace window.
func (t *Ticker) finalizeExecutions(now time.Time) error {
	running, err := t.executions.ListRunning(t.ctx)
	if err != nil {
		return errors.Wrap(err, "failed to list running executions")
	}

	for _, ex := range running {
		select {
		case <-t.ctx.Done():
			return t.ctx.Err()
		default:
		}

		if ex.JobID == nil {
			if now.Sub(ex.StartedAt) > t.grace {
				if err := t.executions.Finalize(t.ctx, ex.ID, job.StatusFailed, "interrupted before job creation", now); err != nil {
					t.log.Warnw("failed to finalize orphaned execution",
						logger.FieldExecutionID, ex.ID,
						logger.FieldError, err)
				}
			}
			continue
		}

		j, err := t.runner.GetJob(t.ctx, *ex.JobID, false)
		if err != nil {
			if errors.IsNotFoundError(err) {
				if ferr := t.executions.Finalize(t.ctx, ex.ID, job.StatusFailed, "produced job no longer exists", now); ferr != nil {
					t.log.Warnw("failed to finalize execution",
						logger.FieldExecutionID, ex.ID,
						logger.FieldError, ferr)
				}
				continue
			}
			t.log.Warnw("failed to read job for execution",
				logger.FieldExecutionID, ex.ID,
				logger.FieldJobID, *ex.JobID,
				logger.FieldError, err)
			continue
		}
		if !j.Status.Terminal() {
			continue
		}

		completedAt := now
		if j.CompletedAt != nil {
			completedAt = *j.CompletedAt
		}
		if err := t.executions.Finalize(t.ctx, ex.ID, j.Status, j.ErrorMessage, completedAt); err != nil {
			t.log.Warnw("failed to finalize execution",
				logger.FieldExecutionID, ex.ID,
				logger.FieldError, err)
		}
	}
	return nil
}

// buildRequest turns the schedule's stored payload into a job creation
// request, stamping provenance and defaulting the job name to the schedule's.
func (t *Ticker) buildRequest(sj *ScheduledJob) (job.CreateRequest, error) {
	var req job.CreateRequest
	if err := json.Unmarshal(sj.JobConfig, &req); err != nil {
		return req, errors.Wrapf(errors.ErrInvalidRequest, "invalid job config: %v", err)
	}
	if req.Name == "" {
		req.Name = sj.Name
	}
	req.ScheduledJobID = sj.ID
	return req, nil
}

// GetStats returns ticker statistics.
func (t *Ticker) GetStats() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	return map[string]interface{}{
		"last_tick_at":      t.lastTickAt,
		"ticks_since_start": t.ticksSinceStart,
		"interval":          t.interval,
	}
}
