package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/varenq/legion/engine/job"
	"github.com/varenq/legion/errors"
	legiontest "github.com/varenq/legion/internal/testing"
)

// The job executor must satisfy the runner interface the ticker consumes.
var _ JobRunner = (*job.Executor)(nil)

// fakeRunner stands in for the job executor: it records create requests and
// serves job lookups from scripted state.
type fakeRunner struct {
	mu        sync.Mutex
	createErr error
	created   []job.CreateRequest
	jobs      map[string]*job.Job
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{jobs: make(map[string]*job.Job)}
}

func (f *fakeRunner) CreateJob(_ context.Context, req job.CreateRequest) (*job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	j := &job.Job{
		ID:             uuid.NewString(),
		Name:           req.Name,
		Status:         job.StatusRunning,
		TotalSteps:     len(req.Steps),
		ScheduledJobID: req.ScheduledJobID,
		CreatedAt:      time.Now().UTC(),
	}
	f.created = append(f.created, req)
	f.jobs[j.ID] = j
	return j, nil
}

func (f *fakeRunner) GetJob(_ context.Context, jobID string, _ bool) (*job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "job %s", jobID)
	}
	cp := *j
	return &cp, nil
}

// finish drives a scripted job to a terminal status.
func (f *fakeRunner) finish(jobID string, status job.Status, errMsg string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[jobID]
	j.Status = status
	j.ErrorMessage = errMsg
	j.CompletedAt = &at
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeRunner) lastRequest() job.CreateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[len(f.created)-1]
}

type tickerRig struct {
	store      *Store
	executions *ExecutionStore
	runner     *fakeRunner
	ticker     *Ticker
}

func newTickerRig(t *testing.T) *tickerRig {
	t.Helper()
	db := legiontest.CreateTestDB(t)
	store := NewStore(db)
	executions := NewExecutionStore(db)
	runner := newFakeRunner()
	tk := NewTicker(store, executions, runner, NewPlanner(time.UTC),
		TickerConfig{Interval: time.Hour, ExpiryGrace: 2 * time.Minute},
		zap.NewNop().Sugar())
	return &tickerRig{store: store, executions: executions, runner: runner, ticker: tk}
}

var tickBase = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func TestTickerFiresDueSchedule(t *testing.T) {
	rig := newTickerRig(t)
	ctx := context.Background()

	due := tickBase.Add(-30 * time.Second)
	sj := seedSchedule(t, rig.store, "raiders", TypeCron, due)

	require.NoError(t, rig.ticker.tick(tickBase))

	require.Equal(t, 1, rig.runner.callCount())
	req := rig.runner.lastRequest()
	assert.Equal(t, "raiders", req.Name, "empty job config name falls back to the schedule name")
	assert.Equal(t, sj.ID, req.ScheduledJobID)
	require.Len(t, req.Steps, 1)
	assert.Equal(t, "spy", req.Steps[0].ActionType)

	got, err := rig.store.Get(ctx, sj.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, 1, got.ExecutionCount)
	require.NotNil(t, got.LastExecutedAt)
	assert.True(t, got.LastExecutedAt.Equal(tickBase))
	require.NotNil(t, got.NextExecutionAt)
	assert.True(t, got.NextExecutionAt.After(tickBase), "next firing moves into the future")

	history, err := rig.executions.ListBySchedule(ctx, sj.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	ex := history[0]
	assert.Equal(t, job.StatusRunning, ex.Status)
	require.NotNil(t, ex.JobID)
	assert.True(t, ex.ScheduledAt.Equal(due), "audit row records when the firing was due")
	assert.True(t, ex.StartedAt.Equal(tickBase))
}

func TestTickerOnceFiresAndCompletes(t *testing.T) {
	rig := newTickerRig(t)
	ctx := context.Background()

	due := tickBase.Add(-10 * time.Second)
	sj := NewScheduledJob("single strike", "",
		[]byte(`{"steps":[{"action_type":"attack","account_ids":[7]}]}`),
		TypeOnce, rawConfig(t, OnceConfig{ExecutionTime: due}))
	sj.NextExecutionAt = &due
	require.NoError(t, rig.store.Create(ctx, sj))

	require.NoError(t, rig.ticker.tick(tickBase))
	require.Equal(t, 1, rig.runner.callCount())

	got, err := rig.store.Get(ctx, sj.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 1, got.ExecutionCount)
	assert.Nil(t, got.NextExecutionAt)

	// A completed schedule never fires again.
	require.NoError(t, rig.ticker.tick(tickBase.Add(time.Minute)))
	assert.Equal(t, 1, rig.runner.callCount())
}

func TestTickerCancelsExpiredOnce(t *testing.T) {
	rig := newTickerRig(t)
	ctx := context.Background()

	// Due 10 minutes ago, far beyond the 2 minute grace. The engine was
	// down; a stale single-shot must never run late.
	due := tickBase.Add(-10 * time.Minute)
	sj := NewScheduledJob("stale strike", "",
		[]byte(`{"steps":[{"action_type":"attack","account_ids":[7]}]}`),
		TypeOnce, rawConfig(t, OnceConfig{ExecutionTime: due}))
	sj.NextExecutionAt = &due
	require.NoError(t, rig.store.Create(ctx, sj))

	require.NoError(t, rig.ticker.tick(tickBase))

	assert.Zero(t, rig.runner.callCount(), "expired once schedules do not fire")

	got, err := rig.store.Get(ctx, sj.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, got.Status)
	assert.Nil(t, got.NextExecutionAt)
	assert.Zero(t, got.ExecutionCount)

	history, err := rig.executions.ListBySchedule(ctx, sj.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestTickerReschedulesMissedRecurring(t *testing.T) {
	rig := newTickerRig(t)
	ctx := context.Background()

	sj := seedSchedule(t, rig.store, "missed wave", TypeCron, tickBase.Add(-10*time.Minute))

	require.NoError(t, rig.ticker.tick(tickBase))

	assert.Zero(t, rig.runner.callCount(), "missed firings are skipped, not run late")

	got, err := rig.store.Get(ctx, sj.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.Zero(t, got.ExecutionCount)
	require.NotNil(t, got.NextExecutionAt)
	assert.True(t, got.NextExecutionAt.After(tickBase), "rescheduled from now")
}

func TestTickerCountsFiringFailures(t *testing.T) {
	rig := newTickerRig(t)
	ctx := context.Background()

	first := seedSchedule(t, rig.store, "first", TypeCron, tickBase.Add(-time.Minute))
	second := seedSchedule(t, rig.store, "second", TypeCron, tickBase.Add(-30*time.Second))

	rig.runner.createErr = errors.New("executor rejected the payload")
	require.NoError(t, rig.ticker.tick(tickBase))

	for _, sj := range []*ScheduledJob{first, second} {
		got, err := rig.store.Get(ctx, sj.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusActive, got.Status, "recurring schedules survive a failed firing")
		assert.Equal(t, 1, got.FailureCount)
		assert.Zero(t, got.ExecutionCount)
		require.NotNil(t, got.NextExecutionAt)
		assert.True(t, got.NextExecutionAt.After(tickBase))

		history, err := rig.executions.ListBySchedule(ctx, sj.ID, 0)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, job.StatusFailed, history[0].Status)
		assert.Contains(t, history[0].ErrorMessage, "executor rejected")
		assert.Nil(t, history[0].JobID)
	}

	// Once the executor recovers, the rescheduled firing goes through.
	rig.runner.createErr = nil
	require.NoError(t, rig.ticker.tick(tickBase.Add(6*time.Minute)))
	assert.Equal(t, 2, rig.runner.callCount())

	got, err := rig.store.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ExecutionCount)
	assert.Equal(t, 1, got.FailureCount)
}

func TestTickerFinalizesExecutions(t *testing.T) {
	rig := newTickerRig(t)
	ctx := context.Background()

	sj := seedSchedule(t, rig.store, "audited", TypeCron, tickBase.Add(-time.Second))
	require.NoError(t, rig.ticker.tick(tickBase))
	require.Equal(t, 1, rig.runner.callCount())

	history, err := rig.executions.ListBySchedule(ctx, sj.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	ex := history[0]
	require.NotNil(t, ex.JobID)

	// The produced job is still running; nothing to finalize yet.
	require.NoError(t, rig.ticker.tick(tickBase.Add(time.Minute)))
	got, err := rig.executions.Get(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusRunning, got.Status)

	finishedAt := tickBase.Add(90 * time.Second)
	rig.runner.finish(*ex.JobID, job.StatusFailed, "2 of 3 steps failed", finishedAt)

	require.NoError(t, rig.ticker.tick(tickBase.Add(2*time.Minute)))
	got, err = rig.executions.Get(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, "2 of 3 steps failed", got.ErrorMessage)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(finishedAt), "the job's own completion time is copied")

	// The audit row is immutable once finalized.
	rig.runner.finish(*ex.JobID, job.StatusCompleted, "", finishedAt.Add(time.Hour))
	require.NoError(t, rig.ticker.tick(tickBase.Add(3*time.Minute)))
	got, err = rig.executions.Get(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, "2 of 3 steps failed", got.ErrorMessage)
}

func TestTickerWritesOffOrphanedExecutions(t *testing.T) {
	rig := newTickerRig(t)
	ctx := context.Background()

	sj := seedSchedule(t, rig.store, "orphan host", TypeCron, tickBase.Add(time.Hour))

	// An execution without a job id means the engine died between the
	// audit write and job creation.
	stale := NewExecution(sj.ID, tickBase.Add(-5*time.Minute), tickBase.Add(-5*time.Minute))
	require.NoError(t, rig.executions.Create(ctx, stale))
	fresh := NewExecution(sj.ID, tickBase.Add(-30*time.Second), tickBase.Add(-30*time.Second))
	require.NoError(t, rig.executions.Create(ctx, fresh))

	require.NoError(t, rig.ticker.tick(tickBase))

	got, err := rig.executions.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "interrupted")

	got, err = rig.executions.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusRunning, got.Status, "recent orphans get a grace window")
}

func TestTickerStartStop(t *testing.T) {
	db := legiontest.CreateTestDB(t)
	tk := NewTicker(NewStore(db), NewExecutionStore(db), newFakeRunner(), NewPlanner(time.UTC),
		TickerConfig{Interval: 20 * time.Millisecond, ExpiryGrace: time.Minute},
		zap.NewNop().Sugar())

	tk.Start()
	require.Eventually(t, func() bool {
		return tk.GetStats()["ticks_since_start"].(int64) >= 2
	}, 2*time.Second, 10*time.Millisecond)
	tk.Stop()

	ticks := tk.GetStats()["ticks_since_start"].(int64)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, ticks, tk.GetStats()["ticks_since_start"].(int64), "no ticks after Stop")
}
