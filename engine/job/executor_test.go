package job

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/varenq/legion/errors"
)

func TestCreateJobValidation(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  CreateRequest
		want error
	}{
		{
			name: "empty name",
			req:  CreateRequest{Steps: []StepDefinition{attackStep(1)}},
			want: errors.ErrInvalidRequest,
		},
		{
			name: "no steps",
			req:  CreateRequest{Name: "empty"},
			want: errors.ErrInvalidRequest,
		},
		{
			name: "unknown action type",
			req: CreateRequest{Name: "bad", Steps: []StepDefinition{
				{ActionType: "summon_dragon", AccountIDs: []int64{1}},
			}},
			want: errors.ErrUnknownAction,
		},
		{
			name: "no targeting",
			req: CreateRequest{Name: "untargeted", Steps: []StepDefinition{
				{ActionType: string(ActionAttack)},
			}},
			want: errors.ErrInvalidRequest,
		},
		{
			name: "control-flow step with accounts",
			req: CreateRequest{Name: "bad delay", Steps: []StepDefinition{
				{ActionType: string(ActionDelay), AccountIDs: []int64{1}},
			}},
			want: errors.ErrInvalidRequest,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := rig.executor.CreateJob(ctx, tc.req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}

	// Rejected requests never reach the persisted model.
	page, err := rig.store.ListJobs(ctx, nil, 1, 20, false)
	require.NoError(t, err)
	assert.Zero(t, page.Total)
}

func TestCreateJobResolvesGroupTargeting(t *testing.T) {
	rig := newTestRig(t)
	rig.dir.groups[10] = []int64{5, 3, 9}
	ctx := context.Background()

	j, err := rig.executor.CreateJob(ctx, CreateRequest{
		Name: "group raid",
		Steps: []StepDefinition{{
			ActionType: string(ActionAttack),
			AccountIDs: []int64{9, 1},
			GroupIDs:   []int64{10},
		}},
	})
	require.NoError(t, err)
	rig.waitJob(t, j.ID)

	got, err := rig.store.GetJob(ctx, j.ID, true)
	require.NoError(t, err)
	require.Len(t, got.Steps, 1)

	st := got.Steps[0]
	assert.Equal(t, []int64{1, 3, 5, 9}, st.AccountIDs, "direct and group ids merged, deduplicated, sorted")
	assert.Equal(t, 4, st.TotalAccounts)
	// Original targeting inputs survive for display and cloning.
	assert.Equal(t, []int64{9, 1}, st.TargetAccountIDs)
	assert.Equal(t, []int64{10}, st.TargetGroupIDs)
}

func TestBasicFanout(t *testing.T) {
	rig := newTestRig(t)
	rig.exec.script(1, fakeOutcome{res: &ExecResult{Success: true}})
	rig.exec.script(2, fakeOutcome{res: &ExecResult{Success: false, Error: "not logged in"}})
	ctx := context.Background()

	j, err := rig.executor.CreateJob(ctx, CreateRequest{
		Name:  "raid",
		Steps: []StepDefinition{attackStep(1, 2)},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, j.Status, "creation returns before execution")
	assert.Equal(t, 1, j.TotalSteps)

	rig.waitJob(t, j.ID)

	got, err := rig.store.GetJob(ctx, j.ID, true)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 0, got.CompletedSteps)
	assert.Equal(t, 1, got.FailedSteps)

	st := got.Steps[0]
	assert.Equal(t, StatusFailed, st.Status)
	assert.Equal(t, 1, st.SuccessfulAccounts)
	assert.Equal(t, 1, st.FailedAccounts)
	assert.Equal(t, 2, st.ProcessedAccounts)

	res, err := DecodeStepResult(st.Result)
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, []string{"not logged in"}, res.Errors[0].Errors)
}

func TestDelayStep(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	start := time.Now()
	j, err := rig.executor.CreateJob(ctx, CreateRequest{
		Name: "pause",
		Steps: []StepDefinition{{
			ActionType: string(ActionDelay),
			Parameters: rawParams(t, map[string]any{"duration_seconds": 2}),
		}},
	})
	require.NoError(t, err)
	rig.waitJob(t, j.ID)
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 2*time.Second, "delay step must actually wait")

	got, err := rig.store.GetJob(ctx, j.ID, true)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, StatusCompleted, got.Steps[0].Status)
	assert.Zero(t, got.Steps[0].TotalAccounts)
}

func TestDelayStepRejectsMissingDuration(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	j, err := rig.executor.CreateJob(ctx, CreateRequest{
		Name:  "broken pause",
		Steps: []StepDefinition{{ActionType: string(ActionDelay)}},
	})
	require.NoError(t, err)
	rig.waitJob(t, j.ID)

	got, err := rig.store.GetJob(ctx, j.ID, true)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, StatusFailed, got.Steps[0].Status)
	assert.Contains(t, got.Steps[0].ErrorMessage, "duration_seconds")
}

func TestCollectAsyncTasksTimeout(t *testing.T) {
	rig := newTestRig(t)
	for id := int64(1); id <= 3; id++ {
		rig.exec.script(id, fakeOutcome{res: &ExecResult{Success: true}, delay: 2 * time.Second})
	}
	ctx := context.Background()

	j, err := rig.executor.CreateJob(ctx, CreateRequest{
		Name: "slow harvest",
		Steps: []StepDefinition{
			{ActionType: string(ActionAttack), AccountIDs: []int64{1}, IsAsync: true},
			{ActionType: string(ActionAttack), AccountIDs: []int64{2}, IsAsync: true},
			{ActionType: string(ActionAttack), AccountIDs: []int64{3}, IsAsync: true},
			{ActionType: string(ActionCollectAsyncTasks), Parameters: rawParams(t, map[string]any{"timeout_seconds": 0.5})},
		},
	})
	require.NoError(t, err)
	rig.waitJob(t, j.ID)

	got, err := rig.store.GetJob(ctx, j.ID, true)
	require.NoError(t, err)

	collect := got.Steps[3]
	assert.Equal(t, StatusFailed, collect.Status)
	assert.Contains(t, collect.ErrorMessage, "timed out")

	// The awaited tasks were left running, not cancelled: every async step
	// still ran to a successful completion.
	for i := 0; i < 3; i++ {
		assert.Equal(t, StatusCompleted, got.Steps[i].Status, "async step %d", i+1)
	}
	assert.Equal(t, 3, rig.exec.callCount())

	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 3, got.CompletedSteps)
	assert.Equal(t, 1, got.FailedSteps)
}

func TestCancelJobWithOutstandingAsyncSteps(t *testing.T) {
	rig := newTestRig(t)
	rig.exec.script(1, fakeOutcome{res: &ExecResult{Success: true}, delay: 30 * time.Second})
	rig.exec.script(2, fakeOutcome{res: &ExecResult{Success: true}, delay: 30 * time.Second})
	ctx := context.Background()

	j, err := rig.executor.CreateJob(ctx, CreateRequest{
		Name: "doomed",
		Steps: []StepDefinition{
			{ActionType: string(ActionAttack), AccountIDs: []int64{1}, IsAsync: true},
			{ActionType: string(ActionAttack), AccountIDs: []int64{2}},
		},
	})
	require.NoError(t, err)

	// Wait until both accounts are actually in flight.
	require.Eventually(t, func() bool {
		return rig.exec.callCount() == 2
	}, 5*time.Second, 10*time.Millisecond)

	cancelledAt := time.Now()
	require.NoError(t, rig.executor.CancelJob(ctx, j.ID, "operator abort"))

	rig.waitJob(t, j.ID)
	assert.Less(t, time.Since(cancelledAt), 5*time.Second,
		"cancellation must reach in-flight tasks instead of waiting them out")

	got, err := rig.store.GetJob(ctx, j.ID, true)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, "operator abort", got.ErrorMessage)
	for _, st := range got.Steps {
		assert.Equal(t, StatusCancelled, st.Status)
		assert.Zero(t, st.ProcessedAccounts, "no counter increments after cancellation")
	}
	assert.Equal(t, 0, got.CompletedSteps)
	assert.Equal(t, 2, got.FailedSteps)

	// A second cancel is rejected: the job is already terminal.
	err = rig.executor.CancelJob(ctx, j.ID, "again")
	require.Error(t, err)
	assert.True(t, errors.IsJobTerminal(err))
}

func TestStepAccountingProperty(t *testing.T) {
	cases := []struct {
		name     string
		parallel bool
		steps    []StepDefinition
	}{
		{
			name: "sequential with failure",
			steps: []StepDefinition{
				attackStep(1), attackStep(2), attackStep(3),
			},
		},
		{
			name:     "parallel",
			parallel: true,
			steps: []StepDefinition{
				attackStep(1), attackStep(2), attackStep(3),
			},
		},
		{
			name: "mixed async and sync",
			steps: []StepDefinition{
				{ActionType: string(ActionAttack), AccountIDs: []int64{1}, IsAsync: true},
				attackStep(2),
				{ActionType: string(ActionSpy), AccountIDs: []int64{3}, IsAsync: true},
				{ActionType: string(ActionCollectAsyncTasks)},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rig := newTestRig(t)
			rig.exec.script(2, fakeOutcome{res: &ExecResult{Success: false, Error: "shields up"}})
			ctx := context.Background()

			j, err := rig.executor.CreateJob(ctx, CreateRequest{
				Name:              "accounting",
				Steps:             tc.steps,
				ParallelExecution: tc.parallel,
			})
			require.NoError(t, err)
			assert.Equal(t, len(tc.steps), j.TotalSteps)

			rig.waitJob(t, j.ID)

			got, err := rig.store.GetJob(ctx, j.ID, false)
			require.NoError(t, err)
			assert.True(t, got.Status.Terminal())
			assert.Equal(t, got.TotalSteps, got.CompletedSteps+got.FailedSteps,
				"completed %d + failed %d must equal total %d",
				got.CompletedSteps, got.FailedSteps, got.TotalSteps)
			assert.Equal(t, StatusFailed, got.Status, "account 2 failure must fail the job")
		})
	}
}

func TestParallelStepsOverlap(t *testing.T) {
	rig := newTestRig(t)
	rig.exec.script(1, fakeOutcome{res: &ExecResult{Success: true}, delay: 300 * time.Millisecond})
	rig.exec.script(2, fakeOutcome{res: &ExecResult{Success: true}, delay: 300 * time.Millisecond})
	ctx := context.Background()

	j, err := rig.executor.CreateJob(ctx, CreateRequest{
		Name:              "burst",
		ParallelExecution: true,
		Steps:             []StepDefinition{attackStep(1), attackStep(2)},
	})
	require.NoError(t, err)
	rig.waitJob(t, j.ID)

	assert.GreaterOrEqual(t, rig.exec.peak(), 2, "parallel steps should be in flight together")

	got, err := rig.store.GetJob(ctx, j.ID, false)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 2, got.CompletedSteps)
}

func TestIdempotentResume(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	// A job interrupted after two of three steps: steps 1-2 COMPLETED,
	// step 3 PENDING, job RUNNING.
	j, steps := seedJob(t, rig.store, false, attackStep(11), attackStep(12), attackStep(13))
	_, err := rig.store.MarkJobRunning(ctx, j.ID, time.Now())
	require.NoError(t, err)
	for _, st := range steps[:2] {
		st.Finish(&StepResult{Success: true, TotalAccounts: 1, SuccessfulAccounts: 1})
		applied, err := rig.store.FinalizeStep(ctx, st)
		require.NoError(t, err)
		require.True(t, applied)
	}

	resumed, err := rig.executor.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)

	rig.waitJob(t, j.ID)

	// Only step 3's account was executed.
	rig.exec.mu.Lock()
	calls := append([]int64(nil), rig.exec.calls...)
	rig.exec.mu.Unlock()
	assert.Equal(t, []int64{13}, calls)

	got, err := rig.store.GetJob(ctx, j.ID, true)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 3, got.CompletedSteps)
	assert.Zero(t, got.FailedSteps)
	for _, st := range got.Steps {
		assert.Equal(t, StatusCompleted, st.Status)
	}
}

func TestJobProgressFallsBackToPersisted(t *testing.T) {
	rig := newTestRig(t)
	rig.exec.script(2, fakeOutcome{res: &ExecResult{Success: false, Error: "walled"}})
	ctx := context.Background()

	j, err := rig.executor.CreateJob(ctx, CreateRequest{
		Name:  "observe",
		Steps: []StepDefinition{attackStep(1), attackStep(2)},
	})
	require.NoError(t, err)
	rig.waitJob(t, j.ID)

	// The run loop has ended, so the tracker no longer knows the job and
	// the persisted counters answer instead.
	jp, err := rig.executor.JobProgress(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, jp.Completed)
	assert.Equal(t, 1, jp.Failed)
	assert.Equal(t, 2, jp.Total)

	_, err = rig.executor.JobProgress(ctx, "missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStepProgressFallsBackToPersisted(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	j, err := rig.executor.CreateJob(ctx, CreateRequest{
		Name:  "observe steps",
		Steps: []StepDefinition{attackStep(1, 2, 3)},
	})
	require.NoError(t, err)
	rig.waitJob(t, j.ID)

	steps, err := rig.store.ListSteps(ctx, j.ID)
	require.NoError(t, err)

	// First read consumes the tracker's trailing entry; the second answers
	// from the persisted counters. Both must agree.
	trailing, err := rig.executor.StepProgress(ctx, steps[0].ID)
	require.NoError(t, err)
	persisted, err := rig.executor.StepProgress(ctx, steps[0].ID)
	require.NoError(t, err)
	assert.Equal(t, trailing, persisted)
	assert.Equal(t, 3, persisted.Total)
	assert.Equal(t, 3, persisted.Processed)
	assert.Equal(t, 3, persisted.Successful)
	assert.Zero(t, persisted.Failed)
}

func TestWaitForJobOnUnknownJobReturns(t *testing.T) {
	rig := newTestRig(t)
	require.NoError(t, rig.executor.WaitForJob(context.Background(), "nothing-running"))
}
