package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/varenq/legion/engine"
	legiontest "github.com/varenq/legion/internal/testing"
)

// fakeOutcome scripts one account's executor behavior.
type fakeOutcome struct {
	res   *ExecResult
	err   error
	delay time.Duration
}

// fakeActionExecutor returns scripted outcomes per account id; unscripted
// accounts succeed immediately. It also gauges invocation concurrency so
// tests can prove steps overlapped.
type fakeActionExecutor struct {
	mu           sync.Mutex
	outcomes     map[int64]fakeOutcome
	calls        []int64
	inflight     int
	peakInflight int
}

func newFakeActionExecutor() *fakeActionExecutor {
	return &fakeActionExecutor{outcomes: make(map[int64]fakeOutcome)}
}

func (f *fakeActionExecutor) script(accountID int64, out fakeOutcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes[accountID] = out
}

func (f *fakeActionExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeActionExecutor) peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peakInflight
}

func (f *fakeActionExecutor) Execute(ctx context.Context, accountID int64, action ActionType, params json.RawMessage, maxRetries int) (*ExecResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, accountID)
	f.inflight++
	if f.inflight > f.peakInflight {
		f.peakInflight = f.inflight
	}
	out, scripted := f.outcomes[accountID]
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()

	if out.delay > 0 {
		select {
		case <-time.After(out.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !scripted {
		return &ExecResult{Success: true}, nil
	}
	return out.res, out.err
}

// fakeDirectory resolves groups and display names from fixed maps.
type fakeDirectory struct {
	groups map[int64][]int64
	names  map[int64]string
}

func (d *fakeDirectory) ResolveGroups(ctx context.Context, groupIDs []int64) ([]int64, error) {
	var ids []int64
	for _, gid := range groupIDs {
		ids = append(ids, d.groups[gid]...)
	}
	return dedupeIDs(ids), nil
}

func (d *fakeDirectory) DisplayNames(ctx context.Context, accountIDs []int64) (map[int64]string, error) {
	names := make(map[int64]string, len(accountIDs))
	for _, id := range accountIDs {
		if name, ok := d.names[id]; ok {
			names[id] = name
		}
	}
	return names, nil
}

// testRig bundles a fully wired executor over an in-memory database.
type testRig struct {
	db        *sql.DB
	store     *Store
	exec      *fakeActionExecutor
	dir       *fakeDirectory
	tracker   *engine.Tracker
	canceller *engine.Canceller
	executor  *Executor
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	db := legiontest.CreateTestDB(t)
	store := NewStore(db)
	exec := newFakeActionExecutor()
	dir := &fakeDirectory{
		groups: map[int64][]int64{},
		names:  map[int64]string{},
	}
	tracker := engine.NewTracker()
	canceller := engine.NewCanceller()
	executor := NewExecutor(store, DefaultRegistry(), dir, exec, tracker, canceller, zap.NewNop().Sugar())
	return &testRig{
		db:        db,
		store:     store,
		exec:      exec,
		dir:       dir,
		tracker:   tracker,
		canceller: canceller,
		executor:  executor,
	}
}

// waitJob blocks until the job's run loop exits, with a test-sized deadline.
func (r *testRig) waitJob(t *testing.T, jobID string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.executor.WaitForJob(ctx, jobID); err != nil {
		t.Fatalf("job %s did not finish: %v", jobID, err)
	}
}

// attackStep builds a plain sequential attack step definition.
func attackStep(accountIDs ...int64) StepDefinition {
	return StepDefinition{
		ActionType: string(ActionAttack),
		AccountIDs: accountIDs,
	}
}

func rawParams(t *testing.T, v any) json.RawMessage {
	t.Helper()

	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return data
}
