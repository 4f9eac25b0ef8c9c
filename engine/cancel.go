package engine

import (
	"context"
	"sync"
)

// TaskKind distinguishes the two classes of tracked work.
type TaskKind int

const (
	// TaskAsyncStep is a detached step runner: an async step in sequential
	// mode, or any step in parallel mode.
	TaskAsyncStep TaskKind = iota
	// TaskAccount is a single account invocation inside a step's fan-out.
	TaskAccount
)

// Canceller tracks in-flight tasks per job so a cancel request can reach
// every outstanding unit of work, including per-account invocations already
// dispatched to the action executor. Cancellation is cooperative: each task
// observes its context at the next suspension point.
type Canceller struct {
	mu   sync.Mutex
	jobs map[string]map[string]trackedTask
}

type trackedTask struct {
	kind   TaskKind
	cancel context.CancelFunc
}

// NewCanceller creates an empty cancellation controller.
func NewCanceller() *Canceller {
	return &Canceller{
		jobs: make(map[string]map[string]trackedTask),
	}
}

// Track registers a task's cancel function under its job. Task ids must be
// unique within the job; re-tracking an id replaces the previous entry.
func (c *Canceller) Track(jobID, taskID string, kind TaskKind, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tasks, ok := c.jobs[jobID]
	if !ok {
		tasks = make(map[string]trackedTask)
		c.jobs[jobID] = tasks
	}
	tasks[taskID] = trackedTask{kind: kind, cancel: cancel}
}

// Untrack removes a finished task. The job's set is dropped when it empties.
func (c *Canceller) Untrack(jobID, taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tasks, ok := c.jobs[jobID]
	if !ok {
		return
	}
	delete(tasks, taskID)
	if len(tasks) == 0 {
		delete(c.jobs, jobID)
	}
}

// CancelAll cancels every tracked task for the job and clears the set.
// Returns the number of tasks whose cancel was invoked.
func (c *Canceller) CancelAll(jobID string) int {
	c.mu.Lock()
	tasks := c.jobs[jobID]
	delete(c.jobs, jobID)
	c.mu.Unlock()

	// Cancel functions only flip a context; invoking them outside the lock
	// keeps a slow observer from blocking Track/Untrack on other jobs.
	for _, task := range tasks {
		task.cancel()
	}
	return len(tasks)
}

// Outstanding reports how many tasks are currently tracked for a job.
func (c *Canceller) Outstanding(jobID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.jobs[jobID])
}

// OutstandingByKind reports how many tracked tasks of one kind a job has.
func (c *Canceller) OutstandingByKind(jobID string, kind TaskKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, task := range c.jobs[jobID] {
		if task.kind == kind {
			n++
		}
	}
	return n
}
