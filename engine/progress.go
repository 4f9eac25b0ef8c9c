package engine

import (
	"sync"
)

// JobProgress mirrors a job's step counters for low-latency progress reads.
type JobProgress struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// StepProgress mirrors a step's per-account fan-out counters.
type StepProgress struct {
	Total      int `json:"total"`
	Processed  int `json:"processed"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// Tracker keeps live job and step counters in memory so progress pollers do
// not hit the persistence layer on every account completion. The persisted
// counters remain the durable source of truth; the tracker runs ahead of them
// and is reconciled at step/job completion boundaries.
//
// Job entries are dropped when the job's run loop exits. Step entries outlive
// their step so a poller that raced the final update still gets one trailing
// read; the first query that observes a finished step removes it.
type Tracker struct {
	mu        sync.RWMutex
	jobs      map[string]*JobProgress
	steps     map[string]*stepEntry
	cancelled map[string]struct{}
}

// stepEntry ties step counters to their owning job so a recorded cancellation
// freezes them, and remembers completion for the trailing-read drop.
type stepEntry struct {
	jobID    string
	progress StepProgress
	finished bool
}

// NewTracker creates an empty progress tracker.
func NewTracker() *Tracker {
	return &Tracker{
		jobs:      make(map[string]*JobProgress),
		steps:     make(map[string]*stepEntry),
		cancelled: make(map[string]struct{}),
	}
}

// BeginJob registers a job when its run loop starts.
func (t *Tracker) BeginJob(jobID string, totalSteps int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.jobs[jobID] = &JobProgress{Total: totalSteps}
}

// StepResolved records one step of the job reaching COMPLETED or FAILED.
// Ignored after a cancellation has been recorded for the job.
func (t *Tracker) StepResolved(jobID string, failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, frozen := t.cancelled[jobID]; frozen {
		return
	}
	jp, ok := t.jobs[jobID]
	if !ok {
		return
	}
	if failed {
		jp.Failed++
	} else {
		jp.Completed++
	}
}

// BeginStep registers a step's fan-out shape under its owning job.
func (t *Tracker) BeginStep(jobID, stepID string, totalAccounts int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, frozen := t.cancelled[jobID]; frozen {
		return
	}
	t.steps[stepID] = &stepEntry{
		jobID:    jobID,
		progress: StepProgress{Total: totalAccounts},
	}
}

// PublishStep replaces a step's live counters. The fan-out owns the
// authoritative in-flight counts and republishes after every account
// resolution. Ignored once the owning job's cancellation is recorded.
func (t *Tracker) PublishStep(stepID string, p StepProgress) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.steps[stepID]
	if !ok {
		return
	}
	if _, frozen := t.cancelled[entry.jobID]; frozen {
		return
	}
	entry.progress = p
}

// FinishStep marks a step finished. The entry stays readable until the first
// query that sees it finished.
func (t *Tracker) FinishStep(stepID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, ok := t.steps[stepID]; ok {
		entry.finished = true
	}
}

// EndJob drops the job's entry and cancellation marker. Step entries are left
// behind for trailing reads. The caller must have joined every task it
// spawned for the job before calling this.
func (t *Tracker) EndJob(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.jobs, jobID)
	delete(t.cancelled, jobID)
}

// MarkCancelled freezes all further counter updates for the job.
func (t *Tracker) MarkCancelled(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cancelled[jobID] = struct{}{}
}

// JobProgress returns the live counters for a job, if tracked.
func (t *Tracker) JobProgress(jobID string) (JobProgress, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	jp, ok := t.jobs[jobID]
	if !ok {
		return JobProgress{}, false
	}
	return *jp, true
}

// StepProgress returns the live counters for a step, if tracked. A finished
// step is removed by the first read that observes it, so late pollers fall
// back to the persisted counters.
func (t *Tracker) StepProgress(stepID string) (StepProgress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.steps[stepID]
	if !ok {
		return StepProgress{}, false
	}
	if entry.finished {
		delete(t.steps, stepID)
	}
	return entry.progress, true
}

// TrackedCounts reports the current map sizes for the status surface.
func (t *Tracker) TrackedCounts() (jobs, steps int) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.jobs), len(t.steps)
}
