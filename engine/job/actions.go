package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/varenq/legion/errors"
)

// ActionType identifies what a step does. The set is closed: job creation
// rejects any type not present in the registry.
type ActionType string

const (
	ActionAttack      ActionType = "attack"
	ActionSabotage    ActionType = "sabotage"
	ActionSpy         ActionType = "spy"
	ActionRecruit     ActionType = "recruit"
	ActionSendCredits ActionType = "send_credits"

	// Control-flow pseudo-actions. They receive no accounts and never reach
	// the action executor.
	ActionDelay             ActionType = "delay"
	ActionCollectAsyncTasks ActionType = "collect_async_tasks"
)

// ActionExecutor performs one named action against one account. The core
// treats it as opaque and awaits the call; retrying transient failures is
// entirely the executor's business. A returned error means the invocation
// itself broke; a result with Success=false is a reported failure.
type ActionExecutor interface {
	Execute(ctx context.Context, accountID int64, action ActionType, params json.RawMessage, maxRetries int) (*ExecResult, error)
}

// AccountDirectory resolves targeting groups and display identities. The
// account registry implements it.
type AccountDirectory interface {
	// ResolveGroups expands group ids into member account ids, deduplicated
	// and sorted, excluding disabled accounts.
	ResolveGroups(ctx context.Context, groupIDs []int64) ([]int64, error)

	// DisplayNames maps account ids to human-readable identities for the
	// fan-out's annotated error list.
	DisplayNames(ctx context.Context, accountIDs []int64) (map[int64]string, error)
}

// ActionSpec describes one registered action type. RequiredParams and
// OptionalParams document the executor boundary; the core validates only
// the action type itself, parameter-level validation belongs to the
// executor.
type ActionSpec struct {
	Type ActionType

	// ControlFlow actions (delay, collect_async_tasks) take no accounts and
	// are interpreted by the job executor itself.
	ControlFlow bool

	// TargetDirected actions aim at an external target id and pass through
	// per-target admission control inside the action executor.
	TargetDirected bool

	RequiredParams []string
	OptionalParams []string

	// Summarize aggregates per-account results into the action-specific
	// summary. Nil falls back to the generic success/failure counter.
	Summarize SummaryFunc
}

// Registry maps action types to their specs. Thread-safe; populated at
// startup and validated exhaustively before any job is accepted.
type Registry struct {
	mu      sync.RWMutex
	actions map[ActionType]ActionSpec
}

// NewRegistry creates an empty action registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[ActionType]ActionSpec)}
}

// Register adds an action spec. Panics if the type is already registered:
// a duplicate registration is a programming error, not a runtime condition.
func (r *Registry) Register(spec ActionSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if spec.Type == "" {
		panic("action spec missing type")
	}
	if _, exists := r.actions[spec.Type]; exists {
		panic(fmt.Sprintf("action already registered: %s", spec.Type))
	}
	r.actions[spec.Type] = spec
}

// Get returns the spec for an action type.
func (r *Registry) Get(action ActionType) (ActionSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	spec, ok := r.actions[action]
	return spec, ok
}

// Has checks whether an action type is registered.
func (r *Registry) Has(action ActionType) bool {
	_, ok := r.Get(action)
	return ok
}

// Validate checks an action type string from an untrusted creation payload.
func (r *Registry) Validate(action string) error {
	if action == "" {
		return errors.Wrap(errors.ErrUnknownAction, "action type is empty")
	}
	if !r.Has(ActionType(action)) {
		return errors.Wrapf(errors.ErrUnknownAction, "%q (known: %v)", action, r.Names())
	}
	return nil
}

// Names returns all registered action type names, sorted for deterministic
// display and error messages.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.actions))
	for t := range r.actions {
		names = append(names, string(t))
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry builds the registry with the full closed set of actions.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.Register(ActionSpec{
		Type:           ActionAttack,
		TargetDirected: true,
		RequiredParams: []string{"target_id"},
		OptionalParams: []string{"turns"},
		Summarize:      summarizeAttack,
	})
	r.Register(ActionSpec{
		Type:           ActionSabotage,
		TargetDirected: true,
		RequiredParams: []string{"target_id"},
		OptionalParams: []string{"spy_count", "weapon"},
	})
	r.Register(ActionSpec{
		Type:           ActionSpy,
		TargetDirected: true,
		RequiredParams: []string{"target_id"},
		OptionalParams: []string{"spy_count"},
	})
	r.Register(ActionSpec{
		Type:           ActionRecruit,
		OptionalParams: []string{"max_clicks"},
	})
	r.Register(ActionSpec{
		Type:           ActionSendCredits,
		TargetDirected: true,
		RequiredParams: []string{"target_id", "amount"},
		Summarize:      summarizeSendCredits,
	})
	r.Register(ActionSpec{
		Type:           ActionDelay,
		ControlFlow:    true,
		RequiredParams: []string{"duration_seconds"},
	})
	r.Register(ActionSpec{
		Type:           ActionCollectAsyncTasks,
		ControlFlow:    true,
		OptionalParams: []string{"timeout_seconds"},
	})

	return r
}

// delayParams is the payload the job executor reads for delay steps.
type delayParams struct {
	DurationSeconds *float64 `json:"duration_seconds"`
}

// collectParams is the payload for collect_async_tasks steps. A zero or
// absent timeout means wait without bound.
type collectParams struct {
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty"`
}
