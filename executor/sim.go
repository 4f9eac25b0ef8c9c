package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/varenq/legion/engine/job"
	"github.com/varenq/legion/engine/ratelimit"
	"github.com/varenq/legion/errors"
)

// Simulator is an in-process action executor with deterministic fabricated
// outcomes. It backs tests and dry runs, and honors the same admission rules
// as a real executor: target-directed actions acquire a per-target permit
// before doing anything.
type Simulator struct {
	registry       *job.Registry
	limiter        *ratelimit.Limiter
	acquireTimeout time.Duration
	latency        time.Duration
	failureRate    float64
	log            *zap.SugaredLogger

	mu       sync.Mutex
	rng      *rand.Rand
	scripted map[scriptKey]scriptedOutcome
	calls    int
}

type scriptKey struct {
	accountID int64
	action    job.ActionType
}

type scriptedOutcome struct {
	res *job.ExecResult
	err error
}

// SimulatorConfig tunes the simulator. The zero value is a fast, always
// succeeding executor.
type SimulatorConfig struct {
	// Artificial per-call latency, applied after admission.
	Latency time.Duration

	// Fraction of unscripted calls that fail, in [0, 1]. Draws come from a
	// seeded source so runs are reproducible.
	FailureRate float64

	// Seed for the failure draw source. 0 seeds from the clock.
	Seed int64

	// How long target admission may block. Zero waits as long as the
	// call's context allows.
	AcquireTimeout time.Duration
}

// NewSimulator creates a simulator. limiter may be nil when admission
// control is not under test.
func NewSimulator(registry *job.Registry, limiter *ratelimit.Limiter, cfg SimulatorConfig, log *zap.SugaredLogger) *Simulator {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Simulator{
		registry:       registry,
		limiter:        limiter,
		acquireTimeout: cfg.AcquireTimeout,
		latency:        cfg.Latency,
		failureRate:    cfg.FailureRate,
		log:            log.Named("sim"),
		rng:            rand.New(rand.NewSource(seed)),
		scripted:       make(map[scriptKey]scriptedOutcome),
	}
}

// Script pins the outcome of one account+action pair. Pass a result for a
// reported outcome or an error for a broken invocation.
func (s *Simulator) Script(accountID int64, action job.ActionType, res *job.ExecResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripted[scriptKey{accountID: accountID, action: action}] = scriptedOutcome{res: res, err: err}
}

// Calls reports how many executions ran.
func (s *Simulator) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Execute implements job.ActionExecutor. Retries never apply here: the
// simulator's outcomes are deterministic, so retrying cannot change them.
func (s *Simulator) Execute(ctx context.Context, accountID int64, action job.ActionType, params json.RawMessage, _ int) (*job.ExecResult, error) {
	spec, ok := s.registry.Get(action)
	if !ok {
		return nil, errors.Wrapf(errors.ErrUnknownAction, "%s", action)
	}

	if spec.TargetDirected {
		key := targetKey(params)
		if key == "" {
			return &job.ExecResult{Success: false, Error: "missing target_id parameter"}, nil
		}
		if s.limiter != nil {
			permit, err := s.limiter.Acquire(ctx, key, s.acquireTimeout)
			if err != nil {
				return nil, err
			}
			defer permit.Release()
		}
	}

	if s.latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.latency):
		}
	}

	s.mu.Lock()
	s.calls++
	outcome, scripted := s.scripted[scriptKey{accountID: accountID, action: action}]
	var failDraw float64
	if !scripted && s.failureRate > 0 {
		failDraw = s.rng.Float64()
	}
	s.mu.Unlock()

	if scripted {
		return outcome.res, outcome.err
	}
	if s.failureRate > 0 && failDraw < s.failureRate {
		return &job.ExecResult{
			Success: false,
			Error:   fmt.Sprintf("simulated failure for account %d", accountID),
		}, nil
	}
	return s.simulate(accountID, action, params), nil
}

// simulate fabricates a plausible success for the action. Values derive from
// the account id alone so repeated runs agree.
func (s *Simulator) simulate(accountID int64, action job.ActionType, params json.RawMessage) *job.ExecResult {
	switch action {
	case job.ActionAttack:
		turns := paramNumber(params, "turns", 1)
		return &job.ExecResult{
			Success: true,
			Message: "attack landed",
			Data: map[string]any{
				"gold_won":         float64(900 + accountID*137%1100),
				"turns_used":       turns,
				"casualties":       float64(accountID % 20),
				"enemy_casualties": float64(accountID%20 + 14),
			},
		}
	case job.ActionSabotage:
		return &job.ExecResult{
			Success: true,
			Message: "sabotage succeeded",
			Data: map[string]any{
				"weapons_destroyed": float64(1 + accountID%5),
			},
		}
	case job.ActionSpy:
		return &job.ExecResult{
			Success: true,
			Message: "intel gathered",
			Data: map[string]any{
				"reports": paramNumber(params, "spy_count", 1),
			},
		}
	case job.ActionRecruit:
		return &job.ExecResult{
			Success: true,
			Message: "recruitment round finished",
			Data: map[string]any{
				"clicks": paramNumber(params, "max_clicks", 25),
			},
		}
	case job.ActionSendCredits:
		amount := paramNumber(params, "amount", 0)
		if amount <= 0 {
			return &job.ExecResult{Success: false, Error: "amount must be positive"}
		}
		return &job.ExecResult{
			Success: true,
			Message: "credits transferred",
			Data: map[string]any{
				"credits_sent": amount,
			},
		}
	default:
		return &job.ExecResult{Success: true, Message: fmt.Sprintf("%s simulated", action)}
	}
}
