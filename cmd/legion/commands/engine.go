package commands

import (
	"database/sql"

	"github.com/varenq/legion/config"
	"github.com/varenq/legion/engine"
	"github.com/varenq/legion/engine/account"
	"github.com/varenq/legion/engine/job"
	"github.com/varenq/legion/engine/ratelimit"
	"github.com/varenq/legion/engine/schedule"
	"github.com/varenq/legion/errors"
	"github.com/varenq/legion/executor"
	"github.com/varenq/legion/logger"
)

// engineStack bundles the wired services a command needs to run jobs. Every
// dependency is constructed here and injected; nothing engine-side reaches
// for globals.
type engineStack struct {
	cfg       *config.Config
	store     *job.Store
	accounts  *account.Store
	registry  *job.Registry
	limiter   *ratelimit.Limiter
	tracker   *engine.Tracker
	canceller *engine.Canceller
	jobs      *job.Executor
	schedules *schedule.Service
	planner   *schedule.Planner

	// remote is set only in remote executor mode; the config watcher uses
	// it to retune pacing live.
	remote *executor.Remote
}

// buildEngine wires the full service graph on top of an open database.
// dryRun forces the simulator regardless of the configured executor mode.
func buildEngine(database *sql.DB, cfg *config.Config, dryRun bool) (*engineStack, error) {
	registry := job.DefaultRegistry()
	limiter := ratelimit.NewLimiter(cfg.Limiter.MaxConcurrentPerTarget, cfg.IdleThreshold(), logger.Logger)

	var (
		exec   job.ActionExecutor
		remote *executor.Remote
	)
	mode := cfg.Executor.Mode
	if dryRun {
		mode = "sim"
	}
	switch mode {
	case "", "sim":
		exec = executor.NewSimulator(registry, limiter, executor.SimulatorConfig{
			AcquireTimeout: cfg.AcquireTimeout(),
		}, logger.Logger)
	case "remote":
		r, err := executor.NewRemote(executor.RemoteConfig{
			BaseURL:           cfg.Executor.BaseURL,
			APIKey:            cfg.Executor.APIKey,
			Timeout:           cfg.ExecutorTimeout(),
			RequestsPerSecond: cfg.Executor.RequestsPerSecond,
			AllowPrivateHosts: cfg.Executor.AllowPrivateHosts,
			AcquireTimeout:    cfg.AcquireTimeout(),
		}, registry, limiter, logger.Logger)
		if err != nil {
			return nil, errors.Wrap(err, "failed to build remote executor")
		}
		exec = r
		remote = r
	default:
		return nil, errors.Newf("unknown executor mode %q (supported: sim, remote)", cfg.Executor.Mode)
	}

	store := job.NewStore(database)
	accounts := account.NewStore(database)
	tracker := engine.NewTracker()
	canceller := engine.NewCanceller()
	jobs := job.NewExecutor(store, registry, accounts, exec, tracker, canceller, logger.Logger)

	planner := schedule.NewPlanner(cfg.Location())
	schedules := schedule.NewService(
		schedule.NewStore(database),
		schedule.NewExecutionStore(database),
		planner,
		registry,
		logger.Logger,
	)

	return &engineStack{
		cfg:       cfg,
		store:     store,
		accounts:  accounts,
		registry:  registry,
		limiter:   limiter,
		tracker:   tracker,
		canceller: canceller,
		jobs:      jobs,
		schedules: schedules,
		planner:   planner,
		remote:    remote,
	}, nil
}
