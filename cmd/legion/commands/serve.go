package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/varenq/legion/config"
	"github.com/varenq/legion/engine/job"
	"github.com/varenq/legion/engine/schedule"
	"github.com/varenq/legion/logger"
)

// ServeCmd runs the legion daemon.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the legion daemon",
	Long: `Run the legion daemon in foreground mode.

The daemon:
- Recovers jobs interrupted by the last shutdown
- Polls schedules and fires due ones
- Prunes terminal jobs past the retention window
- Sweeps idle rate-limiter targets
- Reloads configuration on file changes (limiter and pacing retune live)
- Shuts down gracefully on SIGINT/SIGTERM; a second signal exits immediately

Example:
  legion serve              # Run with the configured executor
  legion serve --dry-run    # Run against the simulator, whatever the config says`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		return runServe(dryRun)
	},
}

func init() {
	ServeCmd.Flags().Bool("dry-run", false, "Use the in-process simulator instead of the configured executor")
}

func runServe(dryRun bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	stack, err := buildEngine(database, cfg, dryRun)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stack.jobs.Start(ctx)
	recovered, err := stack.jobs.RecoverInterrupted(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		pterm.Info.Printf("Recovered %d interrupted job(s)\n", recovered)
	}

	tickerCfg := schedule.TickerConfig{
		Interval:    cfg.PollInterval(),
		ExpiryGrace: cfg.ExpiryGrace(),
	}
	ticker := schedule.NewTickerWithContext(ctx,
		schedule.NewStore(database),
		schedule.NewExecutionStore(database),
		stack.jobs,
		stack.planner,
		tickerCfg,
		logger.Logger,
	)
	ticker.Start()

	go stack.limiter.SweepLoop(ctx, cfg.SweepInterval())
	if retention := cfg.Retention(); retention > 0 {
		go janitorLoop(ctx, stack.store, retention, cfg.JanitorInterval())
	}

	watcher := startConfigWatcher(stack)
	if watcher != nil {
		defer watcher.Stop()
	}

	mode := cfg.Executor.Mode
	if dryRun {
		mode = "sim (dry run)"
	}
	pterm.Success.Println("legion daemon started")
	pterm.Printf("  Database:       %s\n", cfg.GetDatabasePath())
	pterm.Printf("  Executor:       %s\n", mode)
	pterm.Printf("  Poll interval:  %v\n", tickerCfg.Interval)
	pterm.Printf("  Max per target: %d\n", cfg.Limiter.MaxConcurrentPerTarget)
	if retention := cfg.Retention(); retention > 0 {
		pterm.Printf("  Retention:      %v\n", retention)
	}
	pterm.Println()
	pterm.Info.Println("Press Ctrl+C for graceful shutdown")

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	pterm.Println()
	pterm.Warning.Println("Shutting down (interrupted jobs resume on next start)...")

	// A second signal aborts the graceful path.
	go func() {
		<-sigChan
		pterm.Error.Println("Forced exit")
		os.Exit(1)
	}()

	// Reverse order of startup: no new firings, then wind down job runs.
	ticker.Stop()
	cancel()

	pterm.Success.Println("legion daemon stopped")
	return nil
}

// janitorLoop prunes steps of terminal jobs older than the retention window
// on a fixed cadence.
func janitorLoop(ctx context.Context, store *job.Store, retention, interval time.Duration) {
	log := logger.Logger.Named("janitor")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := store.PruneJobs(ctx, retention, time.Now().UTC())
			if err != nil {
				log.Errorw("job pruning failed", logger.FieldError, err)
				continue
			}
			if pruned > 0 {
				log.Infow("pruned terminal jobs", logger.FieldCount, pruned)
			}
		}
	}
}

// startConfigWatcher wires live retuning of the limiter and executor pacing
// to config file changes. Returns nil when no config file exists to watch.
func startConfigWatcher(stack *engineStack) *config.ConfigWatcher {
	path := config.ManagedConfigPath()
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	watcher, err := config.NewConfigWatcher(path)
	if err != nil {
		logger.Warnw("Config watcher unavailable", logger.FieldError, err)
		return nil
	}

	watcher.OnReload(func(cfg *config.Config) error {
		stack.limiter.SetMaxPerTarget(cfg.Limiter.MaxConcurrentPerTarget)
		if stack.remote != nil {
			stack.remote.SetRate(cfg.Executor.RequestsPerSecond)
		}
		return nil
	})

	config.SetGlobalWatcher(watcher)
	watcher.Start()
	return watcher
}
