package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/varenq/legion/config"
	"github.com/varenq/legion/engine"
	"github.com/varenq/legion/engine/account"
	"github.com/varenq/legion/engine/job"
	"github.com/varenq/legion/engine/schedule"
	"github.com/varenq/legion/errors"
)

// StatusCmd reports engine state from the database plus process gauges.
var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine status",
	Long: `Show engine status: job and schedule counts, roster size, and
process gauges. State comes from the shared database, so the numbers are
accurate whether or not a daemon is running.

Examples:
  legion status
  legion status --json-output`,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json-output")
		return runStatus(asJSON)
	},
}

func init() {
	StatusCmd.Flags().Bool("json-output", false, "Emit the status document as JSON")
}

// statusReport is the machine-readable status document.
type statusReport struct {
	DatabasePath      string                  `json:"database_path"`
	ExecutorMode      string                  `json:"executor_mode"`
	Jobs              map[job.Status]int      `json:"jobs"`
	Schedules         map[schedule.Status]int `json:"schedules"`
	RunningExecutions int                     `json:"running_executions"`
	AccountsEnabled   int                     `json:"accounts_enabled"`
	AccountsTotal     int                     `json:"accounts_total"`
	Groups            int                     `json:"groups"`
	Process           engine.RuntimeStats     `json:"process"`
}

func runStatus(asJSON bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := context.Background()

	jobCounts, err := job.NewStore(database).CountByStatus(ctx)
	if err != nil {
		return err
	}
	scheduleCounts, err := schedule.NewStore(database).CountByStatus(ctx)
	if err != nil {
		return err
	}
	running, err := schedule.NewExecutionStore(database).ListRunning(ctx)
	if err != nil {
		return err
	}
	accountStore := account.NewStore(database)
	allAccounts, err := accountStore.ListAccounts(ctx, false)
	if err != nil {
		return err
	}
	enabled := 0
	for _, a := range allAccounts {
		if a.Enabled {
			enabled++
		}
	}
	groups, err := accountStore.ListGroups(ctx)
	if err != nil {
		return err
	}

	mode := cfg.Executor.Mode
	if mode == "" {
		mode = "sim"
	}

	report := statusReport{
		DatabasePath:      cfg.GetDatabasePath(),
		ExecutorMode:      mode,
		Jobs:              jobCounts,
		Schedules:         scheduleCounts,
		RunningExecutions: len(running),
		AccountsEnabled:   enabled,
		AccountsTotal:     len(allAccounts),
		Groups:            len(groups),
		Process:           engine.CollectRuntimeStats(nil, nil),
	}

	if asJSON {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to encode status")
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Println("Legion Status")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("Database:           %s\n", report.DatabasePath)
	fmt.Printf("Executor mode:      %s\n", report.ExecutorMode)
	fmt.Println()

	fmt.Println("Jobs:")
	for _, s := range []job.Status{job.StatusPending, job.StatusRunning, job.StatusCompleted, job.StatusFailed, job.StatusCancelled} {
		if n := report.Jobs[s]; n > 0 {
			fmt.Printf("  %-12s %d\n", s, n)
		}
	}
	if len(report.Jobs) == 0 {
		fmt.Println("  none")
	}
	fmt.Println()

	fmt.Println("Schedules:")
	for _, s := range []schedule.Status{schedule.StatusActive, schedule.StatusPaused, schedule.StatusCompleted, schedule.StatusCanceled, schedule.StatusFailed} {
		if n := report.Schedules[s]; n > 0 {
			fmt.Printf("  %-12s %d\n", s, n)
		}
	}
	if len(report.Schedules) == 0 {
		fmt.Println("  none")
	}
	if report.RunningExecutions > 0 {
		fmt.Printf("  %d firing(s) in flight\n", report.RunningExecutions)
	}
	fmt.Println()

	fmt.Printf("Accounts:           %d enabled / %d total\n", report.AccountsEnabled, report.AccountsTotal)
	fmt.Printf("Groups:             %d\n", report.Groups)
	fmt.Println()

	fmt.Printf("This process:       pid %d, %d goroutines, %.1f MB RSS\n",
		report.Process.PID, report.Process.Goroutines, report.Process.MemoryRSSMB)
	return nil
}
