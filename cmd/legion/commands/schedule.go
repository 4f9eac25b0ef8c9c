package commands

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/varenq/legion/config"
	"github.com/varenq/legion/engine/job"
	"github.com/varenq/legion/engine/schedule"
	"github.com/varenq/legion/errors"
	"github.com/varenq/legion/logger"
)

// ScheduleCmd groups scheduled job operations.
var ScheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage scheduled jobs",
	Long: `Manage scheduled jobs.

A schedule stores a job creation payload and a timetable (once, cron, or
daily windows). The daemon ('legion serve') polls for due schedules and
submits the stored job each time one fires.

Examples:
  legion schedule add --name "nightly raid" --job-file raid.json --cron "0 3 * * *"
  legion schedule add --name "oneshot" --job-file raid.json --at 2026-09-01T03:00:00Z
  legion schedule list --status active
  legion schedule pause 41f2...
  legion schedule executions 41f2... --limit 10`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var scheduleAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a scheduled job",
	Long: `Create a scheduled job from a job payload file and a timetable.

Exactly one timetable flag is required:
  --cron "0 3 * * *"                 five-field cron expression
  --at 2026-09-01T03:00:00Z          a single RFC3339 instant
  --type daily --schedule-config '{"ranges": [{"start_time": "09:00", "end_time": "17:00", "interval_minutes": 90}]}'

The job payload file uses the same shape as 'legion job run --file'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScheduleAdd(cmd)
	},
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		statusFilter, _ := cmd.Flags().GetString("status")
		return runScheduleList(statusFilter)
	},
}

var scheduleGetCmd = &cobra.Command{
	Use:   "get <schedule-id>",
	Short: "Show one scheduled job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json-output")
		return runScheduleGet(args[0], asJSON)
	},
}

var schedulePauseCmd = &cobra.Command{
	Use:   "pause <schedule-id>",
	Short: "Pause an active schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScheduleSetStatus(args[0], schedule.StatusPaused)
	},
}

var scheduleResumeCmd = &cobra.Command{
	Use:   "resume <schedule-id>",
	Short: "Resume a paused schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScheduleSetStatus(args[0], schedule.StatusActive)
	},
}

var scheduleCancelCmd = &cobra.Command{
	Use:   "cancel <schedule-id>",
	Short: "Cancel a schedule permanently",
	Long:  "Cancel a schedule permanently. The row and its execution history stay for audit; use 'delete' to remove them.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScheduleSetStatus(args[0], schedule.StatusCanceled)
	},
}

var scheduleDeleteCmd = &cobra.Command{
	Use:   "delete <schedule-id>",
	Short: "Delete a schedule and its execution history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		return runScheduleDelete(args[0], force)
	},
}

var scheduleExecutionsCmd = &cobra.Command{
	Use:   "executions <schedule-id>",
	Short: "Show a schedule's recent firings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return runScheduleExecutions(args[0], limit)
	},
}

func init() {
	scheduleAddCmd.Flags().String("name", "", "Schedule name (required)")
	scheduleAddCmd.Flags().String("description", "", "Schedule description")
	scheduleAddCmd.Flags().String("job-file", "", "Job creation payload as JSON ('-' for stdin, required)")
	scheduleAddCmd.Flags().String("cron", "", "Five-field cron expression")
	scheduleAddCmd.Flags().String("at", "", "Single firing instant, RFC3339")
	scheduleAddCmd.Flags().String("type", "", "Schedule type when using --schedule-config (once, cron, daily)")
	scheduleAddCmd.Flags().String("schedule-config", "", "Raw schedule config as JSON")

	scheduleListCmd.Flags().String("status", "", "Filter by status (active, paused, completed, canceled, failed)")

	scheduleGetCmd.Flags().Bool("json-output", false, "Dump the schedule as JSON")

	scheduleDeleteCmd.Flags().Bool("force", false, "Skip the confirmation prompt")

	scheduleExecutionsCmd.Flags().Int("limit", 20, "Maximum firings to show, newest first")

	ScheduleCmd.AddCommand(scheduleAddCmd)
	ScheduleCmd.AddCommand(scheduleListCmd)
	ScheduleCmd.AddCommand(scheduleGetCmd)
	ScheduleCmd.AddCommand(schedulePauseCmd)
	ScheduleCmd.AddCommand(scheduleResumeCmd)
	ScheduleCmd.AddCommand(scheduleCancelCmd)
	ScheduleCmd.AddCommand(scheduleDeleteCmd)
	ScheduleCmd.AddCommand(scheduleExecutionsCmd)
}

// buildScheduleService wires the schedule service without the executor
// stack; schedule commands never run actions.
func buildScheduleService(database *sql.DB, cfg *config.Config) *schedule.Service {
	planner := schedule.NewPlanner(cfg.Location())
	return schedule.NewService(
		schedule.NewStore(database),
		schedule.NewExecutionStore(database),
		planner,
		job.DefaultRegistry(),
		logger.Logger,
	)
}

// buildScheduleRequest assembles the creation payload from the timetable
// flags. Exactly one of --cron, --at, --schedule-config must be given.
func buildScheduleRequest(cmd *cobra.Command) (schedule.CreateScheduleRequest, error) {
	var req schedule.CreateScheduleRequest

	name, _ := cmd.Flags().GetString("name")
	if name == "" {
		return req, errors.Wrap(errors.ErrInvalidRequest, "--name is required")
	}
	jobFile, _ := cmd.Flags().GetString("job-file")
	if jobFile == "" {
		return req, errors.Wrap(errors.ErrInvalidRequest, "--job-file is required")
	}

	var jobConfig []byte
	var err error
	if jobFile == "-" {
		jobConfig, err = io.ReadAll(os.Stdin)
	} else {
		jobConfig, err = os.ReadFile(jobFile)
	}
	if err != nil {
		return req, errors.Wrapf(err, "failed to read job payload from %s", jobFile)
	}
	var jobReq job.CreateRequest
	if err := json.Unmarshal(jobConfig, &jobReq); err != nil {
		return req, errors.Wrapf(err, "failed to parse job payload from %s", jobFile)
	}

	cronExpr, _ := cmd.Flags().GetString("cron")
	at, _ := cmd.Flags().GetString("at")
	rawConfig, _ := cmd.Flags().GetString("schedule-config")
	schedType, _ := cmd.Flags().GetString("type")
	description, _ := cmd.Flags().GetString("description")

	given := 0
	for _, v := range []string{cronExpr, at, rawConfig} {
		if v != "" {
			given++
		}
	}
	if given != 1 {
		return req, errors.Wrap(errors.ErrInvalidRequest, "exactly one of --cron, --at, --schedule-config is required")
	}

	var schedConfig json.RawMessage
	switch {
	case cronExpr != "":
		schedType = string(schedule.TypeCron)
		schedConfig, _ = json.Marshal(schedule.CronConfig{Expression: cronExpr})
	case at != "":
		instant, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return req, errors.Wrapf(errors.ErrInvalidRequest, "invalid --at instant %q (want RFC3339)", at)
		}
		schedType = string(schedule.TypeOnce)
		schedConfig, _ = json.Marshal(schedule.OnceConfig{ExecutionTime: instant})
	default:
		if schedType == "" {
			return req, errors.Wrap(errors.ErrInvalidRequest, "--schedule-config needs --type")
		}
		if !json.Valid([]byte(rawConfig)) {
			return req, errors.Wrap(errors.ErrInvalidRequest, "--schedule-config is not valid JSON")
		}
		schedConfig = json.RawMessage(rawConfig)
	}

	return schedule.CreateScheduleRequest{
		Name:           name,
		Description:    description,
		JobConfig:      jobConfig,
		ScheduleType:   schedType,
		ScheduleConfig: schedConfig,
	}, nil
}

func runScheduleAdd(cmd *cobra.Command) error {
	req, err := buildScheduleRequest(cmd)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	svc := buildScheduleService(database, cfg)
	sj, err := svc.CreateScheduledJob(context.Background(), req)
	if err != nil {
		return err
	}

	pterm.Success.Printf("Schedule %s created\n", sj.ID)
	if sj.NextExecutionAt != nil {
		pterm.Printf("  Next firing: %s\n", sj.NextExecutionAt.Local().Format("2006-01-02 15:04:05 MST"))
	}
	return nil
}

func runScheduleList(statusFilter string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	var filter *schedule.Status
	if statusFilter != "" {
		if !schedule.IsValidStatus(statusFilter) {
			return errors.Newf("unknown schedule status %q", statusFilter)
		}
		s := schedule.Status(statusFilter)
		filter = &s
	}

	svc := buildScheduleService(database, cfg)
	schedules, err := svc.ListScheduledJobs(context.Background(), filter)
	if err != nil {
		return err
	}

	if len(schedules) == 0 {
		fmt.Println("No schedules found")
		return nil
	}

	fmt.Printf("%-36s %-20s %-6s %-9s %-19s %s\n", "SCHEDULE ID", "NAME", "TYPE", "STATUS", "NEXT FIRING", "RUNS")
	fmt.Printf("%-36s %-20s %-6s %-9s %-19s %s\n", "-----------", "----", "----", "------", "-----------", "----")
	for _, sj := range schedules {
		next := "-"
		if sj.NextExecutionAt != nil {
			next = sj.NextExecutionAt.Local().Format("2006-01-02 15:04:05")
		}
		runs := fmt.Sprintf("%d", sj.ExecutionCount)
		if sj.FailureCount > 0 {
			runs += fmt.Sprintf(" (%d failed)", sj.FailureCount)
		}
		fmt.Printf("%-36s %-20s %-6s %-9s %-19s %s\n",
			sj.ID, truncate(sj.Name, 20), sj.ScheduleType, sj.Status, next, runs)
	}
	fmt.Printf("\nTotal: %d schedule(s)\n", len(schedules))
	return nil
}

func runScheduleGet(id string, asJSON bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	svc := buildScheduleService(database, cfg)
	ctx := context.Background()
	sj, err := svc.GetScheduledJob(ctx, id)
	if err != nil {
		return err
	}

	if asJSON {
		data, err := json.MarshalIndent(sj, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to encode schedule")
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("Schedule: %s\n", sj.ID)
	fmt.Printf("  Name: %s\n", sj.Name)
	if sj.Description != "" {
		fmt.Printf("  Description: %s\n", sj.Description)
	}
	fmt.Printf("  Type: %s\n", sj.ScheduleType)
	fmt.Printf("  Status: %s\n", sj.Status)
	fmt.Printf("  Config: %s\n", string(sj.ScheduleConfig))
	if sj.NextExecutionAt != nil {
		fmt.Printf("  Next firing: %s\n", sj.NextExecutionAt.Local().Format("2006-01-02 15:04:05 MST"))
	}
	if sj.LastExecutedAt != nil {
		fmt.Printf("  Last fired: %s\n", sj.LastExecutedAt.Local().Format("2006-01-02 15:04:05 MST"))
	}
	fmt.Printf("  Firings: %d total, %d failed\n", sj.ExecutionCount, sj.FailureCount)
	fmt.Printf("  Created: %s\n", sj.CreatedAt.Local().Format("2006-01-02 15:04:05"))

	executions, err := svc.ListExecutions(ctx, id, 5)
	if err != nil {
		return err
	}
	if len(executions) > 0 {
		fmt.Println("\n  Recent firings:")
		for _, ex := range executions {
			line := fmt.Sprintf("    %s  %s", ex.StartedAt.Local().Format("2006-01-02 15:04:05"), ex.Status)
			if ex.JobID != nil {
				line += fmt.Sprintf("  job %s", *ex.JobID)
			}
			if ex.ErrorMessage != "" {
				line += fmt.Sprintf("  (%s)", ex.ErrorMessage)
			}
			fmt.Println(line)
		}
	}
	return nil
}

func runScheduleSetStatus(id string, status schedule.Status) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	svc := buildScheduleService(database, cfg)
	sj, err := svc.UpdateScheduledJobStatus(context.Background(), id, status)
	if err != nil {
		return err
	}

	switch status {
	case schedule.StatusActive:
		pterm.Success.Printf("Schedule %s resumed\n", sj.ID)
		if sj.NextExecutionAt != nil {
			pterm.Printf("  Next firing: %s\n", sj.NextExecutionAt.Local().Format("2006-01-02 15:04:05 MST"))
		}
	case schedule.StatusPaused:
		pterm.Success.Printf("Schedule %s paused\n", sj.ID)
	case schedule.StatusCanceled:
		pterm.Success.Printf("Schedule %s cancelled\n", sj.ID)
	default:
		pterm.Success.Printf("Schedule %s is now %s\n", sj.ID, sj.Status)
	}
	return nil
}

func runScheduleDelete(id string, force bool) error {
	if !force {
		pterm.Warning.Println("Deleting a schedule removes its execution history. Re-run with --force, or use 'legion schedule cancel' to keep the audit trail.")
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	svc := buildScheduleService(database, cfg)
	if err := svc.DeleteScheduledJob(context.Background(), id); err != nil {
		return err
	}
	pterm.Success.Printf("Schedule %s deleted\n", id)
	return nil
}

func runScheduleExecutions(id string, limit int) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	svc := buildScheduleService(database, cfg)
	ctx := context.Background()
	if _, err := svc.GetScheduledJob(ctx, id); err != nil {
		return err
	}
	executions, err := svc.ListExecutions(ctx, id, limit)
	if err != nil {
		return err
	}

	if len(executions) == 0 {
		fmt.Println("No firings recorded")
		return nil
	}

	fmt.Printf("%-19s %-10s %-36s %s\n", "STARTED", "STATUS", "JOB ID", "ERROR")
	fmt.Printf("%-19s %-10s %-36s %s\n", "-------", "------", "------", "-----")
	for _, ex := range executions {
		jobID := "-"
		if ex.JobID != nil {
			jobID = *ex.JobID
		}
		fmt.Printf("%-19s %-10s %-36s %s\n",
			ex.StartedAt.Local().Format("2006-01-02 15:04:05"),
			ex.Status,
			jobID,
			ex.ErrorMessage)
	}
	fmt.Printf("\nTotal: %d firing(s)\n", len(executions))
	return nil
}
