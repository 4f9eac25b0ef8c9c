package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/varenq/legion/config"
	"github.com/varenq/legion/engine/job"
	"github.com/varenq/legion/errors"
)

// JobCmd groups job operations.
var JobCmd = &cobra.Command{
	Use:   "job",
	Short: "Submit and inspect jobs",
	Long: `Submit and inspect jobs.

A job is an ordered list of steps, each fanning an action out over a set of
accounts. Jobs run inside the submitting process; 'legion job run' waits for
the terminal state and prints per-step results.

Examples:
  legion job run --file raid.json              # Multi-step job from a file
  legion job run --action spy --accounts 1,2   # Quick single-step job
  legion job list --status RUNNING             # Currently running jobs
  legion job get 6b9f... --steps               # Full detail for one job
  legion job cancel 6b9f... --reason "typo"    # Cancel a non-terminal job`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Submit a job and wait for it to finish",
	Long: `Submit a job and wait for its terminal state.

The job definition comes from --file (a JSON creation payload, '-' for
stdin) or from the single-step flags. Ctrl+C cancels the job and waits for
the cancellation to land.

File payload shape:
  {
    "name": "weekend raid",
    "parallel_execution": false,
    "steps": [
      {"action_type": "attack", "group_ids": [2], "parameters": {"target_id": "warlord-1", "turns": 3}, "max_retries": 2},
      {"action_type": "delay", "parameters": {"duration_seconds": 30}},
      {"action_type": "spy", "account_ids": [7, 9], "parameters": {"target_id": "warlord-1"}}
    ]
  }

Examples:
  legion job run --file raid.json
  legion job run --file - < raid.json
  legion job run --name "probe" --action spy --accounts 4,8 --params '{"target_id": "warlord-1"}'
  legion job run --file raid.json --dry-run   # Simulator, whatever config says`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobRun(cmd)
	},
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	Long: `List jobs, newest first, optionally filtered by status.

Status filters: PENDING, RUNNING, COMPLETED, FAILED, CANCELLED

Examples:
  legion job list
  legion job list --status FAILED
  legion job list --page 2 --per-page 50`,
	RunE: func(cmd *cobra.Command, args []string) error {
		statusFilter, _ := cmd.Flags().GetString("status")
		page, _ := cmd.Flags().GetInt("page")
		perPage, _ := cmd.Flags().GetInt("per-page")
		return runJobList(statusFilter, page, perPage)
	},
}

var jobGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		withSteps, _ := cmd.Flags().GetBool("steps")
		asJSON, _ := cmd.Flags().GetBool("json-output")
		return runJobGet(args[0], withSteps, asJSON)
	},
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a non-terminal job",
	Long: `Cancel a job that has not reached a terminal state.

The job and all its pending or running steps flip to CANCELLED. Work already
in flight in a daemon process stops at its next checkpoint.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		return runJobCancel(args[0], reason)
	},
}

var jobProgressCmd = &cobra.Command{
	Use:   "progress <job-id>",
	Short: "Show a job's step counters",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobProgress(args[0])
	},
}

func init() {
	jobRunCmd.Flags().String("file", "", "Job creation payload as JSON ('-' for stdin)")
	jobRunCmd.Flags().String("name", "", "Job name (single-step mode)")
	jobRunCmd.Flags().String("action", "", "Action type (single-step mode)")
	jobRunCmd.Flags().String("accounts", "", "Comma-separated account ids (single-step mode)")
	jobRunCmd.Flags().String("groups", "", "Comma-separated group ids (single-step mode)")
	jobRunCmd.Flags().String("params", "", "Action parameters as JSON (single-step mode)")
	jobRunCmd.Flags().Int("retries", 0, "Max retries per account invocation (single-step mode)")
	jobRunCmd.Flags().Bool("parallel", false, "Run steps in parallel instead of in order")
	jobRunCmd.Flags().Bool("dry-run", false, "Use the in-process simulator instead of the configured executor")

	jobListCmd.Flags().String("status", "", "Filter by status (PENDING, RUNNING, COMPLETED, FAILED, CANCELLED)")
	jobListCmd.Flags().Int("page", 1, "Page number")
	jobListCmd.Flags().Int("per-page", 20, "Jobs per page")

	jobGetCmd.Flags().Bool("steps", false, "Include per-step detail")
	jobGetCmd.Flags().Bool("json-output", false, "Dump the job as JSON")

	jobCancelCmd.Flags().String("reason", "cancelled from terminal", "Reason recorded on the job")

	JobCmd.AddCommand(jobRunCmd)
	JobCmd.AddCommand(jobListCmd)
	JobCmd.AddCommand(jobGetCmd)
	JobCmd.AddCommand(jobCancelCmd)
	JobCmd.AddCommand(jobProgressCmd)
}

// buildCreateRequest assembles the job payload from --file or the
// single-step flags. The two modes are mutually exclusive.
func buildCreateRequest(cmd *cobra.Command) (job.CreateRequest, error) {
	var req job.CreateRequest

	file, _ := cmd.Flags().GetString("file")
	action, _ := cmd.Flags().GetString("action")

	if file != "" && action != "" {
		return req, errors.Wrap(errors.ErrInvalidRequest, "--file and --action are mutually exclusive")
	}

	if file != "" {
		var data []byte
		var err error
		if file == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(file)
		}
		if err != nil {
			return req, errors.Wrapf(err, "failed to read job payload from %s", file)
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return req, errors.Wrapf(err, "failed to parse job payload from %s", file)
		}
		if parallel, _ := cmd.Flags().GetBool("parallel"); parallel {
			req.ParallelExecution = true
		}
		return req, nil
	}

	if action == "" {
		return req, errors.Wrap(errors.ErrInvalidRequest, "either --file or --action is required")
	}

	accounts, _ := cmd.Flags().GetString("accounts")
	groups, _ := cmd.Flags().GetString("groups")
	params, _ := cmd.Flags().GetString("params")
	retries, _ := cmd.Flags().GetInt("retries")
	name, _ := cmd.Flags().GetString("name")
	parallel, _ := cmd.Flags().GetBool("parallel")

	accountIDs, err := parseIDList(accounts)
	if err != nil {
		return req, errors.Wrap(err, "bad --accounts")
	}
	groupIDs, err := parseIDList(groups)
	if err != nil {
		return req, errors.Wrap(err, "bad --groups")
	}

	if name == "" {
		name = action
	}
	step := job.StepDefinition{
		ActionType: action,
		AccountIDs: accountIDs,
		GroupIDs:   groupIDs,
		MaxRetries: retries,
	}
	if params != "" {
		if !json.Valid([]byte(params)) {
			return req, errors.Wrap(errors.ErrInvalidRequest, "--params is not valid JSON")
		}
		step.Parameters = json.RawMessage(params)
	}

	return job.CreateRequest{
		Name:              name,
		Steps:             []job.StepDefinition{step},
		ParallelExecution: parallel,
	}, nil
}

func runJobRun(cmd *cobra.Command) error {
	req, err := buildCreateRequest(cmd)
	if err != nil {
		return err
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")

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

	j, err := stack.jobs.CreateJob(ctx, req)
	if err != nil {
		return err
	}
	if dryRun {
		pterm.Warning.Println("DRY RUN: outcomes are simulated")
	}
	pterm.Info.Printf("Job %s created (%d steps)\n", j.ID, j.TotalSteps)

	if err := waitForJob(ctx, stack, j.ID); err != nil {
		return err
	}

	final, err := stack.jobs.GetJob(ctx, j.ID, true)
	if err != nil {
		return err
	}
	renderJobResult(final)
	if final.Status != job.StatusCompleted {
		return errors.Newf("job finished %s", final.Status)
	}
	return nil
}

// waitForJob blocks until the job's run loop exits, showing live progress.
// Ctrl+C requests cancellation and keeps waiting for it to land.
func waitForJob(ctx context.Context, stack *engineStack, jobID string) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	done := make(chan error, 1)
	go func() { done <- stack.jobs.WaitForJob(ctx, jobID) }()

	spinner, _ := pterm.DefaultSpinner.Start("Running...")
	ticker := time.NewTicker(300 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			spinner.Stop()
			return err
		case <-sigChan:
			spinner.UpdateText("Cancelling...")
			if err := stack.jobs.CancelJob(ctx, jobID, "interrupted from terminal"); err != nil {
				// Terminal already; the wait resolves on its own.
				spinner.UpdateText("Finishing...")
			}
		case <-ticker.C:
			if jp, err := stack.jobs.JobProgress(ctx, jobID); err == nil {
				spinner.UpdateText(fmt.Sprintf("Running... %d/%d steps done, %d failed",
					jp.Completed+jp.Failed, jp.Total, jp.Failed))
			}
		}
	}
}

// renderJobResult prints the terminal state of a job with per-step detail.
func renderJobResult(j *job.Job) {
	pterm.Println()
	switch j.Status {
	case job.StatusCompleted:
		pterm.Success.Printf("Job %s completed: %d/%d steps\n", j.ID, j.CompletedSteps, j.TotalSteps)
	case job.StatusCancelled:
		pterm.Warning.Printf("Job %s cancelled: %s\n", j.ID, j.ErrorMessage)
	default:
		pterm.Error.Printf("Job %s %s: %s\n", j.ID, strings.ToLower(string(j.Status)), j.ErrorMessage)
	}

	for _, st := range j.Steps {
		marker := pterm.Green("✓")
		switch st.Status {
		case job.StatusFailed:
			marker = pterm.Red("✗")
		case job.StatusCancelled:
			marker = pterm.Yellow("−")
		case job.StatusPending, job.StatusRunning:
			marker = pterm.Gray("…")
		}
		pterm.Printf("  %s step %d %s", marker, st.StepOrder, st.ActionType)
		if st.TotalAccounts > 0 {
			pterm.Printf(": %d/%d accounts ok", st.SuccessfulAccounts, st.TotalAccounts)
		}
		if st.ErrorMessage != "" {
			pterm.Printf(" (%s)", st.ErrorMessage)
		}
		pterm.Println()

		res, err := job.DecodeStepResult(st.Result)
		if err != nil || res == nil {
			continue
		}
		if len(res.Summary) > 0 {
			pterm.Printf("      %s\n", formatSummary(res.Summary))
		}
		for _, ae := range res.Errors {
			pterm.Printf("      %s: %s\n", pterm.Red(ae.Account), strings.Join(ae.Errors, "; "))
		}
	}
}

// formatSummary renders an action summary map as stable "k=v" pairs.
func formatSummary(summary map[string]any) string {
	keys := make([]string, 0, len(summary))
	for k := range summary {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, summary[k]))
	}
	return strings.Join(parts, "  ")
}

func runJobList(statusFilter string, page, perPage int) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := job.NewStore(database)

	var filter *job.Status
	if statusFilter != "" {
		upper := strings.ToUpper(statusFilter)
		if !job.IsValidStatus(upper) {
			return errors.Newf("unknown status %q", statusFilter)
		}
		s := job.Status(upper)
		filter = &s
	}

	pageData, err := store.ListJobs(context.Background(), filter, page, perPage, false)
	if err != nil {
		return err
	}

	if len(pageData.Jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	fmt.Printf("%-36s %-10s %-25s %-12s %s\n", "JOB ID", "STATUS", "NAME", "STEPS", "CREATED")
	fmt.Printf("%-36s %-10s %-25s %-12s %s\n", "------", "------", "----", "-----", "-------")
	for _, j := range pageData.Jobs {
		steps := fmt.Sprintf("%d/%d", j.CompletedSteps, j.TotalSteps)
		if j.FailedSteps > 0 {
			steps += fmt.Sprintf(" (%d failed)", j.FailedSteps)
		}
		fmt.Printf("%-36s %-10s %-25s %-12s %s\n",
			j.ID,
			j.Status,
			truncate(j.Name, 25),
			steps,
			j.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	fmt.Printf("\nPage %d/%d, %d job(s) total\n", pageData.Page, pageData.TotalPages, pageData.Total)
	return nil
}

func runJobGet(jobID string, withSteps, asJSON bool) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := job.NewStore(database)
	j, err := store.GetJob(context.Background(), jobID, withSteps || asJSON)
	if err != nil {
		return err
	}

	if asJSON {
		data, err := json.MarshalIndent(j, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to encode job")
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("Job: %s\n", j.ID)
	fmt.Printf("  Name: %s\n", j.Name)
	if j.Description != "" {
		fmt.Printf("  Description: %s\n", j.Description)
	}
	fmt.Printf("  Status: %s\n", j.Status)
	fmt.Printf("  Mode: %s\n", executionMode(j.ParallelExecution))
	fmt.Printf("  Steps: %d total, %d completed, %d failed\n", j.TotalSteps, j.CompletedSteps, j.FailedSteps)
	if j.ScheduledJobID != "" {
		fmt.Printf("  Schedule: %s\n", j.ScheduledJobID)
	}
	if j.ErrorMessage != "" {
		fmt.Printf("  Error: %s\n", j.ErrorMessage)
	}
	fmt.Printf("  Created: %s\n", j.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	if j.StartedAt != nil {
		fmt.Printf("  Started: %s\n", j.StartedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if j.CompletedAt != nil {
		fmt.Printf("  Completed: %s\n", j.CompletedAt.Local().Format("2006-01-02 15:04:05"))
	}

	if withSteps {
		fmt.Println()
		for _, st := range j.Steps {
			fmt.Printf("  [%d] %s  %s", st.StepOrder, st.ActionType, st.Status)
			if st.IsAsync {
				fmt.Printf("  (async)")
			}
			fmt.Println()
			if st.TotalAccounts > 0 {
				fmt.Printf("      accounts: %d processed / %d total, %d ok, %d failed\n",
					st.ProcessedAccounts, st.TotalAccounts, st.SuccessfulAccounts, st.FailedAccounts)
			}
			if st.ErrorMessage != "" {
				fmt.Printf("      error: %s\n", st.ErrorMessage)
			}
		}
	}
	return nil
}

func runJobCancel(jobID, reason string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	// Cancellation never executes actions, so the simulator always serves.
	stack, err := buildEngine(database, cfg, true)
	if err != nil {
		return err
	}

	if err := stack.jobs.CancelJob(context.Background(), jobID, reason); err != nil {
		return err
	}
	pterm.Success.Printf("Job %s cancelled\n", jobID)
	return nil
}

func runJobProgress(jobID string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	stack, err := buildEngine(database, cfg, true)
	if err != nil {
		return err
	}

	ctx := context.Background()
	jp, err := stack.jobs.JobProgress(ctx, jobID)
	if err != nil {
		return err
	}
	fmt.Printf("Job %s: %d/%d steps done, %d failed\n", jobID, jp.Completed+jp.Failed, jp.Total, jp.Failed)

	j, err := stack.jobs.GetJob(ctx, jobID, true)
	if err != nil {
		return err
	}
	for _, st := range j.Steps {
		if st.TotalAccounts == 0 {
			fmt.Printf("  [%d] %s  %s\n", st.StepOrder, st.ActionType, st.Status)
			continue
		}
		sp, err := stack.jobs.StepProgress(ctx, st.ID)
		if err != nil {
			return err
		}
		fmt.Printf("  [%d] %s  %s  %d/%d accounts (%d ok, %d failed)\n",
			st.StepOrder, st.ActionType, st.Status, sp.Processed, sp.Total, sp.Successful, sp.Failed)
	}
	return nil
}

// parseIDList parses "1,2,3" into int64 ids. Empty input is an empty list.
func parseIDList(s string) ([]int64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, errors.Newf("%q is not a numeric id", strings.TrimSpace(p))
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func executionMode(parallel bool) string {
	if parallel {
		return "parallel"
	}
	return "sequential"
}

// truncate shortens a string to maxLen characters for table cells.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
