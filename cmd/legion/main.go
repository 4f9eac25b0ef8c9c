package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/varenq/legion/cmd/legion/commands"
	"github.com/varenq/legion/logger"
)

var rootCmd = &cobra.Command{
	Use:   "legion",
	Short: "legion - bulk account-action orchestration engine",
	Long: `legion - bulk account-action orchestration engine.

legion automates multi-step operations (attack, sabotage, spy, recruit,
send_credits) across many accounts of a target service: jobs of ordered
steps, per-account fan-out, scheduling, cancellation, progress tracking and
per-target admission control.

Available commands:
  serve    - Run the daemon (scheduler ticker, janitor, job recovery)
  job      - Submit and inspect jobs
  schedule - Manage recurring and one-shot schedules
  account  - Manage the account registry
  group    - Manage account groups for bulk targeting
  status   - Show engine and database health
  config   - Inspect and update configuration
  db       - Database maintenance

Examples:
  legion serve                       # Run the daemon in foreground
  legion job run --file raid.json    # Submit a job and wait for it
  legion schedule list               # List schedules with next firings
  legion status                      # Engine health at a glance`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonOutput, _ := cmd.Flags().GetBool("json")
		if err := logger.Initialize(jsonOutput, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("json", false, "Structured JSON log output instead of console")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.JobCmd)
	rootCmd.AddCommand(commands.ScheduleCmd)
	rootCmd.AddCommand(commands.AccountCmd)
	rootCmd.AddCommand(commands.GroupCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
