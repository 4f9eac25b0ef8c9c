package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/varenq/legion/config"
	"github.com/varenq/legion/db"
	"github.com/varenq/legion/logger"
)

// DbCmd groups database maintenance operations.
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database maintenance",
	Long: `Database maintenance.

Every legion command migrates the database it opens, so these exist for
inspection and for provisioning a database ahead of first use.

Examples:
  legion db migrate                # Create or upgrade the schema
  legion db status                 # Show applied and pending migrations`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDbMigrate()
	},
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDbStatus()
	},
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatusCmd)
}

func runDbMigrate() error {
	dbPath, err := config.GetDatabasePath()
	if err != nil {
		return err
	}

	// openDatabase migrates as part of opening.
	database, err := openDatabase(dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	pterm.Success.Printf("Database %s is up to date\n", dbPath)
	return nil
}

func runDbStatus() error {
	dbPath, err := config.GetDatabasePath()
	if err != nil {
		return err
	}

	// Open without migrating so pending migrations stay visible.
	database, err := db.Open(dbPath, logger.Logger)
	if err != nil {
		return err
	}
	defer database.Close()

	migrations, err := db.Status(database)
	if err != nil {
		return err
	}

	fmt.Printf("Database: %s\n\n", dbPath)
	fmt.Printf("%-9s %-35s %s\n", "VERSION", "NAME", "APPLIED")
	fmt.Printf("%-9s %-35s %s\n", "-------", "----", "-------")
	pending := 0
	for _, m := range migrations {
		applied := "yes"
		if !m.Applied {
			applied = "no"
			pending++
		}
		fmt.Printf("%-9s %-35s %s\n", m.Version, truncate(m.Name, 35), applied)
	}
	fmt.Println()
	if pending > 0 {
		pterm.Warning.Printf("%d migration(s) pending; run 'legion db migrate'\n", pending)
	} else {
		pterm.Success.Println("Schema is up to date")
	}
	return nil
}
