package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/balakunbot/balakun/pkg/db"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the SQLite database schema",
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Help()
		os.Exit(1)
	},
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		database, err := db.Open(ctx, dbPath())
		if err != nil {
			fail(err)
		}
		defer database.Close()

		migrations, err := db.LoadMigrations()
		if err != nil {
			fail(err)
		}
		runner := db.NewMigrationRunner(database)
		before, err := runner.CurrentVersion(ctx)
		if err != nil {
			fail(err)
		}
		if err := runner.Run(ctx, migrations); err != nil {
			fail(err)
		}
		after, err := runner.CurrentVersion(ctx)
		if err != nil {
			fail(err)
		}

		if after == before {
			fmt.Printf("database is up to date at version %d\n", after)
			return
		}
		color.New(color.FgGreen).Printf("migrated from version %d to %d\n", before, after)
	},
}

var dbRollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Rewind migration bookkeeping to a target version",
	Long: `Rollback removes migration records above the target version so the scripts
can be re-applied after a manual schema fix. It does not undo schema changes.`,
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		target, err := cmd.Flags().GetInt64("to")
		if err != nil || target < 0 {
			fmt.Fprintln(os.Stderr, "rollback requires --to with a version >= 0")
			os.Exit(1)
		}

		database, err := db.Open(ctx, dbPath())
		if err != nil {
			fail(err)
		}
		defer database.Close()

		runner := db.NewMigrationRunner(database)
		if err := runner.Rollback(ctx, target); err != nil {
			fail(err)
		}
		color.New(color.FgYellow).Printf("rolled back bookkeeping to version %d\n", target)
	},
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied and pending migrations",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		database, err := db.Open(ctx, dbPath())
		if err != nil {
			fail(err)
		}
		defer database.Close()

		migrations, err := db.LoadMigrations()
		if err != nil {
			fail(err)
		}
		runner := db.NewMigrationRunner(database)
		applied, err := runner.Applied(ctx)
		if err != nil {
			fail(err)
		}

		appliedAt := make(map[int64]int64, len(applied))
		for _, m := range applied {
			appliedAt[m.Version] = m.AppliedAt
		}

		pending := 0
		for _, m := range migrations {
			if at, ok := appliedAt[m.Version]; ok {
				color.New(color.FgGreen).Printf("applied  %3d %-30s %s\n",
					m.Version, m.Name, time.Unix(at, 0).Format(time.RFC3339))
				continue
			}
			pending++
			color.New(color.FgYellow).Printf("pending  %3d %s\n", m.Version, m.Name)
		}
		if pending > 0 {
			fmt.Printf("%d migration(s) pending\n", pending)
		}
	},
}

func init() {
	dbRollbackCmd.Flags().Int64("to", -1, "Target version to rewind to")
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbRollbackCmd)
	dbCmd.AddCommand(dbStatusCmd)
}

func dbPath() string {
	if path := viper.GetString("db_path"); path != "" {
		return path
	}
	path, err := db.DefaultDBPath()
	if err != nil {
		fail(err)
	}
	return path
}

// fail reports an operational failure. Argument errors exit 1 at their
// call sites; everything operational exits 2.
func fail(err error) {
	color.New(color.FgRed, color.Bold).Fprintln(os.Stderr, err.Error())
	os.Exit(2)
}
