package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/balena-io-experimental/nl80211scan/internal/db"
)

// dbCmd represents the db command.
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database maintenance commands",
	Long: `Manage the nl80211scan database schema: apply pending migrations,
inspect migration status, or drop and recreate everything.`,
	Example: `  nl80211scan db migrate
  nl80211scan db status
  nl80211scan db reset`,
}

// dbMigrateCmd represents the db migrate command.
var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Run:   runDBMigrate,
}

// dbStatusCmd represents the db status command.
var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied and pending migrations",
	Run:   runDBStatus,
}

// dbResetCmd represents the db reset command.
var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop all tables and reapply migrations",
	Long: `Drop every nl80211scan table, view and function, then reapply all
migrations from scratch. All stored scan data is lost.`,
	Run: runDBReset,
}

var dbResetConfirmed bool

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbStatusCmd)
	dbCmd.AddCommand(dbResetCmd)

	dbResetCmd.Flags().BoolVar(&dbResetConfirmed, "yes", false, "Skip confirmation prompt")
}

func runDBMigrate(_ *cobra.Command, _ []string) {
	withDatabaseOrExit(func(database *db.DB) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		migrator := db.NewMigrator(database.DB)
		if err := migrator.Up(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
			os.Exit(1)
		}

		fmt.Println("Migrations applied successfully")
	})
}

func runDBStatus(_ *cobra.Command, _ []string) {
	withDatabaseOrExit(func(database *db.DB) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		migrator := db.NewMigrator(database.DB)
		if err := migrator.Status(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to get migration status: %v\n", err)
			os.Exit(1)
		}
	})
}

func runDBReset(_ *cobra.Command, _ []string) {
	if !dbResetConfirmed {
		fmt.Print("This will drop all nl80211scan tables and stored scan data. Continue? [y/N]: ")
		var answer string
		if _, err := fmt.Scanln(&answer); err != nil || (answer != "y" && answer != "Y") {
			fmt.Println("Aborted")
			return
		}
	}

	withDatabaseOrExit(func(database *db.DB) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		migrator := db.NewMigrator(database.DB)
		if err := migrator.Reset(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Reset failed: %v\n", err)
			os.Exit(1)
		}

		fmt.Println("Database reset completed")
	})
}
