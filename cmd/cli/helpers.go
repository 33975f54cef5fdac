package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/balena-io-experimental/nl80211scan/internal/config"
	"github.com/balena-io-experimental/nl80211scan/internal/db"
)

const hoursPerDay = 24

// DatabaseOperation represents a function that operates on a database
// connection.
type DatabaseOperation func(*db.DB) error

// withDatabase executes the given operation with a database
// connection, handling setup and cleanup.
func withDatabase(operation DatabaseOperation) error {
	cfg, err := config.Load(configFilePath())
	if err != nil {
		return fmt.Errorf("error loading config: %v", err)
	}

	dbConfig := cfg.GetDatabaseConfig()
	database, err := db.Connect(context.Background(), &dbConfig)
	if err != nil {
		return fmt.Errorf("error connecting to database: %v", err)
	}

	defer func() {
		if closeErr := database.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close database connection: %v\n", closeErr)
		}
	}()

	return operation(database)
}

// withDatabaseOrExit executes the given operation with a database
// connection and exits the program if any error occurs.
func withDatabaseOrExit(operation func(*db.DB)) {
	err := withDatabase(func(database *db.DB) error {
		operation(database)
		return nil
	})

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Hour {
		return fmt.Sprintf("%.0fm", d.Minutes())
	} else if d < 24*time.Hour {
		return fmt.Sprintf("%.1fh", d.Hours())
	}
	days := int(d.Hours() / hoursPerDay)
	return fmt.Sprintf("%dd", days)
}
