package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/balena-io-experimental/nl80211scan/internal/db"
)

var (
	networksJSON bool
	runsLimit    int
	runsJSON     bool
)

// networksCmd represents the networks command.
var networksCmd = &cobra.Command{
	Use:   "networks",
	Short: "Show networks seen across stored scans",
	Long: `Show every distinct SSID observed in stored scan runs, with how
often it was seen, its best recorded quality and when it was last
observed. Requires result storage to be enabled.`,
	Example: `  nl80211scan networks
  nl80211scan networks --json`,
	Run: runNetworks,
}

// runsCmd represents the runs command.
var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent scan runs",
	Long: `List recent scan runs recorded in the database, newest first,
with their status and station counts.`,
	Example: `  nl80211scan runs
  nl80211scan runs --limit 100`,
	Run: runRuns,
}

func init() {
	rootCmd.AddCommand(networksCmd)
	rootCmd.AddCommand(runsCmd)

	networksCmd.Flags().BoolVar(&networksJSON, "json", false, "Output as JSON")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum number of runs to list")
	runsCmd.Flags().BoolVar(&runsJSON, "json", false, "Output as JSON")
}

func runNetworks(_ *cobra.Command, _ []string) {
	withDatabaseOrExit(func(database *db.DB) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		networks, err := db.NewStationRepository(database).GetNetworkSummary(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading network summary: %v\n", err)
			os.Exit(1)
		}

		if networksJSON {
			encodeJSON(networks)
			return
		}

		if len(networks) == 0 {
			fmt.Println("No networks recorded yet. Run 'nl80211scan scan --store' first.")
			return
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.Header("SSID", "Seen", "Best Quality", "Last Quality", "Last Seen")

		for _, n := range networks {
			ssid := n.SSID
			if ssid == "" {
				ssid = "<hidden>"
			}

			_ = table.Append([]string{
				ssid,
				fmt.Sprintf("%d", n.Observations),
				fmt.Sprintf("%d%%", n.BestQuality),
				fmt.Sprintf("%d%%", n.LastQuality),
				fmt.Sprintf("%s ago", formatDuration(time.Since(n.LastSeen))),
			})
		}

		_ = table.Render()
	})
}

func runRuns(_ *cobra.Command, _ []string) {
	withDatabaseOrExit(func(database *db.DB) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		runs, err := db.NewScanRunRepository(database).GetRecent(ctx, runsLimit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading scan runs: %v\n", err)
			os.Exit(1)
		}

		if runsJSON {
			encodeJSON(runs)
			return
		}

		if len(runs) == 0 {
			fmt.Println("No scan runs recorded yet.")
			return
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.Header("ID", "Interface", "Status", "Stations", "Started")

		for _, run := range runs {
			displayID := run.ID.String()
			if len(displayID) > 8 {
				displayID = displayID[:8] + "..."
			}

			_ = table.Append([]string{
				displayID,
				run.InterfaceName,
				run.Status,
				fmt.Sprintf("%d", run.StationCount),
				run.StartedAt.Format("2006-01-02 15:04:05"),
			})
		}

		_ = table.Render()
	})
}

func encodeJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding output: %v\n", err)
		os.Exit(1)
	}
}
