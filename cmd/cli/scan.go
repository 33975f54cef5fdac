package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/balena-io-experimental/nl80211scan/internal/db"
	"github.com/balena-io-experimental/nl80211scan/internal/logging"
	"github.com/balena-io-experimental/nl80211scan/internal/nl80211"
)

var (
	scanTimeout    time.Duration
	scanMinQuality uint8
	scanJSON       bool
	scanStore      bool
)

// scanCmd represents the scan command.
var scanCmd = &cobra.Command{
	Use:   "scan [interface]",
	Short: "Scan for wifi networks on an interface",
	Long: `Trigger an active wifi scan on a wireless interface and print the
networks found, sorted by signal quality.

Without an interface argument the first wireless interface found on
the system is used. Scanning requires CAP_NET_ADMIN or root.`,
	Example: `  nl80211scan scan wlan0
  nl80211scan scan wlan0 --min-quality 30
  nl80211scan scan --json
  nl80211scan scan wlan0 --store`,
	Args: cobra.MaximumNArgs(1),
	Run:  runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().DurationVar(&scanTimeout, "timeout", 30*time.Second, "Maximum time to wait for scan completion")
	scanCmd.Flags().Uint8Var(&scanMinQuality, "min-quality", 0, "Drop networks below this quality (0-100)")
	scanCmd.Flags().BoolVar(&scanJSON, "json", false, "Output results as JSON")
	scanCmd.Flags().BoolVar(&scanStore, "store", false, "Store results in the database")
}

func runScan(_ *cobra.Command, args []string) {
	client, err := nl80211.Dial(logging.Default())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to nl80211: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), scanTimeout)
	defer cancel()

	ifname, err := resolveScanInterface(ctx, client, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if verbose {
		fmt.Fprintf(os.Stderr, "Scanning %s (timeout %s)...\n", ifname, scanTimeout)
	}

	started := time.Now()
	result, err := client.Scan(ctx, ifname)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Scan failed: %v\n", err)
		os.Exit(1)
	}

	stations := filterByQuality(result.Stations, scanMinQuality)
	sort.Slice(stations, func(i, j int) bool {
		return stations[i].Quality > stations[j].Quality
	})

	if result.Aborted {
		fmt.Fprintln(os.Stderr, "Scan was aborted by the kernel, results may be empty")
	}

	if scanStore {
		storeScanResult(ifname, started, result, stations)
	}

	if scanJSON {
		displayStationsJSON(result, stations)
		return
	}

	displayStationsTable(stations)
	fmt.Printf("\n%d networks found on %s in %s\n",
		len(stations), ifname, time.Since(started).Round(time.Millisecond))
}

// resolveScanInterface picks the interface to scan: the argument when
// given, otherwise the first wireless interface on the system.
func resolveScanInterface(ctx context.Context, client *nl80211.Client, args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}

	ifis, err := client.ListInterfaces(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list wireless interfaces: %v", err)
	}
	if len(ifis) == 0 {
		return "", fmt.Errorf("no wireless interfaces found")
	}

	if verbose && len(ifis) > 1 {
		fmt.Fprintf(os.Stderr, "Multiple wireless interfaces found, using %s\n", ifis[0].Name)
	}
	return ifis[0].Name, nil
}

func filterByQuality(stations []nl80211.Station, minQuality uint8) []nl80211.Station {
	if minQuality == 0 {
		return stations
	}
	kept := make([]nl80211.Station, 0, len(stations))
	for _, st := range stations {
		if st.Quality >= minQuality {
			kept = append(kept, st)
		}
	}
	return kept
}

func displayStationsTable(stations []nl80211.Station) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("SSID", "BSSID", "Freq", "Signal", "Quality")

	for i := range stations {
		st := &stations[i]

		ssid := st.SSID
		if ssid == "" {
			ssid = "<hidden>"
		}

		bssid := ""
		if len(st.BSSID) > 0 {
			bssid = st.BSSID.String()
		}

		freq := ""
		if st.Frequency > 0 {
			freq = fmt.Sprintf("%d MHz", st.Frequency)
		}

		_ = table.Append([]string{
			ssid,
			bssid,
			freq,
			fmt.Sprintf("%.0f dBm", float64(st.SignalMBM)/100),
			fmt.Sprintf("%d%%", st.Quality),
		})
	}

	_ = table.Render()
}

func displayStationsJSON(result *nl80211.ScanResult, stations []nl80211.Station) {
	out := nl80211.ScanResult{
		Interface: result.Interface,
		Stations:  stations,
		Aborted:   result.Aborted,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&out); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding results: %v\n", err)
		os.Exit(1)
	}
}

// storeScanResult persists a one-shot scan as a completed run.
func storeScanResult(ifname string, started time.Time, result *nl80211.ScanResult, stations []nl80211.Station) {
	withDatabaseOrExit(func(database *db.DB) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		runs := db.NewScanRunRepository(database)
		run := &db.ScanRun{
			InterfaceName: ifname,
			Status:        db.ScanRunStatusRunning,
			StartedAt:     started,
		}
		if err := runs.Create(ctx, run); err != nil {
			fmt.Fprintf(os.Stderr, "Error recording scan run: %v\n", err)
			os.Exit(1)
		}

		observations := make([]*db.StationObservation, 0, len(stations))
		for i := range stations {
			st := &stations[i]
			obs := &db.StationObservation{
				ScanRunID: run.ID,
				SSID:      st.SSID,
				SignalMBM: int(st.SignalMBM),
				Quality:   int(st.Quality),
			}
			if len(st.BSSID) > 0 {
				mac := db.MACAddr{HardwareAddr: st.BSSID}
				obs.BSSID = &mac
			}
			if st.Frequency > 0 {
				freq := int(st.Frequency)
				obs.Frequency = &freq
			}
			observations = append(observations, obs)
		}

		if len(observations) > 0 {
			if err := db.NewStationRepository(database).CreateBatch(ctx, observations); err != nil {
				fmt.Fprintf(os.Stderr, "Error recording stations: %v\n", err)
				os.Exit(1)
			}
		}

		status := db.ScanRunStatusCompleted
		if result.Aborted {
			status = db.ScanRunStatusAborted
		}
		if err := runs.Complete(ctx, run.ID, status, len(observations), nil); err != nil {
			fmt.Fprintf(os.Stderr, "Error completing scan run: %v\n", err)
			os.Exit(1)
		}

		if verbose {
			fmt.Fprintf(os.Stderr, "Stored scan run %s with %d stations\n", run.ID, len(observations))
		}
	})
}
