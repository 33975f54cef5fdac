package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/balena-io-experimental/nl80211scan/internal/config"
	"github.com/balena-io-experimental/nl80211scan/internal/daemon"
	"github.com/balena-io-experimental/nl80211scan/internal/db"
)

const (
	daemonStartupDelay     = 500 // milliseconds to wait for daemon startup
	daemonStopProgressStep = 5   // show progress every N seconds
	daemonStopTimeout      = 30  // seconds to wait before force kill
	statusLineLength       = 30  // characters for status separator line
)

var (
	daemonPidFile    string
	daemonBackground bool
	daemonPort       int
)

// daemonCmd represents the daemon command.
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run nl80211scan as a background daemon",
	Long: `Run nl80211scan as a background daemon that scans the configured
wireless interfaces periodically, stores observations in the database
and serves results over the REST API.`,
	Example: `  nl80211scan daemon start
  nl80211scan daemon stop
  nl80211scan daemon status
  nl80211scan daemon restart`,
}

// daemonStartCmd represents the daemon start command.
var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the nl80211scan daemon",
	Long: `Start the nl80211scan daemon. The daemon runs periodic scans and
provides API endpoints until it is stopped.`,
	Example: `  nl80211scan daemon start
  nl80211scan daemon start --background
  nl80211scan daemon start --port 8080`,
	Run: runDaemonStart,
}

// daemonStopCmd represents the daemon stop command.
var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running nl80211scan daemon",
	Long: `Stop the currently running nl80211scan daemon, shutting down the
scheduler and API server gracefully.`,
	Example: `  nl80211scan daemon stop
  nl80211scan daemon stop --pid-file /var/run/nl80211scan.pid`,
	Run: runDaemonStop,
}

// daemonStatusCmd represents the daemon status command.
var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the status of the nl80211scan daemon",
	Long: `Check whether the nl80211scan daemon is currently running and
display information about its status.`,
	Example: `  nl80211scan daemon status`,
	Run: runDaemonStatus,
}

// daemonRestartCmd represents the daemon restart command.
var daemonRestartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the nl80211scan daemon",
	Long: `Stop the currently running daemon (if any) and start a new
instance. Equivalent to 'daemon stop' followed by 'daemon start'.`,
	Example: `  nl80211scan daemon restart`,
	Run: runDaemonRestart,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	daemonCmd.AddCommand(daemonRestartCmd)

	daemonCmd.PersistentFlags().StringVar(&daemonPidFile, "pid-file", "/tmp/nl80211scan.pid", "Path to PID file")

	daemonStartCmd.Flags().BoolVar(&daemonBackground, "background", true, "Run in background (detach from terminal)")
	daemonStartCmd.Flags().IntVar(&daemonPort, "port", 8080, "Port for API server")

	daemonRestartCmd.Flags().BoolVar(&daemonBackground, "background", true, "Run in background (detach from terminal)")
	daemonRestartCmd.Flags().IntVar(&daemonPort, "port", 8080, "Port for API server")
}

func runDaemonStart(_ *cobra.Command, _ []string) {
	if isDaemonRunning() {
		fmt.Fprintf(os.Stderr, "Daemon is already running (PID file: %s)\n", daemonPidFile)
		fmt.Fprintf(os.Stderr, "Use 'nl80211scan daemon stop' to stop it first, or 'daemon restart' to restart\n")
		os.Exit(1)
	}

	cfg, err := config.Load(configFilePath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	cfg.Daemon.PIDFile = daemonPidFile
	cfg.Daemon.Daemonize = daemonBackground
	if daemonPort != 0 {
		cfg.API.Port = daemonPort
	}

	// Verify database connectivity up front when persistence is on;
	// the daemon opens its own connection later.
	if cfg.Wifi.StoreResults {
		dbConfig := cfg.GetDatabaseConfig()
		database, err := db.Connect(context.Background(), &dbConfig)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error connecting to database: %v\n", err)
			os.Exit(1)
		}
		if closeErr := database.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close database connection: %v\n", closeErr)
		}
	}

	if verbose {
		fmt.Printf("Starting daemon with configuration:\n")
		fmt.Printf("  PID file: %s\n", daemonPidFile)
		fmt.Printf("  Background: %t\n", daemonBackground)
		fmt.Printf("  API port: %d\n", cfg.API.Port)
	}

	d := daemon.New(cfg)

	fmt.Printf("Starting nl80211scan daemon...\n")
	if daemonBackground {
		fmt.Printf("Daemon will run in background (PID file: %s)\n", daemonPidFile)
	}

	if err := d.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting daemon: %v\n", err)
		os.Exit(1)
	}

	if !daemonBackground {
		fmt.Println("Daemon started successfully (running in foreground)")
	} else {
		time.Sleep(daemonStartupDelay * time.Millisecond)
		if isDaemonRunning() {
			fmt.Println("Daemon started successfully")
		} else {
			fmt.Fprintf(os.Stderr, "Daemon failed to start properly\n")
			os.Exit(1)
		}
	}
}

func runDaemonStop(_ *cobra.Command, _ []string) {
	if !isDaemonRunning() {
		fmt.Printf("Daemon is not running (no PID file found at %s)\n", daemonPidFile)
		return
	}

	pid, err := readPIDFile()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading PID file: %v\n", err)
		os.Exit(1)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error finding daemon process: %v\n", err)
		os.Exit(1)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		fmt.Fprintf(os.Stderr, "Error sending stop signal to daemon: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Stopping daemon (PID %d)...\n", pid)
	for i := 0; i < daemonStopTimeout; i++ {
		if !isDaemonRunning() {
			fmt.Println("Daemon stopped successfully")
			return
		}
		time.Sleep(1 * time.Second)
		if i%daemonStopProgressStep == (daemonStopProgressStep - 1) {
			fmt.Printf("Waiting for daemon to stop... (%d seconds)\n", i+1)
		}
	}

	fmt.Printf("Daemon did not stop gracefully, sending SIGKILL...\n")
	if err := process.Signal(syscall.SIGKILL); err != nil {
		fmt.Fprintf(os.Stderr, "Error force-killing daemon: %v\n", err)
		os.Exit(1)
	}

	time.Sleep(2 * time.Second)
	if !isDaemonRunning() {
		fmt.Println("Daemon force-stopped")
	} else {
		fmt.Fprintf(os.Stderr, "Failed to stop daemon\n")
		os.Exit(1)
	}
}

func runDaemonStatus(_ *cobra.Command, _ []string) {
	fmt.Printf("nl80211scan Daemon Status\n")
	fmt.Println(strings.Repeat("=", statusLineLength))

	if !isDaemonRunning() {
		fmt.Printf("Status: Not running\n")
		fmt.Printf("PID file: %s (not found)\n", daemonPidFile)
		return
	}

	pid, err := readPIDFile()
	if err != nil {
		fmt.Printf("Status: Unknown (error reading PID file: %v)\n", err)
		return
	}

	fmt.Printf("Status: Running\n")
	fmt.Printf("PID: %d\n", pid)
	fmt.Printf("PID file: %s\n", daemonPidFile)

	if info, err := os.Stat(daemonPidFile); err == nil {
		fmt.Printf("Started: %s\n", info.ModTime().Format("2006-01-02 15:04:05"))
		fmt.Printf("Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
	}

	fmt.Printf("\nTo stop daemon: nl80211scan daemon stop\n")
}

func runDaemonRestart(cmd *cobra.Command, args []string) {
	fmt.Println("Restarting nl80211scan daemon...")

	if isDaemonRunning() {
		fmt.Println("Stopping existing daemon...")
		runDaemonStop(cmd, args)
		time.Sleep(1 * time.Second)
	}

	fmt.Println("Starting new daemon...")
	runDaemonStart(cmd, args)
}

func isDaemonRunning() bool {
	if _, err := os.Stat(daemonPidFile); os.IsNotExist(err) {
		return false
	}

	pid, err := readPIDFile()
	if err != nil {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	err = process.Signal(syscall.Signal(0))
	return err == nil
}

func readPIDFile() (int, error) {
	// #nosec G304 - daemonPidFile is a controlled path from command line flags
	data, err := os.ReadFile(daemonPidFile)
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file: %v", err)
	}

	return pid, nil
}
