// Package daemon provides the background service for nl80211scan. It
// owns the process lifecycle: PID file, signal handling, privilege
// dropping, and the wiring of the netlink client, database, scheduler
// and API server.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/balena-io-experimental/nl80211scan/internal/api"
	"github.com/balena-io-experimental/nl80211scan/internal/config"
	"github.com/balena-io-experimental/nl80211scan/internal/db"
	"github.com/balena-io-experimental/nl80211scan/internal/logging"
	"github.com/balena-io-experimental/nl80211scan/internal/metrics"
	"github.com/balena-io-experimental/nl80211scan/internal/nl80211"
	"github.com/balena-io-experimental/nl80211scan/internal/scheduler"
)

const (
	healthCheckInterval = 10 * time.Second

	defaultShutdownTimeout = 30 * time.Second
)

// File permission constants.
const (
	DefaultDirPermissions  = 0o750
	DefaultFilePermissions = 0o600
)

// Daemon represents the main daemon process.
type Daemon struct {
	config    *config.Config
	client    *nl80211.Client
	database  *db.DB
	scheduler *scheduler.Scheduler
	apiServer *api.Server
	pidFile   string
	logger    *logging.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	debugMode bool
	mu        sync.RWMutex
}

// New creates a new daemon instance.
func New(cfg *config.Config) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		config:  cfg,
		pidFile: cfg.Daemon.PIDFile,
		logger:  logging.Default().WithComponent("daemon"),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Start brings up all components and blocks in the main loop until a
// shutdown signal arrives.
func (d *Daemon) Start() error {
	d.logger.InfoDaemon("starting nl80211scan daemon")

	if err := d.config.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	if err := d.initLogging(); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	if d.config.Daemon.WorkDir != "" {
		if err := os.MkdirAll(d.config.Daemon.WorkDir, DefaultDirPermissions); err != nil {
			return fmt.Errorf("failed to create working directory: %w", err)
		}
		if err := os.Chdir(d.config.Daemon.WorkDir); err != nil {
			return fmt.Errorf("failed to change to working directory: %w", err)
		}
	}

	if d.config.Daemon.Daemonize {
		if err := d.fork(); err != nil {
			return fmt.Errorf("failed to fork daemon: %w", err)
		}
	}

	// The netlink socket must be opened before privileges are dropped.
	if err := d.initNetlink(); err != nil {
		return fmt.Errorf("failed to initialize netlink client: %w", err)
	}

	if err := d.dropPrivileges(); err != nil {
		return fmt.Errorf("failed to drop privileges: %w", err)
	}

	if err := d.createPIDFile(); err != nil {
		return fmt.Errorf("failed to create PID file: %w", err)
	}

	d.setupSignalHandlers()

	if err := d.initDatabase(); err != nil {
		d.cleanup()
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := d.initScheduler(); err != nil {
		d.cleanup()
		return fmt.Errorf("failed to initialize scheduler: %w", err)
	}

	if err := d.initAPIServer(); err != nil {
		d.cleanup()
		return fmt.Errorf("failed to initialize API server: %w", err)
	}

	d.logger.InfoDaemon("daemon started")
	return d.run()
}

// Stop stops the daemon gracefully.
func (d *Daemon) Stop() error {
	d.logger.InfoDaemon("stopping daemon")

	d.cancel()

	timeout := d.config.Daemon.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}

	select {
	case <-d.done:
		d.logger.InfoDaemon("daemon stopped")
	case <-time.After(timeout):
		d.logger.Warn("shutdown timeout reached, forcing exit")
	}

	d.cleanup()
	return nil
}

// initLogging rebuilds the default logger from the daemon's logging
// configuration.
func (d *Daemon) initLogging() error {
	logger, err := logging.New(logging.Config{
		Level:  logging.LogLevel(d.config.Logging.Level),
		Format: logging.LogFormat(d.config.Logging.Format),
		Output: d.config.Logging.Output,
	})
	if err != nil {
		return err
	}

	logging.SetDefault(logger)
	d.logger = logger.WithComponent("daemon")
	return nil
}

// fork creates a background process.
func (d *Daemon) fork() error {
	if os.Getppid() == 1 {
		return nil // Already a daemon
	}

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	// Exclude the daemonize flag to prevent infinite forking.
	args := []string{executable}
	for _, arg := range os.Args[1:] {
		if arg != "--daemonize" && arg != "-d" {
			args = append(args, arg)
		}
	}

	procAttr := &os.ProcAttr{
		Dir:   d.config.Daemon.WorkDir,
		Env:   os.Environ(),
		Files: []*os.File{nil, nil, nil}, // Detach from terminal
	}

	process, err := os.StartProcess(executable, args, procAttr)
	if err != nil {
		return fmt.Errorf("failed to start daemon process: %w", err)
	}

	d.logger.InfoDaemon("daemon forked", "pid", process.Pid)

	os.Exit(0)
	return nil
}

// dropPrivileges drops root privileges if a target user or group is
// configured. The netlink socket stays open across the drop, so scans
// keep working without CAP_NET_ADMIN afterwards.
func (d *Daemon) dropPrivileges() error {
	if d.config.Daemon.User == "" && d.config.Daemon.Group == "" {
		return nil
	}

	if os.Getuid() != 0 {
		d.logger.InfoDaemon("not running as root, skipping privilege drop")
		return nil
	}

	if d.config.Daemon.Group != "" {
		grp, err := user.LookupGroup(d.config.Daemon.Group)
		if err != nil {
			return fmt.Errorf("failed to lookup group %s: %w", d.config.Daemon.Group, err)
		}
		gid, err := strconv.Atoi(grp.Gid)
		if err != nil {
			return fmt.Errorf("invalid group ID: %w", err)
		}
		if err := syscall.Setgid(gid); err != nil {
			return fmt.Errorf("failed to set GID to %d: %w", gid, err)
		}
		d.logger.InfoDaemon("changed group", "group", d.config.Daemon.Group, "gid", gid)
	}

	if d.config.Daemon.User != "" {
		usr, err := user.Lookup(d.config.Daemon.User)
		if err != nil {
			return fmt.Errorf("failed to lookup user %s: %w", d.config.Daemon.User, err)
		}
		uid, err := strconv.Atoi(usr.Uid)
		if err != nil {
			return fmt.Errorf("invalid user ID: %w", err)
		}
		if err := syscall.Setuid(uid); err != nil {
			return fmt.Errorf("failed to setuid to %d: %w", uid, err)
		}
		d.logger.InfoDaemon("changed user", "user", d.config.Daemon.User, "uid", uid)
	}

	return nil
}

// createPIDFile creates the PID file.
func (d *Daemon) createPIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	dir := filepath.Dir(d.pidFile)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}

	if err := d.checkExistingPID(); err != nil {
		return err
	}

	pid := os.Getpid()
	if err := os.WriteFile(d.pidFile, []byte(strconv.Itoa(pid)), DefaultFilePermissions); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	d.logger.InfoDaemon("created PID file", "path", d.pidFile, "pid", pid)
	return nil
}

// checkExistingPID checks for a stale or live PID file.
func (d *Daemon) checkExistingPID() error {
	if _, err := os.Stat(d.pidFile); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(d.pidFile)
	if err != nil {
		return fmt.Errorf("failed to read existing PID file: %w", err)
	}

	pid, err := strconv.Atoi(string(data))
	if err != nil {
		// Invalid PID file, remove it
		_ = os.Remove(d.pidFile)
		return nil
	}

	if d.isProcessRunning(pid) {
		return fmt.Errorf("daemon already running with PID %d", pid)
	}

	_ = os.Remove(d.pidFile)
	return nil
}

// isProcessRunning checks if a process with the given PID is running.
func (d *Daemon) isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	err = process.Signal(syscall.Signal(0))
	return err == nil
}

// setupSignalHandlers sets up signal handling for graceful shutdown
// and runtime controls.
func (d *Daemon) setupSignalHandlers() {
	sigChan := make(chan os.Signal, 1)

	signal.Notify(sigChan,
		syscall.SIGTERM,
		syscall.SIGINT,
		syscall.SIGHUP,  // reload configuration
		syscall.SIGUSR1, // dump status
		syscall.SIGUSR2, // toggle debug mode
	)

	go func() {
		for sig := range sigChan {
			d.logger.InfoDaemon("received signal", "signal", sig.String())

			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				d.logger.InfoDaemon("initiating graceful shutdown")
				d.cancel()
				return
			case syscall.SIGHUP:
				if err := d.reloadConfiguration(); err != nil {
					d.logger.WithError(err).Error("configuration reload failed")
				} else {
					d.logger.InfoDaemon("configuration reloaded")
				}
			case syscall.SIGUSR1:
				d.dumpStatus()
			case syscall.SIGUSR2:
				d.toggleDebugMode()
			}
		}
	}()
}

// initNetlink opens the generic netlink connection used by the
// scheduler and the API server.
func (d *Daemon) initNetlink() error {
	client, err := nl80211.Dial(logging.Default())
	if err != nil {
		return err
	}

	d.client = client
	d.logger.InfoDaemon("netlink client connected")
	return nil
}

// initDatabase connects and migrates the database. Persistence is
// optional: with store_results disabled the daemon runs without a
// database and the API serves live results only.
func (d *Daemon) initDatabase() error {
	if !d.config.Wifi.StoreResults {
		d.logger.InfoDaemon("result storage disabled, skipping database")
		return nil
	}

	d.logger.InfoDaemon("connecting to database")

	dbConfig := d.config.GetDatabaseConfig()
	database, err := db.ConnectAndMigrate(d.ctx, &dbConfig)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}

	d.database = database
	d.logger.InfoDaemon("database connection established")
	return nil
}

// initScheduler creates and starts the periodic scan scheduler.
func (d *Daemon) initScheduler() error {
	sched, err := scheduler.New(d.config, d.client, d.database)
	if err != nil {
		return err
	}

	if err := sched.Start(); err != nil {
		return err
	}

	d.scheduler = sched
	return nil
}

// initAPIServer initializes the API server when enabled.
func (d *Daemon) initAPIServer() error {
	if !d.config.IsAPIEnabled() {
		d.logger.InfoDaemon("API server disabled, skipping initialization")
		return nil
	}

	d.logger.InfoDaemon("initializing API server", "address", d.config.GetAPIAddress())

	apiServer, err := api.New(d.config, d.database, d.client)
	if err != nil {
		return fmt.Errorf("API server creation failed: %w", err)
	}

	d.apiServer = apiServer
	return nil
}

// run executes the main daemon loop.
func (d *Daemon) run() error {
	if d.apiServer != nil {
		go func() {
			d.logger.InfoDaemon("starting API server", "address", d.config.GetAPIAddress())
			if err := d.apiServer.Start(d.ctx); err != nil {
				d.logger.WithError(err).Error("API server error")
			}
		}()
	}

	go metrics.GetGlobalMetrics().StartPeriodicUpdates(d.ctx, healthCheckInterval)

	for {
		select {
		case <-d.ctx.Done():
			d.logger.InfoDaemon("shutdown signal received")
			close(d.done)
			return nil

		case <-time.After(healthCheckInterval):
			d.performHealthCheck()
		}
	}
}

// performHealthCheck performs periodic health checks.
func (d *Daemon) performHealthCheck() {
	if d.database != nil {
		if err := d.database.PingContext(d.ctx); err != nil {
			d.logger.WithError(err).Error("database health check failed")
			if err := d.reconnectDatabase(); err != nil {
				d.logger.WithError(err).Error("database reconnection failed")
			}
		}
	}
}

// cleanup tears down components in reverse start order.
func (d *Daemon) cleanup() {
	d.logger.InfoDaemon("performing cleanup")

	if d.apiServer != nil {
		if err := d.apiServer.Stop(); err != nil {
			d.logger.WithError(err).Error("error stopping API server")
		}
	}

	if d.scheduler != nil {
		d.scheduler.Stop()
	}

	if d.client != nil {
		if err := d.client.Close(); err != nil {
			d.logger.WithError(err).Error("error closing netlink client")
		}
	}

	if d.database != nil {
		if err := d.database.Close(); err != nil {
			d.logger.WithError(err).Error("error closing database")
		}
	}

	if d.pidFile != "" {
		if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
			d.logger.WithError(err).Error("error removing PID file")
		}
	}

	d.logger.InfoDaemon("cleanup completed")
}

// GetPID returns the daemon's PID.
func (d *Daemon) GetPID() int {
	return os.Getpid()
}

// IsRunning checks if the daemon is running.
func (d *Daemon) IsRunning() bool {
	select {
	case <-d.ctx.Done():
		return false
	default:
		return true
	}
}

// reloadConfiguration reloads the daemon configuration from file.
// Wifi scheduling changes need a restart; only API settings are
// applied live.
func (d *Daemon) reloadConfiguration() error {
	newConfig, err := config.Load("")
	if err != nil {
		return fmt.Errorf("failed to load new configuration: %w", err)
	}

	if err := newConfig.Validate(); err != nil {
		return fmt.Errorf("new configuration is invalid: %w", err)
	}

	oldConfig := d.config

	if d.hasAPIConfigChanged(oldConfig, newConfig) {
		d.restartAPIServer(newConfig)
	}

	d.config = newConfig
	return nil
}

// dumpStatus dumps the current daemon status to the log.
func (d *Daemon) dumpStatus() {
	d.mu.RLock()
	debugMode := d.debugMode
	d.mu.RUnlock()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	dbStatus := "not configured"
	if d.database != nil {
		dbStatus = "connected"
		if err := d.database.PingContext(d.ctx); err != nil {
			dbStatus = fmt.Sprintf("disconnected: %v", err)
		}
	}

	jobs := 0
	if d.scheduler != nil {
		jobs = len(d.scheduler.Jobs())
	}

	d.logger.InfoDaemon("status dump",
		"pid", os.Getpid(),
		"debug_mode", debugMode,
		"alloc_kb", m.Alloc/1024,
		"goroutines", runtime.NumGoroutine(),
		"database", dbStatus,
		"scan_jobs", jobs,
		"api_enabled", d.apiServer != nil,
		"work_dir", d.config.Daemon.WorkDir)
}

// toggleDebugMode toggles debug mode on/off.
func (d *Daemon) toggleDebugMode() {
	d.mu.Lock()
	d.debugMode = !d.debugMode
	newMode := d.debugMode
	d.mu.Unlock()

	if newMode {
		d.logger.InfoDaemon("debug mode enabled")
	} else {
		d.logger.InfoDaemon("debug mode disabled")
	}
}

// IsDebugMode returns the current debug mode state.
func (d *Daemon) IsDebugMode() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.debugMode
}

// reconnectDatabase attempts to reconnect to the database with
// exponential backoff.
func (d *Daemon) reconnectDatabase() error {
	const maxRetries = 5
	const baseDelay = 2 * time.Second
	const maxDelay = 30 * time.Second

	for attempt := 1; attempt <= maxRetries; attempt++ {
		multiplier := int64(1) << (attempt - 1)
		delay := time.Duration(int64(baseDelay) * multiplier)
		if delay > maxDelay {
			delay = maxDelay
		}

		d.logger.InfoDaemon("database reconnection attempt",
			"attempt", attempt, "max", maxRetries)

		if attempt > 1 {
			select {
			case <-d.ctx.Done():
				return fmt.Errorf("reconnection cancelled due to shutdown")
			case <-time.After(delay):
			}
		}

		if d.database != nil {
			if err := d.database.Close(); err != nil {
				d.logger.WithError(err).Warn("failed to close existing database connection")
			}
		}

		dbConfig := d.config.GetDatabaseConfig()
		database, err := db.ConnectAndMigrate(d.ctx, &dbConfig)
		if err != nil {
			d.logger.WithError(err).Warn("reconnection attempt failed", "attempt", attempt)
			if attempt == maxRetries {
				return fmt.Errorf("failed to reconnect after %d attempts: %w", maxRetries, err)
			}
			continue
		}

		d.database = database
		d.logger.InfoDaemon("database reconnection successful")
		return nil
	}

	return fmt.Errorf("all reconnection attempts failed")
}

// hasAPIConfigChanged checks if API configuration has changed.
func (d *Daemon) hasAPIConfigChanged(oldConfig, newConfig *config.Config) bool {
	return oldConfig.API.Enabled != newConfig.API.Enabled ||
		oldConfig.API.ListenAddr != newConfig.API.ListenAddr ||
		oldConfig.API.Port != newConfig.API.Port
}

// restartAPIServer stops and starts the API server with new
// configuration.
func (d *Daemon) restartAPIServer(newConfig *config.Config) {
	d.logger.InfoDaemon("API configuration changed, restarting API server")

	if d.apiServer != nil {
		if err := d.apiServer.Stop(); err != nil {
			d.logger.WithError(err).Error("failed to stop API server")
		}
	}

	if !newConfig.API.Enabled {
		d.apiServer = nil
		return
	}

	apiServer, err := api.New(newConfig, d.database, d.client)
	if err != nil {
		d.logger.WithError(err).Error("failed to create API server with new config")
		return
	}

	if err := apiServer.Start(d.ctx); err != nil {
		d.logger.WithError(err).Error("failed to start API server with new config")
		return
	}

	d.apiServer = apiServer
}

// GetContext returns the daemon's context.
func (d *Daemon) GetContext() context.Context {
	return d.ctx
}

// GetDatabase returns the database connection.
func (d *Daemon) GetDatabase() *db.DB {
	return d.database
}

// GetConfig returns the daemon configuration.
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}
