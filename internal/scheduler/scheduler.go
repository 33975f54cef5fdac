// Package scheduler runs periodic wifi scans. It registers one cron
// job per configured interface, executes scans with a per-run timeout,
// and records the results in the database when persistence is enabled.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/balena-io-experimental/nl80211scan/internal/config"
	"github.com/balena-io-experimental/nl80211scan/internal/db"
	apperrors "github.com/balena-io-experimental/nl80211scan/internal/errors"
	"github.com/balena-io-experimental/nl80211scan/internal/logging"
	"github.com/balena-io-experimental/nl80211scan/internal/metrics"
	"github.com/balena-io-experimental/nl80211scan/internal/nl80211"
)

// Scanner is the subset of the nl80211 client the scheduler drives.
type Scanner interface {
	ListInterfaces(ctx context.Context) ([]*nl80211.Interface, error)
	Scan(ctx context.Context, name string) (*nl80211.ScanResult, error)
}

// Scheduler manages periodic scan jobs across wireless interfaces.
type Scheduler struct {
	scanner  Scanner
	database *db.DB
	cron     *cron.Cron
	jobs     map[string]*ScanJob
	mu       sync.RWMutex
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *logging.Logger
	metrics  *metrics.PrometheusMetrics

	interfaces   []string
	interval     time.Duration
	timeout      time.Duration
	storeResults bool
	minQuality   uint8
}

// ScanJob tracks the state of one interface's periodic scan.
type ScanJob struct {
	Interface  string
	CronID     cron.EntryID
	LastRun    time.Time
	NextRun    time.Time
	LastStatus string
	LastError  string
	Runs       uint64
	Failures   uint64
	Running    bool
}

// JobStatus is a point-in-time snapshot of a scan job.
type JobStatus struct {
	Interface  string    `json:"interface"`
	LastRun    time.Time `json:"last_run,omitempty"`
	NextRun    time.Time `json:"next_run,omitempty"`
	LastStatus string    `json:"last_status,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	Runs       uint64    `json:"runs"`
	Failures   uint64    `json:"failures"`
	Running    bool      `json:"running"`
}

// New creates a scheduler from the wifi section of the configuration.
// The database may be nil, in which case results are not persisted.
func New(cfg *config.Config, scanner Scanner, database *db.DB) (*Scheduler, error) {
	if scanner == nil {
		return nil, fmt.Errorf("scheduler requires a scanner")
	}
	if cfg.Wifi.ScanInterval <= 0 {
		return nil, fmt.Errorf("scan interval must be positive, got %s", cfg.Wifi.ScanInterval)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		scanner:      scanner,
		database:     database,
		cron:         cron.New(),
		jobs:         make(map[string]*ScanJob),
		ctx:          ctx,
		cancel:       cancel,
		logger:       logging.Default().WithComponent("scheduler"),
		metrics:      metrics.GetGlobalMetrics(),
		interfaces:   cfg.Wifi.Interfaces,
		interval:     cfg.Wifi.ScanInterval,
		timeout:      cfg.Wifi.ScanTimeout,
		storeResults: cfg.Wifi.StoreResults && database != nil,
		minQuality:   cfg.Wifi.MinQuality,
	}, nil
}

// Start resolves the set of interfaces to scan and begins the cron
// loop. Interfaces named in the configuration are used as-is; with an
// empty list every wireless interface found on the system is scanned.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}

	names, err := s.resolveInterfaces(s.ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve interfaces: %w", err)
	}
	if len(names) == 0 {
		return fmt.Errorf("no wireless interfaces to scan")
	}

	for _, name := range names {
		if err := s.addScanJob(name); err != nil {
			return err
		}
	}

	s.cron.Start()
	s.running = true

	s.logger.Info("scheduler started",
		"jobs", len(s.jobs),
		"interval", s.interval.String())
	return nil
}

// Stop halts the cron loop. Scans already in flight run to completion
// or to their timeout; no new scans are started.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	s.cron.Stop()
	s.cancel()
	s.running = false

	s.logger.Info("scheduler stopped")
}

// IsRunning reports whether the cron loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Jobs returns a snapshot of every scan job, sorted by registration.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]JobStatus, 0, len(s.jobs))
	for _, job := range s.jobs {
		status := JobStatus{
			Interface:  job.Interface,
			LastRun:    job.LastRun,
			LastStatus: job.LastStatus,
			LastError:  job.LastError,
			Runs:       job.Runs,
			Failures:   job.Failures,
			Running:    job.Running,
		}
		if entry := s.cron.Entry(job.CronID); entry.ID == job.CronID {
			status.NextRun = entry.Next
		}
		jobs = append(jobs, status)
	}
	return jobs
}

// ScanNow runs a scan for the named interface outside the cron
// schedule, using the same timeout and persistence path as a
// scheduled run.
func (s *Scheduler) ScanNow(name string) error {
	s.mu.RLock()
	_, known := s.jobs[name]
	s.mu.RUnlock()

	if !known {
		return fmt.Errorf("no scan job for interface %q", name)
	}

	s.executeScan(name)
	return nil
}

// cronSpec converts the scan interval into a cron schedule.
func (s *Scheduler) cronSpec() string {
	return fmt.Sprintf("@every %s", s.interval)
}

// resolveInterfaces returns the interface names to scan. Configured
// names win; otherwise every interface from an nl80211 dump is used.
// Known interfaces are recorded in the database as a side effect.
func (s *Scheduler) resolveInterfaces(ctx context.Context) ([]string, error) {
	ifis, err := s.scanner.ListInterfaces(ctx)
	if err != nil {
		return nil, err
	}

	if s.database != nil {
		s.recordInterfaces(ctx, ifis)
	}

	if len(s.interfaces) > 0 {
		names := make([]string, len(s.interfaces))
		copy(names, s.interfaces)
		return names, nil
	}

	names := make([]string, 0, len(ifis))
	for _, ifi := range ifis {
		names = append(names, ifi.Name)
	}
	return names, nil
}

// recordInterfaces upserts the enumerated interfaces. Failures are
// logged and do not block scheduling.
func (s *Scheduler) recordInterfaces(ctx context.Context, ifis []*nl80211.Interface) {
	repo := db.NewInterfaceRepository(s.database)
	for _, ifi := range ifis {
		record := &db.WirelessInterface{
			Name:       ifi.Name,
			Ifindex:    ifi.Index,
			Iftype:     ifi.Type.String(),
			Wiphy:      int(ifi.Wiphy),
			Wdev:       int64(ifi.Wdev),
			MACAddress: db.MACAddr{HardwareAddr: ifi.HardwareAddr},
		}
		if err := repo.Upsert(ctx, record); err != nil {
			s.logger.WithError(err).Warn("failed to record interface",
				"interface", ifi.Name)
		}
	}
}

// addScanJob registers the cron entry for one interface. Callers hold
// the scheduler lock.
func (s *Scheduler) addScanJob(name string) error {
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("duplicate scan job for interface %q", name)
	}

	cronID, err := s.cron.AddFunc(s.cronSpec(), func() {
		s.executeScan(name)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule interface %q: %w", name, err)
	}

	s.jobs[name] = &ScanJob{
		Interface: name,
		CronID:    cronID,
	}

	s.logger.Info("scheduled periodic scan",
		"interface", name,
		"interval", s.interval.String())
	return nil
}

// executeScan performs one scan of the named interface. A run that
// overlaps a still-active previous run is skipped rather than queued.
func (s *Scheduler) executeScan(name string) {
	job, ok := s.prepareRun(name)
	if !ok {
		return
	}
	defer s.finishRun(name)

	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	started := time.Now()
	result, err := s.scanner.Scan(ctx, name)
	duration := time.Since(started)

	if err != nil {
		s.metrics.IncrementScansTotal(name, db.ScanRunStatusFailed)
		s.metrics.IncrementScanErrors(name, string(apperrors.GetCode(err)))
		s.recordOutcome(job, db.ScanRunStatusFailed, err)
		s.recordFailedRun(name, started, err)
		s.logger.ErrorScan("scheduled scan failed", name, err,
			"duration", duration.String())
		return
	}

	status := db.ScanRunStatusCompleted
	if result.Aborted {
		status = db.ScanRunStatusAborted
	}

	stations := s.filterStations(result.Stations)

	s.metrics.IncrementScansTotal(name, status)
	s.metrics.RecordScanDuration(name, duration)
	s.metrics.IncrementStationsObserved(name, len(stations))
	for i := range stations {
		s.metrics.RecordStationQuality(name, stations[i].Quality)
	}

	s.recordOutcome(job, status, nil)
	s.recordCompletedRun(name, started, status, stations)

	s.logger.InfoScan("scheduled scan finished", name,
		"status", status,
		"stations", len(stations),
		"duration", duration.String())
}

// prepareRun marks the job as running, or reports false when the
// previous run has not finished yet.
func (s *Scheduler) prepareRun(name string) (*ScanJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[name]
	if !exists {
		return nil, false
	}
	if job.Running {
		s.logger.Warn("previous scan still running, skipping",
			"interface", name)
		return nil, false
	}

	job.Running = true
	job.LastRun = time.Now()
	job.Runs++
	s.metrics.SetActiveScans(s.activeScansLocked())
	return job, true
}

// finishRun clears the running flag for the job.
func (s *Scheduler) finishRun(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, exists := s.jobs[name]; exists {
		job.Running = false
	}
	s.metrics.SetActiveScans(s.activeScansLocked())
}

// activeScansLocked counts jobs mid-scan. Callers hold the lock.
func (s *Scheduler) activeScansLocked() int {
	active := 0
	for _, job := range s.jobs {
		if job.Running {
			active++
		}
	}
	return active
}

// recordOutcome updates the job's bookkeeping fields.
func (s *Scheduler) recordOutcome(job *ScanJob, status string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job.LastStatus = status
	if err != nil {
		job.Failures++
		job.LastError = err.Error()
	} else {
		job.LastError = ""
	}
}

// filterStations drops stations below the configured quality floor.
func (s *Scheduler) filterStations(stations []nl80211.Station) []nl80211.Station {
	if s.minQuality == 0 {
		return stations
	}
	kept := make([]nl80211.Station, 0, len(stations))
	for _, st := range stations {
		if st.Quality >= s.minQuality {
			kept = append(kept, st)
		}
	}
	return kept
}

// recordCompletedRun persists a finished run and its observations.
func (s *Scheduler) recordCompletedRun(name string, started time.Time, status string, stations []nl80211.Station) {
	if !s.storeResults {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	runs := db.NewScanRunRepository(s.database)
	run := &db.ScanRun{
		InterfaceName: name,
		Status:        db.ScanRunStatusRunning,
		StartedAt:     started,
	}
	if err := runs.Create(ctx, run); err != nil {
		s.logger.ErrorDatabase("failed to record scan run", err,
			"interface", name)
		return
	}

	observations := make([]*db.StationObservation, 0, len(stations))
	for i := range stations {
		observations = append(observations, stationObservation(run.ID, &stations[i]))
	}

	if len(observations) > 0 {
		if err := db.NewStationRepository(s.database).CreateBatch(ctx, observations); err != nil {
			s.logger.ErrorDatabase("failed to record stations", err,
				"interface", name, "run_id", run.ID.String())
		}
	}

	if err := runs.Complete(ctx, run.ID, status, len(observations), nil); err != nil {
		s.logger.ErrorDatabase("failed to complete scan run", err,
			"interface", name, "run_id", run.ID.String())
	}
}

// recordFailedRun persists a run that ended in an error.
func (s *Scheduler) recordFailedRun(name string, started time.Time, scanErr error) {
	if !s.storeResults {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	runs := db.NewScanRunRepository(s.database)
	run := &db.ScanRun{
		InterfaceName: name,
		Status:        db.ScanRunStatusRunning,
		StartedAt:     started,
	}
	if err := runs.Create(ctx, run); err != nil {
		s.logger.ErrorDatabase("failed to record failed scan run", err,
			"interface", name)
		return
	}

	msg := scanErr.Error()
	if err := runs.Complete(ctx, run.ID, db.ScanRunStatusFailed, 0, &msg); err != nil {
		s.logger.ErrorDatabase("failed to complete failed scan run", err,
			"interface", name, "run_id", run.ID.String())
	}
}

// stationObservation converts a scan result entry into its database
// row for the given run.
func stationObservation(runID uuid.UUID, st *nl80211.Station) *db.StationObservation {
	obs := &db.StationObservation{
		ScanRunID: runID,
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
	return obs
}
