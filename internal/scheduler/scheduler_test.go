package scheduler

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/balena-io-experimental/nl80211scan/internal/config"
	apperrors "github.com/balena-io-experimental/nl80211scan/internal/errors"
	"github.com/balena-io-experimental/nl80211scan/internal/nl80211"
)

// fakeScanner is a Scanner with canned responses.
type fakeScanner struct {
	mu       sync.Mutex
	ifis     []*nl80211.Interface
	listErr  error
	result   *nl80211.ScanResult
	scanErr  error
	scanned  []string
	scanWait time.Duration
}

func (f *fakeScanner) ListInterfaces(_ context.Context) ([]*nl80211.Interface, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.ifis, nil
}

func (f *fakeScanner) Scan(ctx context.Context, name string) (*nl80211.ScanResult, error) {
	f.mu.Lock()
	f.scanned = append(f.scanned, name)
	f.mu.Unlock()

	if f.scanWait > 0 {
		select {
		case <-time.After(f.scanWait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	if f.result != nil {
		return f.result, nil
	}
	return &nl80211.ScanResult{Interface: name}, nil
}

func (f *fakeScanner) scanCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.scanned)
}

func testInterfaces() []*nl80211.Interface {
	mac0, _ := net.ParseMAC("aa:bb:cc:dd:ee:00")
	mac1, _ := net.ParseMAC("aa:bb:cc:dd:ee:01")
	return []*nl80211.Interface{
		{Name: "wlan0", Index: 3, Type: nl80211.InterfaceTypeStation, Wiphy: 0, HardwareAddr: mac0},
		{Name: "wlan1", Index: 4, Type: nl80211.InterfaceTypeStation, Wiphy: 1, HardwareAddr: mac1},
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Wifi.ScanInterval = time.Hour
	cfg.Wifi.ScanTimeout = time.Second
	cfg.Wifi.StoreResults = false
	return cfg
}

func TestNewRequiresScanner(t *testing.T) {
	_, err := New(testConfig(), nil, nil)
	if err == nil {
		t.Fatal("expected error for nil scanner")
	}
}

func TestNewRejectsZeroInterval(t *testing.T) {
	cfg := testConfig()
	cfg.Wifi.ScanInterval = 0

	_, err := New(cfg, &fakeScanner{}, nil)
	if err == nil {
		t.Fatal("expected error for zero scan interval")
	}
}

func TestCronSpec(t *testing.T) {
	cfg := testConfig()
	cfg.Wifi.ScanInterval = 90 * time.Second

	s, err := New(cfg, &fakeScanner{}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	spec := s.cronSpec()
	if spec != "@every 1m30s" {
		t.Errorf("expected '@every 1m30s', got %q", spec)
	}
}

func TestStartDiscoversInterfaces(t *testing.T) {
	scanner := &fakeScanner{ifis: testInterfaces()}

	s, err := New(testConfig(), scanner, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	if !s.IsRunning() {
		t.Error("expected scheduler to report running")
	}

	jobs := s.Jobs()
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	names := map[string]bool{}
	for _, job := range jobs {
		names[job.Interface] = true
	}
	if !names["wlan0"] || !names["wlan1"] {
		t.Errorf("unexpected job set: %v", names)
	}
}

func TestStartUsesConfiguredInterfaces(t *testing.T) {
	scanner := &fakeScanner{ifis: testInterfaces()}
	cfg := testConfig()
	cfg.Wifi.Interfaces = []string{"wlan1"}

	s, err := New(cfg, scanner, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	jobs := s.Jobs()
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	if jobs[0].Interface != "wlan1" {
		t.Errorf("expected job for wlan1, got %s", jobs[0].Interface)
	}
}

func TestStartFailsWithNoInterfaces(t *testing.T) {
	s, err := New(testConfig(), &fakeScanner{}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	err = s.Start()
	if err == nil {
		t.Fatal("expected error with no interfaces")
	}
	if !strings.Contains(err.Error(), "no wireless interfaces") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestStartFailsWhenEnumerationFails(t *testing.T) {
	scanner := &fakeScanner{listErr: errors.New("netlink down")}

	s, err := New(testConfig(), scanner, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := s.Start(); err == nil {
		t.Fatal("expected error when interface enumeration fails")
	}
}

func TestStartTwiceFails(t *testing.T) {
	scanner := &fakeScanner{ifis: testInterfaces()}

	s, err := New(testConfig(), scanner, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	if err := s.Start(); err == nil {
		t.Fatal("expected error on second Start")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	scanner := &fakeScanner{ifis: testInterfaces()}

	s, err := New(testConfig(), scanner, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	s.Stop()
	s.Stop()

	if s.IsRunning() {
		t.Error("expected scheduler to report stopped")
	}
}

func TestScanNow(t *testing.T) {
	mac, _ := net.ParseMAC("02:00:00:00:00:01")
	scanner := &fakeScanner{
		ifis: testInterfaces(),
		result: &nl80211.ScanResult{
			Interface: "wlan0",
			Stations: []nl80211.Station{
				{SSID: "office", BSSID: mac, Frequency: 5180, SignalMBM: -5000, Quality: 83},
			},
		},
	}

	s, err := New(testConfig(), scanner, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	if err := s.ScanNow("wlan0"); err != nil {
		t.Fatalf("ScanNow failed: %v", err)
	}

	if scanner.scanCount() == 0 {
		t.Fatal("expected scan to have been executed")
	}

	var job JobStatus
	for _, j := range s.Jobs() {
		if j.Interface == "wlan0" {
			job = j
		}
	}
	if job.Runs != 1 {
		t.Errorf("expected 1 run, got %d", job.Runs)
	}
	if job.LastStatus != "completed" {
		t.Errorf("expected status completed, got %q", job.LastStatus)
	}
	if job.LastRun.IsZero() {
		t.Error("expected last run time to be set")
	}
}

func TestScanNowUnknownInterface(t *testing.T) {
	scanner := &fakeScanner{ifis: testInterfaces()}

	s, err := New(testConfig(), scanner, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	if err := s.ScanNow("wlan9"); err == nil {
		t.Fatal("expected error for unknown interface")
	}
}

func TestScanFailureIsRecorded(t *testing.T) {
	scanner := &fakeScanner{
		ifis:    testInterfaces(),
		scanErr: apperrors.ErrInterfaceNotFound("wlan0"),
	}

	s, err := New(testConfig(), scanner, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	if err := s.ScanNow("wlan0"); err != nil {
		t.Fatalf("ScanNow failed: %v", err)
	}

	for _, job := range s.Jobs() {
		if job.Interface != "wlan0" {
			continue
		}
		if job.Failures != 1 {
			t.Errorf("expected 1 failure, got %d", job.Failures)
		}
		if job.LastStatus != "failed" {
			t.Errorf("expected status failed, got %q", job.LastStatus)
		}
		if job.LastError == "" {
			t.Error("expected last error to be set")
		}
	}
}

func TestAbortedScanIsNotAFailure(t *testing.T) {
	scanner := &fakeScanner{
		ifis:   testInterfaces(),
		result: &nl80211.ScanResult{Interface: "wlan0", Aborted: true},
	}

	s, err := New(testConfig(), scanner, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	if err := s.ScanNow("wlan0"); err != nil {
		t.Fatalf("ScanNow failed: %v", err)
	}

	for _, job := range s.Jobs() {
		if job.Interface != "wlan0" {
			continue
		}
		if job.Failures != 0 {
			t.Errorf("expected no failures, got %d", job.Failures)
		}
		if job.LastStatus != "aborted" {
			t.Errorf("expected status aborted, got %q", job.LastStatus)
		}
	}
}

func TestOverlappingRunIsSkipped(t *testing.T) {
	scanner := &fakeScanner{
		ifis:     testInterfaces(),
		scanWait: 200 * time.Millisecond,
	}
	cfg := testConfig()
	cfg.Wifi.ScanTimeout = time.Second

	s, err := New(cfg, scanner, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.ScanNow("wlan0")
	}()

	// Wait for the first run to be marked as in progress, then fire a
	// second run which must be skipped.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		running := false
		for _, job := range s.Jobs() {
			if job.Interface == "wlan0" && job.Running {
				running = true
			}
		}
		if running {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.executeScan("wlan0")
	<-done

	if got := scanner.scanCount(); got != 1 {
		t.Errorf("expected 1 scan, got %d", got)
	}
	for _, job := range s.Jobs() {
		if job.Interface == "wlan0" && job.Runs != 1 {
			t.Errorf("expected 1 run recorded, got %d", job.Runs)
		}
	}
}

func TestScanTimeout(t *testing.T) {
	scanner := &fakeScanner{
		ifis:     testInterfaces(),
		scanWait: time.Second,
	}
	cfg := testConfig()
	cfg.Wifi.ScanTimeout = 20 * time.Millisecond

	s, err := New(cfg, scanner, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	if err := s.ScanNow("wlan0"); err != nil {
		t.Fatalf("ScanNow failed: %v", err)
	}

	for _, job := range s.Jobs() {
		if job.Interface == "wlan0" && job.Failures != 1 {
			t.Errorf("expected timeout to count as failure, got %d failures", job.Failures)
		}
	}
}

func TestFilterStations(t *testing.T) {
	stations := []nl80211.Station{
		{SSID: "strong", Quality: 90},
		{SSID: "medium", Quality: 50},
		{SSID: "weak", Quality: 10},
	}

	tests := []struct {
		name       string
		minQuality uint8
		expected   int
	}{
		{"no floor keeps all", 0, 3},
		{"floor drops weak", 40, 2},
		{"floor keeps equal", 50, 2},
		{"high floor", 95, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Wifi.MinQuality = tt.minQuality

			s, err := New(cfg, &fakeScanner{}, nil)
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}

			kept := s.filterStations(stations)
			if len(kept) != tt.expected {
				t.Errorf("expected %d stations, got %d", tt.expected, len(kept))
			}
		})
	}
}

func TestStationObservation(t *testing.T) {
	mac, _ := net.ParseMAC("02:00:00:00:00:02")
	st := &nl80211.Station{
		SSID:      "office",
		BSSID:     mac,
		Frequency: 2437,
		SignalMBM: -7000,
		Quality:   50,
	}

	runID := uuid.New()
	obs := stationObservation(runID, st)
	if obs.ScanRunID != runID {
		t.Errorf("expected run ID %s, got %s", runID, obs.ScanRunID)
	}
	if obs.SSID != "office" {
		t.Errorf("expected SSID office, got %q", obs.SSID)
	}
	if obs.BSSID == nil || obs.BSSID.String() != "02:00:00:00:00:02" {
		t.Errorf("unexpected BSSID: %v", obs.BSSID)
	}
	if obs.Frequency == nil || *obs.Frequency != 2437 {
		t.Errorf("unexpected frequency: %v", obs.Frequency)
	}
	if obs.SignalMBM != -7000 {
		t.Errorf("expected signal -7000, got %d", obs.SignalMBM)
	}
	if obs.Quality != 50 {
		t.Errorf("expected quality 50, got %d", obs.Quality)
	}
}

func TestStationObservationHiddenNetwork(t *testing.T) {
	st := &nl80211.Station{SignalMBM: -9000, Quality: 17}

	obs := stationObservation(uuid.New(), st)
	if obs.SSID != "" {
		t.Errorf("expected empty SSID, got %q", obs.SSID)
	}
	if obs.BSSID != nil {
		t.Errorf("expected nil BSSID, got %v", obs.BSSID)
	}
	if obs.Frequency != nil {
		t.Errorf("expected nil frequency, got %v", obs.Frequency)
	}
}
