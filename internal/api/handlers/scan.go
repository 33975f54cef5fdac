// Package handlers provides HTTP request handlers for the nl80211scan
// API. This file implements scan endpoints: triggering scans and
// retrieving stored scan runs and their results.
package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/balena-io-experimental/nl80211scan/internal/db"
	"github.com/balena-io-experimental/nl80211scan/internal/errors"
	"github.com/balena-io-experimental/nl80211scan/internal/metrics"
	"github.com/balena-io-experimental/nl80211scan/internal/nl80211"
)

// Scanner performs wireless scans. Implemented by *nl80211.Client.
type Scanner interface {
	ListInterfaces(ctx context.Context) ([]*nl80211.Interface, error)
	Scan(ctx context.Context, name string) (*nl80211.ScanResult, error)
}

// ScanHandler handles scan-related API endpoints.
type ScanHandler struct {
	scanner     Scanner
	runs        *db.ScanRunRepository
	stations    *db.StationRepository
	scanTimeout time.Duration
	minQuality  uint8
	logger      *slog.Logger
	metrics     *metrics.PrometheusMetrics
	validate    *validator.Validate
}

// ScanHandlerConfig holds the dependencies for a ScanHandler.
type ScanHandlerConfig struct {
	Scanner     Scanner
	Database    *db.DB
	ScanTimeout time.Duration
	MinQuality  uint8
	Logger      *slog.Logger
	Metrics     *metrics.PrometheusMetrics
}

// NewScanHandler creates a new scan handler. Database may be nil, in
// which case scans run without persistence and the history endpoints
// return 503.
func NewScanHandler(cfg ScanHandlerConfig) *ScanHandler {
	h := &ScanHandler{
		scanner:     cfg.Scanner,
		scanTimeout: cfg.ScanTimeout,
		minQuality:  cfg.MinQuality,
		logger:      cfg.Logger.With("handler", "scan"),
		metrics:     cfg.Metrics,
		validate:    validator.New(),
	}
	if cfg.Database != nil {
		h.runs = db.NewScanRunRepository(cfg.Database)
		h.stations = db.NewStationRepository(cfg.Database)
	}
	return h
}

// TriggerScanRequest represents a scan trigger request.
type TriggerScanRequest struct {
	Interface string `json:"interface" validate:"required,max=16"`
}

// StationResponse represents one observed station.
type StationResponse struct {
	SSID      string `json:"ssid"`
	BSSID     string `json:"bssid,omitempty"`
	Frequency uint32 `json:"frequency,omitempty"`
	SignalMBM int32  `json:"signal_mbm"`
	Quality   uint8  `json:"quality"`
}

// ScanResultResponse represents the outcome of a triggered scan.
type ScanResultResponse struct {
	RunID     string            `json:"run_id,omitempty"`
	Interface string            `json:"interface"`
	Aborted   bool              `json:"aborted"`
	Stations  []StationResponse `json:"stations"`
	Duration  string            `json:"duration"`
	Timestamp time.Time         `json:"timestamp"`
}

// TriggerScan handles POST /api/v1/scans - run a scan on an interface.
func (h *ScanHandler) TriggerScan(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestIDFromContext(r.Context())

	var req TriggerScanRequest
	if err := parseJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	if err := h.validate.Struct(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
		return
	}

	h.logger.Info("Triggering scan", "request_id", requestID, "interface", req.Interface)

	ctx := r.Context()
	if h.scanTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.scanTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := h.scanner.Scan(ctx, req.Interface)
	duration := time.Since(start)

	if err != nil {
		h.logger.Error("Scan failed",
			"request_id", requestID,
			"interface", req.Interface,
			"error", err)

		if h.metrics != nil {
			h.metrics.IncrementScanErrors(req.Interface, string(errors.GetCode(err)))
		}
		h.recordFailedRun(r.Context(), req.Interface, err)

		if errors.IsCode(err, errors.CodeInterfaceNotFound) {
			writeError(w, r, http.StatusNotFound, err)
			return
		}
		writeError(w, r, http.StatusInternalServerError, fmt.Errorf("scan failed on %s", req.Interface))
		return
	}

	stations := h.filterStations(result.Stations)
	runID := h.recordCompletedRun(r.Context(), result, stations, start)

	if h.metrics != nil {
		status := db.ScanRunStatusCompleted
		if result.Aborted {
			status = db.ScanRunStatusAborted
		}
		h.metrics.IncrementScansTotal(req.Interface, status)
		h.metrics.RecordScanDuration(req.Interface, duration)
		h.metrics.IncrementStationsObserved(req.Interface, len(stations))
		for _, st := range stations {
			h.metrics.RecordStationQuality(req.Interface, st.Quality)
		}
	}

	response := ScanResultResponse{
		RunID:     runID,
		Interface: result.Interface,
		Aborted:   result.Aborted,
		Stations:  stationsToResponse(stations),
		Duration:  duration.String(),
		Timestamp: time.Now().UTC(),
	}

	h.logger.Info("Scan completed",
		"request_id", requestID,
		"interface", req.Interface,
		"stations", len(stations),
		"aborted", result.Aborted)

	writeJSON(w, r, http.StatusOK, response)
}

// ListScanRuns handles GET /api/v1/scans - list stored scan runs.
func (h *ScanHandler) ListScanRuns(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, r, http.StatusServiceUnavailable, fmt.Errorf("scan history requires a database"))
		return
	}

	params, err := getPaginationParams(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	runs, err := h.runs.GetRecent(r.Context(), params.PageSize)
	if err != nil {
		handleDatabaseError(w, r, err, "list", "scan runs", h.logger)
		return
	}

	writePaginatedResponse(w, r, runs, params)
}

// GetScanRun handles GET /api/v1/scans/{id} - get a stored scan run.
func (h *ScanHandler) GetScanRun(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, r, http.StatusServiceUnavailable, fmt.Errorf("scan history requires a database"))
		return
	}

	id, err := extractUUIDFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	run, err := h.runs.GetByID(r.Context(), id)
	if err != nil {
		handleDatabaseError(w, r, err, "get", "scan run", h.logger)
		return
	}

	writeJSON(w, r, http.StatusOK, run)
}

// GetScanRunStations handles GET /api/v1/scans/{id}/stations - get the
// stations observed during a stored scan run.
func (h *ScanHandler) GetScanRunStations(w http.ResponseWriter, r *http.Request) {
	if h.stations == nil {
		writeError(w, r, http.StatusServiceUnavailable, fmt.Errorf("scan history requires a database"))
		return
	}

	id, err := extractUUIDFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	stations, err := h.stations.GetByScanRun(r.Context(), id)
	if err != nil {
		handleDatabaseError(w, r, err, "get", "scan run stations", h.logger)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"scan_run_id": id,
		"stations":    stations,
	})
}

// filterStations drops stations below the configured minimum quality.
func (h *ScanHandler) filterStations(stations []nl80211.Station) []nl80211.Station {
	if h.minQuality == 0 {
		return stations
	}

	kept := make([]nl80211.Station, 0, len(stations))
	for _, st := range stations {
		if st.Quality >= h.minQuality {
			kept = append(kept, st)
		}
	}
	return kept
}

// recordFailedRun stores a failed run when persistence is configured.
func (h *ScanHandler) recordFailedRun(ctx context.Context, ifname string, scanErr error) {
	if h.runs == nil {
		return
	}

	msg := scanErr.Error()
	run := &db.ScanRun{InterfaceName: ifname}
	if err := h.runs.Create(ctx, run); err != nil {
		h.logger.Error("Failed to record scan run", "interface", ifname, "error", err)
		return
	}
	if err := h.runs.Complete(ctx, run.ID, db.ScanRunStatusFailed, 0, &msg); err != nil {
		h.logger.Error("Failed to complete scan run", "run_id", run.ID, "error", err)
	}
}

// recordCompletedRun stores a finished run and its stations, returning
// the run ID or empty when persistence is not configured.
func (h *ScanHandler) recordCompletedRun(
	ctx context.Context,
	result *nl80211.ScanResult,
	stations []nl80211.Station,
	startedAt time.Time,
) string {
	if h.runs == nil {
		return ""
	}

	run := &db.ScanRun{InterfaceName: result.Interface, StartedAt: startedAt}
	if err := h.runs.Create(ctx, run); err != nil {
		h.logger.Error("Failed to record scan run", "interface", result.Interface, "error", err)
		return ""
	}

	status := db.ScanRunStatusCompleted
	if result.Aborted {
		status = db.ScanRunStatusAborted
	}

	observations := make([]*db.StationObservation, 0, len(stations))
	for i := range stations {
		observations = append(observations, stationToObservation(run, &stations[i]))
	}

	if err := h.stations.CreateBatch(ctx, observations); err != nil {
		h.logger.Error("Failed to store stations", "run_id", run.ID, "error", err)
	}

	if err := h.runs.Complete(ctx, run.ID, status, len(stations), nil); err != nil {
		h.logger.Error("Failed to complete scan run", "run_id", run.ID, "error", err)
	}

	return run.ID.String()
}

// stationToObservation converts a scan result station to its database
// representation.
func stationToObservation(run *db.ScanRun, st *nl80211.Station) *db.StationObservation {
	obs := &db.StationObservation{
		ScanRunID: run.ID,
		SSID:      st.SSID,
		SignalMBM: int(st.SignalMBM),
		Quality:   int(st.Quality),
	}
	if st.BSSID != nil {
		obs.BSSID = &db.MACAddr{HardwareAddr: st.BSSID}
	}
	if st.Frequency != 0 {
		freq := int(st.Frequency)
		obs.Frequency = &freq
	}
	return obs
}

// stationsToResponse converts stations to their API representation.
func stationsToResponse(stations []nl80211.Station) []StationResponse {
	out := make([]StationResponse, 0, len(stations))
	for _, st := range stations {
		resp := StationResponse{
			SSID:      st.SSID,
			Frequency: st.Frequency,
			SignalMBM: st.SignalMBM,
			Quality:   st.Quality,
		}
		if st.BSSID != nil {
			resp.BSSID = st.BSSID.String()
		}
		out = append(out, resp)
	}
	return out
}
