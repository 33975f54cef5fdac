package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/balena-io-experimental/nl80211scan/internal/db"
	"github.com/balena-io-experimental/nl80211scan/internal/metrics"
)

// NetworkHandler handles aggregated network endpoints.
type NetworkHandler struct {
	stations *db.StationRepository
	logger   *slog.Logger
	metrics  *metrics.PrometheusMetrics
}

// NewNetworkHandler creates a new network handler.
func NewNetworkHandler(database *db.DB, logger *slog.Logger, pm *metrics.PrometheusMetrics) *NetworkHandler {
	h := &NetworkHandler{
		logger:  logger.With("handler", "networks"),
		metrics: pm,
	}
	if database != nil {
		h.stations = db.NewStationRepository(database)
	}
	return h
}

// ListNetworks handles GET /api/v1/networks - networks aggregated per
// SSID across all completed scan runs.
func (h *NetworkHandler) ListNetworks(w http.ResponseWriter, r *http.Request) {
	if h.stations == nil {
		writeError(w, r, http.StatusServiceUnavailable, fmt.Errorf("network history requires a database"))
		return
	}

	networks, err := h.stations.GetNetworkSummary(r.Context())
	if err != nil {
		handleDatabaseError(w, r, err, "list", "networks", h.logger)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"networks":  networks,
		"timestamp": time.Now().UTC(),
	})
}
