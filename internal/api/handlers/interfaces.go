package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/balena-io-experimental/nl80211scan/internal/db"
	"github.com/balena-io-experimental/nl80211scan/internal/metrics"
	"github.com/balena-io-experimental/nl80211scan/internal/nl80211"
)

// InterfaceHandler handles wireless interface endpoints.
type InterfaceHandler struct {
	scanner    Scanner
	interfaces *db.InterfaceRepository
	logger     *slog.Logger
	metrics    *metrics.PrometheusMetrics
}

// NewInterfaceHandler creates a new interface handler. Database may be
// nil; the known-interfaces endpoint then returns 503.
func NewInterfaceHandler(
	scanner Scanner,
	database *db.DB,
	logger *slog.Logger,
	pm *metrics.PrometheusMetrics,
) *InterfaceHandler {
	h := &InterfaceHandler{
		scanner: scanner,
		logger:  logger.With("handler", "interfaces"),
		metrics: pm,
	}
	if database != nil {
		h.interfaces = db.NewInterfaceRepository(database)
	}
	return h
}

// InterfaceResponse represents one wireless interface.
type InterfaceResponse struct {
	Name       string `json:"name"`
	Index      int    `json:"index"`
	Type       string `json:"type"`
	Wiphy      uint32 `json:"wiphy"`
	Wdev       uint64 `json:"wdev"`
	MACAddress string `json:"mac_address"`
}

// ListInterfaces handles GET /api/v1/interfaces - enumerate the
// wireless interfaces currently present on the host.
func (h *InterfaceHandler) ListInterfaces(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestIDFromContext(r.Context())

	ifis, err := h.scanner.ListInterfaces(r.Context())
	if err != nil {
		h.logger.Error("Failed to list interfaces", "request_id", requestID, "error", err)
		writeError(w, r, http.StatusInternalServerError, fmt.Errorf("failed to list interfaces"))
		return
	}

	responses := make([]InterfaceResponse, 0, len(ifis))
	for _, ifi := range ifis {
		responses = append(responses, interfaceToResponse(ifi))
	}

	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"interfaces": responses,
		"timestamp":  time.Now().UTC(),
	})
}

// ListKnownInterfaces handles GET /api/v1/interfaces/known - interfaces
// ever recorded in the database.
func (h *InterfaceHandler) ListKnownInterfaces(w http.ResponseWriter, r *http.Request) {
	if h.interfaces == nil {
		writeError(w, r, http.StatusServiceUnavailable, fmt.Errorf("interface history requires a database"))
		return
	}

	ifis, err := h.interfaces.GetAll(r.Context())
	if err != nil {
		handleDatabaseError(w, r, err, "list", "interfaces", h.logger)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"interfaces": ifis,
		"timestamp":  time.Now().UTC(),
	})
}

// interfaceToResponse converts an interface to its API representation.
func interfaceToResponse(ifi *nl80211.Interface) InterfaceResponse {
	resp := InterfaceResponse{
		Name:  ifi.Name,
		Index: ifi.Index,
		Type:  ifi.Type.String(),
		Wiphy: ifi.Wiphy,
		Wdev:  ifi.Wdev,
	}
	if ifi.HardwareAddr != nil {
		resp.MACAddress = ifi.HardwareAddr.String()
	}
	return resp
}
