// Package api provides the HTTP REST API for nl80211scan. It exposes
// endpoints for wireless interface enumeration, scan triggering, stored
// scan history and system status.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apihandlers "github.com/balena-io-experimental/nl80211scan/internal/api/handlers"
	"github.com/balena-io-experimental/nl80211scan/internal/api/middleware"
	"github.com/balena-io-experimental/nl80211scan/internal/config"
	"github.com/balena-io-experimental/nl80211scan/internal/db"
	"github.com/balena-io-experimental/nl80211scan/internal/logging"
	"github.com/balena-io-experimental/nl80211scan/internal/metrics"
)

// Server timeout constants.
const (
	serverShutdownTimeout = 30 * time.Second
	healthCheckTimeout    = 5 * time.Second
	serverReadTimeout     = 10 * time.Second
	serverWriteTimeout    = 60 * time.Second
	serverIdleTimeout     = 60 * time.Second
)

// Version is the reported service version.
const Version = "0.1.0"

// Server represents the API server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	config     *config.Config
	database   *db.DB
	scanner    apihandlers.Scanner
	logger     *slog.Logger
	metrics    *metrics.PrometheusMetrics
	startTime  time.Time
}

// New creates a new API server instance. The database may be nil when
// result storage is disabled.
func New(cfg *config.Config, database *db.DB, scanner apihandlers.Scanner) (*Server, error) {
	if scanner == nil {
		return nil, fmt.Errorf("api: scanner is required")
	}

	logger := logging.Default().With("component", "api")

	server := &Server{
		router:    mux.NewRouter(),
		config:    cfg,
		database:  database,
		scanner:   scanner,
		logger:    logger,
		metrics:   metrics.GetGlobalMetrics(),
		startTime: time.Now(),
	}

	server.setupRoutes()
	server.setupMiddleware()

	server.httpServer = &http.Server{
		Addr:         cfg.GetAPIAddress(),
		Handler:      server.router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: writeTimeout(cfg),
		IdleTimeout:  serverIdleTimeout,
	}

	return server, nil
}

// writeTimeout picks a write timeout that will not cut off a running
// scan handled synchronously.
func writeTimeout(cfg *config.Config) time.Duration {
	t := serverWriteTimeout
	if cfg.Wifi.ScanTimeout > 0 && cfg.Wifi.ScanTimeout+5*time.Second > t {
		t = cfg.Wifi.ScanTimeout + 5*time.Second
	}
	return t
}

// Start starts the API server and blocks until the context is canceled
// or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting API server", "address", s.httpServer.Addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("API server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errChan:
		return err
	}
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	s.logger.Info("Stopping API server")

	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("API server shutdown error", "error", err)
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("API server stopped")
	return nil
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Health and status endpoints
	api.HandleFunc("/liveness", s.livenessHandler).Methods("GET")
	api.HandleFunc("/health", s.healthHandler).Methods("GET")
	api.HandleFunc("/status", s.statusHandler).Methods("GET")
	api.HandleFunc("/version", s.versionHandler).Methods("GET")

	// Interface endpoints
	ifaceHandler := apihandlers.NewInterfaceHandler(s.scanner, s.database, s.logger, s.metrics)
	api.HandleFunc("/interfaces", ifaceHandler.ListInterfaces).Methods("GET")
	api.HandleFunc("/interfaces/known", ifaceHandler.ListKnownInterfaces).Methods("GET")

	// Scan endpoints
	scanHandler := apihandlers.NewScanHandler(apihandlers.ScanHandlerConfig{
		Scanner:     s.scanner,
		Database:    s.database,
		ScanTimeout: s.config.Wifi.ScanTimeout,
		MinQuality:  s.config.Wifi.MinQuality,
		Logger:      s.logger,
		Metrics:     s.metrics,
	})
	api.HandleFunc("/scans", scanHandler.TriggerScan).Methods("POST")
	api.HandleFunc("/scans", scanHandler.ListScanRuns).Methods("GET")
	api.HandleFunc("/scans/{id}", scanHandler.GetScanRun).Methods("GET")
	api.HandleFunc("/scans/{id}/stations", scanHandler.GetScanRunStations).Methods("GET")

	// Network endpoints
	networkHandler := apihandlers.NewNetworkHandler(s.database, s.logger, s.metrics)
	api.HandleFunc("/networks", networkHandler.ListNetworks).Methods("GET")

	// Prometheus metrics
	s.router.Handle("/metrics", promhttp.HandlerFor(
		s.metrics.GetRegistry(),
		promhttp.HandlerOpts{},
	)).Methods("GET")

	// Root index for API clients
	s.router.HandleFunc("/", s.indexHandler).Methods("GET")
}

// setupMiddleware configures middleware for the API server.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recovery(s.logger))

	if s.config.Logging.RequestLogging {
		s.router.Use(middleware.Logging(s.logger))
	}

	s.router.Use(middleware.Metrics(s.metrics))

	cors := s.config.API.CORS
	if cors.Enabled {
		corsOptions := handlers.AllowedOrigins(cors.AllowedOrigins)
		corsHeaders := handlers.AllowedHeaders(cors.AllowedHeaders)
		corsMethods := handlers.AllowedMethods(cors.AllowedMethods)
		s.router.Use(handlers.CORS(corsOptions, corsHeaders, corsMethods))
	}

	s.router.Use(s.contentTypeMiddleware)
}

// GetRouter returns the configured router.
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// GetAddress returns the server address.
func (s *Server) GetAddress() string {
	return s.httpServer.Addr
}

// IsRunning checks if the server accepts connections.
func (s *Server) IsRunning() bool {
	if s.httpServer == nil {
		return false
	}

	conn, err := net.DialTimeout("tcp", s.httpServer.Addr, time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// indexHandler returns API information for root requests.
func (s *Server) indexHandler(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"service": "nl80211scan API",
		"version": "v1",
		"endpoints": map[string]string{
			"liveness":   "/api/v1/liveness",
			"health":     "/api/v1/health",
			"status":     "/api/v1/status",
			"interfaces": "/api/v1/interfaces",
			"scans":      "/api/v1/scans",
			"networks":   "/api/v1/networks",
			"metrics":    "/metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	s.writeJSON(w, r, http.StatusOK, response)
}

// livenessHandler provides a simple liveness check endpoint.
func (s *Server) livenessHandler(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "alive",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(s.startTime).String(),
	}

	s.writeJSON(w, r, http.StatusOK, response)
}

// healthHandler checks the server and its dependencies.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	status := "healthy"
	checks := make(map[string]string)

	if s.database != nil {
		if err := s.database.PingContext(ctx); err != nil {
			status = "unhealthy"
			checks["database"] = "failed: " + err.Error()
		} else {
			checks["database"] = "ok"
		}
	} else {
		checks["database"] = "not configured"
	}

	response := map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"checks":    checks,
	}

	statusCode := http.StatusOK
	if status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	s.writeJSON(w, r, statusCode, response)
}

// statusHandler provides detailed status information.
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"service":   "nl80211scan-api",
		"version":   Version,
		"uptime":    time.Since(s.startTime).String(),
		"timestamp": time.Now().UTC(),
	}

	s.writeJSON(w, r, http.StatusOK, response)
}

// versionHandler provides version information.
func (s *Server) versionHandler(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"service":   "nl80211scan",
		"version":   Version,
		"timestamp": time.Now().UTC(),
	}

	s.writeJSON(w, r, http.StatusOK, response)
}

// contentTypeMiddleware validates content type for POST/PUT requests.
func (s *Server) contentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			contentType := r.Header.Get("Content-Type")
			if contentType != "" && contentType != "application/json" {
				s.writeError(w, r, http.StatusUnsupportedMediaType,
					fmt.Errorf("unsupported content type: %s", contentType))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// ErrorResponse represents a standard API error response.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// writeError writes a standardized error response.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, statusCode int, err error) {
	s.logger.Error("API error",
		"method", r.Method,
		"path", r.URL.Path,
		"status", statusCode,
		"error", err)

	response := ErrorResponse{
		Error:     err.Error(),
		Timestamp: time.Now().UTC(),
	}

	s.writeJSON(w, r, statusCode, response)
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response",
			"error", err,
			"path", r.URL.Path,
			"method", r.Method)
	}
}
