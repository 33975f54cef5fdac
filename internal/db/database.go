// Package db provides database connectivity and data models for
// nl80211scan. It handles migrations, wireless interface bookkeeping
// and scan result storage.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/balena-io-experimental/nl80211scan/internal/errors"
)

// sanitizeDBError converts raw database errors into safe, sanitized errors
// that don't expose internal SQL details or credentials to API clients.
// The original error is preserved in the Cause field for internal debugging.
func sanitizeDBError(operation string, err error) error {
	if err == nil {
		return nil
	}

	if err == sql.ErrNoRows {
		dbErr := errors.NewDatabaseError(errors.CodeNotFound, "Resource not found")
		dbErr.Operation = operation
		dbErr.Cause = err
		return dbErr
	}

	// Check for PostgreSQL-specific errors
	if pqErr, ok := err.(*pq.Error); ok {
		var dbErr *errors.DatabaseError
		switch pqErr.Code {
		case "23505": // unique_violation
			dbErr = errors.NewDatabaseError(errors.CodeConflict, "Resource already exists")
		case "23503": // foreign_key_violation
			dbErr = errors.NewDatabaseError(errors.CodeValidation, "Referenced resource does not exist")
		case "23502": // not_null_violation
			dbErr = errors.NewDatabaseError(errors.CodeValidation, "Required field is missing")
		case "23514": // check_violation
			dbErr = errors.NewDatabaseError(errors.CodeValidation, "Data validation failed")
		case "57014": // query_canceled
			dbErr = errors.NewDatabaseError(errors.CodeCanceled, "Database operation was canceled")
		case "57P01": // admin_shutdown
			dbErr = errors.NewDatabaseError(errors.CodeDatabaseConnection, "Database connection lost")
		case "08000", "08003", "08006": // connection errors
			dbErr = errors.NewDatabaseError(errors.CodeDatabaseConnection, "Database connection error")
		default:
			msg := fmt.Sprintf("Database operation failed: %s", operation)
			dbErr = errors.NewDatabaseError(errors.CodeDatabaseQuery, msg)
		}
		dbErr.Operation = operation
		dbErr.Cause = err
		return dbErr
	}

	dbErr := errors.NewDatabaseError(errors.CodeDatabaseQuery, fmt.Sprintf("Database operation failed: %s", operation))
	dbErr.Operation = operation
	dbErr.Cause = err
	return dbErr
}

const (
	// Default database configuration values.
	defaultPostgresPort    = 5432
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 5
	defaultConnMaxIdleTime = 5
)

// DB wraps sqlx.DB with additional functionality.
type DB struct {
	*sqlx.DB
}

// Config holds database configuration.
type Config struct {
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port"`
	Database        string        `yaml:"database" json:"database"`
	Username        string        `yaml:"username" json:"username"`
	Password        string        `yaml:"password" json:"password"`
	SSLMode         string        `yaml:"ssl_mode" json:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
}

// DefaultConfig returns the default database configuration.
// Database name, username, and password must be explicitly configured.
func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            defaultPostgresPort,
		Database:        "", // Must be configured
		Username:        "", // Must be configured
		Password:        "", // Must be configured
		SSLMode:         "disable",
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime * time.Minute,
		ConnMaxIdleTime: defaultConnMaxIdleTime * time.Minute,
	}
}

// Connect establishes a connection to PostgreSQL.
// Returns sanitized errors that don't leak credentials or DSN details.
func Connect(ctx context.Context, config *Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		config.Host, config.Port, config.Database,
		config.Username, config.Password, config.SSLMode,
	)

	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		// Sanitized error without DSN to prevent credential leakage
		return nil, errors.ErrDatabaseConnection(err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	// Test connection
	if err := db.PingContext(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			log.Printf("Failed to close database connection after ping failure")
		}
		return nil, errors.WrapDatabaseError(errors.CodeDatabaseConnection, "Failed to verify database connection", err)
	}

	log.Printf("Successfully connected to database at %s:%d/%s", config.Host, config.Port, config.Database)
	return &DB{DB: db}, nil
}

// InterfaceRepository handles wireless interface bookkeeping.
type InterfaceRepository struct {
	db *DB
}

// NewInterfaceRepository creates a new interface repository.
func NewInterfaceRepository(db *DB) *InterfaceRepository {
	return &InterfaceRepository{db: db}
}

// Upsert creates or refreshes an interface row. The hardware address
// is the conflict key; name and index changes update the existing row.
func (r *InterfaceRepository) Upsert(ctx context.Context, ifi *WirelessInterface) error {
	query := `
		INSERT INTO wireless_interfaces (id, name, ifindex, iftype, wiphy, wdev, mac_address)
		VALUES (:id, :name, :ifindex, :iftype, :wiphy, :wdev, :mac_address)
		ON CONFLICT (mac_address)
		DO UPDATE SET
			name = EXCLUDED.name,
			ifindex = EXCLUDED.ifindex,
			iftype = EXCLUDED.iftype,
			wiphy = EXCLUDED.wiphy,
			wdev = EXCLUDED.wdev,
			last_seen = NOW()
		RETURNING id, first_seen, last_seen`

	if ifi.ID == uuid.Nil {
		ifi.ID = uuid.New()
	}

	rows, err := r.db.NamedQueryContext(ctx, query, ifi)
	if err != nil {
		return sanitizeDBError("upsert interface", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("Failed to close rows: %v", err)
		}
	}()

	if rows.Next() {
		if err := rows.Scan(&ifi.ID, &ifi.FirstSeen, &ifi.LastSeen); err != nil {
			return sanitizeDBError("scan upserted interface", err)
		}
	}

	return nil
}

// GetAll retrieves every known wireless interface.
func (r *InterfaceRepository) GetAll(ctx context.Context) ([]*WirelessInterface, error) {
	var ifis []*WirelessInterface
	query := `SELECT * FROM wireless_interfaces ORDER BY name`

	if err := r.db.SelectContext(ctx, &ifis, query); err != nil {
		return nil, sanitizeDBError("get interfaces", err)
	}

	return ifis, nil
}

// ScanRunRepository handles scan run records.
type ScanRunRepository struct {
	db *DB
}

// NewScanRunRepository creates a new scan run repository.
func NewScanRunRepository(db *DB) *ScanRunRepository {
	return &ScanRunRepository{db: db}
}

// Create records the start of a scan run.
func (r *ScanRunRepository) Create(ctx context.Context, run *ScanRun) error {
	query := `
		INSERT INTO scan_runs (id, interface_name, status, started_at)
		VALUES (:id, :interface_name, :status, :started_at)
		RETURNING created_at`

	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.Status == "" {
		run.Status = ScanRunStatusRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}

	rows, err := r.db.NamedQueryContext(ctx, query, run)
	if err != nil {
		return sanitizeDBError("create scan run", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("Failed to close rows: %v", err)
		}
	}()

	if rows.Next() {
		if err := rows.Scan(&run.CreatedAt); err != nil {
			return sanitizeDBError("scan created scan run", err)
		}
	}

	return nil
}

// Complete marks a scan run as finished with its terminal status.
func (r *ScanRunRepository) Complete(ctx context.Context, id uuid.UUID, status string, stationCount int, errorMsg *string) error {
	query := `
		UPDATE scan_runs
		SET status = $1, station_count = $2, error_message = $3, completed_at = $4
		WHERE id = $5`

	_, err := r.db.ExecContext(ctx, query, status, stationCount, errorMsg, time.Now(), id)
	if err != nil {
		return sanitizeDBError("complete scan run", err)
	}

	return nil
}

// GetByID retrieves a scan run by ID.
func (r *ScanRunRepository) GetByID(ctx context.Context, id uuid.UUID) (*ScanRun, error) {
	var run ScanRun
	query := `SELECT * FROM scan_runs WHERE id = $1`

	if err := r.db.GetContext(ctx, &run, query, id); err != nil {
		return nil, sanitizeDBError("get scan run", err)
	}

	return &run, nil
}

// GetRecent retrieves the most recent scan runs, newest first.
func (r *ScanRunRepository) GetRecent(ctx context.Context, limit int) ([]*ScanRun, error) {
	var runs []*ScanRun
	query := `SELECT * FROM scan_runs ORDER BY started_at DESC LIMIT $1`

	if err := r.db.SelectContext(ctx, &runs, query, limit); err != nil {
		return nil, sanitizeDBError("get recent scan runs", err)
	}

	return runs, nil
}

// GetLatestByInterface retrieves the newest completed run for an interface.
func (r *ScanRunRepository) GetLatestByInterface(ctx context.Context, name string) (*ScanRun, error) {
	var run ScanRun
	query := `
		SELECT * FROM scan_runs
		WHERE interface_name = $1 AND status = $2
		ORDER BY started_at DESC LIMIT 1`

	if err := r.db.GetContext(ctx, &run, query, name, ScanRunStatusCompleted); err != nil {
		return nil, sanitizeDBError("get latest scan run", err)
	}

	return &run, nil
}

// StationRepository handles station observations.
type StationRepository struct {
	db *DB
}

// NewStationRepository creates a new station repository.
func NewStationRepository(db *DB) *StationRepository {
	return &StationRepository{db: db}
}

// CreateBatch stores all observations of one scan run in a single
// transaction.
func (r *StationRepository) CreateBatch(ctx context.Context, stations []*StationObservation) error {
	if len(stations) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return sanitizeDBError("begin station batch", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO stations (id, scan_run_id, ssid, bssid, frequency, signal_mbm, quality, observed_at)
		VALUES (:id, :scan_run_id, :ssid, :bssid, :frequency, :signal_mbm, :quality, :observed_at)`

	for _, s := range stations {
		if s.ID == uuid.Nil {
			s.ID = uuid.New()
		}
		if s.ObservedAt.IsZero() {
			s.ObservedAt = time.Now()
		}
		if _, err := tx.NamedExecContext(ctx, query, s); err != nil {
			return sanitizeDBError("insert station", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return sanitizeDBError("commit station batch", err)
	}

	return nil
}

// GetByScanRun retrieves the observations of one scan run, strongest
// signal first.
func (r *StationRepository) GetByScanRun(ctx context.Context, runID uuid.UUID) ([]*StationObservation, error) {
	var stations []*StationObservation
	query := `SELECT * FROM stations WHERE scan_run_id = $1 ORDER BY quality DESC, ssid`

	if err := r.db.SelectContext(ctx, &stations, query, runID); err != nil {
		return nil, sanitizeDBError("get stations", err)
	}

	return stations, nil
}

// GetNetworkSummary aggregates observations per SSID.
func (r *StationRepository) GetNetworkSummary(ctx context.Context) ([]*NetworkSummary, error) {
	var summary []*NetworkSummary
	query := `SELECT * FROM network_summary ORDER BY last_seen DESC`

	if err := r.db.SelectContext(ctx, &summary, query); err != nil {
		return nil, sanitizeDBError("get network summary", err)
	}

	return summary, nil
}
