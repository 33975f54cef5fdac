package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

// MACAddr wraps net.HardwareAddr to implement PostgreSQL MACADDR type.
type MACAddr struct {
	net.HardwareAddr
}

// Scan implements sql.Scanner for PostgreSQL MACADDR type.
func (mac *MACAddr) Scan(value interface{}) error {
	if value == nil {
		return nil
	}

	switch v := value.(type) {
	case string:
		hw, err := net.ParseMAC(v)
		if err != nil {
			return fmt.Errorf("failed to parse MAC address: %w", err)
		}
		mac.HardwareAddr = hw
		return nil
	case []byte:
		hw, err := net.ParseMAC(string(v))
		if err != nil {
			return fmt.Errorf("failed to parse MAC address: %w", err)
		}
		mac.HardwareAddr = hw
		return nil
	default:
		return fmt.Errorf("cannot scan %T into MACAddr", value)
	}
}

// Value implements driver.Valuer for PostgreSQL MACADDR type.
func (mac MACAddr) Value() (driver.Value, error) {
	if mac.HardwareAddr == nil {
		return nil, nil
	}
	return mac.HardwareAddr.String(), nil
}

// String returns the MAC address string.
func (mac MACAddr) String() string {
	if mac.HardwareAddr == nil {
		return ""
	}
	return mac.HardwareAddr.String()
}

// JSONB wraps json.RawMessage for PostgreSQL JSONB type.
type JSONB json.RawMessage

// Scan implements sql.Scanner for PostgreSQL JSONB type.
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	switch v := value.(type) {
	case []byte:
		*j = JSONB(v)
		return nil
	case string:
		*j = JSONB([]byte(v))
		return nil
	default:
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
}

// Value implements driver.Valuer for PostgreSQL JSONB type.
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return []byte(j), nil
}

// String returns the JSON string.
func (j JSONB) String() string {
	return string(j)
}

// MarshalJSON implements json.Marshaler.
func (j JSONB) MarshalJSON() ([]byte, error) {
	if j == nil {
		return []byte("null"), nil
	}
	return []byte(j), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (j *JSONB) UnmarshalJSON(data []byte) error {
	*j = JSONB(data)
	return nil
}

// WirelessInterface represents a wireless interface seen on this host.
// Identity follows the hardware address: a renamed or re-indexed
// interface with the same MAC updates the existing row.
type WirelessInterface struct {
	ID         uuid.UUID `db:"id" json:"id"`
	Name       string    `db:"name" json:"name"`
	Ifindex    int       `db:"ifindex" json:"ifindex"`
	Iftype     string    `db:"iftype" json:"iftype"`
	Wiphy      int       `db:"wiphy" json:"wiphy"`
	Wdev       int64     `db:"wdev" json:"wdev"`
	MACAddress MACAddr   `db:"mac_address" json:"mac_address"`
	FirstSeen  time.Time `db:"first_seen" json:"first_seen"`
	LastSeen   time.Time `db:"last_seen" json:"last_seen"`
}

// ScanRun represents one scan invocation on an interface.
type ScanRun struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	InterfaceName string     `db:"interface_name" json:"interface_name"`
	Status        string     `db:"status" json:"status"`
	StationCount  int        `db:"station_count" json:"station_count"`
	ErrorMessage  *string    `db:"error_message" json:"error_message,omitempty"`
	Stats         JSONB      `db:"stats" json:"stats,omitempty"`
	StartedAt     time.Time  `db:"started_at" json:"started_at"`
	CompletedAt   *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
}

// StationObservation represents one network observed during a scan run.
type StationObservation struct {
	ID         uuid.UUID `db:"id" json:"id"`
	ScanRunID  uuid.UUID `db:"scan_run_id" json:"scan_run_id"`
	SSID       string    `db:"ssid" json:"ssid"`
	BSSID      *MACAddr  `db:"bssid" json:"bssid,omitempty"`
	Frequency  *int      `db:"frequency" json:"frequency,omitempty"`
	SignalMBM  int       `db:"signal_mbm" json:"signal_mbm"`
	Quality    int       `db:"quality" json:"quality"`
	ObservedAt time.Time `db:"observed_at" json:"observed_at"`
}

// NetworkSummary represents the network_summary view: one row per
// distinct SSID with its best and latest observation.
type NetworkSummary struct {
	SSID         string    `db:"ssid" json:"ssid"`
	Observations int       `db:"observations" json:"observations"`
	BestQuality  int       `db:"best_quality" json:"best_quality"`
	LastQuality  int       `db:"last_quality" json:"last_quality"`
	LastSeen     time.Time `db:"last_seen" json:"last_seen"`
}

// ScanRunStatus constants.
const (
	ScanRunStatusRunning   = "running"
	ScanRunStatusCompleted = "completed"
	ScanRunStatusAborted   = "aborted"
	ScanRunStatusFailed    = "failed"
)
