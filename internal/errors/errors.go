// Package errors provides structured error handling for nl80211scan
// operations. It defines error codes, error types, and utilities for
// creating and inspecting errors with operation context.
package errors

import (
	"fmt"
)

// ErrorCode represents different types of errors that can occur.
type ErrorCode string

const (
	// General errors.
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeValidation    ErrorCode = "VALIDATION"
	CodeConfiguration ErrorCode = "CONFIGURATION"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeCanceled      ErrorCode = "CANCELED"
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeConflict      ErrorCode = "CONFLICT"

	// Netlink protocol errors.
	CodeSetup             ErrorCode = "SETUP"
	CodeSend              ErrorCode = "SEND"
	CodeReceive           ErrorCode = "RECEIVE"
	CodeDecode            ErrorCode = "DECODE"
	CodeInterfaceNotFound ErrorCode = "INTERFACE_NOT_FOUND"
	CodeScanFailed        ErrorCode = "SCAN_FAILED"

	// Database errors.
	CodeDatabaseConnection ErrorCode = "DATABASE_CONNECTION"
	CodeDatabaseQuery      ErrorCode = "DATABASE_QUERY"
	CodeDatabaseMigration  ErrorCode = "DATABASE_MIGRATION"
)

// NetlinkError represents an error from the nl80211 protocol engine.
// Op names the protocol operation that failed; Attr, when set, names
// the netlink attribute id involved.
type NetlinkError struct {
	Code    ErrorCode
	Message string
	Op      string
	Attr    uint16
	hasAttr bool
	Cause   error
}

// Error implements the error interface.
func (e *NetlinkError) Error() string {
	switch {
	case e.hasAttr && e.Op != "":
		return fmt.Sprintf("[%s] %s (op: %s, attr: %d)", e.Code, e.Message, e.Op, e.Attr)
	case e.Op != "":
		return fmt.Sprintf("[%s] %s (op: %s)", e.Code, e.Message, e.Op)
	default:
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
}

// Unwrap returns the underlying error for error unwrapping.
func (e *NetlinkError) Unwrap() error {
	return e.Cause
}

// WithAttr records the netlink attribute id involved in the error.
func (e *NetlinkError) WithAttr(attr uint16) *NetlinkError {
	e.Attr = attr
	e.hasAttr = true
	return e
}

// NewNetlinkError creates a new netlink error for the given operation.
func NewNetlinkError(code ErrorCode, message, op string) *NetlinkError {
	return &NetlinkError{
		Code:    code,
		Message: message,
		Op:      op,
	}
}

// WrapNetlinkError wraps an existing error as a netlink error.
func WrapNetlinkError(code ErrorCode, message, op string, err error) *NetlinkError {
	return &NetlinkError{
		Code:    code,
		Message: message,
		Op:      op,
		Cause:   err,
	}
}

// ScanError represents a failure of a whole scan operation on an
// interface.
type ScanError struct {
	Code      ErrorCode
	Message   string
	Interface string
	Cause     error
}

// Error implements the error interface.
func (e *ScanError) Error() string {
	if e.Interface != "" {
		return fmt.Sprintf("[%s] %s (interface: %s)", e.Code, e.Message, e.Interface)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ScanError) Unwrap() error {
	return e.Cause
}

// NewScanError creates a scan error for a specific interface.
func NewScanError(code ErrorCode, message, iface string) *ScanError {
	return &ScanError{
		Code:      code,
		Message:   message,
		Interface: iface,
	}
}

// WrapScanError wraps an error with interface information.
func WrapScanError(code ErrorCode, message, iface string, err error) *ScanError {
	return &ScanError{
		Code:      code,
		Message:   message,
		Interface: iface,
		Cause:     err,
	}
}

// DatabaseError represents database-related errors.
type DatabaseError struct {
	Code      ErrorCode
	Message   string
	Operation string
	Cause     error
}

// Error implements the error interface.
func (e *DatabaseError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("[%s] %s (operation: %s)", e.Code, e.Message, e.Operation)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *DatabaseError) Unwrap() error {
	return e.Cause
}

// NewDatabaseError creates a new database error.
func NewDatabaseError(code ErrorCode, message string) *DatabaseError {
	return &DatabaseError{
		Code:    code,
		Message: message,
	}
}

// WrapDatabaseError wraps an existing error as a database error.
func WrapDatabaseError(code ErrorCode, message string, err error) *DatabaseError {
	return &DatabaseError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// ConfigError represents configuration-related errors.
type ConfigError struct {
	Code    ErrorCode
	Message string
	Field   string
	Value   interface{}
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigError creates a new configuration error.
func NewConfigError(code ErrorCode, message string) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
	}
}

// NewConfigFieldError creates a configuration error for a specific field.
func NewConfigFieldError(code ErrorCode, message, field string, value interface{}) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Field:   field,
		Value:   value,
	}
}

// Utility functions for common error operations

// IsCode checks if an error has a specific error code.
func IsCode(err error, code ErrorCode) bool {
	return GetCode(err) == code
}

// GetCode extracts the error code from an error if it has one.
func GetCode(err error) ErrorCode {
	switch e := err.(type) {
	case *NetlinkError:
		return e.Code
	case *ScanError:
		return e.Code
	case *DatabaseError:
		return e.Code
	case *ConfigError:
		return e.Code
	}
	return CodeUnknown
}

// IsFatal determines if an error indicates a condition that should stop
// the whole service rather than a single scan.
func IsFatal(err error) bool {
	switch GetCode(err) {
	case CodeConfiguration, CodeDatabaseMigration:
		return true
	default:
		return false
	}
}

// Common error creation functions

// ErrInterfaceNotFound creates an error for an unknown wireless interface.
func ErrInterfaceNotFound(name string) *ScanError {
	return NewScanError(CodeInterfaceNotFound, "Wireless interface not found", name)
}

// ErrMissingAttribute creates a decode error for an absent attribute.
func ErrMissingAttribute(op string, attr uint16) *NetlinkError {
	return NewNetlinkError(CodeDecode, "Required attribute missing", op).WithAttr(attr)
}

// ErrAttributeWidth creates a decode error for a payload of unexpected size.
func ErrAttributeWidth(op string, attr uint16, want, got int) *NetlinkError {
	msg := fmt.Sprintf("Attribute payload is %d bytes, want %d", got, want)
	return NewNetlinkError(CodeDecode, msg, op).WithAttr(attr)
}

// ErrDatabaseConnection creates an error for database connection failures.
func ErrDatabaseConnection(err error) *DatabaseError {
	return WrapDatabaseError(CodeDatabaseConnection, "Failed to connect to database", err)
}

// ErrConfigMissing creates an error for missing required configuration.
func ErrConfigMissing(field string) *ConfigError {
	return NewConfigFieldError(CodeConfiguration, "Required configuration field missing", field, nil)
}
