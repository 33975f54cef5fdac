// Package handlers provides HTTP request handlers for the nl80211scan
// API. This file contains common utilities shared across handlers.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/balena-io-experimental/nl80211scan/internal/errors"
)

// ContextKey represents a context key type.
type ContextKey string

// PaginationParams holds pagination parameters.
type PaginationParams struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
	Offset   int `json:"offset"`
}

// PaginatedResponse represents a paginated API response.
type PaginatedResponse struct {
	Data       interface{} `json:"data"`
	Pagination struct {
		Page     int `json:"page"`
		PageSize int `json:"page_size"`
	} `json:"pagination"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// getRequestIDFromContext extracts request ID from context.
func getRequestIDFromContext(ctx context.Context) string {
	if requestID, ok := ctx.Value(ContextKey("request_id")).(string); ok {
		return requestID
	}
	return "unknown"
}

// getQueryParamInt extracts an integer query parameter with a default.
func getQueryParamInt(r *http.Request, key string, defaultValue int) (int, error) {
	if value := r.URL.Query().Get(key); value != "" {
		return strconv.Atoi(value)
	}
	return defaultValue, nil
}

// extractUUIDFromPath extracts a UUID from the {id} path parameter.
func extractUUIDFromPath(r *http.Request) (uuid.UUID, error) {
	vars := mux.Vars(r)
	idStr, exists := vars["id"]
	if !exists {
		return uuid.Nil, fmt.Errorf("id not provided")
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id: %s", idStr)
	}

	return id, nil
}

// getPaginationParams extracts pagination parameters from request.
func getPaginationParams(r *http.Request) (PaginationParams, error) {
	const (
		defaultPage     = 1
		defaultPageSize = 50
		maxPageSize     = 500
	)

	page, err := getQueryParamInt(r, "page", defaultPage)
	if err != nil {
		return PaginationParams{}, fmt.Errorf("invalid page parameter: %w", err)
	}

	pageSize, err := getQueryParamInt(r, "page_size", defaultPageSize)
	if err != nil {
		return PaginationParams{}, fmt.Errorf("invalid page_size parameter: %w", err)
	}

	if page < 1 {
		page = defaultPage
	}

	if pageSize < 1 {
		pageSize = defaultPageSize
	}

	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	return PaginationParams{
		Page:     page,
		PageSize: pageSize,
		Offset:   (page - 1) * pageSize,
	}, nil
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode JSON response",
			"request_id", getRequestIDFromContext(r.Context()),
			"error", err)
	}
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, r *http.Request, statusCode int, err error) {
	response := ErrorResponse{
		Error:     http.StatusText(statusCode),
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
		RequestID: getRequestIDFromContext(r.Context()),
	}

	writeJSON(w, r, statusCode, response)
}

// writePaginatedResponse writes a paginated response.
func writePaginatedResponse(w http.ResponseWriter, r *http.Request, data interface{}, params PaginationParams) {
	response := PaginatedResponse{Data: data}
	response.Pagination.Page = params.Page
	response.Pagination.PageSize = params.PageSize

	writeJSON(w, r, http.StatusOK, response)
}

// parseJSON parses a JSON request body into dest.
func parseJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return fmt.Errorf("request body is empty")
	}

	// Bound the body to prevent oversized payloads
	const maxRequestSize = 1 << 20
	r.Body = http.MaxBytesReader(nil, r.Body, maxRequestSize)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dest); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	return nil
}

// handleDatabaseError maps database errors onto HTTP responses.
func handleDatabaseError(
	w http.ResponseWriter,
	r *http.Request,
	err error,
	operation, entityType string,
	logger *slog.Logger,
) {
	if errors.IsCode(err, errors.CodeNotFound) {
		writeError(w, r, http.StatusNotFound, fmt.Errorf("%s not found", entityType))
		return
	}

	if errors.IsCode(err, errors.CodeConflict) {
		writeError(w, r, http.StatusConflict, err)
		return
	}

	logger.Error(fmt.Sprintf("Failed to %s %s", operation, entityType),
		"request_id", getRequestIDFromContext(r.Context()),
		"error", err)
	writeError(w, r, http.StatusInternalServerError,
		fmt.Errorf("failed to %s %s", operation, entityType))
}
