// Copyright 2026 The Terminus Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"errors"
	"fmt"
)

// APIError represents a structured error response from the backend.
// Callers can use errors.As to extract the structured information:
//
//	var apiErr *APIError
//	if errors.As(err, &apiErr) {
//	    if apiErr.Code == ErrCodeNotFound { ... }
//	}
type APIError struct {
	// Code is the backend error code (e.g., "UNAUTHORIZED", "NOT_FOUND").
	Code string `json:"code"`
	// Message is the human-readable error description from the server.
	Message string `json:"message"`
	// StatusCode is the HTTP status code of the response.
	StatusCode int `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Error codes the backend returns.
const (
	ErrCodeUnauthorized = "UNAUTHORIZED"
	ErrCodeForbidden    = "FORBIDDEN"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeRateLimited  = "RATE_LIMITED"
	ErrCodeInvalidParam = "INVALID_PARAM"
	ErrCodeUnknown      = "UNKNOWN"
)

// IsAPIError checks whether err is an *APIError with the given code.
func IsAPIError(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}
