// Copyright 2025 Peanut Platform
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
)

// ErrorKind classifies a domain failure. Each kind maps to exactly one
// HTTP status code and error code at the boundary.
type ErrorKind string

const (
	KindValidation      ErrorKind = "VALIDATION_ERROR"
	KindUnauthorized    ErrorKind = "UNAUTHORIZED"
	KindForbidden       ErrorKind = "FORBIDDEN"
	KindNotFound        ErrorKind = "NOT_FOUND"
	KindConflict        ErrorKind = "CONFLICT"
	KindRateLimited     ErrorKind = "RATE_LIMIT_EXCEEDED"
	KindExternalService ErrorKind = "EXTERNAL_SERVICE_ERROR"
	KindInternal        ErrorKind = "INTERNAL_ERROR"
)

// AppError is the tagged error variant crossing the core boundary.
type AppError struct {
	Kind    ErrorKind
	Message string
	Details map[string]interface{}

	// RetryAfter is the advertised wait in seconds, set for KindRateLimited.
	RetryAfter int

	// Service names the failing upstream, set for KindExternalService.
	Service string

	cause error
}

func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.cause
}

// HTTPStatus returns the HTTP status code for the error kind.
func (e *AppError) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindExternalService:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrValidation builds a validation error with optional field details.
func ErrValidation(message string, details map[string]interface{}) *AppError {
	return &AppError{Kind: KindValidation, Message: message, Details: details}
}

// ErrUnauthorized builds an authentication failure.
func ErrUnauthorized(message string) *AppError {
	return &AppError{Kind: KindUnauthorized, Message: message}
}

// ErrForbidden builds a role-gate failure.
func ErrForbidden(message string) *AppError {
	return &AppError{Kind: KindForbidden, Message: message}
}

// ErrNotFound builds a missing-resource failure.
func ErrNotFound(message string) *AppError {
	return &AppError{Kind: KindNotFound, Message: message}
}

// ErrConflict builds a uniqueness or state-conflict failure.
func ErrConflict(message string) *AppError {
	return &AppError{Kind: KindConflict, Message: message}
}

// ErrRateLimited builds a limiter rejection carrying the advertised wait.
func ErrRateLimited(retryAfterSeconds int) *AppError {
	return &AppError{
		Kind:       KindRateLimited,
		Message:    "Rate limit exceeded",
		RetryAfter: retryAfterSeconds,
	}
}

// ErrExternalService builds an upstream failure naming the service.
func ErrExternalService(service, message string, cause error) *AppError {
	return &AppError{Kind: KindExternalService, Message: message, Service: service, cause: cause}
}

// ErrInternal wraps an unexpected failure.
func ErrInternal(message string, cause error) *AppError {
	return &AppError{Kind: KindInternal, Message: message, cause: cause}
}

// errorEnvelope is the wire shape for all error responses.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			// Headers are already out; nothing left to do but note it.
			gatewayLog.Error("", "Failed to encode response", map[string]interface{}{"error": err.Error()})
		}
	}
}

// writeError writes the error envelope for a code/message pair.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message}})
}

// writeAppError maps any error to the envelope. Non-AppError values are
// reported as INTERNAL_ERROR without leaking their text to the client.
func writeAppError(w http.ResponseWriter, err error) {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		appErr = ErrInternal("Internal server error", err)
	}

	status := appErr.HTTPStatus()

	if appErr.Kind == KindRateLimited {
		w.Header().Set("Retry-After", strconv.Itoa(appErr.RetryAfter))
		writeJSON(w, status, errorEnvelope{Error: errorBody{
			Code:    string(appErr.Kind),
			Message: appErr.Message,
			Details: map[string]interface{}{"retry_after": appErr.RetryAfter},
		}})
		return
	}

	message := appErr.Message
	if appErr.Kind == KindInternal {
		// Internal causes stay in the logs.
		message = "Internal server error"
	}

	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Code:    string(appErr.Kind),
		Message: message,
		Details: appErr.Details,
	}})
}
