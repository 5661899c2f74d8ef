/*
 * Copyright 2025 Cong Wang
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode is the integer error code carried in the wire error object.
type ErrorCode int

const (
	// Transport-level errors
	ErrParse          ErrorCode = -32700
	ErrInvalidRequest ErrorCode = -32600
	ErrMethodNotFound ErrorCode = -32601
	ErrInvalidParams  ErrorCode = -32602
	ErrInternal       ErrorCode = -32603

	// Authentication and authorization errors
	ErrAuthenticationRequired ErrorCode = -32001
	ErrInvalidAPIKey          ErrorCode = -32002
	ErrKeyNotFound            ErrorCode = -32003
	ErrSignatureInvalid       ErrorCode = -32004
	ErrSignatureExpired       ErrorCode = -32005
	ErrForbidden              ErrorCode = -32006

	// Throughput control errors
	ErrRateLimited         ErrorCode = -32010
	ErrConcurrencyExceeded ErrorCode = -32011

	// Execution errors
	ErrTimeout            ErrorCode = -32020
	ErrServiceUnavailable ErrorCode = -32021
	ErrUpstream           ErrorCode = -32022

	// Resource errors
	ErrNotFound ErrorCode = -32030
	ErrConflict ErrorCode = -32031
)

var codeNames = map[ErrorCode]string{
	ErrParse:                  "PARSE_ERROR",
	ErrInvalidRequest:         "INVALID_REQUEST",
	ErrMethodNotFound:         "METHOD_NOT_FOUND",
	ErrInvalidParams:          "INVALID_PARAMS",
	ErrInternal:               "INTERNAL_ERROR",
	ErrAuthenticationRequired: "AUTHENTICATION_REQUIRED",
	ErrInvalidAPIKey:          "INVALID_API_KEY",
	ErrKeyNotFound:            "KEY_NOT_FOUND",
	ErrSignatureInvalid:       "SIGNATURE_INVALID",
	ErrSignatureExpired:       "SIGNATURE_EXPIRED",
	ErrForbidden:              "FORBIDDEN",
	ErrRateLimited:            "RATE_LIMITED",
	ErrConcurrencyExceeded:    "CONCURRENCY_EXCEEDED",
	ErrTimeout:                "TIMEOUT",
	ErrServiceUnavailable:     "SERVICE_UNAVAILABLE",
	ErrUpstream:               "UPSTREAM_ERROR",
	ErrNotFound:               "NOT_FOUND",
	ErrConflict:               "CONFLICT",
}

// String returns the symbolic name of the code
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ERROR_%d", int(c))
}

// IsTransport reports whether the code belongs to the envelope layer.
func (c ErrorCode) IsTransport() bool {
	return c <= -32600 && c >= -32700
}

// A2AError represents a structured protocol error
type A2AError struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Cause   error                  `json:"-"` // Internal cause, not exposed in JSON
}

// ErrorObject is the wire form of an error inside a response envelope.
type ErrorObject struct {
	Code    int                    `json:"code"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// Error implements the error interface
func (e *A2AError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error
func (e *A2AError) Unwrap() error {
	return e.Cause
}

// ToObject converts the error to its wire form. Transport errors never carry
// retry guidance, so their data is dropped.
func (e *A2AError) ToObject() *ErrorObject {
	obj := &ErrorObject{Code: int(e.Code), Message: e.Message}
	if !e.Code.IsTransport() || e.Code == ErrInvalidParams {
		obj.Data = e.Data
	}
	return obj
}

// New creates a new A2AError
func New(code ErrorCode, message string) *A2AError {
	return &A2AError{Code: code, Message: message}
}

// Newf creates a new A2AError with formatted message
func Newf(code ErrorCode, format string, args ...interface{}) *A2AError {
	return &A2AError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a new A2AError wrapping an existing error
func Wrap(code ErrorCode, message string, cause error) *A2AError {
	return &A2AError{Code: code, Message: message, Cause: cause}
}

// Wrapf creates a new A2AError wrapping an existing error with formatted message
func Wrapf(code ErrorCode, cause error, format string, args ...interface{}) *A2AError {
	return &A2AError{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithData merges data into the error
func (e *A2AError) WithData(data map[string]interface{}) *A2AError {
	if e.Data == nil {
		e.Data = make(map[string]interface{}, len(data))
	}
	for k, v := range data {
		e.Data[k] = v
	}
	return e
}

// IsRetryable determines if the caller may retry the same request later
func (e *A2AError) IsRetryable() bool {
	switch e.Code {
	case ErrRateLimited, ErrConcurrencyExceeded, ErrTimeout, ErrServiceUnavailable, ErrUpstream:
		return true
	default:
		return false
	}
}

// GetHTTPStatus returns the appropriate HTTP status code for the error
func (e *A2AError) GetHTTPStatus() int {
	switch e.Code {
	case ErrParse, ErrInvalidRequest, ErrInvalidParams:
		return http.StatusBadRequest

	case ErrMethodNotFound, ErrNotFound:
		return http.StatusNotFound

	case ErrAuthenticationRequired, ErrInvalidAPIKey, ErrKeyNotFound,
		ErrSignatureInvalid, ErrSignatureExpired:
		return http.StatusUnauthorized

	case ErrForbidden:
		return http.StatusForbidden

	case ErrConflict:
		return http.StatusConflict

	case ErrRateLimited, ErrConcurrencyExceeded:
		return http.StatusTooManyRequests

	case ErrServiceUnavailable:
		return http.StatusServiceUnavailable

	case ErrUpstream:
		return http.StatusBadGateway

	case ErrTimeout:
		return http.StatusGatewayTimeout

	default:
		return http.StatusInternalServerError
	}
}

// Common error constructors for convenience

// NewInvalidParams creates a params validation error
func NewInvalidParams(message string, fields map[string]interface{}) *A2AError {
	err := New(ErrInvalidParams, message)
	if len(fields) > 0 {
		err.WithData(map[string]interface{}{"fields": fields})
	}
	return err
}

// NewRateLimited creates a rate limit error with retry guidance
func NewRateLimited(remaining float64, retryAfter int, limit int) *A2AError {
	return New(ErrRateLimited, "rate limit exceeded").WithData(map[string]interface{}{
		"remaining":   remaining,
		"retry_after": retryAfter,
		"limit":       limit,
	})
}

// NewConcurrencyExceeded creates a concurrency cap error
func NewConcurrencyExceeded(maxConcurrent int) *A2AError {
	return New(ErrConcurrencyExceeded, "too many concurrent requests").WithData(map[string]interface{}{
		"max_concurrent": maxConcurrent,
	})
}

// NewSignatureError creates a signature error carrying only a coarse reason
func NewSignatureError(code ErrorCode, reason string) *A2AError {
	msg := "invalid signature"
	if code == ErrSignatureExpired {
		msg = "signature expired"
	}
	return New(code, msg).WithData(map[string]interface{}{"reason": reason})
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string) *A2AError {
	return Newf(ErrNotFound, "%s not found", resource)
}

// NewInternalError creates an internal error
func NewInternalError(message string, cause error) *A2AError {
	return Wrap(ErrInternal, message, cause)
}

// IsA2AError checks if an error is an A2AError
func IsA2AError(err error) bool {
	var a2aErr *A2AError
	return stderrors.As(err, &a2aErr)
}

// AsA2AError converts an error to A2AError if possible
func AsA2AError(err error) (*A2AError, bool) {
	var a2aErr *A2AError
	if stderrors.As(err, &a2aErr) {
		return a2aErr, true
	}
	return nil, false
}

// FromError converts any error into an A2AError, treating unknown errors as internal.
func FromError(err error) *A2AError {
	if err == nil {
		return nil
	}
	if a2aErr, ok := AsA2AError(err); ok {
		return a2aErr
	}
	return NewInternalError("internal error", err)
}
