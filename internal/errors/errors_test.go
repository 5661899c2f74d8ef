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
	"fmt"
	"net/http"
	"testing"
)

func TestNew(t *testing.T) {
	err := New(ErrInvalidParams, "Test validation error")

	if err.Code != ErrInvalidParams {
		t.Errorf("Expected code %s, got %s", ErrInvalidParams, err.Code)
	}

	if err.Message != "Test validation error" {
		t.Errorf("Expected message 'Test validation error', got %s", err.Message)
	}

	if err.Cause != nil {
		t.Error("Expected no cause for new error")
	}
}

func TestWrap(t *testing.T) {
	cause := fmt.Errorf("underlying error")
	err := Wrapf(ErrUpstream, cause, "engine failed for %s", "https://example.com")

	if err.Cause != cause {
		t.Errorf("Expected cause to be set to %v, got %v", cause, err.Cause)
	}
	if err.Message != "engine failed for https://example.com" {
		t.Errorf("Unexpected message %q", err.Message)
	}

	wrapped := fmt.Errorf("outer: %w", err)
	got, ok := AsA2AError(wrapped)
	if !ok || got != err {
		t.Error("Expected AsA2AError to unwrap the chain")
	}
}

func TestCodeNames(t *testing.T) {
	tests := []struct {
		code ErrorCode
		name string
	}{
		{ErrParse, "PARSE_ERROR"},
		{ErrMethodNotFound, "METHOD_NOT_FOUND"},
		{ErrSignatureInvalid, "SIGNATURE_INVALID"},
		{ErrRateLimited, "RATE_LIMITED"},
		{ErrorCode(-1), "ERROR_-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.code.String(); got != tt.name {
				t.Errorf("Expected %s, got %s", tt.name, got)
			}
		})
	}
}

func TestIsTransport(t *testing.T) {
	transport := []ErrorCode{ErrParse, ErrInvalidRequest, ErrMethodNotFound, ErrInvalidParams, ErrInternal}
	for _, code := range transport {
		if !code.IsTransport() {
			t.Errorf("Expected %s to be a transport error", code)
		}
	}

	application := []ErrorCode{ErrAuthenticationRequired, ErrSignatureExpired, ErrRateLimited, ErrNotFound}
	for _, code := range application {
		if code.IsTransport() {
			t.Errorf("Expected %s to be an application error", code)
		}
	}
}

func TestToObjectDropsTransportData(t *testing.T) {
	err := New(ErrParse, "bad json").WithData(map[string]interface{}{"retry_after": 5})
	if obj := err.ToObject(); obj.Data != nil {
		t.Errorf("Expected transport error data to be dropped, got %v", obj.Data)
	}

	limited := NewRateLimited(0.5, 2, 10)
	obj := limited.ToObject()
	if obj.Code != -32010 {
		t.Errorf("Expected code -32010, got %d", obj.Code)
	}
	if obj.Data["retry_after"] != 2 || obj.Data["remaining"] != 0.5 || obj.Data["limit"] != 10 {
		t.Errorf("Unexpected rate limit data: %v", obj.Data)
	}
}

func TestSignatureErrorReason(t *testing.T) {
	err := NewSignatureError(ErrSignatureExpired, "stale")
	if err.Message != "signature expired" {
		t.Errorf("Expected 'signature expired', got %s", err.Message)
	}
	if err.Data["reason"] != "stale" {
		t.Errorf("Expected reason 'stale', got %v", err.Data["reason"])
	}
}

func TestGetHTTPStatus(t *testing.T) {
	tests := []struct {
		code     ErrorCode
		expected int
	}{
		{ErrParse, http.StatusBadRequest},
		{ErrInvalidParams, http.StatusBadRequest},
		{ErrMethodNotFound, http.StatusNotFound},
		{ErrSignatureInvalid, http.StatusUnauthorized},
		{ErrForbidden, http.StatusForbidden},
		{ErrRateLimited, http.StatusTooManyRequests},
		{ErrConcurrencyExceeded, http.StatusTooManyRequests},
		{ErrServiceUnavailable, http.StatusServiceUnavailable},
		{ErrTimeout, http.StatusGatewayTimeout},
		{ErrInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			if got := New(tt.code, "x").GetHTTPStatus(); got != tt.expected {
				t.Errorf("Expected status %d, got %d", tt.expected, got)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if !NewRateLimited(0, 1, 5).IsRetryable() {
		t.Error("Expected rate limit to be retryable")
	}
	if New(ErrSignatureInvalid, "x").IsRetryable() {
		t.Error("Expected signature failure to be non-retryable")
	}
}

func TestFromError(t *testing.T) {
	if FromError(nil) != nil {
		t.Error("Expected nil for nil error")
	}
	err := FromError(fmt.Errorf("boom"))
	if err.Code != ErrInternal {
		t.Errorf("Expected internal error, got %s", err.Code)
	}
}
