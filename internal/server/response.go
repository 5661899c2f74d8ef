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

package server

import (
	stderrors "errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/amtp-protocol/a2a-gateway/internal/agents"
	"github.com/amtp-protocol/a2a-gateway/internal/signature"
)

// ErrorResponse is the body of a failed admin or registration call.
// Protocol calls answer with envelope errors instead.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes an admin API error
type ErrorDetail struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	RequestID string                 `json:"request_id,omitempty"`
}

// respondWithError sends a standardized error response
func (s *Server) respondWithError(c *gin.Context, statusCode int, code, message string, details map[string]interface{}) {
	errorResponse := ErrorResponse{
		Error: ErrorDetail{
			Code:      code,
			Message:   message,
			Details:   details,
			Timestamp: s.now().UTC(),
			RequestID: c.GetString("request_id"),
		},
	}

	logger := s.logger.WithContext(c.Request.Context()).WithFields(map[string]interface{}{
		"status_code": statusCode,
		"error_code":  code,
		"method":      c.Request.Method,
		"path":        c.Request.URL.Path,
		"remote_addr": c.ClientIP(),
	})
	if statusCode >= 500 {
		logger.Error(message, nil)
	} else {
		logger.Warn(message)
	}

	s.metrics.RecordError("admin", code)
	c.JSON(statusCode, errorResponse)
}

// respondWithStoreError maps registry and key manager errors to responses
func (s *Server) respondWithStoreError(c *gin.Context, err error) {
	switch {
	case stderrors.Is(err, agents.ErrAgentNotFound):
		s.respondWithError(c, http.StatusNotFound, "AGENT_NOT_FOUND", "Agent not found", nil)
	case stderrors.Is(err, agents.ErrAgentExists):
		s.respondWithError(c, http.StatusConflict, "AGENT_EXISTS", "Agent already registered", nil)
	case stderrors.Is(err, agents.ErrInvalidTransition):
		s.respondWithError(c, http.StatusConflict, "INVALID_TRANSITION", err.Error(), nil)
	case stderrors.Is(err, signature.ErrKeyNotFound):
		s.respondWithError(c, http.StatusNotFound, "KEY_NOT_FOUND", "Signing key not found", nil)
	case stderrors.Is(err, signature.ErrKeyRevoked):
		s.respondWithError(c, http.StatusConflict, "KEY_ALREADY_REVOKED", "Signing key already revoked", nil)
	default:
		s.logger.WithContext(c.Request.Context()).Error("admin operation failed", err)
		s.respondWithError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Operation failed", nil)
	}
}

// bindJSON decodes the body or answers 400
func (s *Server) bindJSON(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		s.respondWithError(c, http.StatusBadRequest, "INVALID_REQUEST_FORMAT",
			"Invalid request format", map[string]interface{}{
				"parse_error": err.Error(),
			})
		return false
	}
	return true
}
