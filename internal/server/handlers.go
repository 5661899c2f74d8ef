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
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/amtp-protocol/a2a-gateway/internal/agents"
	"github.com/amtp-protocol/a2a-gateway/internal/dispatch"
	"github.com/amtp-protocol/a2a-gateway/internal/errors"
	"github.com/amtp-protocol/a2a-gateway/internal/logging"
	"github.com/amtp-protocol/a2a-gateway/internal/protocol"
	"github.com/amtp-protocol/a2a-gateway/internal/signature"
)

// handleRPC handles POST /a2a/v1/rpc. Every outcome, including transport
// failures, is answered with an envelope.
func (s *Server) handleRPC(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		aerr := errors.New(errors.ErrInvalidRequest, "request body too large or unreadable")
		c.JSON(http.StatusRequestEntityTooLarge, protocol.Failure(nil, aerr))
		return
	}

	in := &dispatch.Inbound{
		Body:       body,
		Credential: s.credential(c.Request),
		Signature:  c.GetHeader(signature.HeaderSignature),
		Message:    signature.MessageFromRequest(c.Request, body),
		RemoteIP:   c.ClientIP(),
		UserAgent:  c.Request.UserAgent(),
	}

	out := s.dispatcher.Handle(c.Request.Context(), in)
	if out.AgentID != "" {
		c.Request = c.Request.WithContext(logging.WithAgentID(c.Request.Context(), out.AgentID))
	}
	if out.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(out.RetryAfter))
	}
	status := out.HTTPStatus()
	if status >= 500 && out.Err != nil {
		s.metrics.RecordError("rpc", out.Err.Code.String())
	}
	c.JSON(status, out.Response)
}

// credential extracts the bearer credential from the configured header,
// falling back to Authorization
func (s *Server) credential(r *http.Request) string {
	header := s.config.Auth.APIKeyHeader
	if header != "" && !strings.EqualFold(header, "Authorization") {
		if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
			return v
		}
	}
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// handleManifest handles GET /.well-known/a2a.json
func (s *Server) handleManifest(c *gin.Context) {
	c.Header("Cache-Control", "public, max-age=300")
	c.JSON(http.StatusOK, s.dispatcher.Manifest())
}

// handleSelfRegister handles POST /a2a/v1/agents when open registration is
// enabled. Self-registered agents wait for an operator to activate them.
func (s *Server) handleSelfRegister(c *gin.Context) {
	var req agents.RegisterRequest
	if !s.bindJSON(c, &req) {
		return
	}
	req.Activate = false
	req.Tier = ""

	s.register(c, req)
}

func (s *Server) register(c *gin.Context, req agents.RegisterRequest) {
	reg, err := s.registry.Register(c.Request.Context(), req)
	if err != nil {
		if isStoreError(err) {
			s.respondWithStoreError(c, err)
			return
		}
		s.respondWithError(c, http.StatusBadRequest, "AGENT_REGISTRATION_FAILED",
			"Failed to register agent", map[string]interface{}{
				"error": err.Error(),
			})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"message":    "Agent registered successfully",
		"agent":      reg.Agent,
		"credential": reg.Credential,
	})
}
