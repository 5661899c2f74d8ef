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
	"context"
	"encoding/base64"
	stderrors "errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/amtp-protocol/a2a-gateway/internal/agents"
	"github.com/amtp-protocol/a2a-gateway/internal/ratelimit"
	"github.com/amtp-protocol/a2a-gateway/internal/signature"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func isStoreError(err error) bool {
	return stderrors.Is(err, agents.ErrAgentNotFound) ||
		stderrors.Is(err, agents.ErrAgentExists) ||
		stderrors.Is(err, agents.ErrInvalidTransition) ||
		stderrors.Is(err, signature.ErrKeyNotFound) ||
		stderrors.Is(err, signature.ErrKeyRevoked)
}

// handleRegisterAgent handles POST /admin/v1/agents
func (s *Server) handleRegisterAgent(c *gin.Context) {
	var req agents.RegisterRequest
	if !s.bindJSON(c, &req) {
		return
	}
	s.register(c, req)
}

// handleListAgents handles GET /admin/v1/agents
func (s *Server) handleListAgents(c *gin.Context) {
	filter := agents.ListFilter{
		Status: agents.Status(c.Query("status")),
		Domain: strings.ToLower(c.Query("domain")),
		Limit:  queryInt(c, "limit", defaultListLimit),
		Offset: queryInt(c, "offset", 0),
	}
	if filter.Limit <= 0 || filter.Limit > maxListLimit {
		filter.Limit = defaultListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	list, err := s.registry.List(c.Request.Context(), filter)
	if err != nil {
		s.respondWithStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"agents": list,
		"count":  len(list),
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

// handleGetAgent handles GET /admin/v1/agents/:id
func (s *Server) handleGetAgent(c *gin.Context) {
	agent, err := s.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondWithStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// agentTransition adapts a registry status change to a handler
func (s *Server) agentTransition(fn func(context.Context, string) (*agents.Agent, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		agent, err := fn(c.Request.Context(), c.Param("id"))
		if err != nil {
			s.respondWithStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, agent)
	}
}

// handleRotateCredential handles POST /admin/v1/agents/:id/credential.
// The previous credential stops resolving immediately.
func (s *Server) handleRotateCredential(c *gin.Context) {
	credential, err := s.registry.RotateCredential(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondWithStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"agent_id":   c.Param("id"),
		"credential": credential,
	})
}

type setTierRequest struct {
	Tier string `json:"tier" binding:"required"`
}

// handleSetTier handles PUT /admin/v1/agents/:id/tier
func (s *Server) handleSetTier(c *gin.Context) {
	var req setTierRequest
	if !s.bindJSON(c, &req) {
		return
	}
	tier, ok := ratelimit.ParseTier(req.Tier)
	if !ok {
		s.respondWithError(c, http.StatusBadRequest, "INVALID_TIER", "Unknown tier", map[string]interface{}{
			"tier": req.Tier,
		})
		return
	}
	agent, err := s.registry.SetTier(c.Request.Context(), c.Param("id"), tier)
	if err != nil {
		s.respondWithStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

type keyRequest struct {
	Domain string `json:"domain" binding:"required"`
	Reason string `json:"reason"`
}

// keyResponse carries a freshly minted key. The private half is returned
// once and never stored by the gateway.
type keyResponse struct {
	*signature.Key
	PrivateKey string `json:"private_key"`
}

func newKeyResponse(key *signature.Key) keyResponse {
	return keyResponse{
		Key:        key,
		PrivateKey: base64.StdEncoding.EncodeToString(key.PrivateKey),
	}
}

// handleGenerateKey handles POST /admin/v1/keys
func (s *Server) handleGenerateKey(c *gin.Context) {
	var req keyRequest
	if !s.bindJSON(c, &req) {
		return
	}
	key, err := s.keys.Generate(c.Request.Context(), strings.ToLower(req.Domain))
	if err != nil {
		s.respondWithStoreError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newKeyResponse(key))
}

// handleRotateKey handles POST /admin/v1/keys/rotate
func (s *Server) handleRotateKey(c *gin.Context) {
	var req keyRequest
	if !s.bindJSON(c, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "scheduled rotation"
	}
	key, err := s.keys.Rotate(c.Request.Context(), strings.ToLower(req.Domain), req.Reason)
	if err != nil {
		s.respondWithStoreError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newKeyResponse(key))
}

// handleListKeys handles GET /admin/v1/keys?domain=
func (s *Server) handleListKeys(c *gin.Context) {
	domain := strings.ToLower(c.Query("domain"))
	if domain == "" {
		s.respondWithError(c, http.StatusBadRequest, "MISSING_DOMAIN", "domain query parameter is required", nil)
		return
	}
	keys, err := s.keys.List(c.Request.Context(), domain)
	if err != nil {
		s.respondWithStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"domain": domain,
		"keys":   keys,
		"count":  len(keys),
	})
}

// handleKeyAudit handles GET /admin/v1/keys/audit?domain=&limit=
func (s *Server) handleKeyAudit(c *gin.Context) {
	domain := strings.ToLower(c.Query("domain"))
	if domain == "" {
		s.respondWithError(c, http.StatusBadRequest, "MISSING_DOMAIN", "domain query parameter is required", nil)
		return
	}
	entries, err := s.keys.AuditTrail(c.Request.Context(), domain, queryInt(c, "limit", 100))
	if err != nil {
		s.respondWithStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"domain":  domain,
		"entries": entries,
		"count":   len(entries),
	})
}

// handleRevokeKey handles DELETE /admin/v1/keys/:id
func (s *Server) handleRevokeKey(c *gin.Context) {
	reason := c.Query("reason")
	if reason == "" {
		reason = "revoked by operator"
	}
	if err := s.keys.Revoke(c.Request.Context(), c.Param("id"), reason); err != nil {
		s.respondWithStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "Key revoked successfully",
		"key_id":  c.Param("id"),
	})
}

// handleStats handles GET /admin/v1/stats
func (s *Server) handleStats(c *gin.Context) {
	ctx := c.Request.Context()

	storageStats, err := s.storage.GetStats(ctx)
	if err != nil {
		s.respondWithStoreError(c, err)
		return
	}
	agentStats, err := s.registry.Stats(ctx)
	if err != nil {
		s.respondWithStoreError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"storage":   storageStats,
		"agents":    agentStats,
		"queue":     s.queue.Stats(ctx),
		"cache":     s.cache.Stats(),
		"streaming": s.hub.Stats(),
		"version":   Version,
		"timestamp": s.now().UTC(),
	})
}

// handlePurge handles POST /admin/v1/queue/purge
func (s *Server) handlePurge(c *gin.Context) {
	result, err := s.queue.Purge(c.Request.Context())
	if err != nil {
		s.respondWithStoreError(c, err)
		return
	}
	s.logger.WithContext(c.Request.Context()).WithFields(map[string]interface{}{
		"jobs":    result.Jobs,
		"batches": result.Batches,
	}).Info("Purged expired jobs")
	c.JSON(http.StatusOK, result)
}

func queryInt(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
