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

package middleware

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/amtp-protocol/a2a-gateway/internal/config"
	"github.com/amtp-protocol/a2a-gateway/internal/logging"
	"github.com/amtp-protocol/a2a-gateway/internal/metrics"
	"github.com/amtp-protocol/a2a-gateway/internal/protocol"
)

// HeaderRequestID carries the request correlation id
const HeaderRequestID = "X-Request-ID"

// HeaderProtocolVersion optionally pins the protocol version at the HTTP layer
const HeaderProtocolVersion = "X-A2A-Version"

// Logger writes one structured line per request
func Logger(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		logger.WithContext(c.Request.Context()).LogRequest(
			c.Request.Method,
			path,
			c.ClientIP(),
			c.Request.UserAgent(),
			c.Writer.Status(),
			time.Since(start),
		)
	}
}

// RequestID adds a unique request ID to each request and its context
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(HeaderRequestID)
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.New().String()
		}

		c.Header(HeaderRequestID, requestID)
		c.Set("request_id", requestID)
		c.Request = c.Request.WithContext(logging.WithRequestID(c.Request.Context(), requestID))
		c.Next()
	}
}

// Metrics records request counts, latency and in-flight requests
func Metrics(m metrics.Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		m.IncHTTPRequestsInFlight()
		defer m.DecHTTPRequestsInFlight()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}

// CORS adds CORS headers. With no allowed origins every origin is echoed.
func CORS(allowedOrigins []string, credentialHeader string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.TrimSuffix(o, "/")] = true
	}
	headers := []string{
		"Content-Type", "Authorization", HeaderRequestID, HeaderProtocolVersion, "X-Admin-Key",
		"Signature", "Signature-Input", "Content-Digest",
	}
	if credentialHeader != "" && credentialHeader != "Authorization" {
		headers = append(headers, credentialHeader)
	}
	allowHeaders := strings.Join(headers, ", ")

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (len(allowed) == 0 || allowed[origin]) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", allowHeaders)
			c.Header("Access-Control-Expose-Headers", HeaderRequestID+", Retry-After")
			c.Header("Access-Control-Max-Age", "86400")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// SecurityHeaders adds security-related headers
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if c.Request.TLS != nil {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}

// RequestSizeLimit limits the size of incoming requests
func RequestSizeLimit(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": gin.H{
					"code":    "PAYLOAD_TOO_LARGE",
					"message": fmt.Sprintf("Request body too large. Maximum size is %d bytes", maxSize),
				},
			})
			c.Abort()
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// AdminAuth guards administrative operations with keys from the admin key file
func AdminAuth(cfg config.AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		// no key file configured: admin API is open, intended for local development
		if cfg.AdminKeyFile == "" {
			c.Next()
			return
		}

		adminKey := c.GetHeader(cfg.AdminAPIKeyHeader)
		if adminKey == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"code":    "ADMIN_AUTHENTICATION_REQUIRED",
					"message": "Admin API key required for administrative operations",
					"details": gin.H{
						"required_header": cfg.AdminAPIKeyHeader,
						"endpoint":        c.Request.URL.Path,
					},
				},
			})
			c.Abort()
			return
		}

		if !validateAdminKey(adminKey, cfg.AdminKeyFile) {
			c.JSON(http.StatusForbidden, gin.H{
				"error": gin.H{
					"code":    "ADMIN_ACCESS_DENIED",
					"message": "Invalid admin API key",
					"details": gin.H{
						"endpoint": c.Request.URL.Path,
					},
				},
			})
			c.Abort()
			return
		}

		c.Set("admin_authenticated", true)
		c.Next()
	}
}

// ProtocolVersion rejects an explicit version header the gateway does not speak
func ProtocolVersion() gin.HandlerFunc {
	return func(c *gin.Context) {
		version := c.GetHeader(HeaderProtocolVersion)
		if version != "" && version != protocol.Version {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": gin.H{
					"code":    "UNSUPPORTED_VERSION",
					"message": fmt.Sprintf("Unsupported protocol version: %s", version),
				},
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// validateAdminKey validates the provided admin key against the key file
func validateAdminKey(providedKey, keyFile string) bool {
	data, err := os.ReadFile(filepath.Clean(keyFile))
	if err != nil {
		return false
	}

	// one key per line, blank lines and comments ignored
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(providedKey), []byte(line)) == 1 {
			return true
		}
	}

	return false
}
