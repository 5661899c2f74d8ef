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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := getDefaultConfig()
	cfg.Server.Domain = "audit.example.com"
	return cfg
}

func TestConfigValidation(t *testing.T) {
	tempDir := t.TempDir()
	validKeysFile := filepath.Join(tempDir, "admin.keys")
	if err := os.WriteFile(validKeysFile, []byte("admin-key-1\n"), 0600); err != nil {
		t.Fatalf("Failed to write valid keys file: %v", err)
	}

	tests := []struct {
		name        string
		mutate      func(*Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:   "defaults",
			mutate: func(c *Config) {},
		},
		{
			name:   "valid admin key file",
			mutate: func(c *Config) { c.Auth.AdminKeyFile = validKeysFile },
		},
		{
			name:        "non-existent admin key file",
			mutate:      func(c *Config) { c.Auth.AdminKeyFile = "/non/existent/file.txt" },
			expectError: true,
			errorMsg:    "admin key file not found: /non/existent/file.txt",
		},
		{
			name:        "empty domain",
			mutate:      func(c *Config) { c.Server.Domain = " " },
			expectError: true,
			errorMsg:    "invalid server domain: domain is required",
		},
		{
			name:        "trust floor out of range",
			mutate:      func(c *Config) { c.Auth.TrustFloor = 120 },
			expectError: true,
			errorMsg:    "trust floor must be within [0,100]",
		},
		{
			name: "zero burst tier",
			mutate: func(c *Config) {
				c.RateLimit.Tiers = map[string]TierConfig{"pro": {RequestsPerMinute: 300, Burst: 0, MaxConcurrent: 10}}
			},
			expectError: true,
			errorMsg:    "rate limit tier pro must have positive limits",
		},
		{
			name:        "database storage without dsn",
			mutate:      func(c *Config) { c.Storage.Type = "database" },
			expectError: true,
			errorMsg:    "database DSN is required for database storage",
		},
		{
			name:        "database bucket store on memory storage",
			mutate:      func(c *Config) { c.RateLimit.Store = "database" },
			expectError: true,
			errorMsg:    "database rate limit store requires database storage",
		},
		{
			name:        "unknown bucket store",
			mutate:      func(c *Config) { c.RateLimit.Store = "etcd" },
			expectError: true,
			errorMsg:    "unsupported rate limit store: etcd",
		},
		{
			name:   "authority covered",
			mutate: func(c *Config) { c.Auth.SignatureFields = []string{"@method", "@target-uri", "@authority"} },
		},
		{
			name:        "unknown signature component",
			mutate:      func(c *Config) { c.Auth.SignatureFields = []string{"@method", "@path"} },
			expectError: true,
			errorMsg:    "unsupported signature component: @path",
		},
		{
			name:        "tls without certs",
			mutate:      func(c *Config) { c.TLS.Enabled = true },
			expectError: true,
			errorMsg:    "TLS cert and key files are required when TLS is enabled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.validate()

			if tt.expectError && err == nil {
				t.Fatal("Expected error but got none")
			}
			if !tt.expectError && err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if tt.expectError && tt.errorMsg != "" && err.Error() != tt.errorMsg {
				t.Errorf("Expected error message '%s', got '%s'", tt.errorMsg, err.Error())
			}
		})
	}
}

func TestGetDefaultConfig(t *testing.T) {
	cfg := getDefaultConfig()

	if cfg.Auth.SignatureMaxAge != 5*time.Minute {
		t.Errorf("Expected max age 5m, got %v", cfg.Auth.SignatureMaxAge)
	}
	if cfg.Auth.FutureTolerance != time.Minute {
		t.Errorf("Expected future tolerance 1m, got %v", cfg.Auth.FutureTolerance)
	}
	if cfg.Auth.TrustFloor != 20 {
		t.Errorf("Expected trust floor 20, got %v", cfg.Auth.TrustFloor)
	}
	if !cfg.Auth.RequireSignatures {
		t.Error("Expected signatures to be required by default")
	}
	if len(cfg.Auth.SignatureFields) != 2 || cfg.Auth.SignatureFields[0] != "@method" {
		t.Errorf("Expected @method and @target-uri required, got %v", cfg.Auth.SignatureFields)
	}
	if cfg.Auth.AdminAPIKeyHeader != "X-Admin-Key" {
		t.Errorf("Expected default admin API key header 'X-Admin-Key', got '%s'", cfg.Auth.AdminAPIKeyHeader)
	}
	if cfg.Storage.Type != "memory" || cfg.RateLimit.Store != "memory" {
		t.Error("Expected in-memory storage by default")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("A2A_DOMAIN", "agents.example.org")
	t.Setenv("A2A_REQUIRE_SIGNATURES", "false")
	t.Setenv("A2A_TRUST_FLOOR", "35")
	t.Setenv("A2A_QUEUE_WORKERS", "8")
	t.Setenv("A2A_HEARTBEAT_TIMEOUT", "90s")
	t.Setenv("A2A_ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("A2A_NATS_URL", "nats://localhost:4222")
	t.Setenv("A2A_SIGNATURE_COMPONENTS", "@method,@target-uri,@authority")

	cfg := getDefaultConfig()
	loadFromEnv(cfg)

	if cfg.Server.Domain != "agents.example.org" {
		t.Errorf("Expected domain override, got %s", cfg.Server.Domain)
	}
	if cfg.Auth.RequireSignatures {
		t.Error("Expected signatures to be optional")
	}
	if cfg.Auth.TrustFloor != 35 {
		t.Errorf("Expected trust floor 35, got %v", cfg.Auth.TrustFloor)
	}
	if cfg.Queue.Workers != 8 {
		t.Errorf("Expected 8 workers, got %d", cfg.Queue.Workers)
	}
	if cfg.Streaming.HeartbeatTimeout != 90*time.Second {
		t.Errorf("Expected heartbeat timeout 90s, got %v", cfg.Streaming.HeartbeatTimeout)
	}
	if len(cfg.Streaming.AllowedOrigins) != 2 {
		t.Errorf("Expected 2 allowed origins, got %v", cfg.Streaming.AllowedOrigins)
	}
	if cfg.Events.NATSURL != "nats://localhost:4222" {
		t.Errorf("Expected nats url, got %s", cfg.Events.NATSURL)
	}
	if len(cfg.Auth.SignatureFields) != 3 || cfg.Auth.SignatureFields[2] != "@authority" {
		t.Errorf("Expected three signature components, got %v", cfg.Auth.SignatureFields)
	}
}

func TestLoadFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlContent := `
server:
  domain: audit.example.com
auth:
  trust_floor: 25
rate_limit:
  store: memory
  tiers:
    pro:
      requests_per_minute: 600
      burst: 80
      max_concurrent: 12
queue:
  workers: 2
`
	if err := os.WriteFile(path, []byte(yamlContent), 0600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := LoadFrom(path, "")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Auth.TrustFloor != 25 {
		t.Errorf("Expected trust floor 25, got %v", cfg.Auth.TrustFloor)
	}
	if cfg.RateLimit.Tiers["pro"].Burst != 80 {
		t.Errorf("Expected pro burst 80, got %d", cfg.RateLimit.Tiers["pro"].Burst)
	}
	if cfg.Queue.Workers != 2 {
		t.Errorf("Expected 2 workers, got %d", cfg.Queue.Workers)
	}
	// Untouched values keep their defaults
	if cfg.Queue.PollInterval != 500*time.Millisecond {
		t.Errorf("Expected default poll interval, got %v", cfg.Queue.PollInterval)
	}
}

func TestLoadFromMissingFile(t *testing.T) {
	if _, err := LoadFrom("/does/not/exist.yaml", ""); err == nil {
		t.Error("Expected error for missing config file")
	}
}
