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

package storage

import (
	"context"

	"github.com/amtp-protocol/a2a-gateway/internal/agents"
	"github.com/amtp-protocol/a2a-gateway/internal/queue"
	"github.com/amtp-protocol/a2a-gateway/internal/signature"
)

// Storage is the persistence surface of the gateway. One backend serves
// the agent registry, the signing key store and the job queue.
type Storage interface {
	agents.Store
	signature.KeyStore
	queue.Store

	// Maintenance operations
	Close() error
	HealthCheck(ctx context.Context) error
	GetStats(ctx context.Context) (StorageStats, error)
}

// StorageStats provides storage statistics
type StorageStats struct {
	Agents        int64 `json:"agents"`
	ActiveAgents  int64 `json:"active_agents"`
	Keys          int64 `json:"keys"`
	KeyAuditItems int64 `json:"key_audit_entries"`
	Jobs          int64 `json:"jobs"`
	PendingJobs   int64 `json:"pending_jobs"`
	Batches       int64 `json:"batches"`
}
