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
	"fmt"
	"sort"
	"sync"

	"github.com/amtp-protocol/a2a-gateway/internal/agents"
	"github.com/amtp-protocol/a2a-gateway/internal/queue"
	"github.com/amtp-protocol/a2a-gateway/internal/signature"
)

// MemoryStorage implements Storage using in-memory maps. Jobs live in the
// queue's own lane store.
type MemoryStorage struct {
	*queue.MemoryStore

	agentsMux    sync.RWMutex
	agents       map[string]*agents.Agent
	byCredential map[string]string

	keysMux  sync.RWMutex
	keys     map[string]*signature.Key
	keyAudit []*signature.AuditEntry
}

// NewMemoryStorage creates a new in-memory storage instance
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		MemoryStore:  queue.NewMemoryStore(),
		agents:       make(map[string]*agents.Agent),
		byCredential: make(map[string]string),
		keys:         make(map[string]*signature.Key),
	}
}

// CreateAgent stores a new agent
func (ms *MemoryStorage) CreateAgent(ctx context.Context, agent *agents.Agent) error {
	if agent == nil || agent.ID == "" {
		return fmt.Errorf("agent ID cannot be empty")
	}

	ms.agentsMux.Lock()
	defer ms.agentsMux.Unlock()

	if _, exists := ms.agents[agent.ID]; exists {
		return agents.ErrAgentExists
	}
	if _, exists := ms.byCredential[agent.CredentialHash]; exists {
		return agents.ErrAgentExists
	}
	ms.agents[agent.ID] = agent.Clone()
	ms.byCredential[agent.CredentialHash] = agent.ID
	return nil
}

// UpdateAgent replaces an existing agent, re-indexing a rotated credential
func (ms *MemoryStorage) UpdateAgent(ctx context.Context, agent *agents.Agent) error {
	ms.agentsMux.Lock()
	defer ms.agentsMux.Unlock()

	old, exists := ms.agents[agent.ID]
	if !exists {
		return agents.ErrAgentNotFound
	}
	if old.CredentialHash != agent.CredentialHash {
		delete(ms.byCredential, old.CredentialHash)
		ms.byCredential[agent.CredentialHash] = agent.ID
	}
	ms.agents[agent.ID] = agent.Clone()
	return nil
}

// GetAgent retrieves an agent by ID
func (ms *MemoryStorage) GetAgent(ctx context.Context, id string) (*agents.Agent, error) {
	ms.agentsMux.RLock()
	defer ms.agentsMux.RUnlock()

	agent, exists := ms.agents[id]
	if !exists {
		return nil, agents.ErrAgentNotFound
	}
	return agent.Clone(), nil
}

// GetAgentByCredential looks an agent up by credential hash
func (ms *MemoryStorage) GetAgentByCredential(ctx context.Context, hash string) (*agents.Agent, error) {
	ms.agentsMux.RLock()
	defer ms.agentsMux.RUnlock()

	id, exists := ms.byCredential[hash]
	if !exists {
		return nil, agents.ErrAgentNotFound
	}
	return ms.agents[id].Clone(), nil
}

// ListAgents returns agents ordered by creation time
func (ms *MemoryStorage) ListAgents(ctx context.Context, filter agents.ListFilter) ([]*agents.Agent, error) {
	ms.agentsMux.RLock()
	var out []*agents.Agent
	for _, a := range ms.agents {
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if filter.Domain != "" && a.Domain != filter.Domain {
			continue
		}
		out = append(out, a.Clone())
	}
	ms.agentsMux.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return paginate(out, filter.Offset, filter.Limit), nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func copyKey(k *signature.Key) *signature.Key {
	cp := *k
	cp.PrivateKey = nil
	return &cp
}

// SaveKey stores a new key. Private key material is never retained.
func (ms *MemoryStorage) SaveKey(ctx context.Context, key *signature.Key) error {
	ms.keysMux.Lock()
	defer ms.keysMux.Unlock()

	if _, exists := ms.keys[key.ID]; exists {
		return fmt.Errorf("key %s already exists", key.ID)
	}
	ms.keys[key.ID] = copyKey(key)
	return nil
}

// UpdateKey replaces an existing key
func (ms *MemoryStorage) UpdateKey(ctx context.Context, key *signature.Key) error {
	ms.keysMux.Lock()
	defer ms.keysMux.Unlock()

	if _, exists := ms.keys[key.ID]; !exists {
		return signature.ErrKeyNotFound
	}
	ms.keys[key.ID] = copyKey(key)
	return nil
}

// GetKey retrieves a key by id
func (ms *MemoryStorage) GetKey(ctx context.Context, keyID string) (*signature.Key, error) {
	ms.keysMux.RLock()
	defer ms.keysMux.RUnlock()

	key, exists := ms.keys[keyID]
	if !exists {
		return nil, signature.ErrKeyNotFound
	}
	return copyKey(key), nil
}

// ListKeys returns a domain's keys, oldest first
func (ms *MemoryStorage) ListKeys(ctx context.Context, domain string) ([]*signature.Key, error) {
	ms.keysMux.RLock()
	var out []*signature.Key
	for _, k := range ms.keys {
		if k.Domain == domain {
			out = append(out, copyKey(k))
		}
	}
	ms.keysMux.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// AppendKeyAudit records one key lifecycle entry
func (ms *MemoryStorage) AppendKeyAudit(ctx context.Context, entry *signature.AuditEntry) error {
	ms.keysMux.Lock()
	defer ms.keysMux.Unlock()

	cp := *entry
	ms.keyAudit = append(ms.keyAudit, &cp)
	return nil
}

// ListKeyAudit returns the most recent entries for a domain in
// chronological order
func (ms *MemoryStorage) ListKeyAudit(ctx context.Context, domain string, limit int) ([]*signature.AuditEntry, error) {
	ms.keysMux.RLock()
	defer ms.keysMux.RUnlock()

	var out []*signature.AuditEntry
	for _, e := range ms.keyAudit {
		if domain == "" || e.Domain == domain {
			cp := *e
			out = append(out, &cp)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Close is a no-op for memory storage
func (ms *MemoryStorage) Close() error {
	return nil
}

// HealthCheck always succeeds for memory storage
func (ms *MemoryStorage) HealthCheck(ctx context.Context) error {
	return nil
}

// GetStats returns storage statistics
func (ms *MemoryStorage) GetStats(ctx context.Context) (StorageStats, error) {
	var stats StorageStats

	ms.agentsMux.RLock()
	stats.Agents = int64(len(ms.agents))
	for _, a := range ms.agents {
		if a.Status == agents.StatusActive {
			stats.ActiveAgents++
		}
	}
	ms.agentsMux.RUnlock()

	ms.keysMux.RLock()
	stats.Keys = int64(len(ms.keys))
	stats.KeyAuditItems = int64(len(ms.keyAudit))
	ms.keysMux.RUnlock()

	jobs, batches := ms.MemoryStore.Len()
	stats.Jobs = int64(jobs)
	stats.Batches = int64(batches)
	depth, err := ms.Depth(ctx)
	if err != nil {
		return stats, err
	}
	for _, n := range depth {
		stats.PendingJobs += int64(n)
	}
	return stats, nil
}
