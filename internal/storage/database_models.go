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
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"github.com/amtp-protocol/a2a-gateway/internal/agents"
	"github.com/amtp-protocol/a2a-gateway/internal/queue"
	"github.com/amtp-protocol/a2a-gateway/internal/ratelimit"
	"github.com/amtp-protocol/a2a-gateway/internal/signature"
)

// AgentRecord model
type AgentRecord struct {
	ID               string         `gorm:"primaryKey;size:64"`
	Name             string         `gorm:"size:255;not null"`
	Domain           string         `gorm:"size:255;index;not null"`
	Capabilities     datatypes.JSON `gorm:"not null"`
	Contact          string         `gorm:"size:255"`
	CredentialHash   string         `gorm:"size:64;uniqueIndex;not null"`
	Status           string         `gorm:"size:32;index;not null"`
	Tier             string         `gorm:"size:20;not null"`
	TotalRequests    int64          `gorm:"not null;default:0"`
	FailedRequests   int64          `gorm:"not null;default:0"`
	AvgLatencyMs     float64        `gorm:"not null;default:0"`
	TrustScore       float64        `gorm:"not null;default:50"`
	RecentIPs        datatypes.JSON
	RecentUserAgents datatypes.JSON
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
	LastSeenAt       *time.Time
}

// SigningKeyRecord model. Only public key material is persisted.
type SigningKeyRecord struct {
	KeyID        string `gorm:"primaryKey;size:128"`
	Domain       string `gorm:"size:255;index;not null"`
	PublicKey    []byte `gorm:"not null"`
	CreatedAt    time.Time
	ExpiresAt    *time.Time
	Revoked      bool `gorm:"not null;default:false"`
	RevokedAt    *time.Time
	RevokeReason string `gorm:"size:255"`
}

// KeyAuditRecord model, append-only
type KeyAuditRecord struct {
	ID        string    `gorm:"primaryKey;size:64"`
	KeyID     string    `gorm:"size:128;index;not null"`
	Domain    string    `gorm:"size:255;index;not null"`
	Action    string    `gorm:"size:20;not null"`
	Reason    string    `gorm:"size:255"`
	Timestamp time.Time `gorm:"index;not null"`
	Detail    datatypes.JSON
}

// JobRecord model
type JobRecord struct {
	ID           string `gorm:"primaryKey;size:64"`
	BatchID      string `gorm:"size:64;index"`
	Owner        string `gorm:"size:64;index;not null"`
	AgentID      string `gorm:"size:64;index"`
	Tier         string `gorm:"size:20"`
	Target       string `gorm:"type:text;not null"`
	Params       datatypes.JSON
	Priority     string `gorm:"size:10;not null"`
	PriorityRank int    `gorm:"not null;index:idx_audit_jobs_claim,priority:2"`
	Status       string `gorm:"size:20;not null;index:idx_audit_jobs_claim,priority:1"`
	Progress     int    `gorm:"not null;default:0"`
	Stage        string `gorm:"size:64"`
	RetryCount   int    `gorm:"not null;default:0"`
	MaxRetries   int    `gorm:"not null;default:0"`
	TimeoutMs    int64
	Result       datatypes.JSON
	Error        string    `gorm:"type:text"`
	CreatedAt    time.Time `gorm:"not null"`
	EnqueuedAt   time.Time `gorm:"not null;index:idx_audit_jobs_claim,priority:3"`
	NotBefore    *time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time `gorm:"index"`
}

// BatchRecord model
type BatchRecord struct {
	ID            string         `gorm:"primaryKey;size:64"`
	Owner         string         `gorm:"size:64;index;not null"`
	AgentID       string         `gorm:"size:64;index"`
	JobIDs        datatypes.JSON `gorm:"not null"`
	Status        string         `gorm:"size:20;not null"`
	TotalJobs     int            `gorm:"not null"`
	CompletedJobs int            `gorm:"not null;default:0"`
	FailedJobs    int            `gorm:"not null;default:0"`
	Progress      float64        `gorm:"not null;default:0"`
	CreatedAt     time.Time      `gorm:"not null"`
	CompletedAt   *time.Time     `gorm:"index"`
}

// BucketRecord model
type BucketRecord struct {
	BucketKey  string    `gorm:"primaryKey;size:255"`
	Tokens     float64   `gorm:"not null"`
	LastRefill time.Time `gorm:"not null"`
}

// TableName specify table name
func (AgentRecord) TableName() string {
	return "agents"
}

func (SigningKeyRecord) TableName() string {
	return "signing_keys"
}

func (KeyAuditRecord) TableName() string {
	return "key_audit_log"
}

func (JobRecord) TableName() string {
	return "audit_jobs"
}

func (BatchRecord) TableName() string {
	return "audit_batches"
}

func (BucketRecord) TableName() string {
	return "rate_buckets"
}

func allModels() []interface{} {
	return []interface{}{
		&AgentRecord{}, &SigningKeyRecord{}, &KeyAuditRecord{},
		&JobRecord{}, &BatchRecord{}, &BucketRecord{},
	}
}

func toJSON(v interface{}) datatypes.JSON {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return datatypes.JSON("[]")
	}
	return datatypes.JSON(data)
}

func rawJSON(raw json.RawMessage) datatypes.JSON {
	if len(raw) == 0 {
		return nil
	}
	return datatypes.JSON(raw)
}

func stringsFromJSON(data datatypes.JSON) []string {
	var out []string
	if len(data) > 0 {
		_ = json.Unmarshal(data, &out)
	}
	return out
}

func fromAgent(a *agents.Agent) *AgentRecord {
	return &AgentRecord{
		ID:               a.ID,
		Name:             a.Name,
		Domain:           a.Domain,
		Capabilities:     toJSON(a.Capabilities),
		Contact:          a.Contact,
		CredentialHash:   a.CredentialHash,
		Status:           string(a.Status),
		Tier:             string(a.Tier),
		TotalRequests:    a.TotalRequests,
		FailedRequests:   a.FailedRequests,
		AvgLatencyMs:     a.AvgLatencyMs,
		TrustScore:       a.TrustScore,
		RecentIPs:        toJSON(a.RecentIPs),
		RecentUserAgents: toJSON(a.RecentUserAgents),
		CreatedAt:        a.CreatedAt,
		UpdatedAt:        a.UpdatedAt,
		LastSeenAt:       a.LastSeenAt,
	}
}

func (r *AgentRecord) toAgent() *agents.Agent {
	return &agents.Agent{
		ID:               r.ID,
		Name:             r.Name,
		Domain:           r.Domain,
		Capabilities:     stringsFromJSON(r.Capabilities),
		Contact:          r.Contact,
		CredentialHash:   r.CredentialHash,
		Status:           agents.Status(r.Status),
		Tier:             ratelimit.Tier(r.Tier),
		TotalRequests:    r.TotalRequests,
		FailedRequests:   r.FailedRequests,
		AvgLatencyMs:     r.AvgLatencyMs,
		TrustScore:       r.TrustScore,
		RecentIPs:        stringsFromJSON(r.RecentIPs),
		RecentUserAgents: stringsFromJSON(r.RecentUserAgents),
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
		LastSeenAt:       r.LastSeenAt,
	}
}

func fromKey(k *signature.Key) *SigningKeyRecord {
	return &SigningKeyRecord{
		KeyID:        k.ID,
		Domain:       k.Domain,
		PublicKey:    []byte(k.PublicKey),
		CreatedAt:    k.CreatedAt,
		ExpiresAt:    k.ExpiresAt,
		Revoked:      k.Revoked,
		RevokedAt:    k.RevokedAt,
		RevokeReason: k.RevokeReason,
	}
}

func (r *SigningKeyRecord) toKey() *signature.Key {
	return &signature.Key{
		ID:           r.KeyID,
		Domain:       r.Domain,
		PublicKey:    r.PublicKey,
		CreatedAt:    r.CreatedAt,
		ExpiresAt:    r.ExpiresAt,
		Revoked:      r.Revoked,
		RevokedAt:    r.RevokedAt,
		RevokeReason: r.RevokeReason,
	}
}

func fromAuditEntry(e *signature.AuditEntry) *KeyAuditRecord {
	rec := &KeyAuditRecord{
		ID:        e.ID,
		KeyID:     e.KeyID,
		Domain:    e.Domain,
		Action:    string(e.Action),
		Reason:    e.Reason,
		Timestamp: e.Timestamp,
	}
	if len(e.Detail) > 0 {
		rec.Detail = toJSON(e.Detail)
	}
	return rec
}

func (r *KeyAuditRecord) toAuditEntry() *signature.AuditEntry {
	e := &signature.AuditEntry{
		ID:        r.ID,
		KeyID:     r.KeyID,
		Domain:    r.Domain,
		Action:    signature.AuditAction(r.Action),
		Reason:    r.Reason,
		Timestamp: r.Timestamp,
	}
	if len(r.Detail) > 0 {
		_ = json.Unmarshal(r.Detail, &e.Detail)
	}
	return e
}

func fromJob(j *queue.Job) *JobRecord {
	return &JobRecord{
		ID:           j.ID,
		BatchID:      j.BatchID,
		Owner:        j.Owner,
		AgentID:      j.AgentID,
		Tier:         j.Tier,
		Target:       j.Target,
		Params:       rawJSON(j.Params),
		Priority:     string(j.Priority),
		PriorityRank: j.Priority.Rank(),
		Status:       string(j.Status),
		Progress:     j.Progress,
		Stage:        j.Stage,
		RetryCount:   j.RetryCount,
		MaxRetries:   j.MaxRetries,
		TimeoutMs:    j.Timeout.Milliseconds(),
		Result:       rawJSON(j.Result),
		Error:        j.Error,
		CreatedAt:    j.CreatedAt,
		EnqueuedAt:   j.EnqueuedAt,
		NotBefore:    j.NotBefore,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
	}
}

func (r *JobRecord) toJob() *queue.Job {
	return &queue.Job{
		ID:          r.ID,
		BatchID:     r.BatchID,
		Owner:       r.Owner,
		AgentID:     r.AgentID,
		Tier:        r.Tier,
		Target:      r.Target,
		Params:      json.RawMessage(r.Params),
		Priority:    queue.Priority(r.Priority),
		Status:      queue.Status(r.Status),
		Progress:    r.Progress,
		Stage:       r.Stage,
		RetryCount:  r.RetryCount,
		MaxRetries:  r.MaxRetries,
		Timeout:     time.Duration(r.TimeoutMs) * time.Millisecond,
		Result:      json.RawMessage(r.Result),
		Error:       r.Error,
		CreatedAt:   r.CreatedAt,
		EnqueuedAt:  r.EnqueuedAt,
		NotBefore:   r.NotBefore,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}
}

func fromBatch(b *queue.Batch) *BatchRecord {
	return &BatchRecord{
		ID:            b.ID,
		Owner:         b.Owner,
		AgentID:       b.AgentID,
		JobIDs:        toJSON(b.JobIDs),
		Status:        string(b.Status),
		TotalJobs:     b.TotalJobs,
		CompletedJobs: b.CompletedJobs,
		FailedJobs:    b.FailedJobs,
		Progress:      b.Progress,
		CreatedAt:     b.CreatedAt,
		CompletedAt:   b.CompletedAt,
	}
}

func (r *BatchRecord) toBatch() *queue.Batch {
	return &queue.Batch{
		ID:            r.ID,
		Owner:         r.Owner,
		AgentID:       r.AgentID,
		JobIDs:        stringsFromJSON(r.JobIDs),
		Status:        queue.Status(r.Status),
		TotalJobs:     r.TotalJobs,
		CompletedJobs: r.CompletedJobs,
		FailedJobs:    r.FailedJobs,
		Progress:      r.Progress,
		CreatedAt:     r.CreatedAt,
		CompletedAt:   r.CompletedAt,
	}
}
