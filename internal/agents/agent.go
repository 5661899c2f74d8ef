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

package agents

import (
	"context"
	"errors"
	"time"

	"github.com/amtp-protocol/a2a-gateway/internal/ratelimit"
)

var (
	// ErrAgentNotFound is returned when no agent matches
	ErrAgentNotFound = errors.New("agent not found")
	// ErrAgentExists is returned when registering a duplicate name in a domain
	ErrAgentExists = errors.New("agent already registered")
	// ErrInvalidCredential is returned for unknown, forged or rotated credentials
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrAgentInactive is returned by Authorize for non-active agents
	ErrAgentInactive = errors.New("agent is not active")
	// ErrTrustTooLow is returned by Authorize when trust is at or below the floor
	ErrTrustTooLow = errors.New("agent trust score below floor")
	// ErrInvalidTransition is returned for disallowed status changes
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Status is an agent's lifecycle state
type Status string

const (
	StatusPendingVerification Status = "pending_verification"
	StatusActive              Status = "active"
	StatusInactive            Status = "inactive"
	StatusBanned              Status = "banned"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusPendingVerification, StatusActive, StatusInactive, StatusBanned:
		return true
	}
	return false
}

// Agent is a registered A2A client
type Agent struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Domain           string         `json:"domain"`
	Capabilities     []string       `json:"capabilities"`
	Contact          string         `json:"contact,omitempty"`
	CredentialHash   string         `json:"-"`
	Status           Status         `json:"status"`
	Tier             ratelimit.Tier `json:"tier"`
	TotalRequests    int64          `json:"total_requests"`
	FailedRequests   int64          `json:"failed_requests"`
	AvgLatencyMs     float64        `json:"avg_latency_ms"`
	TrustScore       float64        `json:"trust_score"`
	RecentIPs        []string       `json:"recent_ips"`
	RecentUserAgents []string       `json:"recent_user_agents"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	LastSeenAt       *time.Time     `json:"last_seen_at,omitempty"`
}

// Clone returns a deep copy
func (a *Agent) Clone() *Agent {
	cp := *a
	cp.Capabilities = append([]string(nil), a.Capabilities...)
	cp.RecentIPs = append([]string(nil), a.RecentIPs...)
	cp.RecentUserAgents = append([]string(nil), a.RecentUserAgents...)
	if a.LastSeenAt != nil {
		t := *a.LastSeenAt
		cp.LastSeenAt = &t
	}
	return &cp
}

// SuccessfulRequests returns total minus failed
func (a *Agent) SuccessfulRequests() int64 {
	return a.TotalRequests - a.FailedRequests
}

// ListFilter narrows ListAgents
type ListFilter struct {
	Status Status
	Domain string
	Limit  int
	Offset int
}

// Store persists agent records
type Store interface {
	CreateAgent(ctx context.Context, agent *Agent) error
	UpdateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	GetAgentByCredential(ctx context.Context, credentialHash string) (*Agent, error)
	ListAgents(ctx context.Context, filter ListFilter) ([]*Agent, error)
}

// Activity is one observed request outcome
type Activity struct {
	Success   bool
	Latency   time.Duration
	IP        string
	UserAgent string
}
