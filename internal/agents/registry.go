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
	"crypto/subtle"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amtp-protocol/a2a-gateway/internal/logging"
	"github.com/amtp-protocol/a2a-gateway/internal/ratelimit"
)

// RegisterRequest describes a new agent
type RegisterRequest struct {
	Name         string   `json:"name" binding:"required"`
	Domain       string   `json:"domain" binding:"required"`
	Capabilities []string `json:"capabilities"`
	Contact      string   `json:"contact"`
	Tier         string   `json:"tier"`
	Activate     bool     `json:"activate"`
}

// Registration is the result of Register. Credential is shown exactly once.
type Registration struct {
	Agent      *Agent `json:"agent"`
	Credential string `json:"credential"`
}

// Registry manages agent records, credentials and trust
type Registry struct {
	store       Store
	issuer      *Issuer
	weights     TrustWeights
	trustFloor  float64
	ringLength  int
	defaultTier ratelimit.Tier
	now         func() time.Time
	logger      *logging.Logger

	// per-agent locks serialize read-modify-write of one record
	locks sync.Map
}

// RegistryConfig defines agent registry configuration
type RegistryConfig struct {
	Issuer      *Issuer
	Weights     *TrustWeights
	TrustFloor  float64
	RingLength  int
	DefaultTier ratelimit.Tier
	Now         func() time.Time
	Logger      *logging.Logger
}

// NewRegistry creates a new agent registry
func NewRegistry(cfg RegistryConfig, store Store) *Registry {
	r := &Registry{
		store:       store,
		issuer:      cfg.Issuer,
		weights:     DefaultTrustWeights(),
		trustFloor:  cfg.TrustFloor,
		ringLength:  cfg.RingLength,
		defaultTier: cfg.DefaultTier,
		now:         cfg.Now,
		logger:      logging.Nop(),
	}
	if cfg.Weights != nil {
		r.weights = *cfg.Weights
	}
	if r.ringLength <= 0 {
		r.ringLength = 10
	}
	if r.defaultTier == "" {
		r.defaultTier = ratelimit.TierFree
	}
	if r.now == nil {
		r.now = time.Now
	}
	if cfg.Logger != nil {
		r.logger = cfg.Logger.WithComponent("agents")
	}
	return r
}

var (
	agentNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._\- ]{0,63}$`)
	domainRegex    = regexp.MustCompile(`^[a-z0-9]([a-z0-9\-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9\-]{0,61}[a-z0-9])?)*$`)
)

// Register creates an agent and issues its credential. Agents start in
// pending_verification unless req.Activate is set.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*Registration, error) {
	name := strings.TrimSpace(req.Name)
	if !agentNameRegex.MatchString(name) {
		return nil, fmt.Errorf("invalid agent name: %q", req.Name)
	}
	domain := strings.ToLower(strings.TrimSpace(req.Domain))
	if !domainRegex.MatchString(domain) {
		return nil, fmt.Errorf("invalid agent domain: %q", req.Domain)
	}

	tier := r.defaultTier
	if req.Tier != "" {
		parsed, ok := ratelimit.ParseTier(req.Tier)
		if !ok {
			return nil, fmt.Errorf("unknown tier: %s", req.Tier)
		}
		tier = parsed
	}

	status := StatusPendingVerification
	if req.Activate {
		status = StatusActive
	}

	now := r.now().UTC()
	agent := &Agent{
		ID:           uuid.NewString(),
		Name:         name,
		Domain:       domain,
		Capabilities: append([]string(nil), req.Capabilities...),
		Contact:      req.Contact,
		Status:       status,
		Tier:         tier,
		TrustScore:   r.weights.Initial,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	credential, err := r.issuer.Issue(agent.ID, tier, now)
	if err != nil {
		return nil, err
	}
	agent.CredentialHash = r.issuer.Hash(credential)

	if err := r.store.CreateAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("failed to store agent: %w", err)
	}

	r.logger.WithFields(map[string]interface{}{
		"agent_id": agent.ID,
		"domain":   agent.Domain,
		"tier":     agent.Tier,
		"status":   agent.Status,
	}).Info("Agent registered")

	return &Registration{Agent: agent.Clone(), Credential: credential}, nil
}

// Resolve maps a bearer credential to exactly one agent record
func (r *Registry) Resolve(ctx context.Context, credential string) (*Agent, error) {
	agentID, _, err := r.issuer.Parse(credential)
	if err != nil {
		return nil, ErrInvalidCredential
	}

	hash := r.issuer.Hash(credential)
	agent, err := r.store.GetAgentByCredential(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrAgentNotFound) {
			return nil, ErrInvalidCredential
		}
		return nil, err
	}
	if agent.ID != agentID || subtle.ConstantTimeCompare([]byte(agent.CredentialHash), []byte(hash)) != 1 {
		return nil, ErrInvalidCredential
	}
	return agent, nil
}

// CredentialKey returns the rate limit and ownership key of a credential
func (r *Registry) CredentialKey(credential string) string {
	return r.issuer.Hash(credential)
}

// Authorize requires an active agent whose trust score is above the floor
func (r *Registry) Authorize(agent *Agent) error {
	if agent.Status != StatusActive {
		return ErrAgentInactive
	}
	if agent.TrustScore <= r.trustFloor {
		return ErrTrustTooLow
	}
	return nil
}

// TrustFloor returns the configured authorization floor
func (r *Registry) TrustFloor() float64 {
	return r.trustFloor
}

// Get returns an agent by id
func (r *Registry) Get(ctx context.Context, id string) (*Agent, error) {
	return r.store.GetAgent(ctx, id)
}

// List returns agents matching filter
func (r *Registry) List(ctx context.Context, filter ListFilter) ([]*Agent, error) {
	return r.store.ListAgents(ctx, filter)
}

// Activate moves an agent to active
func (r *Registry) Activate(ctx context.Context, id string) (*Agent, error) {
	return r.transition(ctx, id, StatusActive)
}

// Deactivate moves an agent to inactive
func (r *Registry) Deactivate(ctx context.Context, id string) (*Agent, error) {
	return r.transition(ctx, id, StatusInactive)
}

// Ban permanently bans an agent
func (r *Registry) Ban(ctx context.Context, id string) (*Agent, error) {
	return r.transition(ctx, id, StatusBanned)
}

func (r *Registry) transition(ctx context.Context, id string, to Status) (*Agent, error) {
	var out *Agent
	err := r.update(ctx, id, func(a *Agent) error {
		if a.Status == StatusBanned && to != StatusBanned {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, to)
		}
		a.Status = to
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.WithFields(map[string]interface{}{"agent_id": id, "status": to}).Info("Agent status changed")
	return out.Clone(), nil
}

// SetTier changes an agent's tier. Existing credentials keep working; the
// record is authoritative for limits.
func (r *Registry) SetTier(ctx context.Context, id string, tier ratelimit.Tier) (*Agent, error) {
	var out *Agent
	err := r.update(ctx, id, func(a *Agent) error {
		a.Tier = tier
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// RotateCredential issues a new credential and invalidates the previous one
func (r *Registry) RotateCredential(ctx context.Context, id string) (string, error) {
	var credential string
	err := r.update(ctx, id, func(a *Agent) error {
		if a.Status == StatusBanned {
			return fmt.Errorf("%w: agent is banned", ErrInvalidTransition)
		}
		c, err := r.issuer.Issue(a.ID, a.Tier, r.now().UTC())
		if err != nil {
			return err
		}
		a.CredentialHash = r.issuer.Hash(c)
		credential = c
		return nil
	})
	if err != nil {
		return "", err
	}
	r.logger.WithField("agent_id", id).Info("Agent credential rotated")
	return credential, nil
}

// RecordActivity folds one request outcome into the agent's counters and
// recomputes its trust score.
func (r *Registry) RecordActivity(ctx context.Context, id string, act Activity) (*Agent, error) {
	var out *Agent
	err := r.update(ctx, id, func(a *Agent) error {
		a.TotalRequests++
		if !act.Success {
			a.FailedRequests++
		}

		latencyMs := float64(act.Latency) / float64(time.Millisecond)
		a.AvgLatencyMs += (latencyMs - a.AvgLatencyMs) / float64(a.TotalRequests)

		a.RecentIPs = pushRing(a.RecentIPs, act.IP, r.ringLength)
		a.RecentUserAgents = pushRing(a.RecentUserAgents, act.UserAgent, r.ringLength)

		a.TrustScore = r.weights.Score(a.TotalRequests, a.FailedRequests, a.AvgLatencyMs)
		seen := r.now().UTC()
		a.LastSeenAt = &seen
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// Stats summarizes the registry
func (r *Registry) Stats(ctx context.Context) (map[string]interface{}, error) {
	agents, err := r.store.ListAgents(ctx, ListFilter{})
	if err != nil {
		return nil, err
	}

	byStatus := make(map[Status]int)
	byTier := make(map[ratelimit.Tier]int)
	for _, a := range agents {
		byStatus[a.Status]++
		byTier[a.Tier]++
	}
	return map[string]interface{}{
		"total_agents": len(agents),
		"by_status":    byStatus,
		"by_tier":      byTier,
		"trust_floor":  r.trustFloor,
	}, nil
}

func (r *Registry) lock(id string) func() {
	v, _ := r.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (r *Registry) update(ctx context.Context, id string, fn func(*Agent) error) error {
	unlock := r.lock(id)
	defer unlock()

	agent, err := r.store.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	if err := fn(agent); err != nil {
		return err
	}
	agent.UpdatedAt = r.now().UTC()
	return r.store.UpdateAgent(ctx, agent)
}

// pushRing appends v, dropping the oldest entries beyond capacity.
// Repeats of the newest value are not recorded twice.
func pushRing(ring []string, v string, capacity int) []string {
	if v == "" {
		return ring
	}
	if n := len(ring); n > 0 && ring[n-1] == v {
		return ring
	}
	ring = append(ring, v)
	if len(ring) > capacity {
		ring = append([]string(nil), ring[len(ring)-capacity:]...)
	}
	return ring
}
