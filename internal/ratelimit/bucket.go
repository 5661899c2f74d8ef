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

// Package ratelimit implements per-credential token buckets and a separate
// in-flight concurrency cap.
package ratelimit

import (
	"context"
	"math"
	"strings"
	"time"
)

// Tier names an agent's service level
type Tier string

const (
	TierFree       Tier = "free"
	TierBasic      Tier = "basic"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// ParseTier normalizes a tier name. Unknown names resolve to the free tier.
func ParseTier(s string) (Tier, bool) {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierFree:
		return TierFree, true
	case TierBasic:
		return TierBasic, true
	case TierPro:
		return TierPro, true
	case TierEnterprise:
		return TierEnterprise, true
	default:
		return TierFree, false
	}
}

// Limits describes a tier's bucket and concurrency bounds
type Limits struct {
	RequestsPerMinute int `json:"requests_per_minute"`
	Burst             int `json:"burst"`
	MaxConcurrent     int `json:"max_concurrent"`
}

// RefillRate returns tokens added per second
func (l Limits) RefillRate() float64 {
	return float64(l.RequestsPerMinute) / 60.0
}

// TierTable maps tiers to their limits
type TierTable map[Tier]Limits

// DefaultTiers returns the built-in tier table
func DefaultTiers() TierTable {
	return TierTable{
		TierFree:       {RequestsPerMinute: 10, Burst: 5, MaxConcurrent: 1},
		TierBasic:      {RequestsPerMinute: 60, Burst: 20, MaxConcurrent: 3},
		TierPro:        {RequestsPerMinute: 300, Burst: 60, MaxConcurrent: 10},
		TierEnterprise: {RequestsPerMinute: 1200, Burst: 200, MaxConcurrent: 50},
	}
}

// Resolve returns the limits for a tier, falling back to free
func (t TierTable) Resolve(tier Tier) Limits {
	if l, ok := t[tier]; ok {
		return l
	}
	return t[TierFree]
}

// BucketState is the persisted state of one token bucket
type BucketState struct {
	Tokens     float64   `json:"tokens"`
	LastRefill time.Time `json:"last_refill"`
}

// Decision is the outcome of a bucket check
type Decision struct {
	Allowed    bool    `json:"allowed"`
	Remaining  float64 `json:"remaining"`
	RetryAfter int     `json:"retry_after"`
	Limit      int     `json:"limit"`
	// OverBurst is set when cost exceeds the bucket capacity, so no
	// amount of waiting can admit the request
	OverBurst bool `json:"over_burst,omitempty"`
}

// Refill applies lazy refill to state at now. A zero state is a full bucket.
func Refill(state BucketState, limits Limits, now time.Time) BucketState {
	capacity := float64(limits.Burst)
	if state.LastRefill.IsZero() {
		return BucketState{Tokens: capacity, LastRefill: now}
	}

	elapsed := now.Sub(state.LastRefill).Seconds()
	if elapsed <= 0 {
		// Clock went backwards; keep tokens and do not move the refill mark.
		return state
	}

	state.Tokens = math.Min(capacity, state.Tokens+elapsed*limits.RefillRate())
	state.LastRefill = now
	return state
}

// Take refills the bucket and attempts to deduct cost tokens.
func Take(state BucketState, limits Limits, cost float64, now time.Time) (BucketState, Decision) {
	state = Refill(state, limits, now)
	decision := Decision{Limit: limits.Burst}
	if cost > float64(limits.Burst) {
		decision.Remaining = state.Tokens
		decision.OverBurst = true
		return state, decision
	}

	if state.Tokens >= cost {
		state.Tokens -= cost
		decision.Allowed = true
		decision.Remaining = state.Tokens
		return state, decision
	}

	decision.Remaining = state.Tokens
	rate := limits.RefillRate()
	if rate > 0 {
		decision.RetryAfter = int(math.Ceil((cost - state.Tokens) / rate))
	}
	if decision.RetryAfter < 1 {
		decision.RetryAfter = 1
	}
	return state, decision
}

// BucketStore applies Take atomically for a key against persisted state.
type BucketStore interface {
	Take(ctx context.Context, key string, limits Limits, cost float64, now time.Time) (Decision, error)
}
