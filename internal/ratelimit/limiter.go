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

package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/amtp-protocol/a2a-gateway/internal/logging"
)

// Concurrency bounds simultaneous in-flight work per key
type Concurrency struct {
	mu       sync.Mutex
	inFlight map[string]int
}

// NewConcurrency creates an empty concurrency limiter
func NewConcurrency() *Concurrency {
	return &Concurrency{inFlight: make(map[string]int)}
}

// Acquire claims a slot for key when fewer than max are in flight. The
// returned release func is idempotent and must run on every exit path.
func (c *Concurrency) Acquire(key string, max int) (release func(), ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inFlight[key] >= max {
		return func() {}, false
	}
	c.inFlight[key]++

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.inFlight[key] <= 1 {
				delete(c.inFlight, key)
				return
			}
			c.inFlight[key]--
		})
	}, true
}

// InFlight returns the current in-flight count for key
func (c *Concurrency) InFlight(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight[key]
}

// Limiter combines the token bucket and concurrency cap behind a tier table
type Limiter struct {
	store       BucketStore
	tiers       TierTable
	concurrency *Concurrency
	now         func() time.Time
	logger      *logging.Logger
}

// Option configures a Limiter
type Option func(*Limiter)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithTiers overrides the tier table
func WithTiers(tiers TierTable) Option {
	return func(l *Limiter) { l.tiers = tiers }
}

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(l *Limiter) { l.logger = logger.WithComponent("ratelimit") }
}

// NewLimiter creates a limiter over store
func NewLimiter(store BucketStore, opts ...Option) *Limiter {
	l := &Limiter{
		store:       store,
		tiers:       DefaultTiers(),
		concurrency: NewConcurrency(),
		now:         time.Now,
		logger:      logging.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Limits returns the limits of tier
func (l *Limiter) Limits(tier Tier) Limits {
	return l.tiers.Resolve(tier)
}

// Tiers returns the configured tier table
func (l *Limiter) Tiers() TierTable {
	return l.tiers
}

// Allow debits cost tokens from key's bucket. A failing store lets the
// request through; the failure is logged. A cost above the tier's burst
// is refused without touching the bucket.
func (l *Limiter) Allow(ctx context.Context, key string, tier Tier, cost float64) Decision {
	limits := l.tiers.Resolve(tier)
	if cost > float64(limits.Burst) {
		return Decision{Limit: limits.Burst, OverBurst: true}
	}
	decision, err := l.store.Take(ctx, key, limits, cost, l.now())
	if err != nil {
		l.logger.Error("bucket store unavailable, allowing request", err)
		return Decision{Allowed: true, Remaining: float64(limits.Burst), Limit: limits.Burst}
	}
	return decision
}

// Acquire claims a concurrency slot for key under tier's cap
func (l *Limiter) Acquire(key string, tier Tier) (release func(), ok bool, max int) {
	max = l.tiers.Resolve(tier).MaxConcurrent
	release, ok = l.concurrency.Acquire(key, max)
	return release, ok, max
}

// InFlight returns the in-flight count for key
func (l *Limiter) InFlight(key string) int {
	return l.concurrency.InFlight(key)
}
