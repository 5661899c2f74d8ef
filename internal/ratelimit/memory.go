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
)

// MemoryStore keeps bucket state in process memory
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]BucketState
}

// NewMemoryStore creates an empty in-memory bucket store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]BucketState)}
}

// Take implements BucketStore
func (m *MemoryStore) Take(ctx context.Context, key string, limits Limits, cost float64, now time.Time) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, decision := Take(m.buckets[key], limits, cost, now)
	m.buckets[key] = state
	return decision, nil
}
