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

package signature

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// ReplayGuard remembers nonces for the length of the freshness window
type ReplayGuard struct {
	seen *cache.Cache
	ttl  time.Duration
}

// NewReplayGuard creates a guard that forgets nonces after ttl
func NewReplayGuard(ttl time.Duration) *ReplayGuard {
	return &ReplayGuard{
		seen: cache.New(ttl, ttl),
		ttl:  ttl,
	}
}

// Observe records nonce for keyID and reports whether it was fresh
func (g *ReplayGuard) Observe(keyID, nonce string) bool {
	return g.seen.Add(keyID+"|"+nonce, struct{}{}, g.ttl) == nil
}

// Len returns the number of remembered nonces
func (g *ReplayGuard) Len() int {
	return g.seen.ItemCount()
}
