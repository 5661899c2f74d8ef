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

// Package cache holds audit reports and other derived values under
// namespaced keys with a TTL, a content tag and an aggregate size budget.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Entry is a cached value and its bookkeeping
type Entry struct {
	Namespace string          `json:"namespace"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Tag       string          `json:"tag"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
	Hits      int64           `json:"hits"`
	Size      int             `json:"size"`
}

// Stats summarises cache usage
type Stats struct {
	Entries   int   `json:"entries"`
	Bytes     int64 `json:"bytes"`
	MaxBytes  int64 `json:"max_bytes"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// Cache is safe for concurrent use
type Cache struct {
	store    *gocache.Cache
	ttl      time.Duration
	maxBytes int64
	now      func() time.Time

	// mu serialises writers
	mu sync.Mutex
	// liveMu guards live, the entries counted in bytes. It is separate
	// from mu because the eviction callback runs inside Delete.
	liveMu    sync.Mutex
	live      map[string]*entry
	bytes     atomic.Int64
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// New creates a cache. A zero maxBytes disables the size budget.
func New(ttl, cleanupInterval time.Duration, maxBytes int64) *Cache {
	c := &Cache{
		store:    gocache.New(ttl, cleanupInterval),
		ttl:      ttl,
		maxBytes: maxBytes,
		now:      time.Now,
		live:     make(map[string]*entry),
	}
	c.store.OnEvicted(c.evicted)
	return c
}

// evicted uncounts an entry the store dropped. An entry already replaced
// by Set was uncounted there.
func (c *Cache) evicted(k string, v interface{}) {
	e, ok := v.(*entry)
	if !ok {
		return
	}
	c.liveMu.Lock()
	defer c.liveMu.Unlock()
	if c.live[k] != e {
		return
	}
	delete(c.live, k)
	c.bytes.Add(-int64(e.Size))
	c.evictions.Add(1)
}

// track counts e under k, uncounting whatever it replaces. Expired entries
// the janitor has not reached yet are still counted, so they are found here.
func (c *Cache) track(k string, e *entry) {
	c.liveMu.Lock()
	defer c.liveMu.Unlock()
	if old, ok := c.live[k]; ok {
		c.bytes.Add(-int64(old.Size))
	}
	c.live[k] = e
	c.bytes.Add(int64(e.Size))
}

type entry struct {
	Entry
	hits atomic.Int64
}

func storeKey(namespace, key string) string {
	return namespace + "\x00" + key
}

// Tag returns the content tag for value
func Tag(value []byte) string {
	sum := sha256.Sum256(value)
	return hex.EncodeToString(sum[:8])
}

// Get returns a copy of the entry and counts a hit
func (c *Cache) Get(namespace, key string) (*Entry, bool) {
	v, ok := c.store.Get(storeKey(namespace, key))
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	e := v.(*entry)
	c.hits.Add(1)
	out := e.Entry
	out.Hits = e.hits.Add(1)
	out.Value = append(json.RawMessage(nil), e.Value...)
	return &out, true
}

// GetJSON decodes a cached value into dst
func (c *Cache) GetJSON(namespace, key string, dst interface{}) bool {
	e, ok := c.Get(namespace, key)
	if !ok {
		return false
	}
	return json.Unmarshal(e.Value, dst) == nil
}

// Set stores value, replacing any previous entry. A non-positive ttl uses
// the cache default.
func (c *Cache) Set(namespace, key string, value []byte, ttl time.Duration) *Entry {
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := c.now().UTC()
	e := &entry{Entry: Entry{
		Namespace: namespace,
		Key:       key,
		Value:     append(json.RawMessage(nil), value...),
		Tag:       Tag(value),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Size:      len(namespace) + len(key) + len(value),
	}}

	c.mu.Lock()
	defer c.mu.Unlock()

	k := storeKey(namespace, key)
	c.store.Set(k, e, ttl)
	c.track(k, e)
	c.enforceBudget(k)

	out := e.Entry
	return &out
}

// SetJSON marshals v and stores it. Encoding failures are dropped since
// cache writes are best-effort.
func (c *Cache) SetJSON(namespace, key string, v interface{}, ttl time.Duration) (*Entry, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	return c.Set(namespace, key, data, ttl), true
}

// enforceBudget drops expired entries, then evicts the oldest live
// entries, never keep, until the cache fits. Called with mu held.
func (c *Cache) enforceBudget(keep string) {
	if c.maxBytes <= 0 || c.bytes.Load() <= c.maxBytes {
		return
	}
	c.store.DeleteExpired()
	for c.bytes.Load() > c.maxBytes {
		var (
			oldestKey string
			oldestAt  time.Time
		)
		for k, item := range c.store.Items() {
			if k == keep {
				continue
			}
			e := item.Object.(*entry)
			if oldestKey == "" || e.CreatedAt.Before(oldestAt) {
				oldestKey, oldestAt = k, e.CreatedAt
			}
		}
		if oldestKey == "" {
			return
		}
		c.store.Delete(oldestKey)
	}
}

// Delete removes an entry
func (c *Cache) Delete(namespace, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Delete(storeKey(namespace, key))
}

// Stats returns usage counters
func (c *Cache) Stats() Stats {
	return Stats{
		Entries:   c.store.ItemCount(),
		Bytes:     c.bytes.Load(),
		MaxBytes:  c.maxBytes,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}
