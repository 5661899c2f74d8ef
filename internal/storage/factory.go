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
	"strings"

	"github.com/amtp-protocol/a2a-gateway/internal/config"
	"github.com/amtp-protocol/a2a-gateway/internal/ratelimit"
)

// NewStorage creates a new storage instance based on the configuration
func NewStorage(cfg config.StorageConfig) (Storage, error) {
	storageType := strings.ToLower(cfg.Type)
	if storageType == "" {
		storageType = "memory" // Default to memory storage
	}

	switch storageType {
	case "memory":
		return NewMemoryStorage(), nil

	case "database":
		return NewDatabaseStorage(cfg.Database)

	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// NewBucketStore selects the token bucket backend. The database store is
// only available when the gateway itself runs on database storage. The
// returned close func releases any connection opened here.
func NewBucketStore(ctx context.Context, cfg *config.Config, store Storage) (ratelimit.BucketStore, func() error, error) {
	noop := func() error { return nil }

	switch strings.ToLower(cfg.RateLimit.Store) {
	case "", "memory":
		return ratelimit.NewMemoryStore(), noop, nil
	case "redis":
		client, err := ratelimit.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, nil, err
		}
		return ratelimit.NewRedisStore(client, cfg.Redis.KeyPrefix), client.Close, nil
	case "database":
		buckets, ok := store.(ratelimit.BucketStore)
		if !ok {
			return nil, nil, fmt.Errorf("rate_limit.store=database requires storage.type=database")
		}
		return buckets, noop, nil
	default:
		return nil, nil, fmt.Errorf("unsupported rate limit store: %s", cfg.RateLimit.Store)
	}
}
