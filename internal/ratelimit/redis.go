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
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript refills and debits a bucket hash atomically. Tokens are returned
// as a string because redis truncates Lua numbers to integers.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = capacity
  ts = now
end

local elapsed = (now - ts) / 1000.0
if elapsed > 0 then
  tokens = math.min(capacity, tokens + elapsed * rate)
  ts = now
end

local allowed = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", tostring(ts))
local ttl = 60000
if rate > 0 then
  ttl = math.ceil(capacity / rate * 1000) + 1000
end
redis.call("PEXPIRE", KEYS[1], ttl)
return {allowed, tostring(tokens)}
`)

// RedisStore keeps bucket state in redis hashes so several gateway replicas
// share one bucket per credential.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps an existing redis client
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// DialRedis connects to redis and verifies the connection
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Take implements BucketStore
func (r *RedisStore) Take(ctx context.Context, key string, limits Limits, cost float64, now time.Time) (Decision, error) {
	res, err := takeScript.Run(ctx, r.client, []string{r.prefix + key},
		limits.Burst, limits.RefillRate(), cost, now.UnixMilli()).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("run bucket script: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("unexpected bucket script reply: %v", res)
	}

	allowed, _ := res[0].(int64)
	tokensStr, _ := res[1].(string)
	tokens, err := strconv.ParseFloat(tokensStr, 64)
	if err != nil {
		return Decision{}, fmt.Errorf("parse bucket tokens: %w", err)
	}

	decision := Decision{Allowed: allowed == 1, Remaining: tokens, Limit: limits.Burst}
	if !decision.Allowed {
		_, d := Take(BucketState{Tokens: tokens, LastRefill: now}, limits, cost, now)
		decision.RetryAfter = d.RetryAfter
		decision.OverBurst = d.OverBurst
	}
	return decision, nil
}
