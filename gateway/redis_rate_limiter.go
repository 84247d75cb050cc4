// Copyright 2025 Peanut Platform
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisRateLimiter keeps the tumbling-window counters in Redis instead of
// the persistence port. Window semantics are identical to the store-backed
// limiter; retention happens through key expiry instead of a lazy prune.
type RedisRateLimiter struct {
	client *redis.Client
}

// NewRedisRateLimiter connects to Redis and verifies the connection.
// addr accepts either host:port or a redis:// URL.
func NewRedisRateLimiter(addr string) (*RedisRateLimiter, error) {
	var opts *redis.Options
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: addr}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisRateLimiter{client: client}, nil
}

// NewRedisRateLimiterFromClient wraps an existing client; tests use this
// with miniredis.
func NewRedisRateLimiterFromClient(client *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{client: client}
}

// Check increments the key's current window counter atomically via INCR.
// Redis failures fail open, same as the store-backed limiter.
func (rl *RedisRateLimiter) Check(ctx context.Context, key string, policy RateLimitPolicy) (*RateLimitStatus, error) {
	now := time.Now().UTC()
	windowMS := policy.Window.Milliseconds()
	startMS := (now.UnixMilli() / windowMS) * windowMS
	windowStart := time.UnixMilli(startMS).UTC()
	resetAt := windowStart.Add(policy.Window)

	windowKey := fmt.Sprintf("ratelimit:%s:%d", key, startMS)
	expireAt := windowStart.Add(time.Duration(retentionMultiple) * policy.Window)

	pipe := rl.client.Pipeline()
	incr := pipe.Incr(ctx, windowKey)
	pipe.PExpireAt(ctx, windowKey, expireAt)

	if _, err := pipe.Exec(ctx); err != nil {
		rateLimitLog.Warn("", "Redis rate limit check failed, failing open", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return &RateLimitStatus{Remaining: policy.MaxRequests, ResetAt: resetAt, Limit: policy.MaxRequests}, nil
	}

	return decide(int(incr.Val()), policy, now, resetAt)
}

// Close releases the Redis connection pool.
func (rl *RedisRateLimiter) Close() error {
	return rl.client.Close()
}
