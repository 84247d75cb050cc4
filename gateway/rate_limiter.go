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
	"time"
)

// rateWindowFormat is fixed-width so stored window starts compare
// lexicographically in chronological order.
const rateWindowFormat = "2006-01-02T15:04:05.000Z"

// retentionMultiple is how many windows back a counter row survives before
// the lazy prune removes it.
const retentionMultiple = 10

// RateLimitPolicy configures one limiter domain.
type RateLimitPolicy struct {
	MaxRequests        int
	Window             time.Duration
	ExponentialBackoff bool
	MaxBackoff         time.Duration
}

// Standard policies.
var (
	PolicyLogin         = RateLimitPolicy{MaxRequests: 10, Window: time.Minute, ExponentialBackoff: true, MaxBackoff: 5 * time.Minute}
	PolicyTOTP          = RateLimitPolicy{MaxRequests: 5, Window: time.Minute, ExponentialBackoff: true, MaxBackoff: 10 * time.Minute}
	PolicyDispatch      = RateLimitPolicy{MaxRequests: 60, Window: time.Minute, ExponentialBackoff: true, MaxBackoff: 5 * time.Minute}
	PolicyVaultComplete = RateLimitPolicy{MaxRequests: 30, Window: time.Minute, ExponentialBackoff: true, MaxBackoff: 10 * time.Minute}
)

// RateLimitStatus is returned for calls under the limit.
type RateLimitStatus struct {
	Remaining int
	ResetAt   time.Time
	Limit     int
}

// RateLimiter is the limiter port; the store-backed limiter is the default
// and a Redis-backed one can stand in when REDIS_ADDR is configured.
type RateLimiter interface {
	Check(ctx context.Context, key string, policy RateLimitPolicy) (*RateLimitStatus, error)
}

// RateKey joins a limiter domain with a principal.
func RateKey(domain, principal string) string {
	return domain + ":" + principal
}

// StoreRateLimiter keeps tumbling-window counters in the persistence port
// so limits survive process restarts.
type StoreRateLimiter struct {
	store *Store
}

// NewStoreRateLimiter creates the store-backed limiter.
func NewStoreRateLimiter(store *Store) *StoreRateLimiter {
	return &StoreRateLimiter{store: store}
}

// Check increments the counter for the key's current window and decides.
// Store failures fail open: rejecting all traffic because the database is
// down is a worse failure mode than admitting it unlimited.
func (rl *StoreRateLimiter) Check(ctx context.Context, key string, policy RateLimitPolicy) (*RateLimitStatus, error) {
	now := time.Now().UTC()
	windowMS := policy.Window.Milliseconds()
	startMS := (now.UnixMilli() / windowMS) * windowMS
	windowStart := time.UnixMilli(startMS).UTC()
	resetAt := windowStart.Add(policy.Window)

	count, err := rl.incrementWindow(ctx, key, windowStart, now, policy)
	if err != nil {
		rateLimitLog.Warn("", "Rate limit check failed, failing open", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return &RateLimitStatus{Remaining: policy.MaxRequests, ResetAt: resetAt, Limit: policy.MaxRequests}, nil
	}

	return decide(count, policy, now, resetAt)
}

func (rl *StoreRateLimiter) incrementWindow(ctx context.Context, key string, windowStart, now time.Time, policy RateLimitPolicy) (int, error) {
	tx, err := rl.store.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin rate limit tx: %w", err)
	}
	defer tx.Rollback()

	cutoff := now.Add(-time.Duration(retentionMultiple) * policy.Window).Format(rateWindowFormat)
	if _, err := tx.ExecContext(ctx,
		rl.store.rebind(`DELETE FROM rate_limit_windows WHERE key = ? AND window_start < ?`),
		key, cutoff); err != nil {
		return 0, fmt.Errorf("failed to prune rate limit windows: %w", err)
	}

	startISO := windowStart.Format(rateWindowFormat)
	if _, err := tx.ExecContext(ctx,
		rl.store.rebind(`INSERT INTO rate_limit_windows (key, window_start, count) VALUES (?, ?, 1)
			ON CONFLICT (key, window_start) DO UPDATE SET count = rate_limit_windows.count + 1`),
		key, startISO); err != nil {
		return 0, fmt.Errorf("failed to increment rate limit window: %w", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		rl.store.rebind(`SELECT count FROM rate_limit_windows WHERE key = ? AND window_start = ?`),
		key, startISO).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to read rate limit count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit rate limit tx: %w", err)
	}

	return count, nil
}

// decide turns a window count into a status or a RateLimited error.
func decide(count int, policy RateLimitPolicy, now, resetAt time.Time) (*RateLimitStatus, error) {
	if count <= policy.MaxRequests {
		return &RateLimitStatus{
			Remaining: policy.MaxRequests - count,
			ResetAt:   resetAt,
			Limit:     policy.MaxRequests,
		}, nil
	}

	retryAfter := resetAt.Sub(now)

	if policy.ExponentialBackoff {
		// Doubles for every 10 requests past the limit. Doubling stops at
		// the cap so the shift cannot overflow on large counts.
		exponent := (count - policy.MaxRequests) / 10
		backoff := policy.Window
		for i := 0; i < exponent && backoff < policy.MaxBackoff; i++ {
			backoff <<= 1
		}
		if backoff > policy.MaxBackoff {
			backoff = policy.MaxBackoff
		}
		retryAfter = backoff
	}

	seconds := int((retryAfter + time.Second - 1) / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	return nil, ErrRateLimited(seconds)
}
