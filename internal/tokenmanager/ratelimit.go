package tokenmanager

import (
	"strconv"
	"time"

	cache "github.com/patrickmn/go-cache"
)

// RateLimitTracker is the narrow interface the core depends on to know
// whether an account is currently rate-limited in a given scope, and to
// record a new limit observed from an upstream error.
//
// The core treats readings as momentary advice: a value can go stale
// between the read and the subsequent use, and the retry loop in
// Manager.GetToken absorbs that.
type RateLimitTracker interface {
	IsRateLimited(scope, accountID string) bool
	RemainingWait(scope, accountID string) int64
	ResetSeconds(scope, accountID string) (int64, bool)
	RecordFromError(scope, accountID string, httpStatus int, retryAfterHeader string, errorBody string)
}

const (
	defaultRateLimitCooldown   = 5 * time.Minute
	defaultOverloadedCooldown  = 10 * time.Minute
	rateLimitCacheCleanupEvery = time.Minute
)

// InMemoryRateLimitTracker is the default RateLimitTracker, backed by
// patrickmn/go-cache: a rate-limit record is exactly "this key is absent,
// or present until its TTL expires", which is precisely go-cache's
// Set(key, value, ttl) / Get(key) semantics, with no custom sweep needed.
type InMemoryRateLimitTracker struct {
	store              *cache.Cache
	overloadedCooldown time.Duration
}

// NewInMemoryRateLimitTracker constructs a tracker whose entries expire on
// their own schedule (go-cache's janitor) with a one-minute cleanup interval.
func NewInMemoryRateLimitTracker() *InMemoryRateLimitTracker {
	return &InMemoryRateLimitTracker{
		store:              cache.New(cache.NoExpiration, rateLimitCacheCleanupEvery),
		overloadedCooldown: defaultOverloadedCooldown,
	}
}

// SetOverloadedCooldown overrides the default HTTP 529 cooldown.
func (t *InMemoryRateLimitTracker) SetOverloadedCooldown(d time.Duration) {
	t.overloadedCooldown = d
}

func rateLimitKey(scope, accountID string) string {
	return scope + "::" + accountID
}

// IsRateLimited reports whether (scope, accountID) currently has a live
// cooldown entry.
func (t *InMemoryRateLimitTracker) IsRateLimited(scope, accountID string) bool {
	_, found := t.store.Get(rateLimitKey(scope, accountID))
	return found
}

// RemainingWait returns the number of seconds remaining until the cooldown
// clears, rounded up to a whole second, or 0 if not limited.
func (t *InMemoryRateLimitTracker) RemainingWait(scope, accountID string) int64 {
	resetAt, found := t.store.Get(rateLimitKey(scope, accountID))
	if !found {
		return 0
	}
	wait := int64((time.Until(resetAt.(time.Time)) + time.Second - 1) / time.Second)
	if wait < 0 {
		return 0
	}
	return wait
}

// ResetSeconds returns the same value as RemainingWait, with false when no
// limit is recorded for (scope, accountID).
func (t *InMemoryRateLimitTracker) ResetSeconds(scope, accountID string) (int64, bool) {
	resetAt, found := t.store.Get(rateLimitKey(scope, accountID))
	if !found {
		return 0, false
	}
	wait := int64((time.Until(resetAt.(time.Time)) + time.Second - 1) / time.Second)
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

// RecordFromError parses an upstream error response and records a
// rate-limit deadline for (scope, accountID) when applicable. Only 429 and
// 529 responses produce a recorded cooldown; other statuses are a no-op.
func (t *InMemoryRateLimitTracker) RecordFromError(scope, accountID string, httpStatus int, retryAfterHeader string, errorBody string) {
	switch httpStatus {
	case 429:
		t.record(scope, accountID, resolveRetryAfter(retryAfterHeader))
	case 529:
		t.record(scope, accountID, time.Now().Add(t.overloadedCooldown))
	}
}

func (t *InMemoryRateLimitTracker) record(scope, accountID string, resetAt time.Time) {
	ttl := time.Until(resetAt)
	if ttl <= 0 {
		return
	}
	t.store.Set(rateLimitKey(scope, accountID), resetAt, ttl)
}

// resolveRetryAfter interprets a retry-after-style header value: if it
// parses as an integer larger than the current Unix time it is treated as
// a reset instant, otherwise as a delta in seconds. An empty or
// unparseable header falls back to the default cooldown.
func resolveRetryAfter(header string) time.Time {
	if header == "" {
		return time.Now().Add(defaultRateLimitCooldown)
	}
	n, err := strconv.ParseInt(header, 10, 64)
	if err != nil {
		return time.Now().Add(defaultRateLimitCooldown)
	}
	now := time.Now()
	if n > now.Unix() {
		return time.Unix(n, 0)
	}
	return now.Add(time.Duration(n) * time.Second)
}
