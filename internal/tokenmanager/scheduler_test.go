package tokenmanager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopeGroup(t *testing.T) {
	assert.Equal(t, "claude::image_gen", ScopeGroup("claude", "image_gen"))
	assert.Equal(t, "claude", ScopeGroup("claude", "chat"))
	assert.Equal(t, "claude", ScopeGroup("claude", ""))
}

func TestSortByTierIsStableAndAscending(t *testing.T) {
	tokens := []Record{
		{AccountID: "free-1", SubscriptionTier: TierFree},
		{AccountID: "ultra-1", SubscriptionTier: TierUltra},
		{AccountID: "pro-1", SubscriptionTier: TierPro},
		{AccountID: "ultra-2", SubscriptionTier: TierUltra},
		{AccountID: "unknown-1", SubscriptionTier: Tier("X")},
	}

	SortByTier(tokens)

	for i := 0; i+1 < len(tokens); i++ {
		assert.LessOrEqual(t, tokens[i].TierPriority(), tokens[i+1].TierPriority())
	}
	// stability: ultra-1 appeared before ultra-2 in the input and both
	// share a tier, so that relative order must survive the sort.
	require.Equal(t, "ultra-1", tokens[0].AccountID)
	require.Equal(t, "ultra-2", tokens[1].AccountID)
}

type fakeLimiter struct {
	limited map[string]int64 // key -> remaining wait seconds
	resets  map[string]int64
}

func newFakeLimiter() *fakeLimiter {
	return &fakeLimiter{limited: map[string]int64{}, resets: map[string]int64{}}
}

func (f *fakeLimiter) key(scope, accountID string) string { return scope + "::" + accountID }

func (f *fakeLimiter) limit(scope, accountID string, waitSeconds int64) {
	f.limited[f.key(scope, accountID)] = waitSeconds
	f.resets[f.key(scope, accountID)] = waitSeconds
}

func (f *fakeLimiter) IsRateLimited(scope, accountID string) bool {
	return f.limited[f.key(scope, accountID)] > 0
}

func (f *fakeLimiter) RemainingWait(scope, accountID string) int64 {
	return f.limited[f.key(scope, accountID)]
}

func (f *fakeLimiter) ResetSeconds(scope, accountID string) (int64, bool) {
	v, ok := f.resets[f.key(scope, accountID)]
	return v, ok
}

func (f *fakeLimiter) RecordFromError(scope, accountID string, httpStatus int, retryAfterHeader string, errorBody string) {
}

func TestSelectRoundRobinSkipsAttemptedAndLimited(t *testing.T) {
	limiter := newFakeLimiter()
	sched := NewScheduler(limiter)
	tokens := []Record{{AccountID: "a"}, {AccountID: "b"}, {AccountID: "c"}}

	limiter.limit("claude", "b", 30)

	t1, ok := sched.SelectRoundRobin(tokens, "claude", map[string]struct{}{})
	require.True(t, ok)
	assert.NotEqual(t, "b", t1.AccountID)

	attempted := map[string]struct{}{t1.AccountID: {}}
	t2, ok := sched.SelectRoundRobin(tokens, "claude", attempted)
	require.True(t, ok)
	assert.NotEqual(t, t1.AccountID, t2.AccountID)
	assert.NotEqual(t, "b", t2.AccountID)
}

func TestSelectRoundRobinEmptyWhenAllAttemptedOrLimited(t *testing.T) {
	limiter := newFakeLimiter()
	sched := NewScheduler(limiter)
	tokens := []Record{{AccountID: "a"}, {AccountID: "b"}}
	limiter.limit("claude", "a", 10)

	_, ok := sched.SelectRoundRobin(tokens, "claude", map[string]struct{}{"b": {}})
	assert.False(t, ok)
}

func TestSelectRoundRobinOnEmptyPool(t *testing.T) {
	sched := NewScheduler(newFakeLimiter())
	_, ok := sched.SelectRoundRobin(nil, "claude", map[string]struct{}{})
	assert.False(t, ok)
}

func TestSelectWithSessionBoundFresh(t *testing.T) {
	limiter := newFakeLimiter()
	sched := NewScheduler(limiter)
	tokens := []Record{{AccountID: "a"}, {AccountID: "b"}}

	decision := sched.SelectWithSession(tokens, "claude", "a", DefaultStickyPolicy(), map[string]struct{}{})
	require.Equal(t, DecisionUseAccount, decision.Kind)
	assert.Equal(t, "a", decision.Token.AccountID)
}

func TestSelectWithSessionBoundWaitUnderCacheFirst(t *testing.T) {
	limiter := newFakeLimiter()
	sched := NewScheduler(limiter)
	tokens := []Record{{AccountID: "a"}, {AccountID: "b"}}
	limiter.limit("claude", "a", 30)

	decision := sched.SelectWithSession(tokens, "claude", "a", DefaultStickyPolicy(), map[string]struct{}{})
	require.Equal(t, DecisionWaitAndUse, decision.Kind)
	assert.Equal(t, "a", decision.Token.AccountID)
	assert.Equal(t, int64(30), decision.WaitSeconds)
}

func TestSelectWithSessionBoundWaitIgnoresAttempted(t *testing.T) {
	limiter := newFakeLimiter()
	sched := NewScheduler(limiter)
	tokens := []Record{{AccountID: "a"}, {AccountID: "b"}}
	limiter.limit("claude", "a", 30)

	// S-BOUND-WAIT has no "B not in attempted" precondition, unlike
	// S-BOUND-FRESH: a bound account already marked attempted this
	// request still gets waited on if it's within the wait window.
	decision := sched.SelectWithSession(tokens, "claude", "a", DefaultStickyPolicy(), map[string]struct{}{"a": {}})
	require.Equal(t, DecisionWaitAndUse, decision.Kind)
	assert.Equal(t, "a", decision.Token.AccountID)
	assert.Equal(t, int64(30), decision.WaitSeconds)
}

func TestSelectWithSessionBoundFreshSkippedWhenAttempted(t *testing.T) {
	limiter := newFakeLimiter()
	sched := NewScheduler(limiter)
	tokens := []Record{{AccountID: "a"}, {AccountID: "b"}}

	// S-BOUND-FRESH does require "B not in attempted": a fresh bound
	// account already attempted this request must fall through to
	// round robin instead of being returned again.
	decision := sched.SelectWithSession(tokens, "claude", "a", DefaultStickyPolicy(), map[string]struct{}{"a": {}})
	require.Equal(t, DecisionUseAccount, decision.Kind)
	assert.Equal(t, "b", decision.Token.AccountID)
}

func TestSelectWithSessionBoundSkipWhenOverMaxWait(t *testing.T) {
	limiter := newFakeLimiter()
	sched := NewScheduler(limiter)
	tokens := []Record{{AccountID: "a"}, {AccountID: "b"}}
	limiter.limit("claude", "a", 999)

	decision := sched.SelectWithSession(tokens, "claude", "a", DefaultStickyPolicy(), map[string]struct{}{})
	require.Equal(t, DecisionUseAccount, decision.Kind)
	assert.Equal(t, "b", decision.Token.AccountID)
}

func TestSelectWithSessionBoundSkipUnderBalanceMode(t *testing.T) {
	limiter := newFakeLimiter()
	sched := NewScheduler(limiter)
	tokens := []Record{{AccountID: "a"}, {AccountID: "b"}}
	limiter.limit("claude", "a", 5)

	policy := StickyPolicy{Mode: StickyBalance, MaxWaitSeconds: 120}
	decision := sched.SelectWithSession(tokens, "claude", "a", policy, map[string]struct{}{})
	require.Equal(t, DecisionUseAccount, decision.Kind)
	assert.Equal(t, "b", decision.Token.AccountID)
}

func TestSelectWithSessionBoundAccountNotInPool(t *testing.T) {
	limiter := newFakeLimiter()
	sched := NewScheduler(limiter)
	tokens := []Record{{AccountID: "b"}}

	decision := sched.SelectWithSession(tokens, "claude", "evicted", DefaultStickyPolicy(), map[string]struct{}{})
	require.Equal(t, DecisionUseAccount, decision.Kind)
	assert.Equal(t, "b", decision.Token.AccountID)
}

func TestSelectWithSessionAllUnavailable(t *testing.T) {
	limiter := newFakeLimiter()
	sched := NewScheduler(limiter)
	tokens := []Record{{AccountID: "a"}, {AccountID: "b"}}
	limiter.limit("claude", "a", 45)
	limiter.limit("claude", "b", 90)

	decision := sched.SelectWithSession(tokens, "claude", "", DefaultStickyPolicy(), map[string]struct{}{})
	require.Equal(t, DecisionAllUnavailable, decision.Kind)
	assert.Equal(t, int64(45), decision.WaitSeconds)
}

func TestSelectWithSessionEmptyPool(t *testing.T) {
	sched := NewScheduler(newFakeLimiter())
	decision := sched.SelectWithSession(nil, "claude", "", DefaultStickyPolicy(), map[string]struct{}{})
	require.Equal(t, DecisionAllUnavailable, decision.Kind)
	assert.Equal(t, int64(60), decision.WaitSeconds)
}

func TestHealthyAccountsAndCountLimited(t *testing.T) {
	limiter := newFakeLimiter()
	sched := NewScheduler(limiter)
	tokens := []Record{{AccountID: "a"}, {AccountID: "b"}, {AccountID: "c"}}
	limiter.limit("claude", "b", 10)

	healthy := sched.HealthyAccounts(tokens, "claude")
	assert.Len(t, healthy, 2)
	assert.Equal(t, 1, sched.CountLimited(tokens, "claude"))
}
