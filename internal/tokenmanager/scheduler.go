package tokenmanager

import (
	"sort"
	"sync"
	"sync/atomic"
)

// StickyMode selects how the scheduler reacts to a rate-limited bound
// account.
type StickyMode string

const (
	// StickyCacheFirst prefers waiting on the session's bound account up
	// to MaxWaitSeconds before giving up on it.
	StickyCacheFirst StickyMode = "cache_first"
	// StickyBalance never waits; a limited bound account is abandoned
	// immediately in favor of round-robin.
	StickyBalance StickyMode = "balance"
)

// StickyPolicy configures sticky-session behavior.
type StickyPolicy struct {
	Mode           StickyMode
	MaxWaitSeconds int64
}

// DefaultStickyPolicy is CacheFirst with a 120 second cap, per the data
// model's default.
func DefaultStickyPolicy() StickyPolicy {
	return StickyPolicy{Mode: StickyCacheFirst, MaxWaitSeconds: 120}
}

// imageGenRequestType is the one request type that partitions rate-limit
// state away from the rest of its quota group.
const imageGenRequestType = "image_gen"

// ScopeGroup derives the scope key under which rate-limit state and
// round-robin cursors are partitioned.
func ScopeGroup(quotaGroup, requestType string) string {
	if requestType == imageGenRequestType {
		return quotaGroup + "::" + imageGenRequestType
	}
	return quotaGroup
}

// SortByTier stably sorts tokens by ascending tier priority. Stability
// matters: round-robin fairness must be reproducible across calls given
// identical input, which a non-stable sort cannot guarantee.
func SortByTier(tokens []Record) {
	sort.SliceStable(tokens, func(i, j int) bool {
		return tokens[i].TierPriority() < tokens[j].TierPriority()
	})
}

// DecisionKind identifies which branch of the scheduling state machine
// produced a Decision.
type DecisionKind int

const (
	DecisionUseAccount DecisionKind = iota
	DecisionWaitAndUse
	DecisionAllUnavailable
)

// Decision is the outcome of a scheduling attempt.
type Decision struct {
	Kind        DecisionKind
	Token       Record // valid for UseAccount and WaitAndUse
	WaitSeconds int64  // valid for WaitAndUse and AllUnavailable
}

// Scheduler holds the round-robin cursors and implements the selection
// algorithms. It has no knowledge of the account registry's storage; it
// operates purely on the snapshot handed to it.
type Scheduler struct {
	cursors sync.Map // scope -> *atomic.Uint64
	limiter RateLimitTracker
}

// NewScheduler constructs a scheduler backed by the given rate-limit
// tracker.
func NewScheduler(limiter RateLimitTracker) *Scheduler {
	return &Scheduler{limiter: limiter}
}

func (s *Scheduler) cursorFor(scope string) *atomic.Uint64 {
	actual, _ := s.cursors.LoadOrStore(scope, &atomic.Uint64{})
	return actual.(*atomic.Uint64)
}

func contains(set map[string]struct{}, id string) bool {
	_, ok := set[id]
	return ok
}

// SelectRoundRobin returns the first token, scanning from the scope's
// cursor and wrapping, whose account id is not in attempted and which is
// not rate-limited in scope. It always advances the cursor once.
func (s *Scheduler) SelectRoundRobin(tokens []Record, scope string, attempted map[string]struct{}) (Record, bool) {
	n := len(tokens)
	if n == 0 {
		return Record{}, false
	}
	cursor := s.cursorFor(scope)
	start := cursor.Add(1) - 1
	startIdx := int(start % uint64(n))

	for i := 0; i < n; i++ {
		idx := (startIdx + i) % n
		t := tokens[idx]
		if contains(attempted, t.AccountID) {
			continue
		}
		if s.limiter.IsRateLimited(scope, t.AccountID) {
			continue
		}
		return t, true
	}
	return Record{}, false
}

// HealthyAccounts returns every token in scope that is not rate-limited.
func (s *Scheduler) HealthyAccounts(tokens []Record, scope string) []Record {
	var healthy []Record
	for _, t := range tokens {
		if !s.limiter.IsRateLimited(scope, t.AccountID) {
			healthy = append(healthy, t)
		}
	}
	return healthy
}

// CountLimited returns the number of tokens currently rate-limited in
// scope.
func (s *Scheduler) CountLimited(tokens []Record, scope string) int {
	count := 0
	for _, t := range tokens {
		if s.limiter.IsRateLimited(scope, t.AccountID) {
			count++
		}
	}
	return count
}

// minResetSeconds finds the minimum known reset time among tokens in
// scope, defaulting to 60 when no token has a known reset.
func (s *Scheduler) minResetSeconds(tokens []Record, scope string) int64 {
	var min int64 = -1
	for _, t := range tokens {
		if secs, ok := s.limiter.ResetSeconds(scope, t.AccountID); ok {
			if min == -1 || secs < min {
				min = secs
			}
		}
	}
	if min == -1 {
		return 60
	}
	return min
}

// SelectWithSession implements the sticky-session selection state machine
// described by states S-BOUND-FRESH, S-BOUND-WAIT, S-BOUND-SKIP, S-RR-OK,
// and S-RR-EMPTY.
func (s *Scheduler) SelectWithSession(tokens []Record, scope string, boundAccountID string, policy StickyPolicy, attempted map[string]struct{}) Decision {
	if boundAccountID != "" {
		bound, inPool := findByAccountID(tokens, boundAccountID)
		if inPool {
			wait := s.limiter.RemainingWait(scope, boundAccountID)
			switch {
			case wait == 0 && !contains(attempted, boundAccountID):
				// S-BOUND-FRESH
				return Decision{Kind: DecisionUseAccount, Token: bound}
			case wait > 0 && policy.Mode == StickyCacheFirst && wait <= policy.MaxWaitSeconds:
				// S-BOUND-WAIT: no attempted precondition, unlike S-BOUND-FRESH.
				return Decision{Kind: DecisionWaitAndUse, Token: bound, WaitSeconds: wait}
			}
			// else: S-BOUND-SKIP, fall through
		}
		// bound account not in pool: S-BOUND-SKIP, fall through
	}

	if t, ok := s.SelectRoundRobin(tokens, scope, attempted); ok {
		return Decision{Kind: DecisionUseAccount, Token: t}
	}
	return Decision{Kind: DecisionAllUnavailable, WaitSeconds: s.minResetSeconds(tokens, scope)}
}

func findByAccountID(tokens []Record, accountID string) (Record, bool) {
	for _, t := range tokens {
		if t.AccountID == accountID {
			return t, true
		}
	}
	return Record{}, false
}
