package tokenmanager

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeManagerStore is an in-memory Store used to drive Manager end-to-end
// tests without touching the filesystem.
type fakeManagerStore struct {
	mu       sync.Mutex
	accounts map[string]*fakeAccountFile
}

type fakeAccountFile struct {
	id             string
	email          string
	accessToken    string
	refreshToken   string
	expiresIn      int64
	timestamp      int64
	projectID      string
	tier           Tier
	disabled       bool
	disabledReason string
	disabledAt     int64
}

func newFakeManagerStore(accounts ...*fakeAccountFile) *fakeManagerStore {
	s := &fakeManagerStore{accounts: map[string]*fakeAccountFile{}}
	for _, a := range accounts {
		s.accounts[a.id] = a
	}
	return s
}

func (s *fakeManagerStore) LoadAccounts(dir string) ([]Record, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var records []Record
	for _, a := range s.accounts {
		if a.disabled {
			continue
		}
		records = append(records, Record{
			AccountID:        a.id,
			Email:            a.email,
			AccessToken:      a.accessToken,
			RefreshToken:     a.refreshToken,
			ExpiresIn:        a.expiresIn,
			Timestamp:        a.timestamp,
			AccountPath:      a.id,
			ProjectID:        a.projectID,
			SubscriptionTier: a.tier,
		})
	}
	return records, nil, nil
}

func (s *fakeManagerStore) PersistRefreshed(path string, accessToken string, expiresIn int64, expiryTimestamp int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[path]
	if !ok {
		return fmt.Errorf("unknown account %s", path)
	}
	a.accessToken = accessToken
	a.expiresIn = expiresIn
	a.timestamp = expiryTimestamp
	return nil
}

func (s *fakeManagerStore) PersistProjectID(path string, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[path]
	if !ok {
		return fmt.Errorf("unknown account %s", path)
	}
	a.projectID = projectID
	return nil
}

func (s *fakeManagerStore) Disable(path string, reason string, disabledAtEpoch int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[path]
	if !ok {
		return fmt.Errorf("unknown account %s", path)
	}
	a.disabled = true
	a.disabledReason = truncate(reason, 800)
	a.disabledAt = disabledAtEpoch
	return nil
}

type fakeProjectResolver struct {
	projectID string
	err       error
}

func (r *fakeProjectResolver) FetchProjectID(ctx context.Context, accessToken string) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	return r.projectID, nil
}

func freshAccount(id string, tier Tier) *fakeAccountFile {
	return &fakeAccountFile{
		id: id, email: id + "@example.com",
		accessToken: "access-" + id, refreshToken: "refresh-" + id,
		expiresIn: 3600, timestamp: time.Now().Unix() + 3600,
		projectID: "proj-" + id, tier: tier,
	}
}

func newTestManager(store *fakeManagerStore, oauth OAuthClient) *Manager {
	if oauth == nil {
		oauth = &countingOAuthClient{accessTok: "ignored", expiresIn: 3600}
	}
	limiter := NewInMemoryRateLimitTracker()
	m := NewManager("unused", store, oauth, &fakeProjectResolver{projectID: "resolved-project"}, limiter)
	_, err := m.LoadAccounts()
	if err != nil {
		panic(err)
	}
	return m
}

func TestScenarioTierPrecedence(t *testing.T) {
	store := newFakeManagerStore(
		freshAccount("free-1", TierFree),
		freshAccount("ultra-1", TierUltra),
		freshAccount("pro-1", TierPro),
	)
	m := newTestManager(store, nil)

	selected, err := m.GetToken(context.Background(), "claude", "chat", false, "")
	require.NoError(t, err)
	assert.Equal(t, "ultra-1", selected.AccountID)

	m.MarkRateLimited("claude", "chat", "ultra-1", 429, "60", "")

	selected, err = m.GetToken(context.Background(), "claude", "chat", false, "")
	require.NoError(t, err)
	assert.Equal(t, "pro-1", selected.AccountID)
}

func TestScenarioStickyBindThenReuse(t *testing.T) {
	store := newFakeManagerStore(freshAccount("a", TierPro), freshAccount("b", TierPro))
	m := newTestManager(store, nil)

	first, err := m.GetToken(context.Background(), "claude", "chat", false, "s1")
	require.NoError(t, err)

	second, err := m.GetToken(context.Background(), "claude", "chat", false, "s1")
	require.NoError(t, err)
	assert.Equal(t, first.AccountID, second.AccountID)

	// Mark the bound account limited for 1s under CacheFirst; the third
	// call should still resolve to the same account after the wait.
	m.MarkRateLimited("claude", "chat", first.AccountID, 429, "1", "")
	third, err := m.GetToken(context.Background(), "claude", "chat", false, "s1")
	require.NoError(t, err)
	assert.Equal(t, first.AccountID, third.AccountID)

	// Re-limit and switch to Balance: the bound account must now be
	// abandoned in favor of the other one.
	m.MarkRateLimited("claude", "chat", first.AccountID, 429, "999", "")
	m.UpdateStickyConfig(StickyPolicy{Mode: StickyBalance, MaxWaitSeconds: 120})
	fourth, err := m.GetToken(context.Background(), "claude", "chat", false, "s1")
	require.NoError(t, err)
	assert.NotEqual(t, first.AccountID, fourth.AccountID)
}

func TestScenarioRotationOverrideDoesNotRewriteBinding(t *testing.T) {
	store := newFakeManagerStore(freshAccount("a", TierPro), freshAccount("b", TierPro))
	m := newTestManager(store, nil)

	bound, err := m.GetToken(context.Background(), "claude", "chat", false, "s1")
	require.NoError(t, err)

	rotated, err := m.GetToken(context.Background(), "claude", "chat", true, "s1")
	require.NoError(t, err)
	assert.NotEqual(t, bound.AccountID, rotated.AccountID)

	// binding must still point at the original account
	again, err := m.GetToken(context.Background(), "claude", "chat", false, "s1")
	require.NoError(t, err)
	assert.Equal(t, bound.AccountID, again.AccountID)
}

func TestScenarioRefreshCoalescing(t *testing.T) {
	store := newFakeManagerStore(freshAccount("a", TierPro))
	oauth := &countingOAuthClient{delay: 30 * time.Millisecond, accessTok: "new-access", expiresIn: 3600}
	m := newTestManager(store, oauth)

	// force expiry
	store.mu.Lock()
	store.accounts["a"].timestamp = 0
	store.mu.Unlock()
	m.LoadAccounts()

	const n = 10
	var wg sync.WaitGroup
	results := make([]SelectedToken, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sel, err := m.GetToken(context.Background(), "claude", "chat", true, "")
			results[i] = sel
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "call %d", i)
		assert.Equal(t, "new-access", results[i].AccessToken)
	}
	assert.LessOrEqual(t, oauth.calls, int64(1))
}

func TestScenarioPermanentRefreshErrorDisablesAccount(t *testing.T) {
	store := newFakeManagerStore(freshAccount("a", TierPro), freshAccount("b", TierPro))
	store.mu.Lock()
	store.accounts["a"].timestamp = 0
	store.mu.Unlock()

	oauth := &countingOAuthClient{err: fmt.Errorf("invalid_grant: revoked")}
	m := newTestManager(store, oauth)

	selected, err := m.GetToken(context.Background(), "claude", "chat", false, "")
	require.NoError(t, err)
	assert.Equal(t, "b", selected.AccountID)

	store.mu.Lock()
	assert.True(t, store.accounts["a"].disabled)
	assert.NotZero(t, store.accounts["a"].disabledAt)
	store.mu.Unlock()

	assert.Equal(t, 1, m.Len())
}

func TestScenarioAllLimited(t *testing.T) {
	store := newFakeManagerStore(freshAccount("a", TierPro), freshAccount("b", TierPro))
	m := newTestManager(store, nil)

	m.MarkRateLimited("claude", "chat", "a", 429, "90", "")
	m.MarkRateLimited("claude", "chat", "b", 429, "45", "")

	_, err := m.GetToken(context.Background(), "claude", "chat", false, "s1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "45")

	_, ok := m.sessions.Get("claude", "s1")
	assert.False(t, ok)
}

func TestGetTokenReturnsPromptlyWhenCancelledDuringRefresh(t *testing.T) {
	store := newFakeManagerStore(freshAccount("a", TierPro))
	store.mu.Lock()
	store.accounts["a"].timestamp = 0 // force expiry
	store.mu.Unlock()

	oauth := &countingOAuthClient{delay: 200 * time.Millisecond, accessTok: "new-access", expiresIn: 3600}
	m := newTestManager(store, oauth)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := m.GetToken(ctx, "claude", "chat", false, "")
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Less(t, elapsed, 100*time.Millisecond, "GetToken must return promptly on cancellation, not block for the full refresh")

	// the detached refresh keeps running after the caller gave up and
	// must still persist its result.
	time.Sleep(300 * time.Millisecond)
	store.mu.Lock()
	assert.Equal(t, "new-access", store.accounts["a"].accessToken)
	store.mu.Unlock()
}

func TestGetTokenEmptyPool(t *testing.T) {
	store := newFakeManagerStore()
	m := newTestManager(store, nil)

	_, err := m.GetToken(context.Background(), "claude", "chat", false, "")
	require.Error(t, err)
}

func TestGetTokenResolvesMissingProjectID(t *testing.T) {
	account := freshAccount("a", TierPro)
	account.projectID = ""
	store := newFakeManagerStore(account)
	m := newTestManager(store, nil)

	selected, err := m.GetToken(context.Background(), "claude", "chat", false, "")
	require.NoError(t, err)
	assert.Equal(t, "resolved-project", selected.ProjectID)

	store.mu.Lock()
	assert.Equal(t, "resolved-project", store.accounts["a"].projectID)
	store.mu.Unlock()
}

func TestLenAndIsEmpty(t *testing.T) {
	store := newFakeManagerStore(freshAccount("a", TierPro))
	m := newTestManager(store, nil)
	assert.Equal(t, 1, m.Len())
	assert.False(t, m.IsEmpty())

	store2 := newFakeManagerStore()
	m2 := newTestManager(store2, nil)
	assert.True(t, m2.IsEmpty())
}
