package tokenmanager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nova-gateway/tokenproxy/internal/apperrors"
	"github.com/nova-gateway/tokenproxy/internal/logger"
	"go.uber.org/zap"
)

// ProjectResolver resolves the upstream "project id" for an access token.
// It is an external collaborator.
type ProjectResolver interface {
	FetchProjectID(ctx context.Context, accessToken string) (string, error)
}

// CurrentAccountSink receives a best-effort, fire-and-forget notification
// of the account id most recently selected. It must never block the
// caller and its errors are only logged.
type CurrentAccountSink interface {
	SetCurrentAccountID(id string)
}

// AuditEvent describes a rate-limit or disable observation for the
// optional audit sink (see internal/tokenmanager/auditsink).
type AuditEvent struct {
	ID        string
	Kind      string // "rate_limited" or "disabled"
	AccountID string
	Scope     string
	Detail    string
	At        time.Time
}

// AuditSink records AuditEvents for operator visibility. It is never
// consulted by scheduling decisions.
type AuditSink interface {
	Notify(ctx context.Context, event AuditEvent)
}

type noopCurrentAccountSink struct{}

func (noopCurrentAccountSink) SetCurrentAccountID(string) {}

type noopAuditSink struct{}

func (noopAuditSink) Notify(context.Context, AuditEvent) {}

// Manager is the Token Manager (C6): it owns the account registry and
// composes the session map, refresh coordinator, and scheduler into the
// single per-request operation, GetToken.
type Manager struct {
	dataDir string
	store   Store
	oauth   OAuthClient
	project ProjectResolver

	registryMu sync.RWMutex
	registry   map[string]Record

	sessions  *SessionBindings
	refresher *RefreshCoordinator
	scheduler *Scheduler
	limiter   RateLimitTracker

	policyMu sync.RWMutex
	policy   StickyPolicy

	currentAccount CurrentAccountSink
	audit          AuditSink

	nowFn func() time.Time
}

// Option configures optional collaborators on a Manager.
type Option func(*Manager)

// WithCurrentAccountSink installs the best-effort "current account"
// observability signal.
func WithCurrentAccountSink(sink CurrentAccountSink) Option {
	return func(m *Manager) { m.currentAccount = sink }
}

// WithAuditSink installs the optional rate-limit/disable audit sink.
func WithAuditSink(sink AuditSink) Option {
	return func(m *Manager) { m.audit = sink }
}

// NewManager constructs a Manager. dataDir is the directory whose
// accounts/ subdirectory holds the account files.
func NewManager(dataDir string, store Store, oauth OAuthClient, project ProjectResolver, limiter RateLimitTracker, opts ...Option) *Manager {
	m := &Manager{
		dataDir:        dataDir,
		store:          store,
		oauth:          oauth,
		project:        project,
		registry:       make(map[string]Record),
		sessions:       NewSessionBindings(),
		limiter:        limiter,
		policy:         DefaultStickyPolicy(),
		currentAccount: noopCurrentAccountSink{},
		audit:          noopAuditSink{},
		nowFn:          time.Now,
	}
	m.refresher = NewRefreshCoordinator(oauth, store)
	m.scheduler = NewScheduler(limiter)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LoadAccounts clears the registry and session bindings, then repopulates
// the registry from every accepted account file. It returns the number of
// accepted accounts.
func (m *Manager) LoadAccounts() (int, error) {
	records, skipped, err := m.store.LoadAccounts(m.dataDir)
	if err != nil {
		return 0, apperrors.LoadIO(err.Error())
	}
	for _, reason := range skipped {
		logger.L().Debug("skipped account file", zap.String("reason", reason))
	}

	next := make(map[string]Record, len(records))
	for _, r := range records {
		next[r.AccountID] = r
	}

	m.registryMu.Lock()
	m.registry = next
	m.registryMu.Unlock()
	m.sessions.Clear()

	return len(records), nil
}

// snapshot returns a tier-sorted copy of the current registry, ordered by
// account id within a tier.
func (m *Manager) snapshot() []Record {
	m.registryMu.RLock()
	defer m.registryMu.RUnlock()
	out := make([]Record, 0, len(m.registry))
	for _, r := range m.registry {
		out = append(out, r)
	}
	// Map iteration order changes from one range loop to the next; ordering
	// by account id first gives every snapshot the same order, so the
	// round-robin cursor walks equal-tier accounts consistently across calls.
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	SortByTier(out)
	return out
}

func (m *Manager) get(accountID string) (Record, bool) {
	m.registryMu.RLock()
	defer m.registryMu.RUnlock()
	r, ok := m.registry[accountID]
	return r, ok
}

func (m *Manager) put(r Record) {
	m.registryMu.Lock()
	defer m.registryMu.Unlock()
	m.registry[r.AccountID] = r
}

func (m *Manager) evict(accountID string) {
	m.registryMu.Lock()
	defer m.registryMu.Unlock()
	delete(m.registry, accountID)
}

// Len returns the number of accounts currently in the registry.
func (m *Manager) Len() int {
	m.registryMu.RLock()
	defer m.registryMu.RUnlock()
	return len(m.registry)
}

// IsEmpty reports whether the registry has no accounts.
func (m *Manager) IsEmpty() bool {
	return m.Len() == 0
}

// GetStickyConfig returns the current sticky-session policy.
func (m *Manager) GetStickyConfig() StickyPolicy {
	m.policyMu.RLock()
	defer m.policyMu.RUnlock()
	return m.policy
}

// UpdateStickyConfig atomically replaces the sticky-session policy.
func (m *Manager) UpdateStickyConfig(p StickyPolicy) {
	m.policyMu.Lock()
	defer m.policyMu.Unlock()
	m.policy = p
}

// AccountsNearingExpiry returns the ids of accounts whose access token
// will expire within leadSeconds but has not expired yet, for consumption
// by the supplemental proactive refresh sweep. Expiry here is the token's
// own Timestamp, without the safety margin.
func (m *Manager) AccountsNearingExpiry(leadSeconds int64) []string {
	now := m.nowFn().Unix()
	m.registryMu.RLock()
	defer m.registryMu.RUnlock()

	var ids []string
	for id, r := range m.registry {
		if r.Timestamp <= now {
			continue // already expired; left to the on-demand refresh
		}
		if r.Timestamp <= now+leadSeconds {
			ids = append(ids, id)
		}
	}
	return ids
}

// ProactiveRefresh refreshes accountID if it still exists and still needs
// it by the time the per-account lock is acquired. It never disables the
// account on a permanent error; a sweep-observed failure is treated as
// transient so a flaky network blip during an idle period cannot silently
// shrink the pool. See refreshToken for the request-path equivalent that
// does disable on a permanent error.
func (m *Manager) ProactiveRefresh(ctx context.Context, accountID string) error {
	token, ok := m.get(accountID)
	if !ok {
		return nil
	}
	result, err := m.refresher.Refresh(ctx, token)
	if err != nil {
		if err == ErrRefreshNotNeeded {
			return nil
		}
		return err
	}
	token.AccessToken = result.AccessToken
	token.ExpiresIn = result.ExpiresIn
	token.Timestamp = m.nowFn().Unix() + result.ExpiresIn
	m.put(token)
	return nil
}

// ClearAllSessions forwards to the session binding map.
func (m *Manager) ClearAllSessions() {
	m.sessions.Clear()
}

// MarkRateLimited records an upstream rate-limit observation and, if an
// audit sink is configured, fire-and-forget notifies it.
func (m *Manager) MarkRateLimited(quotaGroup, requestType, accountID string, status int, retryAfterHeader, errorBody string) {
	scope := ScopeGroup(quotaGroup, requestType)
	m.limiter.RecordFromError(scope, accountID, status, retryAfterHeader, errorBody)
	m.notifyAudit(AuditEvent{
		Kind:      "rate_limited",
		AccountID: accountID,
		Scope:     scope,
		Detail:    fmt.Sprintf("status=%d", status),
		At:        m.nowFn(),
	})
}

// IsRateLimited reports whether accountID is currently rate-limited under
// (quotaGroup, requestType)'s scope.
func (m *Manager) IsRateLimited(quotaGroup, requestType, accountID string) bool {
	return m.limiter.IsRateLimited(ScopeGroup(quotaGroup, requestType), accountID)
}

func (m *Manager) notifyAudit(event AuditEvent) {
	go m.audit.Notify(context.Background(), event)
}

// GetToken implements the per-request account selection contract
// described in the component design: tier-sort a snapshot, consult the
// scheduler (sticky first, unless rotating), refresh the chosen token if
// expired, resolve a missing project id, bind the session, and return the
// credential bundle. On any recoverable failure the candidate is marked
// attempted and the loop advances; EmptyPool and AllLimited are fatal and
// short-circuit immediately.
func (m *Manager) GetToken(ctx context.Context, quotaGroup, requestType string, forceRotate bool, sessionID string) (SelectedToken, error) {
	snapshot := m.snapshot()
	if len(snapshot) == 0 {
		return SelectedToken{}, apperrors.EmptyPool()
	}

	scope := ScopeGroup(quotaGroup, requestType)
	policy := m.GetStickyConfig()

	var boundAccountID string
	if sessionID != "" {
		boundAccountID, _ = m.sessions.Get(scope, sessionID)
	}

	attempted := make(map[string]struct{})
	var lastErr error

	for i := 0; i < len(snapshot); i++ {
		rotate := forceRotate || i > 0

		var decision Decision
		if rotate {
			if t, ok := m.scheduler.SelectRoundRobin(snapshot, scope, attempted); ok {
				decision = Decision{Kind: DecisionUseAccount, Token: t}
			} else {
				decision = Decision{Kind: DecisionAllUnavailable, WaitSeconds: 60}
			}
		} else {
			decision = m.scheduler.SelectWithSession(snapshot, scope, boundAccountID, policy, attempted)
		}

		switch decision.Kind {
		case DecisionAllUnavailable:
			return SelectedToken{}, apperrors.AllLimited(decision.WaitSeconds)

		case DecisionWaitAndUse:
			if err := sleepOrCancel(ctx, time.Duration(decision.WaitSeconds)*time.Second); err != nil {
				return SelectedToken{}, apperrors.Cancelled(err.Error())
			}
			logger.L().Warn("waited on sticky account",
				zap.String("account_id", decision.Token.AccountID),
				zap.Int64("wait_seconds", decision.WaitSeconds))
		}

		token := decision.Token

		if current, ok := m.get(token.AccountID); ok {
			token = current
		}

		if token.IsExpired(m.nowFn().Unix()) {
			refreshed, err := m.refreshToken(ctx, token)
			if err != nil {
				if appErr := apperrors.FromError(err); appErr != nil && appErr.Reason == apperrors.CodeCancelled {
					return SelectedToken{}, err
				}
				lastErr = err
				attempted[token.AccountID] = struct{}{}
				continue
			}
			token = refreshed
		}

		if !token.HasProjectID() {
			projectID, err := m.project.FetchProjectID(ctx, token.AccessToken)
			if err != nil {
				logger.L().Error("project id fetch failed",
					zap.String("account_id", token.AccountID), zap.Error(err))
				lastErr = apperrors.ProjectIDFetch(err.Error())
				attempted[token.AccountID] = struct{}{}
				continue
			}
			token.ProjectID = projectID
			m.put(token)
			if err := m.store.PersistProjectID(token.AccountPath, projectID); err != nil {
				logger.L().Error("persist project id failed",
					zap.String("account_id", token.AccountID), zap.Error(err))
			}
		}

		if sessionID != "" && !rotate {
			m.sessions.Set(scope, sessionID, token.AccountID)
		}

		go m.currentAccount.SetCurrentAccountID(token.AccountID)

		return SelectedToken{
			AccessToken: token.AccessToken,
			ProjectID:   token.ProjectID,
			Email:       token.Email,
			AccountID:   token.AccountID,
		}, nil
	}

	if lastErr != nil {
		return SelectedToken{}, lastErr
	}
	return SelectedToken{}, apperrors.AllFailed()
}

// refreshToken drives one refresh attempt for token, writing the result
// back into the registry on success and disabling+evicting the account on
// a permanent OAuth error.
//
// The actual exchange always runs to completion on its own, detached from
// ctx (RefreshCoordinator.Refresh dials out on context.Background()), so a
// refresh already in flight never leaves the on-disk file half-written.
// refreshToken itself races that completion against ctx here: if the
// caller's context is cancelled first, it returns apperrors.Cancelled
// immediately and lets the goroutine finish and persist in the background,
// discarding the result for this request, per the cancellation contract.
func (m *Manager) refreshToken(ctx context.Context, token Record) (Record, error) {
	done := make(chan struct{})
	var resultToken Record
	var resultErr error

	go func() {
		defer close(done)
		result, err := m.refresher.Refresh(context.Background(), token)
		if err != nil {
			if err == ErrRefreshNotNeeded {
				if current, ok := m.get(token.AccountID); ok {
					resultToken = current
				} else {
					resultToken = token
				}
				return
			}

			logger.L().Error("refresh failed",
				zap.String("account_id", token.AccountID), zap.Error(err))

			if appErr := apperrors.FromError(err); appErr != nil && appErr.Reason == apperrors.CodeRefreshPermanent {
				m.disableAccount(token, err.Error())
			}
			resultErr = err
			return
		}

		token.AccessToken = result.AccessToken
		token.ExpiresIn = result.ExpiresIn
		token.Timestamp = m.nowFn().Unix() + result.ExpiresIn
		m.put(token)
		resultToken = token
	}()

	select {
	case <-ctx.Done():
		return Record{}, apperrors.Cancelled(ctx.Err().Error())
	case <-done:
		return resultToken, resultErr
	}
}

func (m *Manager) disableAccount(token Record, reason string) {
	now := m.nowFn().Unix()
	if err := m.store.Disable(token.AccountPath, reason, now); err != nil {
		logger.L().Error("disable account on disk failed",
			zap.String("account_id", token.AccountID), zap.Error(err))
	}
	m.evict(token.AccountID)
	m.notifyAudit(AuditEvent{
		Kind:      "disabled",
		AccountID: token.AccountID,
		Detail:    truncate(reason, 800),
		At:        m.nowFn(),
	})
}

// sleepOrCancel sleeps for d, returning early with ctx.Err() if ctx is
// cancelled first.
func sleepOrCancel(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
