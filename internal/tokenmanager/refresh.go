package tokenmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nova-gateway/tokenproxy/internal/apperrors"
)

// OAuthClient performs the actual refresh-token-for-access-token exchange.
// It is an external collaborator; the core only knows this narrow contract.
type OAuthClient interface {
	RefreshAccessToken(ctx context.Context, refreshToken string) (accessToken string, expiresIn int64, err error)
}

// RefreshResult is the outcome of a successful OAuth exchange.
type RefreshResult struct {
	AccessToken string
	ExpiresIn   int64
}

// ErrRefreshNotNeeded is returned by RefreshCoordinator.Refresh when a
// concurrent caller already refreshed the token by the time this caller
// acquired the per-account lock.
var ErrRefreshNotNeeded = fmt.Errorf("token no longer needs refresh")

// RefreshCoordinator serializes OAuth refresh attempts per account and
// persists the result. At most one OAuth exchange is ever in flight for a
// given account id, satisfied by a sync.Map of per-account mutexes: entries
// are created with LoadOrStore (the required get-or-insert atomicity) and
// are never removed, since the number of accounts bounds their footprint.
type RefreshCoordinator struct {
	locks sync.Map // account id -> *sync.Mutex
	fresh sync.Map // account id -> int64 expiry timestamp of the last refresh made here
	oauth OAuthClient
	store Store
	nowFn func() time.Time
}

// NewRefreshCoordinator constructs a coordinator around the given OAuth
// client and account file store.
func NewRefreshCoordinator(oauth OAuthClient, store Store) *RefreshCoordinator {
	return &RefreshCoordinator{oauth: oauth, store: store, nowFn: time.Now}
}

// AcquireLock returns the mutex for accountID, creating one on first use.
// Two calls for the same account id always return the same *sync.Mutex.
func (c *RefreshCoordinator) AcquireLock(accountID string) *sync.Mutex {
	actual, _ := c.locks.LoadOrStore(accountID, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// Refresh performs (or coalesces into) a single OAuth refresh for token.
// ctx is accepted for interface symmetry with OAuthClient but is never
// consulted here: Refresh always runs to completion against
// context.Background(), even if the original caller gives up, so a refresh
// already in flight never leaves the on-disk file half-written. Callers
// that need to abandon a refresh early without abandoning the refresh
// itself should race this call against their own context in a goroutine,
// as Manager.refreshToken does.
func (c *RefreshCoordinator) Refresh(ctx context.Context, token Record) (RefreshResult, error) {
	lock := c.AcquireLock(token.AccountID)
	lock.Lock()
	defer lock.Unlock()

	// The caller's copy may predate a refresh that another caller finished
	// while this one waited for the lock, so re-check against the later of
	// the two expiry timestamps.
	current := token
	if ts, ok := c.fresh.Load(token.AccountID); ok && ts.(int64) > current.Timestamp {
		current.Timestamp = ts.(int64)
	}
	if !current.IsExpired(c.nowFn().Unix()) {
		return RefreshResult{}, ErrRefreshNotNeeded
	}

	accessToken, expiresIn, err := c.oauth.RefreshAccessToken(context.Background(), token.RefreshToken)
	if err != nil {
		if apperrors.IsPermanentOAuthError(err.Error()) {
			return RefreshResult{}, apperrors.RefreshPermanent(err.Error())
		}
		return RefreshResult{}, apperrors.RefreshTransient(err.Error())
	}

	result := RefreshResult{AccessToken: accessToken, ExpiresIn: expiresIn}
	expiryTimestamp := c.nowFn().Unix() + expiresIn
	if err := c.store.PersistRefreshed(token.AccountPath, accessToken, expiresIn, expiryTimestamp); err != nil {
		return RefreshResult{}, apperrors.RefreshTransient(err.Error())
	}
	c.fresh.Store(token.AccountID, expiryTimestamp)
	return result, nil
}
