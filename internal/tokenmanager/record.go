package tokenmanager

// Tier is a subscription tier attached to an account.
type Tier string

const (
	TierUltra   Tier = "ULTRA"
	TierPro     Tier = "PRO"
	TierFree    Tier = "FREE"
	TierUnknown Tier = ""
)

// priority returns the sort key for a tier. Lower wins.
func (t Tier) priority() int {
	switch t {
	case TierUltra:
		return 0
	case TierPro:
		return 1
	case TierFree:
		return 2
	default:
		return 3
	}
}

// Record is an immutable snapshot of one account's credentials and metadata.
// Mutations never happen in place; callers replace the value held by the
// registry under the registry's own lock.
type Record struct {
	AccountID        string
	AccessToken      string
	RefreshToken     string
	ExpiresIn        int64
	Timestamp        int64 // absolute epoch-seconds at which AccessToken expires
	Email            string
	AccountPath      string // opaque handle to the persisted file
	ProjectID        string // empty means absent
	SubscriptionTier Tier
}

// expirySafetyMarginSeconds is subtracted from Timestamp before comparing
// against now, so a returned token is always usable for a few more minutes
// downstream.
const expirySafetyMarginSeconds = 300

// IsExpired reports whether the record's access token should be treated as
// expired, applying the safety margin.
func (r Record) IsExpired(now int64) bool {
	return now >= r.Timestamp-expirySafetyMarginSeconds
}

// TierPriority returns the record's sort key for tier-based ordering.
func (r Record) TierPriority() int {
	return r.SubscriptionTier.priority()
}

// HasProjectID reports whether a project id has already been resolved.
func (r Record) HasProjectID() bool {
	return r.ProjectID != ""
}

// SelectedToken is the credential bundle handed back to the proxy front-end.
type SelectedToken struct {
	AccessToken string
	ProjectID   string
	Email       string
	AccountID   string
}
