package tokenmanager

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecordIsExpired(t *testing.T) {
	now := int64(1_000_000)

	cases := []struct {
		name      string
		timestamp int64
		want      bool
	}{
		{"well in the future", now + 1000, false},
		{"exactly at safety margin boundary", now + expirySafetyMarginSeconds, true},
		{"one second inside the margin", now + expirySafetyMarginSeconds - 1, true},
		{"already in the past", now - 10, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := Record{Timestamp: tc.timestamp}
			assert.Equal(t, tc.want, r.IsExpired(now))
		})
	}
}

func TestTierPriority(t *testing.T) {
	assert.Equal(t, 0, Record{SubscriptionTier: TierUltra}.TierPriority())
	assert.Equal(t, 1, Record{SubscriptionTier: TierPro}.TierPriority())
	assert.Equal(t, 2, Record{SubscriptionTier: TierFree}.TierPriority())
	assert.Equal(t, 3, Record{SubscriptionTier: Tier("")}.TierPriority())
	assert.Equal(t, 3, Record{SubscriptionTier: Tier("SOMETHING_ELSE")}.TierPriority())
}

func TestHasProjectID(t *testing.T) {
	assert.False(t, Record{}.HasProjectID())
	assert.True(t, Record{ProjectID: "p-1"}.HasProjectID())
}
