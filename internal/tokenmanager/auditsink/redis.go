// Package auditsink implements Manager.AuditSink backed by Redis. It is a
// pure observability channel: an operator can tail the configured list to
// see rate-limit and disable events across process restarts, but nothing
// in the scheduler ever reads this data back, so two proxy processes
// sharing a Redis instance still each run their own independent scheduler.
package auditsink

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nova-gateway/tokenproxy/internal/logger"
	"github.com/nova-gateway/tokenproxy/internal/tokenmanager"
	"go.uber.org/zap"
)

// RedisSink pushes audit events onto a Redis list with LPUSH, fire and
// forget. A failed push is logged and otherwise ignored.
type RedisSink struct {
	client  *redis.Client
	listKey string
	timeout time.Duration
}

// New constructs a RedisSink. listKey is the Redis list events are
// LPUSHed onto.
func New(client *redis.Client, listKey string) *RedisSink {
	if listKey == "" {
		listKey = "tokenproxy:audit"
	}
	return &RedisSink{client: client, listKey: listKey, timeout: 2 * time.Second}
}

type wireEvent struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	AccountID string    `json:"account_id"`
	Scope     string    `json:"scope,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Notify implements tokenmanager.AuditSink.
func (s *RedisSink) Notify(ctx context.Context, event tokenmanager.AuditEvent) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	payload, err := json.Marshal(wireEvent{
		ID:        uuid.NewString(),
		Kind:      event.Kind,
		AccountID: event.AccountID,
		Scope:     event.Scope,
		Detail:    event.Detail,
		At:        event.At,
	})
	if err != nil {
		logger.L().Warn("audit event marshal failed", zap.Error(err))
		return
	}

	if err := s.client.LPush(ctx, s.listKey, payload).Err(); err != nil {
		logger.L().Warn("audit event push failed", zap.Error(err), zap.String("account_id", event.AccountID))
	}
}
