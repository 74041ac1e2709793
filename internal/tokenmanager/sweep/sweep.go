// Package sweep runs a supplemental, cron-scheduled background pass that
// proactively refreshes tokens nearing expiry so a burst of concurrent
// requests is less likely to all observe an expired token at once. It
// never replaces the on-demand refresh in Manager.GetToken and never
// bypasses the refresh coordinator's per-account lock, so a sweep racing
// a live request for the same account degrades to a harmless no-op on
// whichever side loses the race.
package sweep

import (
	"context"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/nova-gateway/tokenproxy/internal/logger"
	"github.com/nova-gateway/tokenproxy/internal/tokenmanager"
	"go.uber.org/zap"
)

// Config controls the sweep's schedule and fan-out.
type Config struct {
	// Schedule is a standard 5-field cron expression. Default: every 5
	// minutes.
	Schedule string
	// LeadSeconds is how far ahead of expiry a token is considered
	// "nearing expiry" and eligible for a proactive refresh. Default:
	// the 420-second window (300s safety margin + 120s slack). An account
	// in this window is refreshed only once its token is inside the
	// 300-second safety margin (Record.IsExpired); the refresh coordinator
	// leaves any other token as it is.
	LeadSeconds int64
	// Concurrency bounds how many accounts are refreshed in parallel per
	// sweep tick. Default: 4.
	Concurrency int
}

// DefaultConfig returns the sweep's documented defaults.
func DefaultConfig() Config {
	return Config{Schedule: "*/5 * * * *", LeadSeconds: 420, Concurrency: 4}
}

// Sweeper owns the cron schedule driving proactive refreshes.
type Sweeper struct {
	manager *tokenmanager.Manager
	cfg     Config
	cron    *cron.Cron
}

// New constructs a Sweeper. It does not start running until Start is
// called.
func New(manager *tokenmanager.Manager, cfg Config) *Sweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultConfig().Schedule
	}
	if cfg.LeadSeconds <= 0 {
		cfg.LeadSeconds = DefaultConfig().LeadSeconds
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	return &Sweeper{manager: manager, cfg: cfg, cron: cron.New()}
}

// Start schedules the sweep and returns immediately.
func (s *Sweeper) Start() error {
	_, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		s.runOnce(context.Background())
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron schedule, waiting for any in-flight tick to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) runOnce(ctx context.Context) {
	stale := s.manager.AccountsNearingExpiry(s.cfg.LeadSeconds)
	if len(stale) == 0 {
		return
	}

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(s.cfg.Concurrency)

	for _, accountID := range stale {
		accountID := accountID
		group.Go(func() error {
			// Failures here are logged, not propagated: a sweep tick
			// failing to refresh one account must never cancel the
			// sibling refreshes in flight under errgroup's
			// first-error-cancels behavior, and must never disable an
			// account the way a request-path failure does.
			if err := s.manager.ProactiveRefresh(ctx, accountID); err != nil {
				logger.L().Warn("proactive refresh failed",
					zap.String("account_id", accountID), zap.Error(err))
			}
			return nil
		})
	}
	_ = group.Wait()
}
