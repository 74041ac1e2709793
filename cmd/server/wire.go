//go:build wireinject
// +build wireinject

package main

import (
	"net/http"

	"github.com/google/wire"

	"github.com/nova-gateway/tokenproxy/internal/config"
	"github.com/nova-gateway/tokenproxy/internal/server"
	"github.com/nova-gateway/tokenproxy/internal/tokenmanager"
	"github.com/nova-gateway/tokenproxy/internal/tokenmanager/sweep"
)

// Application bundles everything main needs to run and shut down the
// process.
type Application struct {
	Server  *http.Server
	Cleanup func()
}

func initializeApplication(configPath string) (*Application, error) {
	wire.Build(
		provideConfig,
		provideStore,
		provideOAuthClient,
		provideProjectResolver,
		provideRateLimitTracker,
		provideAuditSink,
		provideManager,
		provideSweeper,
		provideHandlers,
		provideHTTPServer,
		provideCleanup,
		wire.Struct(new(Application), "Server", "Cleanup"),
	)
	return nil, nil
}

func provideConfig(configPath string) (*config.Config, error) {
	return config.Load(configPath)
}

func provideStore() tokenmanager.Store {
	return tokenmanager.NewFileStore()
}

func provideOAuthClient(cfg *config.Config) tokenmanager.OAuthClient {
	return nil
}

func provideProjectResolver(cfg *config.Config) tokenmanager.ProjectResolver {
	return nil
}

func provideRateLimitTracker(cfg *config.Config) tokenmanager.RateLimitTracker {
	return nil
}

func provideAuditSink(cfg *config.Config) tokenmanager.AuditSink {
	return nil
}

func provideManager(
	cfg *config.Config,
	store tokenmanager.Store,
	oauth tokenmanager.OAuthClient,
	project tokenmanager.ProjectResolver,
	limiter tokenmanager.RateLimitTracker,
	audit tokenmanager.AuditSink,
) (*tokenmanager.Manager, error) {
	return nil, nil
}

func provideSweeper(cfg *config.Config, manager *tokenmanager.Manager) *sweep.Sweeper {
	return nil
}

func provideHandlers(manager *tokenmanager.Manager) *server.Handlers {
	return nil
}

func provideHTTPServer(cfg *config.Config, handlers *server.Handlers) *http.Server {
	return nil
}

func provideCleanup(sweeper *sweep.Sweeper, limiter tokenmanager.RateLimitTracker) func() {
	return nil
}
