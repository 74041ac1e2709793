// Code generated by hand in the style of google/wire's generated output.
// wire.go (tagged wireinject) declares the provider graph; this file wires
// the process by hand once at startup and departs from that graph in
// places (logger setup, the optional Redis client, and a cleanup that
// takes the Redis client rather than the rate-limit tracker).

package main

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nova-gateway/tokenproxy/internal/config"
	"github.com/nova-gateway/tokenproxy/internal/logger"
	"github.com/nova-gateway/tokenproxy/internal/server"
	"github.com/nova-gateway/tokenproxy/internal/tokenmanager"
	"github.com/nova-gateway/tokenproxy/internal/tokenmanager/auditsink"
	"github.com/nova-gateway/tokenproxy/internal/tokenmanager/sweep"
)

// Application bundles everything main needs to run and shut down the
// process.
type Application struct {
	Server  *http.Server
	Cleanup func()
}

func initializeApplication(configPath string) (*Application, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if err := logger.Init(logger.Config{
		Level:    cfg.LogLevel,
		FilePath: cfg.LogFile,
		Console:  cfg.LogConsole,
	}); err != nil {
		return nil, err
	}

	store := tokenmanager.NewFileStore()

	var oauthClient tokenmanager.OAuthClient
	if cfg.OAuthEndpoint != "" {
		oauthClient = tokenmanager.NewHTTPOAuthClient(cfg.OAuthEndpoint, cfg.OAuthClientID)
	} else {
		oauthClient = tokenmanager.NewHTTPOAuthClient("http://localhost:0/oauth/token", "")
	}

	var projectResolver tokenmanager.ProjectResolver
	if cfg.ProjectEndpoint != "" {
		projectResolver = tokenmanager.NewHTTPProjectResolver(cfg.ProjectEndpoint)
	} else {
		projectResolver = tokenmanager.NewHTTPProjectResolver("http://localhost:0/project-id")
	}

	limiter := tokenmanager.NewInMemoryRateLimitTracker()
	limiter.SetOverloadedCooldown(cfg.RateLimitOverloadedCooldown)

	var rdb *redis.Client
	var audit tokenmanager.AuditSink
	if cfg.AuditRedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.AuditRedisAddr,
			Password: cfg.AuditRedisPassword,
			DB:       cfg.AuditRedisDB,
		})
		audit = auditsink.New(rdb, cfg.AuditListKey)
	}

	managerOpts := []tokenmanager.Option{}
	if audit != nil {
		managerOpts = append(managerOpts, tokenmanager.WithAuditSink(audit))
	}

	manager := tokenmanager.NewManager(cfg.DataDir, store, oauthClient, projectResolver, limiter, managerOpts...)
	manager.UpdateStickyConfig(tokenmanager.StickyPolicy{
		Mode:           tokenmanager.StickyMode(cfg.StickyMode),
		MaxWaitSeconds: cfg.StickyMaxWaitSeconds,
	})

	if _, err := manager.LoadAccounts(); err != nil {
		log.Printf("initial account load failed: %v", err)
	}

	var sweeper *sweep.Sweeper
	if cfg.SweepEnabled {
		sweeper = sweep.New(manager, sweep.Config{
			Schedule:    cfg.SweepSchedule,
			LeadSeconds: cfg.SweepLeadSeconds,
			Concurrency: cfg.SweepConcurrency,
		})
		if err := sweeper.Start(); err != nil {
			return nil, err
		}
	}

	handlers := server.NewHandlers(manager)
	router := server.NewRouter(handlers)

	httpServer := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	cleanup := provideCleanup(sweeper, rdb)

	return &Application{Server: httpServer, Cleanup: cleanup}, nil
}

// provideCleanup mirrors the reference project's cleanup shape: independent
// application-layer subsystems stop in parallel, infrastructure resources
// close last and in sequence.
func provideCleanup(sweeper *sweep.Sweeper, rdb *redis.Client) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		type cleanupStep struct {
			name string
			fn   func() error
		}

		parallelSteps := []cleanupStep{
			{"Sweeper", func() error {
				if sweeper != nil {
					sweeper.Stop()
				}
				return nil
			}},
		}

		infraSteps := []cleanupStep{
			{"Redis", func() error {
				if rdb == nil {
					return nil
				}
				return rdb.Close()
			}},
		}

		runParallel := func(steps []cleanupStep) {
			var wg sync.WaitGroup
			for i := range steps {
				step := steps[i]
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := step.fn(); err != nil {
						log.Printf("[Cleanup] %s failed: %v", step.name, err)
						return
					}
					log.Printf("[Cleanup] %s succeeded", step.name)
				}()
			}
			wg.Wait()
		}

		runSequential := func(steps []cleanupStep) {
			for i := range steps {
				step := steps[i]
				if err := step.fn(); err != nil {
					log.Printf("[Cleanup] %s failed: %v", step.name, err)
					continue
				}
				log.Printf("[Cleanup] %s succeeded", step.name)
			}
		}

		runParallel(parallelSteps)
		runSequential(infraSteps)

		select {
		case <-ctx.Done():
			log.Printf("[Cleanup] warning: cleanup timed out after 10 seconds")
		default:
			log.Printf("[Cleanup] all cleanup steps completed")
		}
	}
}
