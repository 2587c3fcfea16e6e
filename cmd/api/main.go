package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"outreach-orchestrator/internal/api"
	"outreach-orchestrator/internal/approval"
	"outreach-orchestrator/internal/archive"
	"outreach-orchestrator/internal/config"
	"outreach-orchestrator/internal/control"
	"outreach-orchestrator/internal/credentials"
	"outreach-orchestrator/internal/gateway"
	"outreach-orchestrator/internal/lockstore"
	"outreach-orchestrator/internal/logging"
	"outreach-orchestrator/internal/pipeline"
	"outreach-orchestrator/internal/platform"
	"outreach-orchestrator/internal/ratelimit"
	"outreach-orchestrator/internal/scheduler"
	"outreach-orchestrator/internal/settings"
	"outreach-orchestrator/internal/state"
	"outreach-orchestrator/internal/store"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.WithError(err).Fatal("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.WithError(err).Fatal("migrations")
	}

	rdb := config.NewRedisClient(cfg)
	defer rdb.Close()

	locks := lockstore.New(rdb)
	resolver := settings.NewResolver(settings.FromDefaults(cfg.Defaults, cfg.SearchQuery), st, rdb)
	flags := state.NewFlags(rdb)
	cipher, err := credentials.NewCipher(cfg.TokenEncryptionKey)
	if err != nil {
		logger.WithError(err).Fatal("token cipher")
	}
	oauthCfg := credentials.NewOAuthConfig(cfg)
	creds := credentials.NewManager(st, locks, cipher, resolver, logger)
	creds.RegisterProvider(cfg.OAuthProvider, credentials.NewOAuthRefresher(oauthCfg, cfg.CallTimeout))
	flow := credentials.NewOAuthFlow(cfg.OAuthProvider, oauthCfg, rdb, creds, cfg.OAuthStateTTL, cfg.CallTimeout)

	plat := platform.New(cfg.PlatformBaseURL, cfg.CallTimeout)
	queue := approval.New(st)
	gw := gateway.New(gateway.Options{
		Queue:     queue,
		Repo:      st,
		Creds:     creds,
		Flags:     flags,
		Publisher: plat,
		Settings:  resolver,
		Provider:  cfg.OAuthProvider,
		Logger:    logger,
	})
	reports, err := archive.New(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("report archive")
	}
	hostname, _ := os.Hostname()
	// /run from the control plane executes in this process under the same tenant lease.
	sched := scheduler.New(scheduler.Options{
		Repo:        st,
		Locks:       locks,
		Runner:      pipeline.NewRunner(pipeline.DefaultStages(pipeline.PlatformIngestor{Search: plat, Tokens: creds, Provider: cfg.OAuthProvider}), queue, cfg.MinRelevanceScore, logger),
		Queue:       queue,
		Gateway:     gw,
		Flags:       flags,
		Settings:    resolver,
		Archive:     reports,
		Logger:      logger,
		WorkerID:    "api-" + hostname,
		Concurrency: 1,
	})

	directory, err := control.LoadDirectory(cfg.AdminDirectoryPath)
	if err != nil {
		logger.WithError(err).Fatal("admin directory")
	}
	plane := control.New(control.Options{
		Repo:        st,
		Queue:       queue,
		Runner:      sched,
		Flags:       flags,
		Settings:    resolver,
		Credentials: creds,
		Provider:    cfg.OAuthProvider,
		Directory:   directory,
		Logger:      logger,
	})

	server := api.New(api.Options{
		Config: cfg,
		Checks: map[string]api.Check{
			"postgres": st.Ping,
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		},
		Flows:       map[string]api.OAuthFlow{cfg.OAuthProvider: flow},
		Credentials: creds,
		Control:     plane,
		Publisher:   plat,
		Flags:       flags,
		Actions:     st,
		Limiter:     ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour),
		Logger:      logger,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.WithField("addr", httpServer.Addr).WithField("admins", directory.Size()).Info("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
