package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"outreach-orchestrator/internal/approval"
	"outreach-orchestrator/internal/archive"
	"outreach-orchestrator/internal/config"
	"outreach-orchestrator/internal/credentials"
	"outreach-orchestrator/internal/gateway"
	"outreach-orchestrator/internal/lockstore"
	"outreach-orchestrator/internal/logging"
	"outreach-orchestrator/internal/models"
	"outreach-orchestrator/internal/pipeline"
	"outreach-orchestrator/internal/platform"
	"outreach-orchestrator/internal/scheduler"
	"outreach-orchestrator/internal/settings"
	"outreach-orchestrator/internal/state"
	"outreach-orchestrator/internal/store"
	"outreach-orchestrator/internal/store/memstore"
	"outreach-orchestrator/internal/telemetry"
)

func main() {
	cycles := flag.Int("cycles", 0, "number of cycles to run; 0 runs until interrupted")
	interval := flag.Duration("interval", 0, "time between cycles (defaults to SCHEDULER_INTERVAL)")
	dryRun := flag.Bool("dry-run", false, "run pipelines without enqueueing or publishing")
	tenant := flag.String("tenant", "", "run a single tenant once and exit")
	memory := flag.Bool("memory", false, "use in-process redis and storage with a demo tenant")
	flag.Parse()

	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("config")
	}
	if *interval <= 0 {
		*interval = cfg.SchedulerInterval
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		repo   store.Repository
		client *redis.Client
		ing    pipeline.Ingestor
	)
	if *memory {
		mr, err := miniredis.Run()
		if err != nil {
			logger.WithError(err).Fatal("start in-process redis")
		}
		defer mr.Close()
		client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		mem := memstore.New()
		if err := mem.CreateTenant(ctx, models.Tenant{ID: "demo", Name: "Demo tenant"}); err != nil {
			logger.WithError(err).Fatal("seed tenant")
		}
		repo = mem
		ing = pipeline.StaticIngestor(demoCandidates())
		if cfg.TokenEncryptionKey == "" {
			cfg.TokenEncryptionKey = "memory-mode-only"
		}
	} else {
		st, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.WithError(err).Fatal("connect postgres")
		}
		defer st.Close()
		if err := st.RunMigrations(ctx); err != nil {
			logger.WithError(err).Fatal("migrations")
		}
		repo = st
		client = config.NewRedisClient(cfg)
	}
	defer client.Close()

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}

	locks := lockstore.New(client)
	resolver := settings.NewResolver(settings.FromDefaults(cfg.Defaults, cfg.SearchQuery), repo, client)
	flags := state.NewFlags(client)
	cipher, err := credentials.NewCipher(cfg.TokenEncryptionKey)
	if err != nil {
		logger.WithError(err).Fatal("token cipher")
	}
	creds := credentials.NewManager(repo, locks, cipher, resolver, logger)
	creds.RegisterProvider(cfg.OAuthProvider, credentials.NewOAuthRefresher(credentials.NewOAuthConfig(cfg), cfg.CallTimeout))

	plat := platform.New(cfg.PlatformBaseURL, cfg.CallTimeout)
	if ing == nil {
		ing = pipeline.PlatformIngestor{Search: plat, Tokens: creds, Provider: cfg.OAuthProvider}
	}

	queue := approval.New(repo)
	gw := gateway.New(gateway.Options{
		Queue:     queue,
		Repo:      repo,
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

	sched := scheduler.New(scheduler.Options{
		Repo:        repo,
		Locks:       locks,
		Runner:      pipeline.NewRunner(pipeline.DefaultStages(ing), queue, cfg.MinRelevanceScore, logger),
		Queue:       queue,
		Gateway:     gw,
		Flags:       flags,
		Settings:    resolver,
		Archive:     reports,
		Logger:      logger,
		WorkerID:    workerID,
		Concurrency: cfg.SchedulerConcurrency,
		TenantLimit: cfg.SchedulerTenantLimit,
		DryRun:      *dryRun,
	})

	if *tenant != "" {
		res, err := sched.RunTenant(ctx, *tenant, scheduler.DefaultPipeline, *dryRun)
		if err != nil {
			logger.WithError(err).Fatal("tenant run")
		}
		_ = json.NewEncoder(os.Stdout).Encode(res)
		return
	}

	if cfg.MetricsAddr != "" {
		metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.WithError(err).Warn("metrics server stopped")
			}
		}()
		defer metrics.Close()
	}

	logger.WithFields(logrus.Fields{
		"worker_id":   workerID,
		"interval":    interval.String(),
		"cycles":      *cycles,
		"dry_run":     *dryRun,
		"memory":      *memory,
		"concurrency": cfg.SchedulerConcurrency,
	}).Info("scheduler started")
	if err := sched.Run(ctx, *cycles, *interval); err != nil && ctx.Err() == nil {
		logger.WithError(err).Error("scheduler stopped")
		os.Exit(1)
	}
	logger.Info("scheduler stopped")
}

func demoCandidates() []platform.Candidate {
	now := time.Now().UTC()
	return []platform.Candidate{
		{ID: "demo-1", Text: "Does anyone know a good way to schedule posts across accounts?", AuthorID: "a1", ThreadID: "demo-1", CreatedAt: now, ReplyCount: 3, LikeCount: 12},
		{ID: "demo-2", Text: "Looking for recommendations on outreach tooling for a small team", AuthorID: "a2", ThreadID: "demo-2", CreatedAt: now, ReplyCount: 1, LikeCount: 4},
		{ID: "demo-3", Text: "lunch was great today", AuthorID: "a3", ThreadID: "demo-3", CreatedAt: now},
	}
}
