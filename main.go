package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/postpilot/coordinator/internal/agents"
	"github.com/postpilot/coordinator/internal/automation"
	"github.com/postpilot/coordinator/internal/bus"
	"github.com/postpilot/coordinator/internal/cache"
	"github.com/postpilot/coordinator/internal/config"
	"github.com/postpilot/coordinator/internal/coordinator"
	"github.com/postpilot/coordinator/internal/health"
	"github.com/postpilot/coordinator/internal/history"
	"github.com/postpilot/coordinator/internal/httpapi"
	"github.com/postpilot/coordinator/internal/ledger"
	_ "github.com/postpilot/coordinator/internal/metrics" // registers collectors
	"github.com/postpilot/coordinator/internal/models"
	"github.com/postpilot/coordinator/internal/monitor"
	"github.com/postpilot/coordinator/internal/providers"
	"github.com/postpilot/coordinator/internal/router"
	"github.com/postpilot/coordinator/internal/scheduler"
	"github.com/postpilot/coordinator/internal/tracing"
	"github.com/postpilot/coordinator/internal/workflows"
)

// logPublisher stands in until a social publishing integration is attached.
type logPublisher struct {
	logger *zap.Logger
}

func (p *logPublisher) Publish(_ context.Context, tenantID, postID string) error {
	p.logger.Info("Publish job fired",
		zap.String("tenant_id", tenantID), zap.String("post_id", postID))
	return nil
}

func main() {
	configPath := flag.String("config", "", "path to coordinator.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("config: %v", err)
		os.Exit(2)
	}

	logger := buildLogger(cfg.Logging)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := tracing.Initialize(cfg.Tracing, logger); err != nil {
		logger.Warn("Tracing init failed", zap.Error(err))
	}

	// Redis backs the cache, ledger and job queue; without it nothing works.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = redisClient.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		logger.Error("Redis unreachable", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		os.Exit(1)
	}

	// Postgres is optional; history and automation fall back to in-memory
	// stores when no DSN is configured.
	var db *sqlx.DB
	if cfg.Postgres.DSN != "" {
		db, err = sqlx.Connect("postgres", cfg.Postgres.DSN)
		if err != nil {
			logger.Error("Postgres unreachable", zap.Error(err))
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()
	}

	catalog, err := models.NewCatalogFromFile(cfg.Providers.CatalogPath)
	if err != nil {
		logger.Error("Model catalog invalid", zap.Error(err))
		os.Exit(2)
	}

	pool := providers.NewPool(catalog, providers.PoolOptions{
		RequestsPerSecond: float64(cfg.Providers.RequestsPerSec),
	}, logger)
	openAI, err := providers.NewOpenAIFromAPIKey(cfg.Providers.OpenAIKey, catalog, logger)
	if err != nil {
		logger.Error("OpenAI adapter init failed", zap.Error(err))
		os.Exit(2)
	}
	pool.Register(openAI)
	anthropic, err := providers.NewAnthropicFromAPIKey(cfg.Providers.AnthropicKey, catalog, logger)
	if err != nil {
		logger.Error("Anthropic adapter init failed", zap.Error(err))
		os.Exit(2)
	}
	pool.Register(anthropic)
	if err := pool.Start(); err != nil {
		logger.Error("Provider pool start failed", zap.Error(err))
		os.Exit(2)
	}
	defer pool.Stop()

	registry := agents.NewRegistry()
	rt := router.New(catalog, logger)
	responseCache := cache.New(redisClient, cfg.Cache.DefaultTTL, logger)
	led := ledger.New(redisClient, ledger.Options{
		DefaultMonthlyLimitUSD: cfg.Budget.DefaultMonthlyLimitUSD,
		OnAlert: func(tenantID, month, kind string, spent, limit float64) {
			logger.Warn("Budget alert",
				zap.String("tenant_id", tenantID),
				zap.String("month", month),
				zap.String("kind", kind),
				zap.Float64("spent_usd", spent),
				zap.Float64("limit_usd", limit))
		},
	}, logger)
	co := coordinator.New(rt, responseCache, led, pool, registry, catalog, logger)

	var histStore history.Store
	var configStore automation.Store
	if db != nil {
		histStore = history.NewPostgresStore(db)
		configStore = automation.NewCachedStore(automation.NewPostgresStore(db), 0)
	} else {
		histStore = history.NewMemoryStore()
		configStore = automation.NewMemoryStore()
		logger.Warn("No Postgres DSN configured, history and automation configs are in-memory")
	}

	msgBus := bus.NewRedis(redisClient, registry)
	orch := workflows.NewOrchestrator(co, msgBus, histStore, configStore, logger)
	mon := monitor.New(histStore, led, logger)

	queue := scheduler.NewQueue(redisClient, logger)
	posts := scheduler.NewPostgresPostStore(db)
	evergreen := scheduler.NewEvergreen(queue, posts, logger)
	workers := scheduler.NewWorkers(queue, scheduler.WorkerOptions{
		Concurrency:   cfg.Scheduler.Concurrency,
		PollInterval:  cfg.Scheduler.PollInterval,
		SweepInterval: cfg.Scheduler.SweepInterval,
		SweepGrace:    cfg.Scheduler.SweepGrace,
	}, logger)
	workers.Register(scheduler.KindPublish, scheduler.PublishHandler(&logPublisher{logger: logger}))
	workers.Register(scheduler.KindWorkflow, func(ctx context.Context, job *scheduler.Job) error {
		var req struct {
			Name         string                 `json:"name"`
			Participants []string               `json:"participants"`
			Input        map[string]interface{} `json:"input"`
		}
		if err := json.Unmarshal(job.Payload, &req); err != nil {
			return err
		}
		_, err := orch.ExecuteCollaborative(ctx, job.TenantID, req.Name, req.Participants, req.Input)
		return err
	})
	workers.Register(scheduler.KindEvergreenRotation, scheduler.RotationHandler(evergreen))
	if err := workers.Start(); err != nil {
		logger.Error("Scheduler workers start failed", zap.Error(err))
		os.Exit(1)
	}
	defer workers.Stop()

	recurrences := scheduler.NewRecurrences(queue, logger)
	recurrences.Start()
	defer recurrences.Stop()

	if cfg.Providers.CatalogPath != "" {
		watcher, err := config.NewCatalogWatcher(cfg.Providers.CatalogPath, catalog, logger)
		if err != nil {
			logger.Warn("Catalog watcher unavailable", zap.Error(err))
		} else {
			go watcher.Run(ctx)
		}
	}

	hm := health.NewManager(logger)
	hm.Register(health.NewRedisChecker(redisClient))
	if db != nil {
		hm.Register(health.NewPostgresChecker(db))
	}

	// Admin server: probes and Prometheus metrics.
	adminMux := http.NewServeMux()
	adminMux.HandleFunc("/healthz", hm.LivenessHandler())
	adminMux.HandleFunc("/readyz", hm.ReadinessHandler())
	adminMux.Handle("/metrics", promhttp.Handler())
	adminSrv := &http.Server{Addr: cfg.Service.AdminAddr, Handler: adminMux}
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Admin server failed", zap.Error(err))
		}
	}()

	api := httpapi.NewServer(httpapi.Deps{
		Coordinator:  co,
		Orchestrator: orch,
		Registry:     registry,
		Router:       rt,
		Cache:        responseCache,
		Ledger:       led,
		Configs:      configStore,
		History:      histStore,
		Queue:        queue,
		Evergreen:    evergreen,
		Posts:        posts,
		Recurrences:  recurrences,
		Monitor:      mon,
		Logger:       logger,
	})
	apiSrv := &http.Server{Addr: cfg.Service.APIAddr, Handler: api.Routes()}
	go func() {
		logger.Info("API listening", zap.String("addr", cfg.Service.APIAddr))
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("API server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API shutdown incomplete", zap.Error(err))
	}
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Admin shutdown incomplete", zap.Error(err))
	}
	_ = redisClient.Close()
}

func buildLogger(cfg config.LoggingConfig) *zap.Logger {
	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	if level, err := zap.ParseAtomicLevel(cfg.Level); err == nil {
		zcfg.Level = level
	}
	logger, err := zcfg.Build()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	return logger
}
