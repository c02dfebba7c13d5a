package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"scriptflow/api/rest/handlers"
	"scriptflow/api/rest/middleware"
	"scriptflow/api/rest/routes"
	"scriptflow/config"
	"scriptflow/core/auth"
	"scriptflow/core/bridge"
	"scriptflow/core/cache"
	"scriptflow/core/jobstore"
	"scriptflow/core/metrics"
	"scriptflow/core/payload"
	"scriptflow/core/repository"
	"scriptflow/core/scheduler"
	"scriptflow/core/transformer"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	log := newLogger(cfg.Logging)

	// Durable backend
	db, err := repository.NewDB(cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Info("Database connected")

	// Ephemeral cache
	cacheClient, err := cache.New(cfg.Cache)
	if err != nil {
		log.Fatalf("Failed to connect to cache: %v", err)
	}
	defer cacheClient.Close()
	log.Info("Cache connected")

	// Repositories
	jobRepo := repository.NewJobRepository(db)
	eventRepo := repository.NewEventRepository(db)
	artifactRepo := repository.NewArtifactRepository(db)
	executionRepo := repository.NewExecutionRepository(db)

	// Payload builder over the content-addressed artifact store
	artifactStore := payload.NewStore(cfg.Payload.StorageDir)
	builder := payload.NewBuilder(artifactStore, artifactRepo, cfg.Payload.RetainPerEvent, log)
	tf := transformer.New(builder)

	// Job store and trigger engine
	jobs := jobstore.New(jobRepo, log)
	sched := scheduler.New(jobs, eventRepo, executionRepo, cfg.Scheduler.TickInterval, cfg.Scheduler.PollInterval, log)
	jobs.RegisterTerminalHook(sched.OnJobTerminal)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Start(ctx)
	defer sched.Stop()

	// Runtime bridge
	tokens := auth.NewTokenManager(cfg.Auth)
	tools := bridge.NewHTTPToolDispatcher(cfg.Tools)
	bridgeSvc := bridge.New(executionRepo, eventRepo, cacheClient, tools, cfg.Bridge.CallTimeout, log)

	collector := metrics.NewCollector()
	limiter := middleware.NewRateLimiter(cfg.Bridge.RateLimitPerMin, log)

	r := mux.NewRouter()
	routes.SetupRoutes(r, routes.Deps{
		Bridge:  handlers.NewBridgeHandler(bridgeSvc, collector, log),
		Agent:   handlers.NewAgentHandler(jobs, eventRepo, tf, bridgeSvc, tokens, collector, cfg.Bridge.PublicURL, log),
		Events:  handlers.NewEventHandler(eventRepo, jobRepo, sched, builder, collector, log),
		Jobs:    handlers.NewJobHandler(jobs, jobRepo, log),
		Tokens:  tokens,
		Session: bridgeSvc,
		Metrics: collector,
		Limiter: limiter,
		Log:     log,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.WithField("port", cfg.Server.Port).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Forced shutdown: %v", err)
	}
	log.Info("Server exited")
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}
