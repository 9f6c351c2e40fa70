package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"chorus/realtime/config"
	"chorus/realtime/db"
	"chorus/realtime/handlers"
	"chorus/realtime/middleware"
	"chorus/realtime/services"
	"chorus/realtime/store"
	"chorus/realtime/utils"
	"chorus/realtime/worker"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		utils.NewLogger("info", "json").Fatal("Invalid configuration", "error", err)
	}

	logger := utils.NewLogger(cfg.LogLevel, cfg.LogFormat).With("instance_id", cfg.InstanceID)

	// Connect to database
	database, err := db.Connect(cfg)
	if err != nil {
		logger.Fatal("Failed to connect to database", "error", err)
	}
	defer db.Close(database)
	persistence := db.NewStore(database)

	// Shared state: Redis when reachable, otherwise this process only.
	var (
		shared   store.Store
		lastSeen services.LastSeenRecorder
		workers  *worker.Server
		queue    *asynq.Client
	)
	startCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	redisClient, err := store.NewRedisClient(startCtx, cfg.RedisURL, cfg.RedisDB)
	cancel()
	if err != nil {
		logger.Warn("Redis unavailable, running single-instance with in-memory state", "error", err)
		shared = store.NewLocal()
		lastSeen = worker.NewBackground(persistence, logger)
	} else {
		redisStore := store.NewRedisStore(redisClient)
		defer redisStore.Close()
		shared = redisStore

		redisOpt, err := worker.RedisOpt(cfg)
		if err != nil {
			logger.Fatal("Failed to configure task queue", "error", err)
		}
		queue = asynq.NewClient(redisOpt)
		defer queue.Close()
		lastSeen = worker.NewLastSeenQueue(queue, logger)
		workers = worker.NewServer(redisOpt, persistence, logger)
		go workers.Start()
	}

	verifier := middleware.NewJWTVerifier(cfg.JWTSecret)
	hub := services.NewHub(cfg, services.Deps{
		Store:    shared,
		Verifier: verifier,
		Members:  persistence,
		Messages: persistence,
		Profiles: persistence,
		Social:   persistence,
		LastSeen: lastSeen,
	}, logger)
	if err := hub.Start(); err != nil {
		logger.Fatal("Failed to start realtime hub", "error", err)
	}

	router := handlers.NewRouter(cfg, hub, verifier, logger)

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Starting realtime service", "port", cfg.Port, "environment", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", "error", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}
	hub.Stop()
	if workers != nil {
		workers.Shutdown()
	}

	logger.Info("Server exited")
}
