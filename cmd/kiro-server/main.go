// Package main is the entry point for the Kiro server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anthropics/AIClient-2-API/internal/account"
	"github.com/anthropics/AIClient-2-API/internal/config"
	"github.com/anthropics/AIClient-2-API/internal/handler"
	"github.com/anthropics/AIClient-2-API/internal/kiro"
	"github.com/anthropics/AIClient-2-API/internal/metrics"
	"github.com/anthropics/AIClient-2-API/internal/redis"
	"github.com/anthropics/AIClient-2-API/internal/store"
	"github.com/anthropics/AIClient-2-API/pkg/middleware"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Setup logger
	logger := setupLogger(cfg)
	logger.Info("starting Kiro server",
		"port", cfg.Port,
		"redis_url", cfg.RedisURL,
	)

	// Create Redis client
	redisClient, err := redis.NewClient(redis.ClientOptions{
		URL:       cfg.RedisURL,
		KeyPrefix: cfg.RedisKeyPrefix,
		PoolSize:  cfg.RedisPoolSize,
		Timeout:   cfg.RedisTimeout,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("failed to create Redis client", "error", err)
		os.Exit(1)
	}

	// Connect to Redis
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := redisClient.Connect(ctx); err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	cancel()

	// Load API key from config if not provided
	apiKey := cfg.APIKey
	if apiKey == "" {
		appConfig, err := redisClient.LoadConfig(context.Background())
		if err != nil {
			logger.Warn("failed to load config from Redis, API key validation disabled", "error", err)
		} else if appConfig.APIKey != "" {
			apiKey = appConfig.APIKey
			logger.Info("loaded API key from Redis config")
		}
	}

	// Create managers
	poolManager := redis.NewPoolManager(redisClient)
	tokenManager := redis.NewTokenManager(redisClient)

	// Create account selector
	selector := account.NewSelector(account.SelectorOptions{
		RedisClient:    redisClient,
		PoolManager:    poolManager,
		Logger:         logger,
		CacheTTL:       cfg.AccountCacheTTL,
		HealthCooldown: cfg.HealthCooldown,
	})

	// Create Kiro client
	kiroClient := kiro.NewClient(kiro.ClientOptions{
		MaxConns:            cfg.MaxConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		Timeout:             cfg.KiroAPITimeout,
		Logger:              logger,
	})

	// Storage adapter (internal/store): the Postgres system of record
	// for accounts/groups/tags/settings, independent of the Redis pool the
	// Claude/OpenAI request paths still use for hot-path account selection.
	dbCtx, dbCancel := context.WithTimeout(context.Background(), 10*time.Second)
	storeAdapter, err := store.NewAdapter(dbCtx, store.AdapterOptions{
		DSN:            cfg.DBDSN,
		MaxConns:       int32(cfg.DBMaxConns),
		Logger:         logger,
		HealthInterval: cfg.DBHealthInterval,
	})
	dbCancel()
	if err != nil {
		logger.Error("failed to create storage adapter", "error", err)
		os.Exit(1)
	}

	accountStore := store.NewAccountStore(storeAdapter)
	groupStore := store.NewGroupStore(storeAdapter)
	tagStore := store.NewTagStore(storeAdapter)
	settingStore := store.NewSettingStore(storeAdapter)
	machineIDStore := store.NewMachineIDStore(storeAdapter)
	lockManager := store.NewLockManager(storeAdapter, logger)

	// Active/cooling account pool and single-leader refresh sweep.
	accountPool := account.NewPool(account.PoolOptions{
		Store:          accountStore,
		Logger:         logger,
		ActiveSize:     cfg.ActivePoolSize,
		CoolingPeriod:  cfg.ActivePoolCoolingPeriod,
		ErrorThreshold: cfg.ActivePoolErrorThreshold,
		Enabled:        cfg.ActivePoolEnabled,
	})

	tokenRefresher := account.NewTokenRefresher(account.TokenRefresherOptions{Logger: logger})
	refreshSweep := account.NewSweep(account.SweepOptions{
		Store:      accountStore,
		Locks:      lockManager,
		KiroClient: kiroClient,
		Refresher:  tokenRefresher,
		Logger:     logger,
		IsLeader:   func() bool { return true },
	})

	metricsRegistry := metrics.NewRegistry()

	shutdownCtx, shutdownPool := context.WithCancel(context.Background())
	if cfg.ActivePoolEnabled {
		go func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-shutdownCtx.Done():
					return
				case now := <-ticker.C:
					accountPool.Tick(shutdownCtx, now)
					status := accountPool.CurrentStatus()
					metricsRegistry.PoolActiveAccounts.Set(float64(status.ActiveCount))
					metricsRegistry.PoolCoolingAccounts.Set(float64(status.CoolingCount))
				}
			}
		}()
	}
	go refreshSweep.Run(shutdownCtx, 5*time.Minute)

	// Create handlers
	messagesHandler := handler.NewMessagesHandler(handler.MessagesHandlerOptions{
		Selector:        selector,
		PoolManager:     poolManager,
		TokenManager:    tokenManager,
		KiroClient:      kiroClient,
		Logger:          logger,
		MaxRetries:      cfg.MaxRetries,
		MaxKiroBodySize: cfg.MaxKiroRequestBody,
	})

	openaiHandler := handler.NewOpenAIHandler(handler.MessagesHandlerOptions{
		Selector:     selector,
		PoolManager:  poolManager,
		TokenManager: tokenManager,
		KiroClient:   kiroClient,
		Logger:       logger,
		MaxRetries:   cfg.MaxRetries,
	})

	countTokensHandler := handler.NewCountTokensHandler(handler.CountTokensHandlerOptions{
		Logger: logger,
	})

	accountsHandler := handler.NewAccountsHandler(handler.AccountsHandlerOptions{
		Store:                 accountStore,
		Logger:                logger,
		MaxSyncDeleteAccounts: cfg.MaxSyncDeleteAccounts,
	})
	groupsHandler := handler.NewGroupsHandler(groupStore)
	tagsHandler := handler.NewTagsHandler(tagStore)
	settingsHandler := handler.NewSettingsHandler(settingStore)
	machineIDHandler := handler.NewMachineIDHandler(machineIDStore)
	poolHandler := handler.NewPoolHandler(accountPool, refreshSweep)
	syncDeleteHandler := handler.NewSyncDeleteHandler(handler.SyncDeleteHandlerOptions{
		Store:       accountStore,
		Logger:      logger,
		MaxAccounts: cfg.MaxSyncDeleteAccounts,
		RateWindow:  cfg.SyncDeleteRateWindow,
	})

	// Create API key validator
	validateAPIKey := func(key string) bool {
		if apiKey == "" {
			return true // No API key configured, allow all
		}
		return key == apiKey
	}

	// Create router
	mux := http.NewServeMux()

	// Health endpoint (no auth required)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		redisStatus := "connected"
		if err := redisClient.Ping(r.Context()); err != nil {
			status = "degraded"
			redisStatus = "disconnected"
		}

		total, healthy, _ := selector.GetAccountCount(r.Context())

		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"status":"%s","redis":"%s","accounts":{"total":%d,"healthy":%d}}`,
			status, redisStatus, total, healthy)
	})

	// Event logging stub endpoint (no-op, returns 200)
	mux.HandleFunc("POST /api/event_logging/batch", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Messages endpoint (Anthropic-compatible)
	mux.Handle("POST /v1/messages", messagesHandler)

	// Count tokens endpoint (local estimation, no API call)
	mux.Handle("POST /v1/messages/count_tokens", countTokensHandler)

	// Chat completions endpoint (OpenAI-compatible)
	mux.Handle("POST /v1/chat/completions", openaiHandler)

	// v2 CRUD surface: accounts, groups, tags, settings, batch.
	mux.Handle("POST /v2/accounts/batch", http.HandlerFunc(accountsHandler.ServeBatch))
	mux.Handle("/v2/accounts/", accountsHandler)
	mux.Handle("/v2/accounts", accountsHandler)
	mux.Handle("/v2/groups/", groupsHandler)
	mux.Handle("/v2/groups", groupsHandler)
	mux.Handle("/v2/tags/", tagsHandler)
	mux.Handle("/v2/tags", tagsHandler)
	mux.Handle("/v2/settings/", settingsHandler)
	mux.Handle("/v2/accounts/machine-id/", machineIDHandler)

	// Active/cooling pool status and manual refresh trigger.
	mux.HandleFunc("GET /v2/pool/status", poolHandler.ServeStatus)
	mux.HandleFunc("POST /v2/pool/refresh", poolHandler.ServeRefresh)

	// Legacy bulk-sync endpoint with hard-delete guards.
	mux.Handle("POST /api/data", syncDeleteHandler)

	// Apply middleware
	var httpHandler http.Handler = mux
	httpHandler = middleware.Auth(validateAPIKey, logger)(httpHandler)
	httpHandler = middleware.Logging(logger)(httpHandler)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      httpHandler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // No timeout for streaming
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Metrics server on a separate port, off the authenticated API surface.
	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("GET /metrics", metricsRegistry.Handler())
		metricsServer = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.MetricsPort),
			Handler: metricsMux,
		}
		go func() {
			logger.Info("metrics server listening", "addr", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	shutdownPool()

	// Graceful shutdown
	ctx, cancel = context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			logger.Error("metrics server forced to shutdown", "error", err)
		}
	}

	// Close connections
	kiroClient.Close()
	storeAdapter.Close()
	if err := redisClient.Close(); err != nil {
		logger.Error("failed to close Redis connection", "error", err)
	}

	logger.Info("server stopped")
}

func setupLogger(cfg *config.Config) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if cfg.LogJSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
