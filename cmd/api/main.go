package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/contentforge/licensing-api/internal/access"
	"github.com/contentforge/licensing-api/internal/billing"
	"github.com/contentforge/licensing-api/internal/cache"
	"github.com/contentforge/licensing-api/internal/config"
	"github.com/contentforge/licensing-api/internal/database"
	"github.com/contentforge/licensing-api/internal/events"
	"github.com/contentforge/licensing-api/internal/generation"
	"github.com/contentforge/licensing-api/internal/license"
	"github.com/contentforge/licensing-api/internal/logging"
	"github.com/contentforge/licensing-api/internal/metrics"
	"github.com/contentforge/licensing-api/internal/middleware"
	"github.com/contentforge/licensing-api/internal/quota"
	"github.com/gin-gonic/gin"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewDefaultLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	// Initialize database
	db, err := database.New(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	repo := database.NewRepository(db)
	usageRepo := database.NewUsageRepository(db)

	// Redis is optional: without it usage reads skip the cache and credit
	// confirmations rely on the ledger constraint alone
	redisCache, err := cache.NewCache(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.UsageTTL)
	if err != nil {
		logger.WithError(err).Warn("Redis unavailable, continuing without cache")
		redisCache = nil
	} else {
		defer redisCache.Close()
	}

	// Event publishing is fire-and-forget; a missing broker only loses
	// analytics
	publisher, err := events.New(cfg.Queue)
	if err != nil {
		logger.WithError(err).Warn("RabbitMQ unavailable, continuing without events")
		publisher = nil
	} else {
		defer publisher.Close()
	}

	var usageCache quota.UsageCache
	var locker billing.Locker
	if redisCache != nil {
		usageCache = redisCache
		locker = redisCache
	}

	var quotaEvents quota.Publisher
	var lifecycleEvents license.Publisher
	if publisher != nil {
		quotaEvents = publisher
		lifecycleEvents = publisher
	}

	tokens := access.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	resolver := access.NewResolver(repo, tokens, logger)
	subs := billing.NewHTTPSubscriptionClient(cfg.Billing)
	accountant := quota.NewAccountant(repo, usageRepo, subs, usageCache, quotaEvents, logger)
	manager := license.NewManager(repo, lifecycleEvents, logger)
	if redisCache != nil {
		resolver.WithSiteCache(redisCache)
		manager.WithSiteCache(redisCache)
	}
	credits := billing.NewCredits(repo, usageRepo, locker, logger)
	generator := generation.NewClient(cfg.Generation)

	api := &API{
		repo:       repo,
		resolver:   resolver,
		accountant: accountant,
		manager:    manager,
		credits:    credits,
		generator:  generator,
		logger:     logger,
	}

	// Metrics server on its own port
	metricsServer := metrics.NewServer(cfg.Server.MetricsPort, logger)
	go func() {
		if err := metricsServer.Start(); err != nil {
			logger.WithError(err).Error("Metrics server failed")
		}
	}()

	// Setup router
	router := setupRouter(api, cfg, logger, redisCache)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Infof("Starting API server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := metricsServer.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Metrics server forced to shutdown")
	}
	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatalf("Server forced to shutdown: %v", err)
	}

	logger.Info("Server stopped")
}

func setupRouter(api *API, cfg *config.Config, logger *logging.Logger, redisCache *cache.Cache) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))
	router.Use(middleware.Metrics())
	router.Use(middleware.ExtractCredentials())

	// Health check
	router.GET("/health", api.healthCheck)

	// One combined limit across processes when Redis is up; per-process
	// token buckets otherwise
	rl := middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	if redisCache != nil {
		rl.Share(redisCache)
	}

	// API routes
	v1 := router.Group("/api/v1", middleware.RateLimit(rl))
	{
		// Generation
		v1.POST("/generate", api.generate)
		v1.GET("/usage", api.getUsage)

		// Licenses
		v1.POST("/licenses", api.createLicense)

		// Sites
		v1.POST("/sites/activate", api.activateSite)
		v1.POST("/sites/deactivate", api.deactivateSite)
		v1.POST("/sites/auto-attach", api.autoAttachSite)

		// Credits
		v1.POST("/credits/confirm", api.confirmCredits)
	}

	return router
}
