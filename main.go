package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/onurcolak/link-relay/environments"
	"github.com/onurcolak/link-relay/handlers"
	"github.com/onurcolak/link-relay/internal/cache"
	"github.com/onurcolak/link-relay/internal/dispatch"
	"github.com/onurcolak/link-relay/internal/eligibility"
	"github.com/onurcolak/link-relay/internal/events"
	"github.com/onurcolak/link-relay/internal/extractor"
	"github.com/onurcolak/link-relay/internal/middlewares"
	"github.com/onurcolak/link-relay/internal/notify"
	"github.com/onurcolak/link-relay/internal/relay"
	"github.com/onurcolak/link-relay/internal/repository"
	"github.com/onurcolak/link-relay/internal/service"
	"github.com/onurcolak/link-relay/pkg/converter"
	"github.com/onurcolak/link-relay/pkg/database"
	"github.com/onurcolak/link-relay/pkg/discord"
	"github.com/onurcolak/link-relay/pkg/logger"
	"github.com/onurcolak/link-relay/pkg/metrics"
	"github.com/onurcolak/link-relay/pkg/redis"
	"github.com/onurcolak/link-relay/pkg/validator"
	"github.com/onurcolak/link-relay/routes"

	_ "github.com/onurcolak/link-relay/docs" // swagger docs
)

// @title Link Relay API
// @version 1.0
// @description Rewrites links posted in chat guilds into affiliate links and relays the messages

// @contact.name API Support

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /

// @schemes http https
func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warnf("Failed to load .env file: %v", err)
	}

	logger.Init(environments.GetEnv("LOG_LEVEL", "info"))

	cfg := environments.Load()

	// Hard-fail if required secrets are missing
	if cfg.Discord.BotToken == "" {
		logger.Fatalf("DISCORD_BOT_TOKEN is required but not set")
	}
	if cfg.Auth.AdminAPIKey == "" {
		logger.Fatalf("ADMIN_API_KEY is required but not set")
	}
	if cfg.Auth.EventsAPIKey == "" {
		logger.Fatalf("EVENTS_API_KEY is required but not set")
	}

	logger.Infof("Starting Link Relay...")

	db, err := database.NewMySQLDB(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	if err := database.RunMigrations(db); err != nil {
		logger.Fatalf("Failed to run migrations: %v", err)
	}

	if os.Getenv("SEED_DATA") == "true" {
		if err := database.SeedTestData(db); err != nil {
			logger.Warnf("Failed to seed test data: %v", err)
		}
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = redis.NewRedisClient(cfg.Redis)
		if err != nil {
			logger.Warnf("Redis not available, running single-instance: %v", err)
			redisClient = nil
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry)

	limiter := dispatch.NewLimiter(map[string]dispatch.Quota{
		dispatch.DestConverter:    {Rate: rate.Limit(cfg.Dispatch.ConverterRate), Burst: cfg.Dispatch.ConverterBurst},
		dispatch.DestWebhook:      {Rate: rate.Limit(cfg.Dispatch.WebhookRate), Burst: cfg.Dispatch.WebhookBurst},
		dispatch.DestDelete:       {Rate: rate.Limit(cfg.Dispatch.DeleteRate), Burst: cfg.Dispatch.DeleteBurst},
		dispatch.DestEdit:         {Rate: rate.Limit(cfg.Dispatch.EditRate), Burst: cfg.Dispatch.EditBurst},
		dispatch.DestWebhookAdmin: {Rate: rate.Limit(cfg.Dispatch.WebhookAdminRate), Burst: cfg.Dispatch.WebhookAdminBurst},
	}, dispatch.Quota{Rate: rate.Limit(1), Burst: 1}, collector)

	converterClient := converter.NewClient(cfg.Converter, limiter.RestyHook)
	discordClient := discord.NewClient(cfg.Discord, limiter.RestyHook)
	logger.Infof("Conversion service configured: %s", cfg.Converter.BaseURL)

	var (
		conversionStore cache.Store
		halts           service.HaltStore
	)
	memoryLocker := service.NewMemoryLocker(cfg.Relay.ProcessedTTL)
	var locker service.Locker = memoryLocker

	if redisClient != nil {
		conversionStore = redisClient
		halts = redisClient
		locker = service.NewSharedLocker(memoryLocker, redisClient, cfg.Relay.LockTTL, cfg.Relay.ProcessedTTL)
	}

	conversions := cache.New(cfg.Converter.CacheTTL, conversionStore, collector)

	guildRepo := repository.NewGuildConfigRepository(db)
	webhookRepo := repository.NewWebhookRepository(db)
	guildConfigs := repository.NewCachedGuildConfigs(guildRepo, cfg.Relay.GuildConfigTTL)

	relayer := relay.NewRelayer(discordClient, limiter, webhookRepo, collector, relay.Options{
		CanEditOthers: cfg.Discord.CanEditOthers,
		WebhookName:   cfg.Discord.WebhookName,
	})

	notifier := notify.NewNotifier(cfg.Alert, collector)
	if cfg.Alert.WebhookURL == "" {
		logger.Infof("ALERT_WEBHOOK_URL not set, failures are only logged")
	}

	pipeline := service.NewPipeline(service.Dependencies{
		Configs:    guildConfigs,
		Extractor:  extractor.New(cfg.Link.AffiliateDomains),
		Classifier: eligibility.NewClassifier(cfg.Link.AffiliateDomains, cfg.Link.ExcludedDomains),
		Cache:      conversions,
		Converter:  converterClient,
		Dispatcher: limiter,
		Relayer:    relayer,
		Locker:     locker,
		Notifier:   notifier,
		Halts:      halts,
		Recorder:   collector,
	})

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go conversions.RunJanitor(ctx, cfg.Relay.CacheSweepPeriod)
	go sweepLocker(ctx, memoryLocker, cfg.Relay.CacheSweepPeriod)

	requestValidator := validator.New()

	var consumer *events.Consumer
	consumerDone := make(chan struct{})
	if cfg.Kafka.Enabled {
		consumer, err = events.NewConsumer(cfg.Kafka, pipeline, requestValidator)
		if err != nil {
			logger.Fatalf("Failed to create Kafka consumer: %v", err)
		}
		go func() {
			defer close(consumerDone)
			if err := consumer.Run(ctx); err != nil {
				logger.Errorf("Kafka consumer stopped: %v", err)
			}
		}()
	} else {
		close(consumerDone)
	}

	h := routes.Handlers{
		Health: handlers.NewHealthHandler(db, redisClient, pipeline),
		Guilds: handlers.NewGuildHandler(handlers.GuildDependencies{
			Store:             guildRepo,
			Webhooks:          discordClient,
			Dispatcher:        limiter,
			InvalidateConfig:  guildConfigs.Invalidate,
			InvalidateAccount: conversions.InvalidateAccount,
			ForgetWebhook:     relayer.Webhooks().ForgetConfigured,
			Resume:            pipeline.ResumeGuild,
		}),
		Events:  handlers.NewEventsHandler(pipeline),
		Relay:   handlers.NewRelayHandler(pipeline, notifier, limiter, dispatch.Destinations),
		Metrics: metrics.Handler(registry),
	}

	e := echo.New()
	e.HideBanner = true
	e.Validator = requestValidator

	e.Use(middleware.Logger())
	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{
			echo.HeaderOrigin,
			echo.HeaderContentType,
			echo.HeaderAccept,
			echo.HeaderAuthorization,
			middlewares.AdminKeyHeader,
			middlewares.EventsKeyHeader,
		},
	}))

	routes.RegisterRoutes(e, h, cfg)

	go func() {
		addr := ":" + cfg.Server.Port
		logger.Infof("Server starting on http://localhost%s", addr)
		logger.Infof("Swagger docs available at http://localhost%s/swagger/index.html", addr)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Infof("Shutting down gracefully...")

	// Stop intake first so no new message reaches the pipeline
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Infof("Shutting down HTTP server...")
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	} else {
		logger.Infof("HTTP server stopped successfully")
	}

	cancel()
	if consumer != nil {
		<-consumerDone
		if err := consumer.Close(); err != nil {
			logger.Errorf("Error closing Kafka consumer: %v", err)
		}
	}

	// Pending conversions are abandoned, started relays complete
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer drainCancel()

	if err := pipeline.Shutdown(drainCtx); err != nil {
		logger.Warnf("Pipeline did not drain: %v", err)
	}
	if err := notifier.Wait(drainCtx); err != nil {
		logger.Warnf("Pending alerts dropped: %v", err)
	}

	limiter.Close()

	logger.Infof("Closing database connection...")
	if err := db.Close(); err != nil {
		logger.Errorf("Error closing database: %v", err)
	}

	if redisClient != nil {
		logger.Infof("Closing Redis connection...")
		if err := redisClient.Close(); err != nil {
			logger.Errorf("Error closing Redis: %v", err)
		}
	}

	logger.Infof("Graceful shutdown completed")
}

func sweepLocker(ctx context.Context, locker *service.MemoryLocker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := locker.Sweep(); removed > 0 {
				logger.Debugf("Forgot %d processed message ids", removed)
			}
		case <-ctx.Done():
			return
		}
	}
}
