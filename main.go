// Package main provides the entry point of the WhatsApp delivery engine
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amirphl/whatsapp-courier/app/handlers"
	"github.com/amirphl/whatsapp-courier/app/middleware"
	"github.com/amirphl/whatsapp-courier/app/queue"
	"github.com/amirphl/whatsapp-courier/app/router"
	"github.com/amirphl/whatsapp-courier/app/scheduler"
	"github.com/amirphl/whatsapp-courier/app/services"
	businessflow "github.com/amirphl/whatsapp-courier/business_flow"
	"github.com/amirphl/whatsapp-courier/config"
	"github.com/amirphl/whatsapp-courier/models"
	"github.com/amirphl/whatsapp-courier/repository"
	"github.com/amirphl/whatsapp-courier/utils"
	"github.com/bsm/redislock"
	"github.com/gofiber/fiber/v3"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Application represents the main application structure
type Application struct {
	router    router.Router
	config    *config.ProductionConfig
	server    *fiber.App
	logger    *logrus.Logger
	stopFuncs []func()
}

func main() {
	cfg, err := config.LoadProductionConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := config.NewLogger(cfg.Logging)
	logger.WithField("module", "main").Info("Starting WhatsApp courier")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := initializeApplication(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize application")
	}

	app.router.SetupRoutes()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		address := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		if err := app.router.Start(address); err != nil {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	<-sigChan
	logger.WithField("module", "main").Info("Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// stop accepting work before the workers drain
	if err := app.server.ShutdownWithContext(shutdownCtx); err != nil {
		config.LogError(logger, "main", "main", "shutdown http server", nil, err)
	}

	cancel()
	for i := len(app.stopFuncs) - 1; i >= 0; i-- {
		app.stopFuncs[i]()
	}

	logger.WithField("module", "main").Info("Server stopped")
}

// initializeDatabase initializes the database connection with connection pooling
func initializeDatabase(cfg config.DatabaseConfig, logger *logrus.Logger) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.EnableTracing {
		if err := db.Use(otelgorm.NewPlugin(otelgorm.WithDBName(cfg.Name))); err != nil {
			return nil, fmt.Errorf("failed to enable database tracing: %w", err)
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if cfg.AutoMigrate {
		if err := db.AutoMigrate(models.Tables()...); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	logger.WithFields(logrus.Fields{
		"module":         "main",
		"max_open_conns": cfg.MaxOpenConns,
		"max_idle_conns": cfg.MaxIdleConns,
	}).Info("Database connection established")

	return db, nil
}

// initializeCache initializes the Redis client and verifies connectivity
func initializeCache(cfg config.CacheConfig, logger *logrus.Logger) (*redis.Client, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opt.DB = cfg.RedisDB

	rc := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.WithFields(logrus.Fields{"module": "main", "redis_db": cfg.RedisDB}).Info("Redis connection established")
	return rc, nil
}

// startCacheHealthMonitor periodically pings Redis to surface connectivity issues.
// The returned function stops the monitor.
func startCacheHealthMonitor(parent context.Context, client *redis.Client, interval time.Duration, logger *logrus.Logger) func() {
	monitorCtx, cancel := context.WithCancel(parent)
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-monitorCtx.Done():
				return
			case <-ticker.C:
				ctx, c := context.WithTimeout(monitorCtx, 3*time.Second)
				if err := client.Ping(ctx).Err(); err != nil {
					config.LogError(logger, "main", "startCacheHealthMonitor", "redis healthcheck", nil, err)
				}
				c()
			}
		}
	}()
	return cancel
}

// initializeQueues opens the inbound, outbound and analytics queues on the configured backend.
// The returned function closes them.
func initializeQueues(cfg config.QueueConfig, logger *logrus.Logger) (queue.Set, func(), error) {
	opts := queue.Options{
		MaxReceiveCount: cfg.MaxReceiveCount,
		LongPollWait:    cfg.LongPollWait,
	}
	names := []string{utils.InboundQueueName, utils.OutboundQueueName, utils.AnalyticsQueueName}

	switch cfg.Backend {
	case "amqp":
		broker, err := queue.DialBroker(cfg.AMQPURL)
		if err != nil {
			return queue.Set{}, nil, err
		}

		opened := make([]*queue.AMQPQueue, 0, len(names))
		closeAll := func() {
			for _, q := range opened {
				q.Close()
			}
			_ = broker.Close()
		}
		for _, name := range names {
			q, err := queue.NewAMQPQueue(broker, "courier", name, cfg.AMQPPrefetch, opts)
			if err != nil {
				closeAll()
				return queue.Set{}, nil, fmt.Errorf("failed to declare queue %s: %w", name, err)
			}
			opened = append(opened, q)
		}

		logger.WithFields(logrus.Fields{"module": "main", "backend": "amqp"}).Info("Queues ready")
		return queue.Set{Inbound: opened[0], Outbound: opened[1], Analytics: opened[2]}, closeAll, nil

	case "storm", "":
		db, err := queue.OpenStormDB(cfg.StormPath)
		if err != nil {
			return queue.Set{}, nil, err
		}

		opened := make([]*queue.StormQueue, 0, len(names))
		closeAll := func() {
			for _, q := range opened {
				q.Close()
			}
			_ = db.Close()
		}
		for _, name := range names {
			q, err := queue.NewStormQueue(db, name, opts)
			if err != nil {
				closeAll()
				return queue.Set{}, nil, fmt.Errorf("failed to open queue %s: %w", name, err)
			}
			opened = append(opened, q)
		}

		logger.WithFields(logrus.Fields{"module": "main", "backend": "storm", "path": cfg.StormPath}).Info("Queues ready")
		return queue.Set{Inbound: opened[0], Outbound: opened[1], Analytics: opened[2]}, closeAll, nil

	default:
		return queue.Set{}, nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}

// initializeDedupStore picks the claim store of the inbound path
func initializeDedupStore(cfg config.DedupConfig, rc *redis.Client, prefix string, repo repository.DedupRecordRepository) (services.DedupStore, *services.PostgresDedupStore, error) {
	switch cfg.Backend {
	case "redis":
		if rc == nil {
			return nil, nil, errors.New("redis dedup backend requires CACHE_ENABLED")
		}
		return services.NewRedisDedupStore(rc, prefix), nil, nil
	case "postgres", "":
		store := services.NewPostgresDedupStore(repo)
		return store, store, nil
	default:
		return nil, nil, fmt.Errorf("unknown dedup backend %q", cfg.Backend)
	}
}

func initializeTransport(cfg config.WhatsAppConfig) scheduler.Transport {
	if cfg.Provider == "mock" {
		return scheduler.NewMockTransport()
	}
	return scheduler.NewWhatsAppClient(cfg)
}

func initializeApplication(ctx context.Context, cfg *config.ProductionConfig, logger *logrus.Logger) (*Application, error) {
	var stopFuncs []func()

	db, err := initializeDatabase(cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	rc, err := initializeCache(cfg.Cache, logger)
	if err != nil {
		return nil, err
	}
	var locker *redislock.Client
	if rc != nil {
		stopFuncs = append(stopFuncs, func() { _ = rc.Close() })
		stopFuncs = append(stopFuncs, startCacheHealthMonitor(ctx, rc, cfg.Cache.HealthInterval, logger))
		locker = redislock.New(rc)
	}

	queues, closeQueues, err := initializeQueues(cfg.Queue, logger)
	if err != nil {
		return nil, err
	}
	stopFuncs = append(stopFuncs, closeQueues)

	// Repositories
	campaignRepo := repository.NewCampaignRepository(db)
	recipientRepo := repository.NewRecipientRepository(db)
	messageRepo := repository.NewMessageRepository(db)
	ledgerRepo := repository.NewDailyQuotaLedgerRepository(db)
	dedupRepo := repository.NewDedupRecordRepository(db)

	dedupStore, sweepable, err := initializeDedupStore(cfg.Dedup, rc, cfg.Cache.RedisPrefix+"dedup:", dedupRepo)
	if err != nil {
		return nil, err
	}

	tokenService, err := services.NewTokenService(cfg.JWT.AccessTokenTTL, cfg.JWT.Issuer, cfg.JWT.Audience, cfg.JWT.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token service: %w", err)
	}

	// Status events reach the analytics queue through the in-process bus
	bus := services.NewStatusEventBus(1024)
	stopForward := bus.Forward(ctx, func(ctx context.Context, ev models.StatusEvent) error {
		_, err := queues.Analytics.Enqueue(ctx, ev, queue.EnqueueOptions{})
		return err
	}, logger)
	stopFuncs = append(stopFuncs, func() {
		bus.Close()
		stopForward()
	})

	loc := cfg.Scheduler.Location()
	region := cfg.Phone.DefaultRegion

	// Business flows
	campaignFlow := businessflow.NewCampaignFlow(campaignRepo, recipientRepo, db, loc, region)
	deliveryFlow := businessflow.NewDeliveryFlow(campaignRepo, recipientRepo, messageRepo, db, bus)
	messageFlow := businessflow.NewMessageFlow(messageRepo, queues.Outbound, region)
	inboundFlow := businessflow.NewInboundFlow(dedupStore, cfg.Dedup.TTL, messageRepo, deliveryFlow, queues.Inbound, region)
	dispatchFlow := businessflow.NewDispatchFlow(campaignRepo, recipientRepo, ledgerRepo, db, queues.Outbound, loc, logger)
	reconcileFlow := businessflow.NewReconcileFlow(campaignRepo, recipientRepo, db, logger)
	analyticsFlow := businessflow.NewAnalyticsFlow(campaignRepo, recipientRepo, loc)
	queueFlow := businessflow.NewQueueFlow(queues)

	// Workers
	visibility := cfg.Queue.VisibilityTimeout
	transport := initializeTransport(cfg.WhatsApp)

	dispatchWorker := scheduler.NewDispatchWorker(queues.Outbound, deliveryFlow, transport, cfg.Dispatch, visibility, logger)
	inboundWorker := scheduler.NewInboundWorker(queues.Inbound, inboundFlow, cfg.Dispatch, visibility, logger)
	analyticsWorker := scheduler.NewAnalyticsWorker(queues.Analytics, reconcileFlow, cfg.Dispatch.BatchSize, visibility, logger)

	stopFuncs = append(stopFuncs,
		dispatchWorker.Start(ctx),
		inboundWorker.Start(ctx),
		analyticsWorker.Start(ctx),
	)

	var sweeper scheduler.Sweeper
	if sweepable != nil && cfg.Dedup.SweepEnabled {
		sweeper = sweepable
	}
	sched := scheduler.NewCampaignScheduler(dispatchFlow, reconcileFlow, sweeper, queueFlow, locker, cfg.Scheduler, logger)
	stopFuncs = append(stopFuncs, sched.Start(ctx))

	// HTTP surface
	appRouter := router.NewFiberRouter(
		router.Handlers{
			Campaign:  handlers.NewCampaignHandler(campaignFlow, logger),
			Dispatch:  handlers.NewDispatchHandler(dispatchFlow, logger),
			Message:   handlers.NewMessageHandler(messageFlow, inboundFlow, logger),
			Queue:     handlers.NewQueueHandler(queueFlow, logger),
			Analytics: handlers.NewAnalyticsHandler(analyticsFlow, logger),
		},
		middleware.NewAuthMiddleware(tokenService),
		cfg.Server,
		cfg.Metrics,
		logger,
	)

	if sqlDB, err := db.DB(); err == nil {
		stopFuncs = append([]func(){func() { _ = sqlDB.Close() }}, stopFuncs...)
	}

	return &Application{
		router:    appRouter,
		config:    cfg,
		server:    appRouter.GetApp(),
		logger:    logger,
		stopFuncs: stopFuncs,
	}, nil
}
