package main

import (
	"context"
	"time"

	"frameworks/internal/billing"
	"frameworks/internal/handlers"
	"frameworks/internal/jobs"
	"frameworks/internal/reconcile"
	"frameworks/internal/sessions"
	"frameworks/internal/store"
	"frameworks/internal/sweeper"
	"frameworks/pkg/auth"
	"frameworks/pkg/clients"
	"frameworks/pkg/config"
	"frameworks/pkg/database"
	"frameworks/pkg/kafka"
	"frameworks/pkg/logging"
	"frameworks/pkg/monitoring"
	bursarredis "frameworks/pkg/redis"
	"frameworks/pkg/server"
	"frameworks/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("bursar")

	// Load environment variables
	config.LoadEnv(logger)

	info := version.GetInfo()
	logger.WithFields(logging.Fields{
		"version":    info.Version,
		"commit":     version.GetShortCommit(),
		"build_date": info.BuildDate,
	}).Info("Starting Bursar (usage ledger)")

	dbURL := config.RequireEnv("DATABASE_URL")
	serviceToken := config.RequireEnv("SERVICE_TOKEN")
	redisURL := config.GetEnv("REDIS_URL", "")
	kafkaBrokers := config.GetEnvList("KAFKA_BROKERS")
	sessionsURL := config.GetEnv("SESSIONS_URL", "")

	// Connect to database and bring the ledger schema up to date
	dbConfig := database.DefaultConfig()
	dbConfig.URL = dbURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), time.Minute)
	if err := database.Migrate(migrateCtx, db, logger); err != nil {
		cancelMigrate()
		logger.WithError(err).Fatal("Failed to migrate ledger schema")
	}
	cancelMigrate()

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("bursar", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("bursar", version.Version, version.GitCommit)
	metricsCollector.RegisterDBStats(db, "ledger")

	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL":  dbURL,
		"SERVICE_TOKEN": serviceToken,
	}))

	billingMetrics := &billing.Metrics{
		UsageCharges:   metricsCollector.NewCounter("usage_charges_total", "Usage reports processed by outcome", []string{"status"}),
		CreditsCharged: metricsCollector.NewCounter("credits_charged_total", "Credits deducted for session usage", nil),
		LedgerEntries:  metricsCollector.NewCounter("ledger_entries_total", "Ledger entries written", []string{"transaction_type"}),
		UsageCache:     metricsCollector.NewCounter("usage_cache_lookups_total", "Session usage cache lookups by result", []string{"result"}),
	}
	reconcileMetrics := &reconcile.Metrics{
		Drift:   metricsCollector.NewCounter("consistency_drift_total", "Usage records found drifting from the ledger", nil),
		Repairs: metricsCollector.NewCounter("consistency_repairs_total", "Usage records rewritten from the ledger", nil),
	}
	jobMetrics := &jobs.Metrics{
		Runs:     metricsCollector.NewCounter("job_runs_total", "Maintenance job runs", []string{"job", "status"}),
		Duration: metricsCollector.NewHistogram("job_duration_seconds", "Maintenance job duration", []string{"job"}, nil),
	}
	sweptSessions := metricsCollector.NewCounter("sweeper_sessions_total", "Abandoned sessions processed by outcome", []string{"outcome"})

	// Billing core
	ledgerStore := store.NewPostgresStore(db, config.GetEnvDuration("BILLING_LOCK_TIMEOUT", 5*time.Second), logger)
	engine := billing.NewEngine(ledgerStore, logger, billingMetrics).
		WithUsageCache(config.GetEnvDuration("USAGE_CACHE_TTL", 5*time.Second), config.GetEnvInt("USAGE_CACHE_SIZE", 10000))
	reconciler := reconcile.NewService(ledgerStore, int64(config.GetEnvInt("RECONCILE_TOLERANCE", 0)), logger, reconcileMetrics).
		OnRepaired(engine.InvalidateUsage)

	var sw *sweeper.Sweeper
	if sessionsURL != "" {
		sessionClient, err := sessions.NewClient(sessions.Config{
			BaseURL:      sessionsURL,
			ServiceToken: serviceToken,
			Logger:       logger,
		})
		if err != nil {
			logger.WithError(err).Fatal("Failed to create session owner client")
		}
		sw = sweeper.NewSweeper(ledgerStore, engine, sessionClient, sweeper.Config{
			StaleAfter:  config.GetEnvDuration("SWEEP_STALE_AFTER", 2*time.Hour),
			BatchSize:   config.GetEnvInt("SWEEP_BATCH_SIZE", 500),
			Concurrency: config.GetEnvInt("SWEEP_CONCURRENCY", 4),
		}, logger, sweptSessions)
		healthChecker.AddCheck("sessions", monitoring.Optional(monitoring.HTTPServiceHealthCheck("sessions", sessionsURL+"/health")))
	} else {
		logger.Warn("SESSIONS_URL not set - abandonment sweeper disabled")
	}

	// Job lease: Redis when available, Postgres advisory locks otherwise
	var lease jobs.Lease
	if redisURL != "" {
		redisCtx, cancelRedis := context.WithTimeout(context.Background(), 10*time.Second)
		redisClient, err := bursarredis.NewClientFromURL(redisCtx, redisURL)
		cancelRedis()
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer redisClient.Close()
		lease = bursarredis.NewLease(redisClient, "bursar:jobs:")
		healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(redisClient))
	} else {
		lease = database.NewAdvisoryLease(db, "bursar:jobs")
	}

	jobManager := jobs.NewManager(jobs.Config{
		ReconcileInterval: config.GetEnvDuration("RECONCILE_INTERVAL", 10*time.Minute),
		RepairOnReconcile: config.GetEnvBool("RECONCILE_AUTO_REPAIR", false),
		SweepInterval:     config.GetEnvDuration("SWEEP_INTERVAL", 15*time.Minute),
		LeaseTTL:          config.GetEnvDuration("JOB_LEASE_TTL", 5*time.Minute),
	}, reconciler, sw, lease, logger, jobMetrics)

	// Usage reports over Kafka
	if len(kafkaBrokers) > 0 {
		clientID := config.GetEnv("KAFKA_CLIENT_ID", "bursar")
		consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers:  kafkaBrokers,
			GroupID:  config.GetEnv("KAFKA_GROUP_ID", "bursar-usage"),
			ClientID: clientID,
		}, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create Kafka consumer")
		}
		producer, err := kafka.NewProducer(kafkaBrokers, clientID, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create Kafka producer")
		}
		defer producer.Close()

		usageTopic := config.GetEnv("BILLING_USAGE_TOPIC", "billing.session_usage")
		usageConsumer := jobs.NewUsageConsumer(engine, producer,
			config.GetEnv("BILLING_USAGE_DLQ_TOPIC", usageTopic+".dlq"),
			clients.DefaultRetryConfig(), logger)
		jobManager.WithUsageConsumer(consumer, usageTopic, usageConsumer)

		healthChecker.AddCheck("kafka_consumer", monitoring.PingHealthCheck("Kafka consumer", consumer))
		healthChecker.AddCheck("kafka_producer", monitoring.Optional(monitoring.PingHealthCheck("Kafka producer", producer)))
	} else {
		logger.Info("KAFKA_BROKERS not set - usage reports accepted over HTTP only")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	jobManager.Start(ctx)
	defer jobManager.Stop()

	// Initialize handlers
	handlers.Init(engine, reconciler, jobManager, logger)

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "bursar", healthChecker, metricsCollector)
	serviceAPI := router.Group("")
	serviceAPI.Use(auth.ServiceAuthMiddleware(serviceToken))
	handlers.RegisterRoutes(serviceAPI)

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("bursar", "18020")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Error("Server shutdown failed")
	}
}
