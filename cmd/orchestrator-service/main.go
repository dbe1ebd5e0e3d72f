package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/hirepipe/screening-core/internal/api/handler"
	"github.com/hirepipe/screening-core/internal/api/router"
	"github.com/hirepipe/screening-core/internal/batchstore"
	"github.com/hirepipe/screening-core/internal/broker"
	"github.com/hirepipe/screening-core/internal/config"
	"github.com/hirepipe/screening-core/internal/events"
	"github.com/hirepipe/screening-core/internal/health"
	"github.com/hirepipe/screening-core/internal/orchestrator"
	"github.com/hirepipe/screening-core/internal/pipeline"
	"github.com/hirepipe/screening-core/internal/queue"
	"github.com/hirepipe/screening-core/internal/ratelimit"
	"github.com/hirepipe/screening-core/internal/recovery"
	"github.com/hirepipe/screening-core/internal/screening"
	"github.com/hirepipe/screening-core/shared/logger"
	"github.com/hirepipe/screening-core/shared/postgresql"
	sharedredis "github.com/hirepipe/screening-core/shared/redis"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("ORCHESTRATOR_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/orchestrator-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateOrchestratorConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting orchestrator service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize PostgreSQL client for batch persistence
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	store := batchstore.NewStore(dbClient.GetDB(), appLogger.Logger)

	// Initialize Redis client for the job broker
	redisClient, err := sharedredis.NewClient(&sharedredis.Config{
		Host:         cfg.Redis.Host,
		Port:         cfg.Redis.Port,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize redis: %w", err)
	}
	jobBroker := broker.NewRedis(redisClient, appLogger.Logger, cfg.Redis.KeyPrefix)

	// Initialize the batch event feed when enabled
	var publisher *events.Publisher
	if cfg.RabbitMQ.Enabled {
		publisher, err = events.NewPublisher(&events.Config{
			Host:          cfg.RabbitMQ.Host,
			Port:          cfg.RabbitMQ.Port,
			User:          cfg.RabbitMQ.User,
			Password:      cfg.RabbitMQ.Password,
			VHost:         cfg.RabbitMQ.VHost,
			Exchange:      cfg.RabbitMQ.Exchange,
			RetryAttempts: cfg.RabbitMQ.RetryAttempts,
			RetryInterval: cfg.RabbitMQ.RetryInterval,
		}, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize event publisher: %w", err)
		}
	}

	// Rate limiter for outbound calls to analysis providers
	limiter := ratelimit.New(rateBudgets(cfg.RateLimits))

	// The manager reads this map at Initialize, which lets the stage
	// processors reference the recovery engine and the engine drive the
	// manager's retry/restart operations.
	processors := make(map[pipeline.Stage]pipeline.Processor)

	manager := queue.NewManager(queue.Config{
		Logger:         appLogger.Logger,
		Broker:         jobBroker,
		Processors:     processors,
		MaxRetries:     cfg.Pipeline.MaxRetries,
		InitialBackoff: cfg.Pipeline.InitialBackoff,
		FetchInterval:  cfg.Pipeline.FetchInterval,
		JobTimeout:     cfg.Pipeline.JobTimeout,
		StallTimeout:   cfg.Pipeline.StallTimeout,
		Concurrency:    stageConcurrency(cfg.Pipeline.Concurrency),
	})

	engine := recovery.NewEngine(recovery.Config{
		Logger: appLogger.Logger,
		Queues: manager,
		Reconnectors: map[string]recovery.Reconnector{
			"database": dbClient.Ping,
			"redis":    jobBroker.Ping,
		},
		SweepInterval: cfg.Recovery.SweepInterval,
		PatternTTL:    cfg.Recovery.PatternMaxIdle,
		BaseCooldown:  cfg.Recovery.InitialCooldown,
		MaxCooldown:   cfg.Recovery.MaxCooldown,
	})

	built, err := screening.NewProcessors(screening.Config{
		Logger:    appLogger.Logger,
		Limiter:   limiter,
		Failures:  engine,
		Endpoints: stageEndpoints(cfg.Stages),
	})
	if err != nil {
		return fmt.Errorf("failed to build stage processors: %w", err)
	}
	for stage, processor := range built {
		processors[stage] = processor
	}

	orch := orchestrator.New(orchestrator.Config{
		Logger:  appLogger.Logger,
		Manager: manager,
		Store:   store,
		Events:  publisher,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := manager.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize queue manager: %w", err)
	}

	engine.Start(ctx)

	monitor := health.NewMonitor(health.Config{
		Logger:   appLogger.Logger,
		Source:   manager,
		Interval: cfg.Health.CheckInterval,
	})
	monitor.Start(ctx)

	// Initialize router
	r := initRouter(cfg.App.Environment, &handler.Dependencies{
		Logger:       appLogger.Logger,
		Manager:      manager,
		Orchestrator: orch,
		Recovery:     engine,
		Limiter:      limiter,
		Health:       monitor,
	})

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("Orchestrator service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown
	<-ctx.Done()
	stop()

	appLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
	}

	monitor.Stop()
	engine.Stop()

	if err := manager.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Queue manager shutdown failed",
			slog.Any("error", err),
		)
	}

	if err := publisher.Close(); err != nil {
		appLogger.Error("Event publisher close failed",
			slog.Any("error", err),
		)
	}
	if err := dbClient.Close(); err != nil {
		appLogger.Error("Database close failed",
			slog.Any("error", err),
		)
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// rateBudgets converts configured rate limits to limiter budgets. An empty
// map falls back to the built-in defaults.
func rateBudgets(limits map[string]config.RateLimitConfig) map[string]ratelimit.Budget {
	if len(limits) == 0 {
		return nil
	}
	budgets := make(map[string]ratelimit.Budget, len(limits))
	for service, limit := range limits {
		budgets[service] = ratelimit.Budget{
			MaxCalls: limit.MaxCalls,
			Window:   limit.Window,
		}
	}
	return budgets
}

// stageConcurrency converts the yaml stage keys to pipeline stages.
func stageConcurrency(overrides map[string]int) map[pipeline.Stage]int {
	if len(overrides) == 0 {
		return nil
	}
	concurrency := make(map[pipeline.Stage]int, len(overrides))
	for name, n := range overrides {
		if stage, err := pipeline.ParseStage(name); err == nil {
			concurrency[stage] = n
		}
	}
	return concurrency
}

// stageEndpoints converts the yaml stage keys to processor endpoints.
func stageEndpoints(stages map[string]config.StageConfig) map[pipeline.Stage]screening.Endpoint {
	endpoints := make(map[pipeline.Stage]screening.Endpoint, len(stages))
	for name, sc := range stages {
		if stage, err := pipeline.ParseStage(name); err == nil {
			endpoints[stage] = screening.Endpoint{URL: sc.URL, Service: sc.Service}
		}
	}
	return endpoints
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, deps *handler.Dependencies) *gin.Engine {
	// Set Gin mode based on environment
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps)
}
