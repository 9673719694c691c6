package main

import (
	"context"
	"errors"
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

	"github.com/cuongbtq/escrow-sync/internal/api/handler"
	"github.com/cuongbtq/escrow-sync/internal/api/router"
	"github.com/cuongbtq/escrow-sync/internal/api/storage"
	"github.com/cuongbtq/escrow-sync/internal/cache"
	"github.com/cuongbtq/escrow-sync/internal/chain"
	"github.com/cuongbtq/escrow-sync/internal/config"
	"github.com/cuongbtq/escrow-sync/internal/metadata"
	"github.com/cuongbtq/escrow-sync/internal/rpc"
	"github.com/cuongbtq/escrow-sync/internal/worker/reconcile"
	"github.com/cuongbtq/escrow-sync/shared/logger"
	"github.com/cuongbtq/escrow-sync/shared/postgresql"
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

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	reader, closeRPC, err := initChain(&cfg.Chain, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize chain reader: %w", err)
	}
	defer closeRPC()

	if cfg.Sync.CronSecret == "" {
		appLogger.Warn("CRON_SECRET is not set, sync triggers are disabled")
	}
	if !cfg.Cache.Enabled {
		appLogger.Warn("Database cache disabled, every read goes to the chain")
	}

	r := initRouter(cfg, appLogger.Logger, dbClient, reader)

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

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
	case err := <-serverErr:
		appLogger.Error("Server failed", slog.Any("error", err))
		return err
	}

	appLogger.Info("Shutting down server...")

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
		NoColor:      cfg.NoColor,
	})
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(&postgresql.Config{
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
	}, logger)
}

// initChain dials the RPC providers in priority order and builds the contract reader
func initChain(cfg *config.ChainConfig, logger *slog.Logger) (*chain.Reader, func(), error) {
	endpoints := make([]rpc.Endpoint, len(cfg.RPC))
	for i, ep := range cfg.RPC {
		endpoints[i] = rpc.Endpoint{
			Name:              ep.Name,
			URL:               ep.URL,
			RequestsPerSecond: ep.RequestsPerSecond,
			Burst:             ep.Burst,
		}
	}

	rpcRouter, closeRPC, err := rpc.Dial(context.Background(), endpoints, rpc.Config{
		Backoff:        cfg.Backoff,
		AttemptTimeout: cfg.AttemptTimeout,
		Logger:         logger,
	})
	if err != nil {
		return nil, nil, err
	}

	reader, err := chain.NewReader(rpcRouter, chain.Config{
		JobBoardAddress: cfg.JobBoardAddress,
		MaxBlockRange:   cfg.MaxBlockRange,
		AddressBatch:    cfg.AddressBatch,
		Logger:          logger,
	})
	if err != nil {
		closeRPC()
		return nil, nil, err
	}

	return reader, closeRPC, nil
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, dbClient *postgresql.Client, reader *chain.Reader) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	syncer := reconcile.NewFromDB(dbClient, reader, reconcile.Config{
		Contracts:     cfg.Sync.Contracts,
		StartBlock:    cfg.Chain.StartBlock,
		Confirmations: cfg.Chain.Confirmations,
		LeaseTTL:      cfg.Sync.LeaseTTL,
		Concurrency:   cfg.Sync.Concurrency,
		Logger:        logger,
	})

	fetcher := metadata.NewHTTPFetcher(metadata.HTTPConfig{
		Gateway:           cfg.Metadata.Gateway,
		Timeout:           cfg.Metadata.Timeout,
		MaxBytes:          cfg.Metadata.MaxBytes,
		RequestsPerSecond: cfg.Metadata.RequestsPerSecond,
		Burst:             cfg.Metadata.Burst,
	})

	handlerDeps := &handler.Dependencies{
		Logger:   logger,
		Cache:    storage.NewStorage(dbClient),
		Chain:    reader,
		Metadata: fetcher,
		Syncer:   syncer,
		Policy: cache.Policy{
			Enabled: cfg.Cache.Enabled,
			TTL:     cfg.Cache.TTL,
			Grace:   cfg.Cache.Grace,
		},
		Health:     dbClient,
		CronSecret: cfg.Sync.CronSecret,
	}

	return router.SetupRouter(handlerDeps)
}
