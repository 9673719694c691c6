package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/escrow-sync/internal/chain"
	"github.com/cuongbtq/escrow-sync/internal/config"
	"github.com/cuongbtq/escrow-sync/internal/rpc"
	"github.com/cuongbtq/escrow-sync/internal/worker"
	"github.com/cuongbtq/escrow-sync/internal/worker/watcher"
	"github.com/cuongbtq/escrow-sync/migrations"
	"github.com/cuongbtq/escrow-sync/shared/logger"
	"github.com/cuongbtq/escrow-sync/shared/postgresql"
	"github.com/cuongbtq/escrow-sync/shared/rabbitmq"
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

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	if cfg.Database.AutoMigrate {
		if err := dbClient.Migrate(ctx, migrations.FS); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	reader, closeRPC, err := initChain(&cfg.Chain, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize chain reader: %w", err)
	}
	defer closeRPC()

	chainWatcher := watcher.NewFromDB(dbClient, reader, rabbitClient, watcher.Config{
		Interval:      cfg.Sync.WatchInterval,
		Confirmations: cfg.Chain.Confirmations,
		StartBlock:    cfg.Chain.StartBlock,
		Logger:        appLogger.Logger,
	})

	consumer := worker.NewWorker(&worker.Config{
		Logger:        appLogger.Logger,
		DBClient:      dbClient,
		Broker:        rabbitClient,
		Concurrency:   cfg.Worker.Concurrency,
		PrefetchCount: cfg.RabbitMQ.Consumer.PrefetchCount,
		EventTimeout:  cfg.Worker.EventTimeout,
		QueueName:     cfg.RabbitMQ.Queue.Name,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return chainWatcher.Run(gctx)
	})
	g.Go(func() error {
		if err := consumer.Start(gctx); err != nil {
			return err
		}
		if gctx.Err() == nil {
			return errors.New("broker closed the delivery channel")
		}
		return nil
	})

	appLogger.Info("Worker service started successfully")

	runErr := g.Wait()
	if runErr != nil {
		appLogger.Error("Worker service failed", slog.Any("error", runErr))
	} else {
		appLogger.Info("Received signal, shutting down gracefully")
	}

	// Give in-flight events time to settle before the connections close
	done := make(chan struct{})
	go func() {
		consumer.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-time.After(cfg.Worker.ShutdownTimeout):
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Worker service shutdown complete")
	return runErr
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

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		DeadLetterExchange: cfg.Queue.DeadLetterExchange,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
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
