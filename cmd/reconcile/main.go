package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/cuongbtq/escrow-sync/internal/chain"
	"github.com/cuongbtq/escrow-sync/internal/config"
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
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("RECONCILE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/reconcile/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	contract := flag.String("contract", "", "Reconcile a single contract instead of every tracked one")
	timeout := flag.Duration("timeout", 15*time.Minute, "Upper bound on the whole run")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateReconcileConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := logger.New(&logger.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       cfg.Logging.Output,
		EnableSource: cfg.Logging.EnableCaller,
		TimeFormat:   time.RFC3339,
		NoColor:      cfg.Logging.NoColor,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	dbClient, err := postgresql.NewClient(&postgresql.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	endpoints := make([]rpc.Endpoint, len(cfg.Chain.RPC))
	for i, ep := range cfg.Chain.RPC {
		endpoints[i] = rpc.Endpoint{
			Name:              ep.Name,
			URL:               ep.URL,
			RequestsPerSecond: ep.RequestsPerSecond,
			Burst:             ep.Burst,
		}
	}
	rpcRouter, closeRPC, err := rpc.Dial(ctx, endpoints, rpc.Config{
		Backoff:        cfg.Chain.Backoff,
		AttemptTimeout: cfg.Chain.AttemptTimeout,
		Logger:         appLogger.Logger,
	})
	if err != nil {
		return fmt.Errorf("failed to dial rpc providers: %w", err)
	}
	defer closeRPC()

	reader, err := chain.NewReader(rpcRouter, chain.Config{
		JobBoardAddress: cfg.Chain.JobBoardAddress,
		MaxBlockRange:   cfg.Chain.MaxBlockRange,
		AddressBatch:    cfg.Chain.AddressBatch,
		Logger:          appLogger.Logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize chain reader: %w", err)
	}

	reconciler := reconcile.NewFromDB(dbClient, reader, reconcile.Config{
		Contracts:     cfg.Sync.Contracts,
		StartBlock:    cfg.Chain.StartBlock,
		Confirmations: cfg.Chain.Confirmations,
		LeaseTTL:      cfg.Sync.LeaseTTL,
		Concurrency:   cfg.Sync.Concurrency,
		Logger:        appLogger.Logger,
	})

	var results []reconcile.Result
	if *contract != "" {
		var res reconcile.Result
		res, err = reconciler.Reconcile(ctx, *contract)
		if err == nil {
			results = append(results, res)
		}
	} else {
		results, err = reconciler.ReconcileAll(ctx)
	}

	for _, res := range results {
		appLogger.Info("Reconciled",
			slog.String("contract", res.Contract),
			slog.Uint64("last_synced_block", res.LastSyncedBlock),
			slog.Uint64("current_block", res.CurrentBlock),
			slog.Int("events", res.Events),
			slog.Int("applied", res.Applied),
			slog.Duration("duration", res.Duration),
		)
	}
	if err != nil {
		return fmt.Errorf("reconciliation failed: %w", err)
	}
	return nil
}
