package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/escrow-sync/internal/worker/ingest"
	"github.com/cuongbtq/escrow-sync/internal/worker/internal/storage"
	"github.com/cuongbtq/escrow-sync/shared/postgresql"
)

const (
	// DefaultEventTimeout bounds a single Apply
	DefaultEventTimeout = 30 * time.Second
	// DefaultPrefetchCount is the broker-side buffer per consumer
	DefaultPrefetchCount = 20
)

// Broker is the consuming side of the message broker
type Broker interface {
	Qos(prefetchCount int) error
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// Config holds worker configuration
type Config struct {
	Logger        *slog.Logger
	DBClient      *postgresql.Client
	Broker        Broker
	Concurrency   int
	PrefetchCount int
	EventTimeout  time.Duration
	QueueName     string
}

// Worker consumes chain events from the broker and applies them to the
// cache through the ingestor
type Worker struct {
	logger        *slog.Logger
	ingestor      *ingest.Ingestor
	broker        Broker
	concurrency   int
	prefetchCount int
	eventTimeout  time.Duration
	queueName     string
	workerID      string
	eventsChan    chan *eventMessage
	wg            sync.WaitGroup
	stopChan      chan struct{}
	stopOnce      sync.Once
}

// NewWorker creates a worker writing to the Postgres cache
func NewWorker(cfg *Config) *Worker {
	return newWorker(storage.NewPostgres(cfg.DBClient, cfg.Logger), cfg)
}

func newWorker(store storage.Store, cfg *Config) *Worker {
	concurrency := max(cfg.Concurrency, 1)
	prefetch := cfg.PrefetchCount
	if prefetch <= 0 {
		prefetch = DefaultPrefetchCount
	}
	timeout := cfg.EventTimeout
	if timeout <= 0 {
		timeout = DefaultEventTimeout
	}
	workerID := fmt.Sprintf("worker-%s", uuid.NewString()[:8])
	logger := cfg.Logger.With(slog.String("component", "consumer"))

	return &Worker{
		logger:        logger,
		ingestor:      ingest.New(store, logger),
		broker:        cfg.Broker,
		concurrency:   concurrency,
		prefetchCount: prefetch,
		eventTimeout:  timeout,
		queueName:     cfg.QueueName,
		workerID:      workerID,
		eventsChan:    make(chan *eventMessage, concurrency),
		stopChan:      make(chan struct{}),
	}
}

// Start consumes until ctx is cancelled or the broker closes the deliveries
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("event_timeout", w.eventTimeout),
	)

	deliveries, err := w.setupConsumer()
	if err != nil {
		return err
	}

	w.spawnWorkerPool(ctx)
	w.startMessageDispatcher(ctx, deliveries)
	return nil
}

// Stop waits for in-flight events to finish
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
