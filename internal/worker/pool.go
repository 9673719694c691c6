package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/escrow-sync/internal/domain"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop applies events until the worker is stopped
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Debug("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for {
		select {
		case <-w.stopChan:
			w.logger.Debug("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return

		case <-ctx.Done():
			w.logger.Debug("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case msg := <-w.eventsChan:
			key := msg.Event.IdempotencyKey()

			err := w.processEvent(ctx, msg)
			if err == nil {
				if ackErr := msg.Delivery.Ack(false); ackErr != nil {
					w.logger.Error("Failed to ACK message",
						slog.String("worker_name", workerName),
						slog.String("key", key),
						slog.String("error", ackErr.Error()),
					)
				}
				continue
			}

			requeue := shouldRequeue(err)
			w.logger.Error("Event processing failed",
				slog.String("worker_name", workerName),
				slog.String("key", key),
				slog.Bool("requeue", requeue),
				slog.String("error", err.Error()),
			)
			if nackErr := msg.Delivery.Nack(false, requeue); nackErr != nil {
				w.logger.Error("Failed to NACK message",
					slog.String("worker_name", workerName),
					slog.String("key", key),
					slog.String("error", nackErr.Error()),
				)
			}
		}
	}
}

// shouldRequeue requeues transient failures only. Invalid events would fail
// the same way on every redelivery.
func shouldRequeue(err error) bool {
	if errors.Is(err, domain.ErrInvalidEvent) {
		return false
	}

	var retryableErr *domain.RetryableError
	if errors.As(err, &retryableErr) {
		return true
	}

	return errors.Is(err, context.DeadlineExceeded)
}
