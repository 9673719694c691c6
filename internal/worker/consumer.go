package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/escrow-sync/internal/domain"
)

// eventMessage is a decoded delivery waiting for a pool goroutine
type eventMessage struct {
	Event    domain.Event
	Delivery amqp.Delivery
}

// setupConsumer sets QoS and starts consuming with manual acknowledgement
func (w *Worker) setupConsumer() (<-chan amqp.Delivery, error) {
	// prefetch_count bounds unacknowledged messages per consumer
	if err := w.broker.Qos(w.prefetchCount); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	w.logger.Info("RabbitMQ QoS configured",
		slog.Int("prefetch_count", w.prefetchCount),
	)

	deliveries, err := w.broker.Consume(w.workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("RabbitMQ consumer started",
		slog.String("consumer_tag", w.workerID),
		slog.String("queue", w.queueName),
	)

	return deliveries, nil
}

// startMessageDispatcher decodes deliveries and hands them to the pool
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) {
	w.logger.Info("Message dispatcher started",
		slog.String("worker_id", w.workerID),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed")
				return
			}

			var ev domain.Event
			if err := json.Unmarshal(delivery.Body, &ev); err != nil {
				w.reject(delivery, "Failed to parse event JSON", err)
				continue
			}
			if err := ev.Validate(); err != nil {
				w.reject(delivery, "Invalid event", err)
				continue
			}

			select {
			case w.eventsChan <- &eventMessage{Event: ev, Delivery: delivery}:
				w.logger.Debug("Event dispatched to worker pool",
					slog.String("key", ev.IdempotencyKey()),
					slog.Uint64("delivery_tag", delivery.DeliveryTag),
				)
			case <-ctx.Done():
				w.logger.Info("Message dispatcher stopped while dispatching event")
				// Requeue so another consumer picks it up
				if nackErr := delivery.Nack(false, true); nackErr != nil {
					w.logger.Error("Failed to NACK message on shutdown",
						slog.String("error", nackErr.Error()),
					)
				}
				return
			}
		}
	}
}

// reject drops a malformed delivery; with a dead-letter exchange configured
// the broker keeps it for inspection
func (w *Worker) reject(delivery amqp.Delivery, msg string, err error) {
	w.logger.Error(msg,
		slog.String("message_id", delivery.MessageId),
		slog.String("error", err.Error()),
		slog.String("body", string(delivery.Body)),
	)
	if nackErr := delivery.Nack(false, false); nackErr != nil {
		w.logger.Error("Failed to NACK malformed message",
			slog.String("error", nackErr.Error()),
		)
	}
}
