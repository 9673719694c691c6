package worker

import (
	"context"
	"fmt"
	"log/slog"
)

// processEvent applies one event under the per-event timeout
func (w *Worker) processEvent(ctx context.Context, msg *eventMessage) error {
	eventCtx, cancel := context.WithTimeout(ctx, w.eventTimeout)
	defer cancel()

	res, err := w.ingestor.Apply(eventCtx, msg.Event)
	if err != nil {
		return fmt.Errorf("failed to apply event: %w", err)
	}

	w.logger.Debug("Event processed",
		slog.String("key", res.Key),
		slog.String("kind", string(res.Kind)),
		slog.Uint64("block", msg.Event.BlockNumber),
		slog.Bool("applied", res.Applied()),
		slog.String("reason", string(res.Reason())),
	)
	return nil
}
