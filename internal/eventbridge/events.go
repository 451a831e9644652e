// Package eventbridge fans lifecycle events out to subscribers: per-run
// streams for callers following one run, and global subscriptions for sinks
// such as the history store, metrics, and NATS publisher.
package eventbridge

import (
	"context"
	"io"
	"log/slog"

	"github.com/kingrea/reconflow/internal/workflow/lifecycle"
)

// Sink consumes events from a subscription.
type Sink interface {
	HandleEvent(lifecycle.Event) error
}

// SinkFunc adapts a function into a Sink.
type SinkFunc func(lifecycle.Event) error

// HandleEvent executes f(e).
func (f SinkFunc) HandleEvent(e lifecycle.Event) error {
	if f == nil {
		return nil
	}
	return f(e)
}

// Pump feeds every event of sub to sink until the subscription closes or ctx
// is done. Sink errors are logged and do not stop the pump.
func Pump(ctx context.Context, sub Subscription, name string, sink Sink, logger *slog.Logger) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events:
			if !ok {
				return
			}
			if err := sink.HandleEvent(event); err != nil {
				logger.Warn("eventbridge: sink failed",
					"sink", name,
					"run_id", event.RunID,
					"kind", string(event.Kind),
					"error", err)
			}
		}
	}
}
