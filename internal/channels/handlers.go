package channels

import (
	"context"
	"log/slog"
)

// StartStateChangeLogger starts a goroutine that logs monitor status
// transitions flowing through the hub.
func StartStateChangeLogger(ctx context.Context, events *EventChannels, logger *slog.Logger) {
	go func() {
		for {
			select {
			case event, ok := <-events.StateChanges:
				if !ok {
					return
				}
				logger.InfoContext(ctx, "Monitor status changed",
					slog.String("monitor_id", event.MonitorID.String()),
					slog.String("monitor", event.MonitorName),
					slog.String("from", string(event.OldStatus)),
					slog.String("to", string(event.NewStatus)),
					slog.Int("consecutive_failures", event.Failures),
				)
			case <-ctx.Done():
				return
			case <-events.Done():
				return
			}
		}
	}()
}

// StartProbeTroubleLogger starts a goroutine that logs probe failures.
// Terminal failures log at warn since they will not clear on their own.
func StartProbeTroubleLogger(ctx context.Context, events *EventChannels, logger *slog.Logger) {
	go func() {
		for {
			select {
			case event, ok := <-events.ProbeTrouble:
				if !ok {
					return
				}
				attrs := []any{
					slog.String("monitor_id", event.MonitorID.String()),
					slog.String("monitor", event.MonitorName),
					slog.String("type", string(event.Type)),
					slog.String("kind", event.Kind),
					slog.String("error", event.Error),
				}
				if event.Kind == "terminal" {
					logger.WarnContext(ctx, "Probe failed", attrs...)
				} else {
					logger.InfoContext(ctx, "Probe failed", attrs...)
				}
			case <-ctx.Done():
				return
			case <-events.Done():
				return
			}
		}
	}()
}
