package eventbus

import (
	"context"
	"log/slog"
)

// LogEvents logs every event received on ch until ch is closed or ctx is
// cancelled. Faults are logged at warn, everything else at debug.
func LogEvents(ctx context.Context, ch <-chan Event, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			logEvent(ctx, logger, ev)
		}
	}
}

func logEvent(ctx context.Context, logger *slog.Logger, ev Event) {
	attrs := []slog.Attr{
		slog.String("event", string(ev.Type)),
		slog.String("session_id", ev.SessionID),
	}
	if ev.TurnID != 0 {
		attrs = append(attrs, slog.Uint64("turn_id", ev.TurnID))
	}
	switch ev.Type {
	case StateChanged:
		attrs = append(attrs, slog.String("from", ev.From), slog.String("to", ev.To))
	case Fault:
		attrs = append(attrs, slog.String("component", ev.Component))
		if ev.Fault != nil {
			attrs = append(attrs, slog.String("kind", ev.Fault.Error()))
		}
		if ev.Err != nil {
			attrs = append(attrs, slog.String("err", ev.Err.Error()))
		}
		logger.LogAttrs(ctx, slog.LevelWarn, "session fault", attrs...)
		return
	}
	if ev.Text != "" {
		attrs = append(attrs, slog.String("text", ev.Text))
	}
	if ev.Duration != 0 {
		attrs = append(attrs, slog.Duration("duration", ev.Duration))
	}
	logger.LogAttrs(ctx, slog.LevelDebug, "session event", attrs...)
}
