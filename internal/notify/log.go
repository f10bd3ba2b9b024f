package notify

import (
	"context"
	"log/slog"
)

type logNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier writes every event to the logger at debug level.
func NewLogNotifier(logger *slog.Logger) Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &logNotifier{logger: logger.With("component", "notify")}
}

func (n *logNotifier) Notify(ctx context.Context, evt Event) error {
	n.logger.DebugContext(ctx, "Lifecycle event",
		"kind", evt.Kind,
		"connection", evt.ConnectionID,
		"collection", evt.Collection,
		"mode", evt.Mode,
		"reason", evt.Reason)
	return nil
}

func (n *logNotifier) Close() error {
	return nil
}
