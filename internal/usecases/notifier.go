package usecases

import (
	"context"
	"log/slog"

	"github.com/meridianpay/p2p-autorelease/backend/internal/entities"
)

// LogNotifier publishes outcome events to the structured log. Deployments
// with a separate operator channel replace this with their own Notifier.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Emit(ctx context.Context, event entities.OutcomeEvent) {
	n.logger.InfoContext(ctx, "Outcome event",
		"type", event.Type,
		"order_id", event.OrderID,
		"message", event.Message,
		"details", event.Details)
}
