package workers

import (
	"context"
	"log/slog"
	"time"

	"github.com/meridianpay/p2p-autorelease/backend/internal/core/ports"
	"github.com/meridianpay/p2p-autorelease/backend/internal/entities"
)

// OrderPoller periodically diffs the exchange's open order list against the
// last snapshot and emits typed order events. It is the backstop for frames
// the websocket stream missed; the orchestrator deduplicates by order state.
type OrderPoller struct {
	logger   *slog.Logger
	exchange ports.ExchangeClient
	events   chan<- entities.Event
	interval time.Duration

	// last status seen per order id
	snapshot map[string]string
}

func NewOrderPoller(logger *slog.Logger, exchange ports.ExchangeClient, events chan<- entities.Event, interval time.Duration) *OrderPoller {
	return &OrderPoller{
		logger:   logger,
		exchange: exchange,
		events:   events,
		interval: interval,
		snapshot: make(map[string]string),
	}
}

// Start begins the periodic order status polling.
func (p *OrderPoller) Start(ctx context.Context) {
	p.logger.Info("Starting order poller worker", "interval", p.interval.String())

	// Run an initial poll immediately
	if err := p.poll(ctx); err != nil {
		p.logger.Error("Initial order poll failed", "error", err)
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Order poller worker stopped")
			return
		case <-ticker.C:
			if err := p.poll(ctx); err != nil {
				p.logger.Error("Order poll failed", "error", err)
			}
		}
	}
}

func (p *OrderPoller) poll(ctx context.Context) error {
	orders, err := p.exchange.ListPendingOrders(ctx)
	if err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(orders))
	for _, order := range orders {
		seen[order.ID] = struct{}{}

		prev, known := p.snapshot[order.ID]
		if known && prev == order.Status {
			continue
		}
		p.snapshot[order.ID] = order.Status

		eventType, ok := statusEvent(order.Status, known)
		if !ok {
			continue
		}

		p.logger.DebugContext(ctx, "Order transition observed",
			"order_id", order.ID, "status", order.Status, "event", eventType)

		select {
		case p.events <- entities.OrderEvent{Type: eventType, Order: order}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Orders that vanished from the open list were released or cancelled on
	// the exchange side; a final detail lookup resolves which.
	for id := range p.snapshot {
		if _, ok := seen[id]; ok {
			continue
		}
		delete(p.snapshot, id)

		detail, err := p.exchange.GetOrderDetail(ctx, id)
		if err != nil {
			p.logger.Error("Failed to resolve closed order", "order_id", id, "error", err)
			continue
		}

		eventType := entities.OrderEventCancelled
		if detail.Status == entities.OrderStatusReleased {
			eventType = entities.OrderEventReleased
		}

		select {
		case p.events <- entities.OrderEvent{Type: eventType, Order: *detail}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

func statusEvent(status string, known bool) (string, bool) {
	switch status {
	case entities.OrderStatusCreated:
		if known {
			return "", false
		}
		return entities.OrderEventNew, true
	case entities.OrderStatusBuyerPaid, entities.OrderStatusAwaitingRelease:
		return entities.OrderEventPaid, true
	case entities.OrderStatusReleased:
		return entities.OrderEventReleased, true
	case entities.OrderStatusCancelled, entities.OrderStatusAppealed:
		return entities.OrderEventCancelled, true
	default:
		return "", false
	}
}
