package main

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
)

const watcherBatchLimit = 200

// eventStatus maps node event types to the order status they imply.
var eventStatus = map[string]string{
	"escrow.confirmed": "confirmed",
	"escrow.completed": "completed",
	"escrow.refunded":  "refunded",
	"escrow.failed":    "failed",
	"escrow.closed":    "closed",
}

// EventWatcher polls the node event journal and mirrors it into the gateway
// store, updating order status and queueing webhook notifications.
type EventWatcher struct {
	node     NodeClient
	store    *SQLiteStore
	queue    *WebhookQueue
	interval time.Duration
	logger   *slog.Logger
	nowFn    func() time.Time
}

func NewEventWatcher(node NodeClient, store *SQLiteStore, queue *WebhookQueue, interval time.Duration, logger *slog.Logger) *EventWatcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &EventWatcher{
		node:     node,
		store:    store,
		queue:    queue,
		interval: interval,
		logger:   logger.With("component", "event_watcher"),
		nowFn:    time.Now,
	}
}

// Run polls until the context is cancelled.
func (w *EventWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		if err := w.poll(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Warn("event poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *EventWatcher) poll(ctx context.Context) error {
	cursor, err := w.store.LastEventSequence(ctx)
	if err != nil {
		return err
	}
	events, err := w.node.FetchEvents(ctx, uint64(cursor), watcherBatchLimit)
	if err != nil {
		return err
	}
	for _, evt := range events {
		if err := w.process(ctx, evt); err != nil {
			return err
		}
		if err := w.store.UpdateEventSequence(ctx, int64(evt.Sequence)); err != nil {
			return err
		}
	}
	return nil
}

func (w *EventWatcher) process(ctx context.Context, evt NodeEvent) error {
	now := w.nowFn()
	if err := w.store.InsertEvent(ctx, StoredEvent{
		Sequence:  int64(evt.Sequence),
		Type:      evt.Type,
		Payload:   evt.Attributes,
		CreatedAt: now,
	}); err != nil {
		return err
	}

	escrowID := normalizeEscrowID(evt.Attributes["id"])
	orderID := ""
	if status, ok := eventStatus[evt.Type]; ok && escrowID != "" {
		order, err := w.store.GetOrderByEscrow(ctx, escrowID)
		switch {
		case err == nil:
			orderID = order.ID
			if err := w.store.UpdateOrderStatus(ctx, escrowID, status, now); err != nil {
				return err
			}
		case errors.Is(err, ErrOrderNotFound):
			// Escrow created outside the gateway; still deliver the event.
		default:
			return err
		}
	}

	w.queue.Enqueue(WebhookEvent{
		Sequence:   evt.Sequence,
		Type:       evt.Type,
		EscrowID:   escrowID,
		OrderID:    orderID,
		Attributes: evt.Attributes,
		CreatedAt:  now,
	})
	return nil
}

func normalizeEscrowID(id string) string {
	if id == "" {
		return ""
	}
	id = strings.ToLower(id)
	if !strings.HasPrefix(id, "0x") {
		id = "0x" + id
	}
	return id
}
