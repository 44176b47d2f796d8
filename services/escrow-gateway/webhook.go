package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	webhookMaxAttempts  = 5
	webhookBaseBackoff  = 2 * time.Second
	webhookMaxBackoff   = 5 * time.Minute
	webhookHTTPTimeout  = 10 * time.Second
	webhookSignatureHdr = "X-Webhook-Signature"
)

// WebhookWorker drains the queue and delivers events to registered endpoints.
type WebhookWorker struct {
	store  *SQLiteStore
	queue  *WebhookQueue
	client *http.Client
	logger *slog.Logger
	nowFn  func() time.Time

	mu      sync.Mutex
	windows map[int64]*deliveryWindow
}

type deliveryWindow struct {
	start time.Time
	count int
}

func NewWebhookWorker(store *SQLiteStore, queue *WebhookQueue, logger *slog.Logger) *WebhookWorker {
	return &WebhookWorker{
		store:   store,
		queue:   queue,
		client:  &http.Client{Timeout: webhookHTTPTimeout},
		logger:  logger.With("component", "webhook_worker"),
		nowFn:   time.Now,
		windows: make(map[int64]*deliveryWindow),
	}
}

// Run processes tasks until the context is cancelled.
func (w *WebhookWorker) Run(ctx context.Context) {
	for {
		task, ok := w.queue.Dequeue(ctx)
		if !ok {
			return
		}
		if task.Subscription == nil {
			w.expandTask(ctx, task)
			continue
		}
		w.deliver(ctx, task)
	}
}

// expandTask fans an event out to every matching subscription.
func (w *WebhookWorker) expandTask(ctx context.Context, task WebhookTask) {
	subs, err := w.store.ListWebhooksForEvent(ctx, task.Event.Type)
	if err != nil {
		w.logger.Error("list webhook subscriptions", "event", task.Event.Type, "error", err)
		return
	}
	for i := range subs {
		sub := subs[i]
		w.queue.Schedule(WebhookTask{Event: task.Event, Subscription: &sub})
	}
}

func (w *WebhookWorker) deliver(ctx context.Context, task WebhookTask) {
	sub := task.Subscription
	if !w.allowDelivery(sub) {
		w.requeue(task, "rate limited")
		return
	}

	body, err := json.Marshal(webhookPayload(task.Event))
	if err != nil {
		w.logger.Error("encode webhook payload", "error", err)
		return
	}

	status, err := w.post(ctx, sub, body)
	success := err == nil && status >= 200 && status < 300
	attempt := WebhookAttempt{
		WebhookID:     sub.ID,
		EventSequence: int64(task.Event.Sequence),
		Attempt:       task.Attempt + 1,
		Status:        strconv.Itoa(status),
		CreatedAt:     w.nowFn(),
	}
	if err != nil {
		attempt.Error = err.Error()
	}
	if !success && task.Attempt+1 < webhookMaxAttempts {
		attempt.NextAttempt = w.nowFn().Add(backoffDelay(task.Attempt + 1))
	}
	if recordErr := w.store.InsertWebhookAttempt(ctx, attempt); recordErr != nil {
		w.logger.Error("record webhook attempt", "error", recordErr)
	}
	if success {
		return
	}

	if task.Attempt+1 >= webhookMaxAttempts {
		w.logger.Warn("webhook delivery exhausted",
			"webhook", sub.ID, "url", sub.URL, "event", task.Event.Type, "attempts", task.Attempt+1)
		return
	}
	task.Attempt++
	task.NotBefore = attempt.NextAttempt
	w.queue.Schedule(task)
}

func (w *WebhookWorker) requeue(task WebhookTask, reason string) {
	task.NotBefore = w.nowFn().Add(time.Second)
	w.queue.Schedule(task)
	w.logger.Debug("webhook delivery deferred", "webhook", task.Subscription.ID, "reason", reason)
}

func (w *WebhookWorker) post(ctx context.Context, sub *WebhookSubscription, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	mac := hmac.New(sha256.New, []byte(sub.Secret))
	mac.Write(body)
	req.Header.Set(webhookSignatureHdr, hex.EncodeToString(mac.Sum(nil)))

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// allowDelivery enforces the per-subscription rate limit over a one-minute window.
func (w *WebhookWorker) allowDelivery(sub *WebhookSubscription) bool {
	now := w.nowFn()
	w.mu.Lock()
	defer w.mu.Unlock()
	window, ok := w.windows[sub.ID]
	if !ok || now.Sub(window.start) >= time.Minute {
		w.windows[sub.ID] = &deliveryWindow{start: now, count: 1}
		return true
	}
	if window.count >= sub.RateLimit {
		return false
	}
	window.count++
	return true
}

func backoffDelay(attempt int) time.Duration {
	delay := webhookBaseBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= webhookMaxBackoff {
			return webhookMaxBackoff
		}
	}
	if delay > webhookMaxBackoff {
		return webhookMaxBackoff
	}
	return delay
}

func webhookPayload(evt WebhookEvent) map[string]interface{} {
	payload := map[string]interface{}{
		"sequence":  strconv.FormatUint(evt.Sequence, 10),
		"type":      evt.Type,
		"escrowId":  evt.EscrowID,
		"createdAt": evt.CreatedAt.UTC().Format(time.RFC3339),
	}
	if evt.OrderID != "" {
		payload["orderId"] = evt.OrderID
	}
	if len(evt.Attributes) > 0 {
		payload["attributes"] = evt.Attributes
	}
	return payload
}
