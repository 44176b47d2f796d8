package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore manages idempotency keys, order records, webhook subscriptions
// and audit log persistence for the gateway.
type SQLiteStore struct {
	db *sql.DB
}

// ErrIdempotencyMismatch is returned when a key is reused with a different payload.
var ErrIdempotencyMismatch = errors.New("idempotency key reuse with different request body")

// ErrOrderNotFound is returned when an order lookup misses.
var ErrOrderNotFound = errors.New("order not found")

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
            api_key TEXT NOT NULL,
            idempotency_key TEXT NOT NULL,
            request_hash TEXT NOT NULL,
            response_status INTEGER NOT NULL,
            response_body BLOB NOT NULL,
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY(api_key, idempotency_key)
        );`,
		`CREATE TABLE IF NOT EXISTS audit_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            occurred_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            api_key TEXT,
            method TEXT NOT NULL,
            path TEXT NOT NULL,
            request_body BLOB,
            response_status INTEGER,
            response_body BLOB
        );`,
		`CREATE TABLE IF NOT EXISTS orders (
            id TEXT PRIMARY KEY,
            api_key TEXT NOT NULL,
            escrow_id TEXT NOT NULL UNIQUE,
            buyer TEXT NOT NULL,
            seller TEXT NOT NULL,
            order_details TEXT NOT NULL,
            amount TEXT NOT NULL,
            status TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL,
            updated_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS events (
            sequence INTEGER PRIMARY KEY,
            type TEXT NOT NULL,
            payload TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS event_cursors (
            name TEXT PRIMARY KEY,
            value INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS webhooks (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            api_key TEXT NOT NULL,
            event_type TEXT NOT NULL,
            url TEXT NOT NULL,
            secret TEXT NOT NULL,
            rate_limit INTEGER NOT NULL DEFAULT 60,
            active INTEGER NOT NULL DEFAULT 1,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS webhook_attempts (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            webhook_id INTEGER NOT NULL,
            event_sequence INTEGER NOT NULL,
            attempt INTEGER NOT NULL,
            status TEXT NOT NULL,
            error TEXT,
            next_attempt TIMESTAMP,
            created_at TIMESTAMP NOT NULL
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// StoredResponse represents a cached response for an idempotency key.
type StoredResponse struct {
	Status int
	Body   []byte
}

func (s *SQLiteStore) LookupIdempotency(ctx context.Context, apiKey, key, requestHash string) (*StoredResponse, error) {
	const query = `SELECT response_status, response_body, request_hash FROM idempotency_keys WHERE api_key = ? AND idempotency_key = ?`
	row := s.db.QueryRowContext(ctx, query, apiKey, key)
	var status int
	var body []byte
	var storedHash string
	err := row.Scan(&status, &body, &storedHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if storedHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	return &StoredResponse{Status: status, Body: body}, nil
}

func (s *SQLiteStore) SaveIdempotency(ctx context.Context, apiKey, key, requestHash string, status int, body []byte) error {
	const stmt = `INSERT OR REPLACE INTO idempotency_keys(api_key, idempotency_key, request_hash, response_status, response_body, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, apiKey, key, requestHash, status, body, time.Now().UTC())
	return err
}

// AuditEntry represents an audit log row.
type AuditEntry struct {
	APIKey         string
	Method         string
	Path           string
	RequestBody    []byte
	ResponseBody   []byte
	ResponseStatus int
	Timestamp      time.Time
}

func (s *SQLiteStore) InsertAuditLog(ctx context.Context, entry AuditEntry) error {
	const stmt = `INSERT INTO audit_log(api_key, method, path, request_body, response_status, response_body, occurred_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, entry.APIKey, entry.Method, entry.Path, entry.RequestBody, entry.ResponseStatus, entry.ResponseBody, entry.Timestamp)
	return err
}

// Order is the gateway-side record of an escrow-backed marketplace order.
type Order struct {
	ID           string    `json:"orderId"`
	APIKey       string    `json:"-"`
	EscrowID     string    `json:"escrowId"`
	Buyer        string    `json:"buyer"`
	Seller       string    `json:"seller"`
	OrderDetails string    `json:"orderDetails"`
	Amount       string    `json:"amount"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// InsertOrder persists a new order record.
func (s *SQLiteStore) InsertOrder(ctx context.Context, order Order) error {
	const stmt = `INSERT INTO orders(id, api_key, escrow_id, buyer, seller, order_details, amount, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, order.ID, order.APIKey, order.EscrowID, order.Buyer, order.Seller, order.OrderDetails, order.Amount, order.Status, order.CreatedAt, order.UpdatedAt)
	return err
}

// ListOrders returns the orders created by apiKey, newest first.
func (s *SQLiteStore) ListOrders(ctx context.Context, apiKey string) ([]Order, error) {
	const query = `SELECT id, api_key, escrow_id, buyer, seller, order_details, amount, status, created_at, updated_at FROM orders WHERE api_key = ? ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query, apiKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var orders []Order
	for rows.Next() {
		var order Order
		if err := rows.Scan(&order.ID, &order.APIKey, &order.EscrowID, &order.Buyer, &order.Seller, &order.OrderDetails, &order.Amount, &order.Status, &order.CreatedAt, &order.UpdatedAt); err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

// GetOrderByEscrow resolves the order tied to an escrow account.
func (s *SQLiteStore) GetOrderByEscrow(ctx context.Context, escrowID string) (Order, error) {
	const query = `SELECT id, api_key, escrow_id, buyer, seller, order_details, amount, status, created_at, updated_at FROM orders WHERE escrow_id = ?`
	row := s.db.QueryRowContext(ctx, query, escrowID)
	var order Order
	err := row.Scan(&order.ID, &order.APIKey, &order.EscrowID, &order.Buyer, &order.Seller, &order.OrderDetails, &order.Amount, &order.Status, &order.CreatedAt, &order.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, ErrOrderNotFound
	}
	if err != nil {
		return Order{}, err
	}
	return order, nil
}

// UpdateOrderStatus sets the status of the order tied to an escrow account.
func (s *SQLiteStore) UpdateOrderStatus(ctx context.Context, escrowID, status string, updatedAt time.Time) error {
	const stmt = `UPDATE orders SET status = ?, updated_at = ? WHERE escrow_id = ?`
	res, err := s.db.ExecContext(ctx, stmt, status, updatedAt, escrowID)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// StoredEvent represents a node event persisted to SQLite.
type StoredEvent struct {
	Sequence  int64
	Type      string
	Payload   map[string]string
	CreatedAt time.Time
}

// InsertEvent inserts an event row.
func (s *SQLiteStore) InsertEvent(ctx context.Context, evt StoredEvent) error {
	const stmt = `INSERT OR REPLACE INTO events(sequence, type, payload, created_at) VALUES (?, ?, ?, ?)`
	payloadJSON, err := json.Marshal(evt.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, stmt, evt.Sequence, evt.Type, string(payloadJSON), evt.CreatedAt)
	return err
}

// LastEventSequence returns the last processed event sequence.
func (s *SQLiteStore) LastEventSequence(ctx context.Context) (int64, error) {
	const query = `SELECT value FROM event_cursors WHERE name = 'events'`
	row := s.db.QueryRowContext(ctx, query)
	var value int64
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return value, nil
}

// UpdateEventSequence stores the last processed event sequence.
func (s *SQLiteStore) UpdateEventSequence(ctx context.Context, sequence int64) error {
	const stmt = `INSERT INTO event_cursors(name, value) VALUES('events', ?) ON CONFLICT(name) DO UPDATE SET value = excluded.value`
	_, err := s.db.ExecContext(ctx, stmt, sequence)
	return err
}

// WebhookSubscription describes a stored webhook endpoint.
type WebhookSubscription struct {
	ID        int64
	APIKey    string
	EventType string
	URL       string
	Secret    string
	RateLimit int
	Active    bool
	CreatedAt time.Time
}

// InsertWebhook registers a webhook subscription.
func (s *SQLiteStore) InsertWebhook(ctx context.Context, sub WebhookSubscription) (int64, error) {
	const stmt = `INSERT INTO webhooks(api_key, event_type, url, secret, rate_limit, active, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	active := 0
	if sub.Active {
		active = 1
	}
	res, err := s.db.ExecContext(ctx, stmt, sub.APIKey, sub.EventType, sub.URL, sub.Secret, sub.RateLimit, active, sub.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListWebhooksForEvent returns subscriptions interested in a given event type.
func (s *SQLiteStore) ListWebhooksForEvent(ctx context.Context, eventType string) ([]WebhookSubscription, error) {
	const query = `SELECT id, api_key, event_type, url, secret, rate_limit, active, created_at FROM webhooks WHERE event_type = ?`
	rows, err := s.db.QueryContext(ctx, query, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var subs []WebhookSubscription
	for rows.Next() {
		var sub WebhookSubscription
		var active int
		if err := rows.Scan(&sub.ID, &sub.APIKey, &sub.EventType, &sub.URL, &sub.Secret, &sub.RateLimit, &active, &sub.CreatedAt); err != nil {
			return nil, err
		}
		sub.Active = active == 1
		if sub.RateLimit <= 0 {
			sub.RateLimit = 60
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// WebhookAttempt captures a delivery attempt.
type WebhookAttempt struct {
	WebhookID     int64
	EventSequence int64
	Attempt       int
	Status        string
	Error         string
	NextAttempt   time.Time
	CreatedAt     time.Time
}

// InsertWebhookAttempt records a webhook delivery attempt.
func (s *SQLiteStore) InsertWebhookAttempt(ctx context.Context, attempt WebhookAttempt) error {
	const stmt = `INSERT INTO webhook_attempts(webhook_id, event_sequence, attempt, status, error, next_attempt, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, attempt.WebhookID, attempt.EventSequence, attempt.Attempt, attempt.Status, attempt.Error, nullTime(attempt.NextAttempt), attempt.CreatedAt)
	return err
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
