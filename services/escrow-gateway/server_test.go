package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	gatewayauth "agrichain/gateway/auth"
)

const (
	testAPIKey    = "partner-key"
	testAPISecret = "partner-secret"
)

// stubNodeClient records calls and returns canned responses.
type stubNodeClient struct {
	initializeCalls int
	initializeErr   error
	instructions    []string
	instructionErr  error
	state           *EscrowState
	events          []NodeEvent
}

func (s *stubNodeClient) EscrowInitialize(ctx context.Context, req InitializeRequest) (*EscrowState, error) {
	s.initializeCalls++
	if s.initializeErr != nil {
		return nil, s.initializeErr
	}
	state := *s.state
	return &state, nil
}

func (s *stubNodeClient) EscrowInstruction(ctx context.Context, method string, req InstructionRequest) error {
	s.instructions = append(s.instructions, method)
	return s.instructionErr
}

func (s *stubNodeClient) EscrowGet(ctx context.Context, id string) (*EscrowState, error) {
	if s.state == nil {
		return nil, &NodeError{Status: http.StatusNotFound, Code: -32004, Message: "escrow account does not exist"}
	}
	state := *s.state
	return &state, nil
}

func (s *stubNodeClient) FetchEvents(ctx context.Context, afterSeq uint64, limit int) ([]NodeEvent, error) {
	var out []NodeEvent
	for _, evt := range s.events {
		if evt.Sequence > afterSeq {
			out = append(out, evt)
		}
	}
	return out, nil
}

type gatewayEnv struct {
	server *httptest.Server
	store  *SQLiteStore
	node   *stubNodeClient
	queue  *WebhookQueue
	now    time.Time
}

func newGatewayEnv(t *testing.T) *gatewayEnv {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	now := time.Unix(1_700_000_000, 0).UTC()
	auth := NewAuthenticator(
		[]APIKeyConfig{{Key: testAPIKey, Secret: testAPISecret}},
		time.Minute, 5*time.Minute, 64,
		func() time.Time { return now },
		nil,
	)
	node := &stubNodeClient{
		state: &EscrowState{
			ID:           "0x" + fmt.Sprintf("%064x", 7),
			Buyer:        "agri1buyeraddress",
			Seller:       "agri1selleraddress",
			OrderDetails: "20 crates of mangoes",
			Amount:       "900000",
			Status:       "initialized",
			Bump:         254,
			CreatedAt:    now.Unix(),
		},
	}
	queue := NewWebhookQueue()
	logger := slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
	srv := NewServer(auth, node, store, queue, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &gatewayEnv{server: ts, store: store, node: node, queue: queue, now: now}
}

func (env *gatewayEnv) signedRequest(t *testing.T, method, path string, body []byte, nonce string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, env.server.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	ts := strconv.FormatInt(env.now.Unix(), 10)
	sig := gatewayauth.ComputeSignature(testAPISecret, ts, nonce, method, path, body)
	req.Header.Set(headerAPIKey, testAPIKey)
	req.Header.Set(headerTimestamp, ts)
	req.Header.Set(headerNonce, nonce)
	req.Header.Set(headerSignature, hex.EncodeToString(sig))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func initializeBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(initializeOrderRequest{
		Buyer:        "agri1buyeraddress",
		Seller:       "agri1selleraddress",
		OrderDetails: "20 crates of mangoes",
		Amount:       "900000",
		Signature:    "0xdeadbeef",
	})
	require.NoError(t, err)
	return body
}

func TestGatewayRequiresAuthentication(t *testing.T) {
	env := newGatewayEnv(t)
	resp, err := http.Post(env.server.URL+"/escrow/initialize", "application/json", bytes.NewReader(initializeBody(t)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Zero(t, env.node.initializeCalls)
}

func TestGatewayInitializeCreatesOrder(t *testing.T) {
	env := newGatewayEnv(t)
	resp := env.signedRequest(t, http.MethodPost, "/escrow/initialize", initializeBody(t), "nonce-1", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	payload := decodeBody(t, resp)
	require.NotEmpty(t, payload["orderId"])
	require.Equal(t, "initialized", payload["status"])

	orders, err := env.store.ListOrders(context.Background(), testAPIKey)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.Equal(t, env.node.state.OrderDetails, orders[0].OrderDetails)
}

func TestGatewayIdempotencyReplay(t *testing.T) {
	env := newGatewayEnv(t)
	body := initializeBody(t)
	headers := map[string]string{headerIdempotencyKey: "idem-1"}

	first := env.signedRequest(t, http.MethodPost, "/escrow/initialize", body, "nonce-1", headers)
	require.Equal(t, http.StatusCreated, first.StatusCode)
	firstPayload := decodeBody(t, first)

	second := env.signedRequest(t, http.MethodPost, "/escrow/initialize", body, "nonce-2", headers)
	require.Equal(t, http.StatusCreated, second.StatusCode)
	secondPayload := decodeBody(t, second)

	require.Equal(t, firstPayload["orderId"], secondPayload["orderId"])
	require.Equal(t, 1, env.node.initializeCalls)
}

func TestGatewayIdempotencyMismatchConflicts(t *testing.T) {
	env := newGatewayEnv(t)
	headers := map[string]string{headerIdempotencyKey: "idem-1"}

	first := env.signedRequest(t, http.MethodPost, "/escrow/initialize", initializeBody(t), "nonce-1", headers)
	require.Equal(t, http.StatusCreated, first.StatusCode)
	first.Body.Close()

	altered, err := json.Marshal(initializeOrderRequest{
		Buyer:        "agri1buyeraddress",
		Seller:       "agri1selleraddress",
		OrderDetails: "10 sacks of rice",
		Amount:       "500000",
		Signature:    "0xdeadbeef",
	})
	require.NoError(t, err)
	second := env.signedRequest(t, http.MethodPost, "/escrow/initialize", altered, "nonce-2", headers)
	defer second.Body.Close()
	require.Equal(t, http.StatusConflict, second.StatusCode)
	require.Equal(t, 1, env.node.initializeCalls)
}

func TestGatewayInstructionPassthrough(t *testing.T) {
	env := newGatewayEnv(t)
	body, err := json.Marshal(instructionRequest{ID: env.node.state.ID, Signature: "0xdeadbeef"})
	require.NoError(t, err)

	resp := env.signedRequest(t, http.MethodPost, "/escrow/confirm", body, "nonce-1", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{"escrow_confirmOrder"}, env.node.instructions)
}

func TestGatewayMapsNodeErrors(t *testing.T) {
	env := newGatewayEnv(t)
	env.node.instructionErr = &NodeError{Status: http.StatusForbidden, Code: -32003, Message: "only the seller may confirm"}
	body, err := json.Marshal(instructionRequest{ID: env.node.state.ID, Signature: "0xdeadbeef"})
	require.NoError(t, err)

	resp := env.signedRequest(t, http.MethodPost, "/escrow/confirm", body, "nonce-1", nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	payload := decodeBody(t, resp)
	require.Contains(t, payload["error"], "seller")
}

func TestGatewayEscrowGetIsPublic(t *testing.T) {
	env := newGatewayEnv(t)
	resp, err := http.Get(env.server.URL + "/escrow/" + env.node.state.ID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	payload := decodeBody(t, resp)
	require.Equal(t, env.node.state.ID, payload["id"])
}

func TestGatewayWebhookRegistration(t *testing.T) {
	env := newGatewayEnv(t)
	body, err := json.Marshal(registerWebhookRequest{
		EventType: "escrow.completed",
		URL:       "https://example.com/hooks",
		Secret:    "hooksecret",
	})
	require.NoError(t, err)

	resp := env.signedRequest(t, http.MethodPost, "/webhooks", body, "nonce-1", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	payload := decodeBody(t, resp)
	require.NotZero(t, payload["webhookId"])

	subs, err := env.store.ListWebhooksForEvent(context.Background(), "escrow.completed")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, "https://example.com/hooks", subs[0].URL)
}

func TestWatcherUpdatesOrderAndQueuesEvents(t *testing.T) {
	env := newGatewayEnv(t)
	resp := env.signedRequest(t, http.MethodPost, "/escrow/initialize", initializeBody(t), "nonce-1", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	env.node.events = []NodeEvent{
		{Sequence: 1, Type: "escrow.confirmed", Attributes: map[string]string{"id": env.node.state.ID}},
		{Sequence: 2, Type: "escrow.completed", Attributes: map[string]string{"id": env.node.state.ID}},
	}

	logger := slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
	watcher := NewEventWatcher(env.node, env.store, env.queue, time.Second, logger)
	require.NoError(t, watcher.poll(context.Background()))

	order, err := env.store.GetOrderByEscrow(context.Background(), env.node.state.ID)
	require.NoError(t, err)
	require.Equal(t, "completed", order.Status)

	cursor, err := env.store.LastEventSequence(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2), cursor)

	queued := env.queue.Events()
	require.Len(t, queued, 2)
	require.Equal(t, "escrow.confirmed", queued[0].Type)
	require.Equal(t, order.ID, queued[0].OrderID)

	// Re-polling after the cursor advanced must not duplicate work.
	require.NoError(t, watcher.poll(context.Background()))
	require.Len(t, env.queue.Events(), 2)
}
