package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxRequestBody       = 1 << 20
)

// Server exposes the gateway REST API in front of the escrow node.
type Server struct {
	auth   *Authenticator
	node   NodeClient
	store  *SQLiteStore
	queue  *WebhookQueue
	logger *slog.Logger
	nowFn  func() time.Time
	mux    *http.ServeMux
}

func NewServer(auth *Authenticator, node NodeClient, store *SQLiteStore, queue *WebhookQueue, logger *slog.Logger) *Server {
	s := &Server{
		auth:   auth,
		node:   node,
		store:  store,
		queue:  queue,
		logger: logger.With("component", "gateway_server"),
		nowFn:  time.Now,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/escrow/initialize", s.authenticated(s.handleInitialize))
	mux.HandleFunc("/escrow/confirm", s.authenticated(s.instructionHandler("escrow_confirmOrder")))
	mux.HandleFunc("/escrow/refund", s.authenticated(s.instructionHandler("escrow_refundOrder")))
	mux.HandleFunc("/escrow/fail", s.authenticated(s.instructionHandler("escrow_failOrder")))
	mux.HandleFunc("/escrow/withdraw", s.authenticated(s.instructionHandler("escrow_withdrawFunds")))
	mux.HandleFunc("/escrow/close", s.authenticated(s.instructionHandler("escrow_closeEscrow")))
	mux.HandleFunc("/escrow/", s.handleEscrowGet)
	mux.HandleFunc("/orders", s.authenticated(s.handleListOrders))
	mux.HandleFunc("/webhooks", s.authenticated(s.handleRegisterWebhook))
	s.mux = mux
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

type gatewayError struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) []byte {
	body, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return nil
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
	return body
}

func writeGatewayError(w http.ResponseWriter, status int, msg string) []byte {
	return writeJSON(w, status, gatewayError{Error: msg})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type authedHandler func(w http.ResponseWriter, r *http.Request, principal *Principal, body []byte) (int, []byte)

// authenticated wraps a handler with HMAC verification, body limits, and audit logging.
func (s *Server) authenticated(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := readRequestBody(r)
		if err != nil {
			writeGatewayError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		principal, err := s.auth.Authenticate(r, body)
		if err != nil {
			s.logger.Warn("request rejected", "path", r.URL.Path, "error", err)
			writeGatewayError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		status, respBody := next(w, r, principal, body)
		entry := AuditEntry{
			APIKey:         principal.APIKey,
			Method:         r.Method,
			Path:           canonicalRequestPath(r),
			RequestBody:    body,
			ResponseBody:   respBody,
			ResponseStatus: status,
			Timestamp:      s.nowFn().UTC(),
		}
		if err := s.store.InsertAuditLog(r.Context(), entry); err != nil {
			s.logger.Error("audit log insert failed", "error", err)
		}
	}
}

func readRequestBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
}

func hashRequest(r *http.Request, body []byte) string {
	sum := sha256.New()
	sum.Write([]byte(r.Method))
	sum.Write([]byte("\n"))
	sum.Write([]byte(canonicalRequestPath(r)))
	sum.Write([]byte("\n"))
	sum.Write(body)
	return hex.EncodeToString(sum.Sum(nil))
}

type initializeOrderRequest struct {
	Buyer        string `json:"buyer"`
	Seller       string `json:"seller"`
	OrderDetails string `json:"orderDetails"`
	Amount       string `json:"amount"`
	Signature    string `json:"signature"`
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request, principal *Principal, body []byte) (int, []byte) {
	if r.Method != http.MethodPost {
		return http.StatusMethodNotAllowed, writeGatewayError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
	idemKey := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	requestHash := hashRequest(r, body)
	if idemKey != "" {
		cached, err := s.store.LookupIdempotency(r.Context(), principal.APIKey, idemKey, requestHash)
		if errors.Is(err, ErrIdempotencyMismatch) {
			return http.StatusConflict, writeGatewayError(w, http.StatusConflict, "idempotency key reused with a different request")
		}
		if err != nil {
			return http.StatusInternalServerError, writeGatewayError(w, http.StatusInternalServerError, "idempotency lookup failed")
		}
		if cached != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(cached.Status)
			_, _ = w.Write(cached.Body)
			return cached.Status, cached.Body
		}
	}

	var req initializeOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return http.StatusBadRequest, writeGatewayError(w, http.StatusBadRequest, "invalid JSON body")
	}
	if req.Buyer == "" || req.Seller == "" || req.OrderDetails == "" || req.Amount == "" || req.Signature == "" {
		return http.StatusBadRequest, writeGatewayError(w, http.StatusBadRequest, "buyer, seller, orderDetails, amount, and signature are required")
	}

	state, err := s.node.EscrowInitialize(r.Context(), InitializeRequest{
		Buyer:        req.Buyer,
		Seller:       req.Seller,
		OrderDetails: req.OrderDetails,
		Amount:       req.Amount,
		Signature:    req.Signature,
	})
	if err != nil {
		status, respBody := s.writeNodeError(w, err)
		return status, respBody
	}

	now := s.nowFn().UTC()
	order := Order{
		ID:           uuid.NewString(),
		APIKey:       principal.APIKey,
		EscrowID:     strings.ToLower(state.ID),
		Buyer:        state.Buyer,
		Seller:       state.Seller,
		OrderDetails: state.OrderDetails,
		Amount:       state.Amount,
		Status:       state.Status,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.InsertOrder(r.Context(), order); err != nil {
		s.logger.Error("order insert failed", "escrow", order.EscrowID, "error", err)
		return http.StatusInternalServerError, writeGatewayError(w, http.StatusInternalServerError, "order persistence failed")
	}

	respBody := writeJSON(w, http.StatusCreated, order)
	if idemKey != "" {
		if err := s.store.SaveIdempotency(r.Context(), principal.APIKey, idemKey, requestHash, http.StatusCreated, respBody); err != nil {
			s.logger.Error("idempotency save failed", "error", err)
		}
	}
	return http.StatusCreated, respBody
}

type instructionRequest struct {
	ID        string `json:"id"`
	Vault     string `json:"vault,omitempty"`
	Signature string `json:"signature"`
}

// instructionHandler forwards a signed escrow instruction to the node untouched.
// The gateway never holds user keys; callers sign envelopes client-side.
func (s *Server) instructionHandler(method string) authedHandler {
	return func(w http.ResponseWriter, r *http.Request, principal *Principal, body []byte) (int, []byte) {
		if r.Method != http.MethodPost {
			return http.StatusMethodNotAllowed, writeGatewayError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
		var req instructionRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return http.StatusBadRequest, writeGatewayError(w, http.StatusBadRequest, "invalid JSON body")
		}
		if req.ID == "" || req.Signature == "" {
			return http.StatusBadRequest, writeGatewayError(w, http.StatusBadRequest, "id and signature are required")
		}
		err := s.node.EscrowInstruction(r.Context(), method, InstructionRequest{
			ID:        req.ID,
			Vault:     req.Vault,
			Signature: req.Signature,
		})
		if err != nil {
			return s.writeNodeError(w, err)
		}
		return http.StatusOK, writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeGatewayError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/escrow/")
	if id == "" || strings.Contains(id, "/") {
		writeGatewayError(w, http.StatusNotFound, "not found")
		return
	}
	state, err := s.node.EscrowGet(r.Context(), id)
	if err != nil {
		s.writeNodeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request, principal *Principal, _ []byte) (int, []byte) {
	if r.Method != http.MethodGet {
		return http.StatusMethodNotAllowed, writeGatewayError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
	orders, err := s.store.ListOrders(r.Context(), principal.APIKey)
	if err != nil {
		return http.StatusInternalServerError, writeGatewayError(w, http.StatusInternalServerError, "order listing failed")
	}
	return http.StatusOK, writeJSON(w, http.StatusOK, map[string]interface{}{"orders": orders})
}

type registerWebhookRequest struct {
	EventType string `json:"eventType"`
	URL       string `json:"url"`
	Secret    string `json:"secret"`
	RateLimit int    `json:"rateLimit,omitempty"`
}

func (s *Server) handleRegisterWebhook(w http.ResponseWriter, r *http.Request, principal *Principal, body []byte) (int, []byte) {
	if r.Method != http.MethodPost {
		return http.StatusMethodNotAllowed, writeGatewayError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
	var req registerWebhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return http.StatusBadRequest, writeGatewayError(w, http.StatusBadRequest, "invalid JSON body")
	}
	if req.EventType == "" || req.URL == "" || req.Secret == "" {
		return http.StatusBadRequest, writeGatewayError(w, http.StatusBadRequest, "eventType, url, and secret are required")
	}
	if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		return http.StatusBadRequest, writeGatewayError(w, http.StatusBadRequest, "url must be an http or https endpoint")
	}
	id, err := s.store.InsertWebhook(r.Context(), WebhookSubscription{
		APIKey:    principal.APIKey,
		EventType: req.EventType,
		URL:       req.URL,
		Secret:    req.Secret,
		RateLimit: req.RateLimit,
		Active:    true,
		CreatedAt: s.nowFn().UTC(),
	})
	if err != nil {
		return http.StatusInternalServerError, writeGatewayError(w, http.StatusInternalServerError, "webhook registration failed")
	}
	return http.StatusCreated, writeJSON(w, http.StatusCreated, map[string]interface{}{"webhookId": id})
}

// writeNodeError maps node RPC failures onto gateway HTTP responses.
func (s *Server) writeNodeError(w http.ResponseWriter, err error) (int, []byte) {
	var nodeErr *NodeError
	if errors.As(err, &nodeErr) {
		status := http.StatusBadGateway
		switch nodeErr.Code {
		case -32009:
			status = http.StatusConflict
		case -32004:
			status = http.StatusNotFound
		case -32003:
			status = http.StatusForbidden
		case -32602:
			status = http.StatusBadRequest
		}
		return status, writeGatewayError(w, status, nodeErr.Message)
	}
	s.logger.Error("node request failed", "error", err)
	return http.StatusBadGateway, writeGatewayError(w, http.StatusBadGateway, fmt.Sprintf("node unavailable: %v", err))
}

// Run serves HTTP until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
