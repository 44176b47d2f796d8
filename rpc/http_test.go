package rpc

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"agrichain/core"
	"agrichain/core/state"
	"agrichain/crypto"
	"agrichain/native/escrow"
)

const testToken = "test-token"

type testEnv struct {
	node   *core.Node
	server *httptest.Server
	buyer  *crypto.PrivateKey
	seller *crypto.PrivateKey
}

func newTestEnv(t *testing.T, cfg ServerConfig) *testEnv {
	t.Helper()
	store, err := state.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	node := core.NewNode(store, logger, core.WithNowFunc(func() int64 { return 1_700_000_000 }))

	buyer, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("buyer key: %v", err)
	}
	seller, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("seller key: %v", err)
	}
	err = node.ApplyGenesis(context.Background(), map[[20]byte]uint64{
		buyer.PubKey().Address().Array(): 1_000_000,
	})
	if err != nil {
		t.Fatalf("genesis: %v", err)
	}

	srv := httptest.NewServer(NewServer(node, cfg).Handler())
	t.Cleanup(srv.Close)
	return &testEnv{node: node, server: srv, buyer: buyer, seller: seller}
}

func (env *testEnv) call(t *testing.T, auth, method string, params interface{}) (*http.Response, RPCResponse) {
	t.Helper()
	body := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
	}
	if params != nil {
		body["params"] = []interface{}{params}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, env.server.URL, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if auth != "" {
		req.Header.Set("Authorization", "Bearer "+auth)
	}
	resp, err := env.server.Client().Do(req)
	if err != nil {
		t.Fatalf("call %s: %v", method, err)
	}
	defer resp.Body.Close()
	var decoded RPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, decoded
}

func signHex(t *testing.T, key *crypto.PrivateKey, digest [32]byte) string {
	t.Helper()
	sig, err := crypto.SignDigest(key, digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return "0x" + hex.EncodeToString(sig)
}

func (env *testEnv) initializeParams(t *testing.T, orderDetails string, amount uint64) initializeParams {
	t.Helper()
	buyerAddr := env.buyer.PubKey().Address()
	sellerAddr := env.seller.PubKey().Address()
	digest := InitializeDigest(buyerAddr.Array(), sellerAddr.Array(), orderDetails, amount)
	return initializeParams{
		Buyer:        buyerAddr.String(),
		Seller:       sellerAddr.String(),
		OrderDetails: orderDetails,
		Amount:       strconv.FormatUint(amount, 10),
		Signature:    signHex(t, env.buyer, digest),
	}
}

func (env *testEnv) mustInitialize(t *testing.T) escrowResult {
	t.Helper()
	params := env.initializeParams(t, "20 crates of mangoes", 900_000)
	resp, decoded := env.call(t, testToken, "escrow_initialize", params)
	if resp.StatusCode != http.StatusOK || decoded.Error != nil {
		t.Fatalf("initialize failed: status=%d error=%+v", resp.StatusCode, decoded.Error)
	}
	var result escrowResult
	raw, _ := json.Marshal(decoded.Result)
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return result
}

func idSignedParams(t *testing.T, key *crypto.PrivateKey, method, id string) instructionParams {
	t.Helper()
	decoded, err := decodeHex32(id)
	if err != nil {
		t.Fatalf("decode id: %v", err)
	}
	return instructionParams{ID: id, Signature: signHex(t, key, InstructionIDDigest(method, decoded))}
}

func TestRPCEscrowLifecycle(t *testing.T) {
	env := newTestEnv(t, ServerConfig{AuthToken: testToken})
	created := env.mustInitialize(t)
	if created.Status != "initialized" {
		t.Fatalf("unexpected status %q", created.Status)
	}

	resp, decoded := env.call(t, testToken, "escrow_confirmOrder",
		idSignedParams(t, env.seller, "escrow_confirmOrder", created.ID))
	if resp.StatusCode != http.StatusOK || decoded.Error != nil {
		t.Fatalf("confirm failed: %d %+v", resp.StatusCode, decoded.Error)
	}

	resp, decoded = env.call(t, testToken, "escrow_withdrawFunds",
		idSignedParams(t, env.seller, "escrow_withdrawFunds", created.ID))
	if resp.StatusCode != http.StatusOK || decoded.Error != nil {
		t.Fatalf("withdraw failed: %d %+v", resp.StatusCode, decoded.Error)
	}

	resp, decoded = env.call(t, "", "escrow_get", getParams{ID: created.ID})
	if resp.StatusCode != http.StatusOK || decoded.Error != nil {
		t.Fatalf("get failed: %d %+v", resp.StatusCode, decoded.Error)
	}
	var view escrowResult
	raw, _ := json.Marshal(decoded.Result)
	if err := json.Unmarshal(raw, &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.Status != "completed" || view.Amount != "0" || view.VaultBalance != "0" {
		t.Fatalf("unexpected settled view %+v", view)
	}

	resp, decoded = env.call(t, testToken, "escrow_closeEscrow",
		idSignedParams(t, env.seller, "escrow_closeEscrow", created.ID))
	if resp.StatusCode != http.StatusOK || decoded.Error != nil {
		t.Fatalf("close failed: %d %+v", resp.StatusCode, decoded.Error)
	}

	resp, decoded = env.call(t, "", "escrow_get", getParams{ID: created.ID})
	if resp.StatusCode != http.StatusNotFound || decoded.Error == nil || decoded.Error.Code != codeNotFound {
		t.Fatalf("expected not found after close, got %d %+v", resp.StatusCode, decoded.Error)
	}

	resp, decoded = env.call(t, "", "escrow_listEvents", nil)
	if resp.StatusCode != http.StatusOK || decoded.Error != nil {
		t.Fatalf("listEvents failed: %d %+v", resp.StatusCode, decoded.Error)
	}
	var events listEventsResult
	raw, _ = json.Marshal(decoded.Result)
	if err := json.Unmarshal(raw, &events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	wantTypes := []string{
		escrow.EventTypeEscrowInitialized,
		escrow.EventTypeEscrowConfirmed,
		escrow.EventTypeEscrowCompleted,
		escrow.EventTypeEscrowClosed,
	}
	if len(events.Events) != len(wantTypes) {
		t.Fatalf("expected %d events, got %+v", len(wantTypes), events.Events)
	}
	for i, want := range wantTypes {
		if events.Events[i].Type != want {
			t.Fatalf("event %d = %q, want %q", i, events.Events[i].Type, want)
		}
	}
}

func TestRPCMutationsRequireAuth(t *testing.T) {
	env := newTestEnv(t, ServerConfig{AuthToken: testToken})
	params := env.initializeParams(t, "unauthorised order", 100)

	resp, decoded := env.call(t, "", "escrow_initialize", params)
	if resp.StatusCode != http.StatusUnauthorized || decoded.Error == nil || decoded.Error.Code != codeUnauthorized {
		t.Fatalf("expected 401, got %d %+v", resp.StatusCode, decoded.Error)
	}

	resp, decoded = env.call(t, "wrong-token", "escrow_initialize", params)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d %+v", resp.StatusCode, decoded.Error)
	}
}

func TestRPCAcceptsJWT(t *testing.T) {
	secret := []byte("shared-secret")
	env := newTestEnv(t, ServerConfig{JWTSecret: secret})

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "gateway",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}

	params := env.initializeParams(t, "20 crates of mangoes", 900_000)
	resp, decoded := env.call(t, signed, "escrow_initialize", params)
	if resp.StatusCode != http.StatusOK || decoded.Error != nil {
		t.Fatalf("jwt call failed: %d %+v", resp.StatusCode, decoded.Error)
	}
}

func TestRPCRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t, ServerConfig{AuthToken: testToken})
	params := env.initializeParams(t, "20 crates of mangoes", 900_000)
	params.Signature = "0x1234"

	resp, decoded := env.call(t, testToken, "escrow_initialize", params)
	if resp.StatusCode != http.StatusBadRequest || decoded.Error == nil || decoded.Error.Code != codeInvalidParams {
		t.Fatalf("expected 400, got %d %+v", resp.StatusCode, decoded.Error)
	}
}

func TestRPCDuplicateInitializeConflicts(t *testing.T) {
	env := newTestEnv(t, ServerConfig{AuthToken: testToken})
	env.mustInitialize(t)

	params := env.initializeParams(t, "20 crates of mangoes", 900_000)
	resp, decoded := env.call(t, testToken, "escrow_initialize", params)
	if resp.StatusCode != http.StatusConflict || decoded.Error == nil || decoded.Error.Code != codeConflict {
		t.Fatalf("expected 409, got %d %+v", resp.StatusCode, decoded.Error)
	}
}

func TestRPCRoleViolationCarriesEscrowCode(t *testing.T) {
	env := newTestEnv(t, ServerConfig{AuthToken: testToken})
	created := env.mustInitialize(t)

	// Buyer tries to confirm; only the seller may.
	resp, decoded := env.call(t, testToken, "escrow_confirmOrder",
		idSignedParams(t, env.buyer, "escrow_confirmOrder", created.ID))
	if resp.StatusCode != http.StatusForbidden || decoded.Error == nil || decoded.Error.Code != codeForbidden {
		t.Fatalf("expected 403, got %d %+v", resp.StatusCode, decoded.Error)
	}
	data, ok := decoded.Error.Data.(map[string]interface{})
	if !ok || data["escrowCode"] != float64(escrow.CodeOnlySellerAllowed) {
		t.Fatalf("expected escrowCode %d in data, got %+v", escrow.CodeOnlySellerAllowed, decoded.Error.Data)
	}
}

func TestRPCVaultMismatchRejected(t *testing.T) {
	env := newTestEnv(t, ServerConfig{AuthToken: testToken})
	created := env.mustInitialize(t)

	params := idSignedParams(t, env.seller, "escrow_confirmOrder", created.ID)
	params.Vault = env.seller.PubKey().Address().String()
	resp, decoded := env.call(t, testToken, "escrow_confirmOrder", params)
	if resp.StatusCode != http.StatusBadRequest || decoded.Error == nil {
		t.Fatalf("expected vault rejection, got %d %+v", resp.StatusCode, decoded.Error)
	}
	data, ok := decoded.Error.Data.(map[string]interface{})
	if !ok || data["escrowCode"] != float64(escrow.CodeVaultDerivationError) {
		t.Fatalf("expected vault derivation code, got %+v", decoded.Error.Data)
	}
}

func TestRPCUnknownMethod(t *testing.T) {
	env := newTestEnv(t, ServerConfig{AuthToken: testToken})
	resp, decoded := env.call(t, "", "escrow_unknown", nil)
	if resp.StatusCode != http.StatusNotFound || decoded.Error == nil || decoded.Error.Code != codeMethodNotFound {
		t.Fatalf("expected method-not-found, got %d %+v", resp.StatusCode, decoded.Error)
	}
}

func TestRPCBalanceQuery(t *testing.T) {
	env := newTestEnv(t, ServerConfig{AuthToken: testToken})
	addr := env.buyer.PubKey().Address().String()
	resp, decoded := env.call(t, "", "agri_getBalance", balanceParams{Address: addr})
	if resp.StatusCode != http.StatusOK || decoded.Error != nil {
		t.Fatalf("balance failed: %d %+v", resp.StatusCode, decoded.Error)
	}
	var result balanceResult
	raw, _ := json.Marshal(decoded.Result)
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	if result.Balance != "1000000" {
		t.Fatalf("unexpected balance %q", result.Balance)
	}
}
