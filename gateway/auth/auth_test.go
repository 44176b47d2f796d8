package auth

import (
	"bytes"
	"context"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"
)

func signedRequest(t *testing.T, secret, apiKey, timestamp, nonce, method, target string, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	sig := ComputeSignature(secret, timestamp, nonce, method, CanonicalRequestPath(req), body)
	req.Header.Set(HeaderAPIKey, apiKey)
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))
	return req
}

func fixedNow() time.Time {
	return time.Unix(1_700_000_000, 0).UTC()
}

func newTestAuthenticator(persistence NoncePersistence) *Authenticator {
	secrets := map[string]string{"gateway-key": "topsecret"}
	return NewAuthenticator(secrets, time.Minute, 5*time.Minute, 16, fixedNow, persistence)
}

func TestAuthenticateAcceptsValidSignature(t *testing.T) {
	a := newTestAuthenticator(nil)
	body := []byte(`{"orderDetails":"wheat"}`)
	ts := "1700000000"

	req := signedRequest(t, "topsecret", "gateway-key", ts, "nonce-1", http.MethodPost, "/escrow/initialize", body)
	principal, err := a.Authenticate(req, body)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if principal.APIKey != "gateway-key" {
		t.Fatalf("unexpected principal %+v", principal)
	}
}

func TestAuthenticateRejectsBadInputs(t *testing.T) {
	a := newTestAuthenticator(nil)
	body := []byte(`{}`)
	ts := "1700000000"

	cases := []struct {
		name   string
		mutate func(*http.Request)
	}{
		{"missing api key", func(r *http.Request) { r.Header.Del(HeaderAPIKey) }},
		{"unknown api key", func(r *http.Request) { r.Header.Set(HeaderAPIKey, "other") }},
		{"missing timestamp", func(r *http.Request) { r.Header.Del(HeaderTimestamp) }},
		{"stale timestamp", func(r *http.Request) { r.Header.Set(HeaderTimestamp, "1699990000") }},
		{"missing nonce", func(r *http.Request) { r.Header.Del(HeaderNonce) }},
		{"missing signature", func(r *http.Request) { r.Header.Del(HeaderSignature) }},
		{"tampered signature", func(r *http.Request) { r.Header.Set(HeaderSignature, "deadbeef") }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := signedRequest(t, "topsecret", "gateway-key", ts, "nonce-x", http.MethodPost, "/escrow/initialize", body)
			tc.mutate(req)
			if _, err := a.Authenticate(req, body); err == nil {
				t.Fatal("expected rejection")
			}
		})
	}
}

func TestAuthenticateRejectsReplayedNonce(t *testing.T) {
	a := newTestAuthenticator(nil)
	body := []byte(`{}`)
	ts := "1700000000"

	req := signedRequest(t, "topsecret", "gateway-key", ts, "nonce-1", http.MethodPost, "/escrow/confirm", body)
	if _, err := a.Authenticate(req, body); err != nil {
		t.Fatalf("first use: %v", err)
	}
	replay := signedRequest(t, "topsecret", "gateway-key", ts, "nonce-1", http.MethodPost, "/escrow/confirm", body)
	if _, err := a.Authenticate(replay, body); err == nil {
		t.Fatal("expected replay rejection")
	}
}

func TestAuthenticateBodyBoundToSignature(t *testing.T) {
	a := newTestAuthenticator(nil)
	body := []byte(`{"amount":"1"}`)
	ts := "1700000000"

	req := signedRequest(t, "topsecret", "gateway-key", ts, "nonce-1", http.MethodPost, "/escrow/initialize", body)
	other := []byte(`{"amount":"100"}`)
	if _, err := a.Authenticate(req, other); err == nil {
		t.Fatal("expected signature mismatch on altered body")
	}
}

func TestCanonicalQueryOrdering(t *testing.T) {
	got := CanonicalQuery("b=2&a=1&c=3")
	if got != "a=1&b=2&c=3" {
		t.Fatalf("unexpected canonical query %q", got)
	}
	req := httptest.NewRequest(http.MethodGet, "/orders?cursor=5&limit=10", nil)
	if CanonicalRequestPath(req) != "/orders?cursor=5&limit=10" {
		t.Fatalf("unexpected canonical path %q", CanonicalRequestPath(req))
	}
}

func TestLevelDBPersistenceSurvivesRestart(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nonces")
	persistence, err := NewLevelDBNoncePersistence(dir)
	if err != nil {
		t.Fatalf("open persistence: %v", err)
	}

	a := newTestAuthenticator(persistence)
	body := []byte(`{}`)
	ts := "1700000000"
	req := signedRequest(t, "topsecret", "gateway-key", ts, "nonce-1", http.MethodPost, "/escrow/initialize", body)
	if _, err := a.Authenticate(req, body); err != nil {
		t.Fatalf("first use: %v", err)
	}
	if err := persistence.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewLevelDBNoncePersistence(dir)
	if err != nil {
		t.Fatalf("reopen persistence: %v", err)
	}
	t.Cleanup(func() { reopened.Close() })

	fresh := newTestAuthenticator(reopened)
	if err := fresh.HydrateNonces(context.Background(), fixedNow().Add(-5*time.Minute)); err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	replay := signedRequest(t, "topsecret", "gateway-key", ts, "nonce-1", http.MethodPost, "/escrow/initialize", body)
	if _, err := fresh.Authenticate(replay, body); err == nil {
		t.Fatal("expected replay rejection after restart")
	}
}

func TestLevelDBPruneNonces(t *testing.T) {
	persistence, err := NewLevelDBNoncePersistence(filepath.Join(t.TempDir(), "nonces"))
	if err != nil {
		t.Fatalf("open persistence: %v", err)
	}
	t.Cleanup(func() { persistence.Close() })

	ctx := context.Background()
	old := NonceRecord{APIKey: "k", Timestamp: "100", Nonce: "a", ObservedAt: fixedNow().Add(-time.Hour)}
	recent := NonceRecord{APIKey: "k", Timestamp: "200", Nonce: "b", ObservedAt: fixedNow()}
	for _, rec := range []NonceRecord{old, recent} {
		if existed, err := persistence.EnsureNonce(ctx, rec); err != nil || existed {
			t.Fatalf("ensure %+v: existed=%v err=%v", rec, existed, err)
		}
	}

	if err := persistence.PruneNonces(ctx, fixedNow().Add(-10*time.Minute)); err != nil {
		t.Fatalf("prune: %v", err)
	}
	records, err := persistence.RecentNonces(ctx, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(records) != 1 || records[0].Nonce != "b" {
		t.Fatalf("unexpected records after prune: %+v", records)
	}
}
