package main

import (
	"net/http"
	"time"

	gatewayauth "agrichain/gateway/auth"
)

const (
	headerAPIKey    = gatewayauth.HeaderAPIKey
	headerTimestamp = gatewayauth.HeaderTimestamp
	headerNonce     = gatewayauth.HeaderNonce
	headerSignature = gatewayauth.HeaderSignature
)

// Principal represents an authenticated API client.
type Principal = gatewayauth.Principal

// Authenticator verifies API key + HMAC signatures on incoming requests.
type Authenticator = gatewayauth.Authenticator

func NewAuthenticator(keys []APIKeyConfig, skew, nonceTTL time.Duration, nonceCapacity int, nowFn func() time.Time, persistence gatewayauth.NoncePersistence) *Authenticator {
	secrets := make(map[string]string, len(keys))
	for _, key := range keys {
		secrets[key.Key] = key.Secret
	}
	return gatewayauth.NewAuthenticator(secrets, skew, nonceTTL, nonceCapacity, nowFn, persistence)
}

func canonicalRequestPath(r *http.Request) string {
	return gatewayauth.CanonicalRequestPath(r)
}
