package auth

import (
	"container/list"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// HeaderAPIKey is the header containing the caller's API key identifier.
	HeaderAPIKey = "X-Api-Key"
	// HeaderTimestamp is the unix timestamp (seconds) used when signing the request.
	HeaderTimestamp = "X-Timestamp"
	// HeaderNonce provides replay protection when combined with the timestamp.
	HeaderNonce = "X-Nonce"
	// HeaderSignature carries the hex-encoded HMAC-SHA256 signature for the request.
	HeaderSignature = "X-Signature"
	// MaxBodyForSignature is the maximum body size we will hash when authenticating.
	MaxBodyForSignature int = 1 << 20 // 1 MiB

	maxTimestampSkew         = 2 * time.Minute
	maxNonceWindow           = 10 * time.Minute
	defaultNonceCapacity     = 4096
	maxNonceCapacity         = 65536
	persistencePruneInterval = time.Minute
)

// Principal represents an authenticated API client.
type Principal struct {
	APIKey string
}

// NonceRecord captures persisted nonce usage metadata.
type NonceRecord struct {
	APIKey     string
	Timestamp  string
	Nonce      string
	ObservedAt time.Time
}

// NoncePersistence provides durable storage for API key nonce usage so that
// replay protection survives a gateway restart.
type NoncePersistence interface {
	EnsureNonce(ctx context.Context, record NonceRecord) (bool, error)
	RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error)
	PruneNonces(ctx context.Context, cutoff time.Time) error
}

// Authenticator verifies API key + HMAC signatures on incoming requests.
type Authenticator struct {
	secrets       map[string]string
	allowedSkew   time.Duration
	nonceTTL      time.Duration
	nonceCapacity int
	nowFn         func() time.Time

	nonceMu sync.Mutex
	nonces  map[string]*nonceCache

	persistence NoncePersistence
	lastPruned  time.Time
}

// NewAuthenticator builds an Authenticator keyed by the provided secrets. The
// map contains API key identifiers mapped to their shared secret. Skew and TTL
// values are clamped to hard ceilings so misconfiguration cannot widen the
// replay window.
func NewAuthenticator(secrets map[string]string, skew, nonceTTL time.Duration, nonceCapacity int, nowFn func() time.Time, persistence NoncePersistence) *Authenticator {
	cloned := make(map[string]string, len(secrets))
	for k, v := range secrets {
		cloned[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if skew <= 0 || skew > maxTimestampSkew {
		skew = maxTimestampSkew
	}
	if nonceTTL <= 0 || nonceTTL > maxNonceWindow {
		nonceTTL = maxNonceWindow
	}
	if nonceCapacity <= 0 {
		nonceCapacity = defaultNonceCapacity
	}
	if nonceCapacity > maxNonceCapacity {
		nonceCapacity = maxNonceCapacity
	}
	return &Authenticator{
		secrets:       cloned,
		allowedSkew:   skew,
		nonceTTL:      nonceTTL,
		nonceCapacity: nonceCapacity,
		nowFn:         nowFn,
		nonces:        make(map[string]*nonceCache),
		persistence:   persistence,
	}
}

// Authenticate validates headers and signature, returning the caller principal.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (*Principal, error) {
	if len(body) > MaxBodyForSignature {
		return nil, fmt.Errorf("request body exceeds %d bytes", MaxBodyForSignature)
	}
	apiKey := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	if apiKey == "" {
		return nil, errors.New("missing X-Api-Key header")
	}
	secret, ok := a.secrets[apiKey]
	if !ok || secret == "" {
		return nil, errors.New("unknown API key")
	}
	timestampHeader := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if timestampHeader == "" {
		return nil, errors.New("missing X-Timestamp header")
	}
	ts, err := parseUnixTimestamp(timestampHeader)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}
	now := a.nowFn().UTC()
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > a.allowedSkew {
		return nil, fmt.Errorf("timestamp outside allowed skew of %s", a.allowedSkew)
	}
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if nonce == "" {
		return nil, errors.New("missing X-Nonce header")
	}
	providedSig := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if providedSig == "" {
		return nil, errors.New("missing X-Signature header")
	}
	expected := ComputeSignature(secret, timestampHeader, nonce, r.Method, CanonicalRequestPath(r), body)
	providedBytes, err := hex.DecodeString(providedSig)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if !hmac.Equal(providedBytes, expected) {
		return nil, errors.New("invalid signature")
	}
	duplicate, err := a.registerNonce(r.Context(), apiKey, timestampHeader, nonce, now)
	if err != nil {
		return nil, err
	}
	if duplicate {
		return nil, errors.New("nonce already used")
	}
	return &Principal{APIKey: apiKey}, nil
}

// HydrateNonces warms the in-memory cache with persisted nonce usage records.
func (a *Authenticator) HydrateNonces(ctx context.Context, cutoff time.Time) error {
	if a == nil || a.persistence == nil {
		return nil
	}
	records, err := a.persistence.RecentNonces(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("load persistent nonces: %w", err)
	}
	for _, rec := range records {
		if strings.TrimSpace(rec.APIKey) == "" || strings.TrimSpace(rec.Nonce) == "" {
			continue
		}
		observed := rec.ObservedAt
		if observed.IsZero() {
			observed = cutoff
		}
		a.cacheFor(rec.APIKey).Add(rec.Timestamp+"|"+rec.Nonce, observed)
	}
	return nil
}

func (a *Authenticator) registerNonce(ctx context.Context, apiKey, timestamp, nonce string, now time.Time) (bool, error) {
	cache := a.cacheFor(apiKey)
	composite := timestamp + "|" + nonce
	if cache.Contains(composite, now) {
		return true, nil
	}
	if a.persistence != nil {
		if err := a.prunePersistent(ctx, now); err != nil {
			return false, err
		}
		existed, err := a.persistence.EnsureNonce(ctx, NonceRecord{
			APIKey:     apiKey,
			Timestamp:  timestamp,
			Nonce:      nonce,
			ObservedAt: now,
		})
		if err != nil {
			return false, fmt.Errorf("persist nonce: %w", err)
		}
		if existed {
			cache.Add(composite, now)
			return true, nil
		}
	}
	cache.Add(composite, now)
	return false, nil
}

func (a *Authenticator) prunePersistent(ctx context.Context, now time.Time) error {
	if a.persistence == nil || a.nonceTTL <= 0 {
		return nil
	}
	if !a.lastPruned.IsZero() && now.Sub(a.lastPruned) < persistencePruneInterval {
		return nil
	}
	if err := a.persistence.PruneNonces(ctx, now.Add(-a.nonceTTL)); err != nil {
		return fmt.Errorf("prune persistent nonces: %w", err)
	}
	a.lastPruned = now
	return nil
}

func (a *Authenticator) cacheFor(apiKey string) *nonceCache {
	a.nonceMu.Lock()
	defer a.nonceMu.Unlock()
	cache, ok := a.nonces[apiKey]
	if !ok {
		cache = newNonceCache(a.nonceTTL, a.nonceCapacity)
		a.nonces[apiKey] = cache
	}
	return cache
}

// CanonicalRequestPath normalises URL paths and query ordering for signing.
func CanonicalRequestPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		path += "?" + CanonicalQuery(r.URL.RawQuery)
	}
	return path
}

// CanonicalQuery normalises raw query strings for stable HMAC signing.
func CanonicalQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

// ComputeSignature builds the HMAC-SHA256 signature bytes for the request metadata.
func ComputeSignature(secret, timestamp, nonce, method, path string, body []byte) []byte {
	payload := strings.Join([]string{timestamp, nonce, strings.ToUpper(method), path, string(body)}, "\n")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

func parseUnixTimestamp(v string) (time.Time, error) {
	secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}

// nonceCache is a TTL-bounded LRU of observed (timestamp, nonce) pairs.
type nonceCache struct {
	ttl      time.Duration
	capacity int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type nonceEntry struct {
	key string
	ts  time.Time
}

func newNonceCache(ttl time.Duration, capacity int) *nonceCache {
	return &nonceCache{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Contains reports whether the nonce has been observed without mutating the
// cache when new.
func (n *nonceCache) Contains(key string, now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evictExpired(now.Add(-n.ttl))
	_, exists := n.entries[key]
	return exists
}

// Add registers a nonce in the cache, applying eviction as required.
func (n *nonceCache) Add(key string, now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evictExpired(now.Add(-n.ttl))
	if elem, exists := n.entries[key]; exists {
		elem.Value = nonceEntry{key: key, ts: now}
		n.order.MoveToBack(elem)
		return
	}
	for n.capacity > 0 && n.order.Len() >= n.capacity {
		n.evictFront()
	}
	n.entries[key] = n.order.PushBack(nonceEntry{key: key, ts: now})
}

func (n *nonceCache) evictExpired(cutoff time.Time) {
	for {
		front := n.order.Front()
		if front == nil {
			return
		}
		entry := front.Value.(nonceEntry)
		if !entry.ts.Before(cutoff) {
			return
		}
		n.order.Remove(front)
		delete(n.entries, entry.key)
	}
}

func (n *nonceCache) evictFront() {
	front := n.order.Front()
	if front == nil {
		return
	}
	entry := front.Value.(nonceEntry)
	n.order.Remove(front)
	delete(n.entries, entry.key)
}
