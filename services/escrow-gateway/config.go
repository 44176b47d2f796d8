package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// APIKeyConfig describes a single API key + secret pair accepted by the gateway.
type APIKeyConfig struct {
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

// Config captures runtime configuration for the escrow gateway service.
type Config struct {
	ListenAddress        string
	NodeURL              string
	NodeAuthToken        string
	DatabasePath         string
	NonceStorePath       string
	AllowedTimestampSkew time.Duration
	NonceTTL             time.Duration
	NonceCapacity        int
	APIKeys              []APIKeyConfig
	WebhookQueueCapacity int
	WebhookHistorySize   int
	WebhookQueueTTL      time.Duration
	PollInterval         time.Duration
}

// LoadConfigFromEnv builds a configuration using environment variables.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		ListenAddress:        getenvDefault("AGRI_GATEWAY_LISTEN", ":8081"),
		NodeURL:              os.Getenv("AGRI_GATEWAY_NODE_URL"),
		NodeAuthToken:        os.Getenv("AGRI_GATEWAY_NODE_TOKEN"),
		DatabasePath:         getenvDefault("AGRI_GATEWAY_DB_PATH", "escrow-gateway.db"),
		NonceStorePath:       strings.TrimSpace(os.Getenv("AGRI_GATEWAY_NONCE_PATH")),
		AllowedTimestampSkew: 2 * time.Minute,
		NonceCapacity:        1024,
		WebhookQueueCapacity: defaultTaskCapacity,
		WebhookHistorySize:   defaultHistoryCapacity,
		WebhookQueueTTL:      defaultQueueTTL,
		PollInterval:         5 * time.Second,
	}

	if raw := strings.TrimSpace(os.Getenv("AGRI_GATEWAY_TIMESTAMP_SKEW")); raw != "" {
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse AGRI_GATEWAY_TIMESTAMP_SKEW: %w", err)
		}
		cfg.AllowedTimestampSkew = dur
	}

	cfg.NonceTTL = 2 * cfg.AllowedTimestampSkew
	if raw := strings.TrimSpace(os.Getenv("AGRI_GATEWAY_NONCE_TTL")); raw != "" {
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse AGRI_GATEWAY_NONCE_TTL: %w", err)
		}
		if dur <= 0 {
			return Config{}, errors.New("AGRI_GATEWAY_NONCE_TTL must be positive")
		}
		cfg.NonceTTL = dur
	}
	if cfg.NonceTTL < cfg.AllowedTimestampSkew {
		cfg.NonceTTL = cfg.AllowedTimestampSkew
	}

	if raw := strings.TrimSpace(os.Getenv("AGRI_GATEWAY_NONCE_CAP")); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse AGRI_GATEWAY_NONCE_CAP: %w", err)
		}
		if val <= 0 {
			return Config{}, errors.New("AGRI_GATEWAY_NONCE_CAP must be positive")
		}
		cfg.NonceCapacity = val
	}

	if raw := strings.TrimSpace(os.Getenv("AGRI_GATEWAY_QUEUE_CAP")); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val <= 0 {
			return Config{}, fmt.Errorf("AGRI_GATEWAY_QUEUE_CAP must be a positive integer")
		}
		cfg.WebhookQueueCapacity = val
	}
	if raw := strings.TrimSpace(os.Getenv("AGRI_GATEWAY_QUEUE_HISTORY")); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val <= 0 {
			return Config{}, fmt.Errorf("AGRI_GATEWAY_QUEUE_HISTORY must be a positive integer")
		}
		cfg.WebhookHistorySize = val
	}
	if raw := strings.TrimSpace(os.Getenv("AGRI_GATEWAY_QUEUE_TTL")); raw != "" {
		dur, err := time.ParseDuration(raw)
		if err != nil || dur <= 0 {
			return Config{}, fmt.Errorf("AGRI_GATEWAY_QUEUE_TTL must be a positive duration")
		}
		cfg.WebhookQueueTTL = dur
	}
	if raw := strings.TrimSpace(os.Getenv("AGRI_GATEWAY_POLL_INTERVAL")); raw != "" {
		dur, err := time.ParseDuration(raw)
		if err != nil || dur <= 0 {
			return Config{}, fmt.Errorf("AGRI_GATEWAY_POLL_INTERVAL must be a positive duration")
		}
		cfg.PollInterval = dur
	}

	if cfg.NodeURL == "" {
		return Config{}, errors.New("AGRI_GATEWAY_NODE_URL is required")
	}

	// Parse API keys from JSON array: [{"key":"...","secret":"..."}, ...]
	apiJSON := strings.TrimSpace(os.Getenv("AGRI_GATEWAY_API_KEYS"))
	if apiJSON == "" {
		return Config{}, errors.New("AGRI_GATEWAY_API_KEYS is required")
	}
	var entries []APIKeyConfig
	if err := json.Unmarshal([]byte(apiJSON), &entries); err != nil {
		return Config{}, fmt.Errorf("parse AGRI_GATEWAY_API_KEYS: %w", err)
	}
	for _, entry := range entries {
		key := strings.TrimSpace(entry.Key)
		secret := strings.TrimSpace(entry.Secret)
		if key == "" || secret == "" {
			return Config{}, errors.New("api key entries must include key and secret")
		}
		cfg.APIKeys = append(cfg.APIKeys, APIKeyConfig{Key: key, Secret: secret})
	}
	if len(cfg.APIKeys) == 0 {
		return Config{}, errors.New("no API keys configured")
	}

	return cfg, nil
}

func getenvDefault(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}
