package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gatewayauth "agrichain/gateway/auth"
	"agrichain/observability/logging"
)

func main() {
	env := os.Getenv("AGRI_ENV")
	if env == "" {
		env = "development"
	}
	logger := logging.Setup("escrow-gateway", env)

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	store, err := NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		logger.Error("open gateway store", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var persistence gatewayauth.NoncePersistence
	if cfg.NonceStorePath != "" {
		leveldbStore, err := gatewayauth.NewLevelDBNoncePersistence(cfg.NonceStorePath)
		if err != nil {
			logger.Error("open nonce store", "path", cfg.NonceStorePath, "error", err)
			os.Exit(1)
		}
		defer leveldbStore.Close()
		persistence = leveldbStore
	}

	authenticator := NewAuthenticator(cfg.APIKeys, cfg.AllowedTimestampSkew, cfg.NonceTTL, cfg.NonceCapacity, time.Now, persistence)
	if persistence != nil {
		hydrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		cutoff := time.Now().Add(-cfg.NonceTTL)
		if err := authenticator.HydrateNonces(hydrateCtx, cutoff); err != nil {
			logger.Warn("nonce hydration failed", "error", err)
		}
		cancel()
	}

	node := NewRPCNodeClient(cfg.NodeURL, cfg.NodeAuthToken)
	queue := NewWebhookQueue(
		WithWebhookTaskCapacity(cfg.WebhookQueueCapacity),
		WithWebhookHistoryCapacity(cfg.WebhookHistorySize),
		WithWebhookTTL(cfg.WebhookQueueTTL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watcher := NewEventWatcher(node, store, queue, cfg.PollInterval, logger)
	go watcher.Run(ctx)

	worker := NewWebhookWorker(store, queue, logger)
	go worker.Run(ctx)

	server := NewServer(authenticator, node, store, queue, logger)
	logger.Info("escrow gateway listening", "address", cfg.ListenAddress, "node", cfg.NodeURL)
	if err := server.Run(ctx, cfg.ListenAddress); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("gateway server stopped", "error", err)
		os.Exit(1)
	}
}
