package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agrichain/cmd/internal/passphrase"
	"agrichain/config"
	"agrichain/core"
	"agrichain/core/state"
	"agrichain/crypto"
	"agrichain/observability/logging"
	"agrichain/rpc"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./config.toml", "path to the node configuration file")
	flag.Parse()

	env := os.Getenv("AGRI_ENV")
	if env == "" {
		env = "development"
	}
	logger := logging.Setup("agrichaind", env)

	passSource := passphrase.NewSource("AGRI_KEYSTORE_PASSWORD", "Enter node keystore passphrase: ")

	cfg, err := config.Load(configPath, config.WithKeystorePassphraseSource(passSource.Get))
	if err != nil {
		logger.Error("failed to load configuration", "path", configPath, "error", err)
		os.Exit(1)
	}

	nodeAddr, err := loadNodeIdentity(cfg, passSource.Get)
	if err != nil {
		logger.Error("failed to unlock node keystore", "path", cfg.NodeKeystorePath, "error", err)
		os.Exit(1)
	}
	logger.Info("node identity unlocked", "address", nodeAddr)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("failed to create data directory", "path", cfg.DataDir, "error", err)
		os.Exit(1)
	}
	store, err := state.Open(filepath.Join(cfg.DataDir, "agrichain.db"))
	if err != nil {
		logger.Error("failed to open state store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	node := core.NewNode(store, logger)

	alloc, err := cfg.GenesisAllocations()
	if err != nil {
		logger.Error("invalid genesis allocation", "error", err)
		os.Exit(1)
	}
	if len(alloc) > 0 {
		if err := node.ApplyGenesis(context.Background(), alloc); err != nil {
			logger.Error("failed to apply genesis allocation", "error", err)
			os.Exit(1)
		}
	}

	server := rpc.NewServer(node, rpc.ServerConfig{
		AuthToken: cfg.RPCToken,
		JWTSecret: []byte(cfg.RPCJWTSecret),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddress,
		Handler:           metricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics listening", "address", cfg.MetricsAddress)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	rpcSrv := &http.Server{
		Addr:              cfg.RPCAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("rpc listening", "address", cfg.RPCAddress, "network", cfg.NetworkName)
		errCh <- rpcSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("rpc server stopped", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rpcSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("rpc shutdown", "error", err)
		}
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown", "error", err)
		}
	}
}

// loadNodeIdentity decrypts the node keystore and returns the node's bech32
// address.
func loadNodeIdentity(cfg *config.Config, resolvePassphrase func() (string, error)) (string, error) {
	pass, err := resolvePassphrase()
	if err != nil {
		return "", err
	}
	key, err := crypto.LoadFromKeystore(cfg.NodeKeystorePath, pass)
	if err != nil {
		return "", fmt.Errorf("decrypt %s: %w", cfg.NodeKeystorePath, err)
	}
	return key.PubKey().Address().String(), nil
}

func metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	})
	return mux
}
