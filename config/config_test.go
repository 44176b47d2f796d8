package config

import (
	"os"
	"path/filepath"
	"testing"

	"agrichain/crypto"
)

func fixedPassphrase(value string) Option {
	return WithKeystorePassphraseSource(func() (string, error) { return value, nil })
}

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg, err := Load(path, fixedPassphrase("orchard gate"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RPCAddress != ":8080" || cfg.NetworkName != "agri-local" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if _, err := os.Stat(cfg.NodeKeystorePath); err != nil {
		t.Fatalf("keystore not written: %v", err)
	}
	if _, err := crypto.LoadFromKeystore(cfg.NodeKeystorePath, "orchard gate"); err != nil {
		t.Fatalf("generated keystore unreadable: %v", err)
	}
	if _, err := crypto.LoadFromKeystore(cfg.NodeKeystorePath, ""); err == nil {
		t.Fatal("bootstrapped keystore must not decrypt with an empty passphrase")
	}

	// A second load must read the same file, not regenerate it.
	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.NodeKeystorePath != cfg.NodeKeystorePath {
		t.Fatalf("keystore path changed on reload: %q vs %q", again.NodeKeystorePath, cfg.NodeKeystorePath)
	}
}

func TestLoadBootstrapRequiresPassphraseSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	if _, err := Load(path); err == nil {
		t.Fatal("bootstrap without a passphrase source must fail")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("config file must not be written on failed bootstrap: %v", err)
	}
}

func TestLoadBootstrapRejectsBlankPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	if _, err := Load(path, fixedPassphrase("")); err == nil {
		t.Fatal("blank passphrase must fail bootstrap")
	}
}

func TestLoadExistingWithGenesis(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := key.PubKey().Address()

	path := filepath.Join(t.TempDir(), "config.toml")
	content := "RPCAddress = \":9999\"\n\n[GenesisAlloc]\n\"" + addr.String() + "\" = 5000\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RPCAddress != ":9999" {
		t.Fatalf("unexpected rpc address %q", cfg.RPCAddress)
	}
	if cfg.NetworkName != "agri-local" {
		t.Fatalf("default network name not applied: %q", cfg.NetworkName)
	}

	alloc, err := cfg.GenesisAllocations()
	if err != nil {
		t.Fatalf("allocations: %v", err)
	}
	if alloc[addr.Array()] != 5000 {
		t.Fatalf("unexpected allocation map %+v", alloc)
	}
}

func TestLoadRejectsBadGenesisAddress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := "[GenesisAlloc]\n\"not-an-address\" = 1\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation failure")
	}
}
