package main

import (
	"path/filepath"
	"strings"
	"testing"

	"agrichain/config"
	"agrichain/crypto"
)

func TestLoadNodeIdentity(t *testing.T) {
	dir := t.TempDir()
	keystorePath := filepath.Join(dir, "node.keystore")

	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if err := crypto.SaveToKeystore(key, keystorePath, "orchard gate"); err != nil {
		t.Fatalf("save keystore: %v", err)
	}

	cfg := &config.Config{NodeKeystorePath: keystorePath}
	addr, err := loadNodeIdentity(cfg, func() (string, error) { return "orchard gate", nil })
	if err != nil {
		t.Fatalf("load identity: %v", err)
	}
	if addr != key.PubKey().Address().String() {
		t.Fatalf("identity %q does not match keystore key %q", addr, key.PubKey().Address().String())
	}
	if !strings.HasPrefix(addr, "agri1") {
		t.Fatalf("identity %q is not a bech32 account address", addr)
	}
}

func TestLoadNodeIdentityWrongPassphrase(t *testing.T) {
	dir := t.TempDir()
	keystorePath := filepath.Join(dir, "node.keystore")

	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if err := crypto.SaveToKeystore(key, keystorePath, "orchard gate"); err != nil {
		t.Fatalf("save keystore: %v", err)
	}

	cfg := &config.Config{NodeKeystorePath: keystorePath}
	if _, err := loadNodeIdentity(cfg, func() (string, error) { return "wrong", nil }); err == nil {
		t.Fatal("wrong passphrase must not unlock the node keystore")
	}
}
