package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"agrichain/crypto"
)

// Config holds the node configuration loaded from a TOML file.
type Config struct {
	RPCAddress       string `toml:"RPCAddress"`
	MetricsAddress   string `toml:"MetricsAddress"`
	DataDir          string `toml:"DataDir"`
	NetworkName      string `toml:"NetworkName"`
	RPCToken         string `toml:"RPCToken"`
	RPCJWTSecret     string `toml:"RPCJWTSecret"`
	NodeKeystorePath string `toml:"NodeKeystorePath"`

	// GenesisAlloc maps bech32 addresses to opening balances, applied once
	// when the data directory is created.
	GenesisAlloc map[string]uint64 `toml:"GenesisAlloc"`
}

// Option adjusts how the configuration is loaded.
type Option func(*loadOptions)

type loadOptions struct {
	passphrase func() (string, error)
}

// WithKeystorePassphraseSource supplies the passphrase used to encrypt the
// node keystore when Load has to bootstrap one.
func WithKeystorePassphraseSource(fn func() (string, error)) Option {
	return func(o *loadOptions) {
		o.passphrase = fn
	}
}

// Load reads the configuration at path, creating a commented default file
// (plus a node keystore) when none exists yet.
func Load(path string, opts ...Option) (*Config, error) {
	options := loadOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path, options.passphrase)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	applyDefaults(path, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(path string, cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8080"
	}
	if strings.TrimSpace(cfg.MetricsAddress) == "" {
		cfg.MetricsAddress = ":9090"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./agri-data"
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "agri-local"
	}
	if strings.TrimSpace(cfg.NodeKeystorePath) == "" {
		cfg.NodeKeystorePath = defaultKeystorePath(path)
	}
	if cfg.GenesisAlloc == nil {
		cfg.GenesisAlloc = map[string]uint64{}
	}
}

// Validate checks fields whose errors would otherwise surface much later.
func (c *Config) Validate() error {
	for addr := range c.GenesisAlloc {
		if _, err := crypto.ParseAccount(addr); err != nil {
			return fmt.Errorf("config: invalid genesis address %q: %w", addr, err)
		}
	}
	return nil
}

// GenesisAllocations converts the configured allocation map into the form
// the node applies.
func (c *Config) GenesisAllocations() (map[[20]byte]uint64, error) {
	out := make(map[[20]byte]uint64, len(c.GenesisAlloc))
	for addr, amount := range c.GenesisAlloc {
		parsed, err := crypto.ParseAccount(addr)
		if err != nil {
			return nil, fmt.Errorf("config: invalid genesis address %q: %w", addr, err)
		}
		out[parsed] += amount
	}
	return out, nil
}

// createDefault writes a default configuration and a fresh node keystore. The
// keystore is always encrypted; bootstrapping without a passphrase source is
// an error rather than a silently unprotected key.
func createDefault(path string, resolvePassphrase func() (string, error)) (*Config, error) {
	if resolvePassphrase == nil {
		return nil, fmt.Errorf("config: bootstrapping %s requires a node keystore passphrase source", path)
	}
	passphrase, err := resolvePassphrase()
	if err != nil {
		return nil, fmt.Errorf("config: obtain node keystore passphrase: %w", err)
	}
	if strings.TrimSpace(passphrase) == "" {
		return nil, fmt.Errorf("config: node keystore passphrase cannot be empty")
	}

	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(key, keystorePath, passphrase); err != nil {
		return nil, err
	}

	cfg := &Config{
		RPCAddress:       ":8080",
		MetricsAddress:   ":9090",
		DataDir:          "./agri-data",
		NetworkName:      "agri-local",
		NodeKeystorePath: keystorePath,
		GenesisAlloc:     map[string]uint64{},
	}

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "node.keystore")
}
