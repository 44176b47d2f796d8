package crypto

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// SaveToKeystore writes a private key to a password protected keystore file
// using the standard ethereum v3 format with scrypt parameters.
func SaveToKeystore(key *PrivateKey, filePath, password string) error {
	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Errorf("could not generate key id: %w", err)
	}

	ethKey := &keystore.Key{
		Id:         id,
		Address:    crypto.PubkeyToAddress(key.PrivateKey.PublicKey),
		PrivateKey: key.PrivateKey,
	}

	keyJSON, err := keystore.EncryptKey(ethKey, password, keystore.StandardScryptN, keystore.StandardScryptP)
	if err != nil {
		return fmt.Errorf("could not encrypt key: %w", err)
	}

	if dir := filepath.Dir(filePath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("could not create keystore directory: %w", err)
		}
	}
	if err := os.WriteFile(filePath, keyJSON, 0o600); err != nil {
		return fmt.Errorf("could not write keystore file: %w", err)
	}
	return nil
}

// LoadFromKeystore reads and decrypts a keystore file.
func LoadFromKeystore(filePath, password string) (*PrivateKey, error) {
	keyJSON, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("could not read keystore file: %w", err)
	}

	ethKey, err := keystore.DecryptKey(keyJSON, password)
	if err != nil {
		return nil, fmt.Errorf("could not decrypt key (wrong password?): %w", err)
	}

	return &PrivateKey{ethKey.PrivateKey}, nil
}
