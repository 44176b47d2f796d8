// Package passphrase resolves keystore passphrases for the agrichain
// binaries. Plaintext secrets never live in config files: the passphrase
// comes from an environment variable or an interactive terminal prompt.
package passphrase

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source resolves a keystore passphrase once and caches it, so the daemon can
// decrypt its node key and re-encrypt on bootstrap with the same secret.
type Source struct {
	envVar string
	prompt string

	once  sync.Once
	value string
	err   error
}

// NewSource builds a source that checks envVar before prompting on the
// terminal with the given label.
func NewSource(envVar, prompt string) *Source {
	return &Source{envVar: strings.TrimSpace(envVar), prompt: prompt}
}

// Get returns the passphrase, resolving it on the first call. A set-but-blank
// environment variable is rejected so keys are never silently encrypted with
// an empty secret.
func (s *Source) Get() (string, error) {
	s.once.Do(func() { s.value, s.err = s.resolve() })
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := os.LookupEnv(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		if s.envVar != "" {
			return "", fmt.Errorf("keystore passphrase required; set %s or run interactively", s.envVar)
		}
		return "", errors.New("keystore passphrase required and no terminal available")
	}

	fmt.Fprint(os.Stderr, s.prompt)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	if strings.TrimSpace(string(raw)) == "" {
		return "", errors.New("keystore passphrase cannot be empty")
	}
	return string(raw), nil
}
