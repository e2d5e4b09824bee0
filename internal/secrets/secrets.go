package secrets

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNotFound is returned when no store has a value for the key.
var ErrNotFound = errors.New("secret not found")

// SecretStore defines how to retrieve secrets such as provider API keys.
type SecretStore interface {
	GetSecret(key string) (string, error)
}

// EnvSecretStore reads from environment variables.
type EnvSecretStore struct{}

func (s *EnvSecretStore) GetSecret(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("env var %s: %w", key, ErrNotFound)
	}
	return val, nil
}

// StaticSecretStore serves secrets from a fixed map (config file values, tests).
type StaticSecretStore map[string]string

func (s StaticSecretStore) GetSecret(key string) (string, error) {
	if v := s[key]; v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%s: %w", key, ErrNotFound)
}

// ChainStore asks each store in order and returns the first value found.
type ChainStore struct {
	stores []SecretStore
}

func NewChainStore(stores ...SecretStore) *ChainStore {
	return &ChainStore{stores: stores}
}

func (c *ChainStore) GetSecret(key string) (string, error) {
	for _, s := range c.stores {
		if s == nil {
			continue
		}
		if v, err := s.GetSecret(key); err == nil && v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("%s: %w", key, ErrNotFound)
}

// Has reports whether store resolves key to a non-empty value.
func Has(store SecretStore, key string) bool {
	if store == nil || key == "" {
		return false
	}
	v, err := store.GetSecret(key)
	return err == nil && v != ""
}

// Redact replaces every occurrence of each secret in s with a fixed mask.
// Secrets shorter than 4 characters are ignored to avoid masking ordinary text.
func Redact(s string, secrets ...string) string {
	for _, sec := range secrets {
		if len(sec) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, sec, Mask(sec))
	}
	return s
}

// Mask renders a secret as a short non-reversible hint, e.g. "sk-…[redacted]".
func Mask(secret string) string {
	if len(secret) <= 8 {
		return "[redacted]"
	}
	return secret[:3] + "…[redacted]"
}
