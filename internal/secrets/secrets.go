// Package secrets reads provider credentials from a secret backend.
//
// The pipeline only ever reads: one secret per provider type, fetched on
// token-cache misses. No write path exists by design.
package secrets

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
)

var ErrSecretNotFound = errors.New("secrets: not found")

// Store reads raw credential strings by name.
type Store interface {
	Get(ctx context.Context, name string) (string, error)
}

// EnvStore resolves secrets from environment variables. Names are upper-cased
// and dashes become underscores: "openai-api-key" → "OPENAI_API_KEY".
type EnvStore struct {
	prefix string
}

// NewEnvStore creates an environment-backed secret store. prefix, if
// non-empty, is prepended to every variable name.
func NewEnvStore(prefix string) *EnvStore {
	return &EnvStore{prefix: prefix}
}

func (e *EnvStore) Get(ctx context.Context, name string) (string, error) {
	key := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	if e.prefix != "" {
		key = e.prefix + key
	}
	val := os.Getenv(key)
	if val == "" {
		return "", ErrSecretNotFound
	}
	return val, nil
}

// MemoryStore is an in-memory secret store for tests and demo mode.
type MemoryStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

// NewMemoryStore creates a memory-backed secret store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: make(map[string]string)}
}

// Set stores a secret value.
func (m *MemoryStore) Set(name, value string) {
	m.mu.Lock()
	m.secrets[name] = value
	m.mu.Unlock()
}

func (m *MemoryStore) Get(ctx context.Context, name string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	val, ok := m.secrets[name]
	if !ok || val == "" {
		return "", ErrSecretNotFound
	}
	return val, nil
}
