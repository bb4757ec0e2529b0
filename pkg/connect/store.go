package connect

import (
	"context"
	"errors"
	"sync"
)

// ErrBundleNotFound is returned by TokenStore.Load when nothing is stored.
var ErrBundleNotFound = errors.New("connect: token bundle not found")

// TokenStore persists the token bundle of one account. Implementations
// must be safe for concurrent use.
type TokenStore interface {
	// Save replaces the stored bundle.
	Save(ctx context.Context, bundle TokenBundle) error

	// Load returns the stored bundle or ErrBundleNotFound.
	Load(ctx context.Context) (*TokenBundle, error)

	// Clear removes the stored bundle. Clearing an empty store is not an error.
	Clear(ctx context.Context) error
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrBundleNotFound)
}

// MemoryStore is a TokenStore that keeps the bundle in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	bundle *TokenBundle
	saves  int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Save replaces the bundle held in memory.
func (m *MemoryStore) Save(_ context.Context, bundle TokenBundle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bundle = &bundle
	m.saves++
	return nil
}

// Load returns a copy of the bundle, or ErrBundleNotFound when empty.
func (m *MemoryStore) Load(_ context.Context) (*TokenBundle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.bundle == nil {
		return nil, ErrBundleNotFound
	}
	b := *m.bundle
	return &b, nil
}

// Clear drops the bundle.
func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bundle = nil
	return nil
}

// Saves returns how many times Save has been called.
func (m *MemoryStore) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}
