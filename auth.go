package crowdmix

import (
	"context"
	"sync"
)

// ============================================================================
// Credential store
// ============================================================================

// CredentialStore is the contract for secure credential storage. The SDK only
// reads, rotates, and clears the token pair; where and how it is kept (keychain,
// encrypted file, memory) belongs to the implementation.
type CredentialStore interface {
	Credentials(ctx context.Context) (Credentials, error)
	Store(ctx context.Context, creds Credentials) error
	Clear(ctx context.Context) error
}

// MemoryCredentialStore keeps the token pair in process memory. Suitable for
// tests and short-lived tools.
type MemoryCredentialStore struct {
	mu    sync.RWMutex
	creds Credentials
}

func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{}
}

func (s *MemoryCredentialStore) Credentials(ctx context.Context) (Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds, nil
}

func (s *MemoryCredentialStore) Store(ctx context.Context, creds Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = creds
	return nil
}

func (s *MemoryCredentialStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = Credentials{}
	return nil
}
