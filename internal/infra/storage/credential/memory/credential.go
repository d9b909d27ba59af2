// Package memory provides an in-memory credential store for development and
// tests. Production deployments keep encrypted token material in Redis.
package memory

import (
	"context"
	"sync"

	"github.com/areahq/area-pipeline/internal/domain/credential"
)

var _ credential.Store = (*Store)(nil)

// Store keeps service credentials in a map keyed by user and provider.
type Store struct {
	mu    sync.RWMutex
	creds map[string]credential.ServiceCredential
}

// NewStore creates an empty in-memory credential store.
func NewStore() *Store {
	return &Store{creds: make(map[string]credential.ServiceCredential)}
}

func key(userID, provider string) string { return userID + "/" + provider }

// GetByUserProvider returns the stored credential or credential.ErrNotFound.
func (s *Store) GetByUserProvider(ctx context.Context, userID, provider string) (*credential.ServiceCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[key(userID, provider)]
	if !ok {
		return nil, credential.ErrNotFound
	}
	copied := cred
	return &copied, nil
}

// Save stores or overwrites the credential.
func (s *Store) Save(ctx context.Context, cred *credential.ServiceCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[key(cred.UserID, cred.Provider)] = *cred
	return nil
}
