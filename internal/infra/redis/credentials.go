package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/areahq/area-pipeline/internal/domain/credential"
)

const credentialKeyPrefix = "credentials:"

func credentialKey(userID, provider string) string {
	return credentialKeyPrefix + userID + ":" + provider
}

// CredentialStore persists service credentials as JSON documents keyed by
// (user, provider). Token material inside the document is already encrypted.
type CredentialStore struct {
	client *redis.Client
}

func NewCredentialStore(client *redis.Client) *CredentialStore {
	return &CredentialStore{client: client}
}

// GetByUserProvider returns the stored credential or credential.ErrNotFound.
func (s *CredentialStore) GetByUserProvider(ctx context.Context, userID, provider string) (*credential.ServiceCredential, error) {
	raw, err := s.client.Get(ctx, credentialKey(userID, provider)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, credential.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading credential: %w", err)
	}

	var cred credential.ServiceCredential
	if err := json.Unmarshal([]byte(raw), &cred); err != nil {
		return nil, fmt.Errorf("decoding credential: %w", err)
	}
	return &cred, nil
}

// Save persists the credential, replacing any existing record for the same
// (user, provider) pair.
func (s *CredentialStore) Save(ctx context.Context, cred *credential.ServiceCredential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encoding credential: %w", err)
	}
	if err := s.client.Set(ctx, credentialKey(cred.UserID, cred.Provider), data, 0).Err(); err != nil {
		return fmt.Errorf("storing credential: %w", err)
	}
	return nil
}
