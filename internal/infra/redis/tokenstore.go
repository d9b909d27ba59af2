package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/areahq/area-pipeline/internal/logger"
)

// Session token key prefixes. Access tokens map to the owning user, refresh
// tokens map the other way so a user's refresh token can be looked up.
const (
	accessTokenKeyPrefix  = "session:access_token:"
	refreshTokenKeyPrefix = "session:refresh_token:"
)

// TokenCommands is the subset of redis commands the token store uses.
type TokenCommands interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	TTL(ctx context.Context, key string) *redis.DurationCmd
}

// TokenStore is a TTL-backed cache for short-lived session tokens. Expiry is
// handled natively by Redis so absent and expired keys are indistinguishable,
// which is the intended contract: a Get on either reports absence, not an
// error.
type TokenStore struct {
	client TokenCommands
	logger *logger.Logger
}

// NewTokenStore creates a TokenStore on the given client.
func NewTokenStore(client TokenCommands, log *logger.Logger) *TokenStore {
	return &TokenStore{
		client: client,
		logger: log.With("component", "token_store"),
	}
}

// AccessTokenKey builds the cache key mapping an access token to its user.
func AccessTokenKey(token string) string { return accessTokenKeyPrefix + token }

// RefreshTokenKey builds the cache key mapping a user to their refresh token.
func RefreshTokenKey(userID string) string { return refreshTokenKeyPrefix + userID }

// Put stores the value under key with the given TTL. A non-positive TTL is
// rejected; every session token must expire.
func (s *TokenStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("token store key cannot be empty")
	}
	if ttl <= 0 {
		return fmt.Errorf("token store ttl must be positive, got %s", ttl)
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("storing token %s: %w", key, err)
	}
	return nil
}

// Get returns the value under key. The second return reports presence; an
// absent or expired key is (_, false, nil).
func (s *TokenStore) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading token %s: %w", key, err)
	}
	return value, true, nil
}

// Delete removes the key. Deleting an absent key is not an error.
func (s *TokenStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("deleting token %s: %w", key, err)
	}
	return nil
}

// Exists reports whether the key is present and not yet expired.
func (s *TokenStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("checking token %s: %w", key, err)
	}
	return n > 0, nil
}

// TTLRemaining returns the time left before the key expires. The second
// return reports presence; keys without a TTL report absent since the store
// never writes unexpiring entries.
func (s *TokenStore) TTLRemaining(ctx context.Context, key string) (time.Duration, bool, error) {
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, false, fmt.Errorf("reading ttl for token %s: %w", key, err)
	}
	if ttl < 0 {
		// -2 means no key, -1 means no expiry set.
		return 0, false, nil
	}
	return ttl, true, nil
}

// Rotate replaces the value under key with a delete followed by a put. The
// swap is not atomic; the brief window where the old value is gone and the
// new one not yet written is acceptable because only one writer owns a given
// key at a time.
func (s *TokenStore) Rotate(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.Delete(ctx, key); err != nil {
		return fmt.Errorf("rotating token %s: %w", key, err)
	}
	if err := s.Put(ctx, key, value, ttl); err != nil {
		return fmt.Errorf("rotating token %s: %w", key, err)
	}
	s.logger.Debug(ctx, "rotated session token", "key", key)
	return nil
}

// RotateAccessToken replaces the access-token to user mapping.
func (s *TokenStore) RotateAccessToken(ctx context.Context, token, userID string, ttl time.Duration) error {
	return s.Rotate(ctx, AccessTokenKey(token), userID, ttl)
}

// RotateRefreshToken replaces the user to refresh-token mapping.
func (s *TokenStore) RotateRefreshToken(ctx context.Context, userID, token string, ttl time.Duration) error {
	return s.Rotate(ctx, RefreshTokenKey(userID), token, ttl)
}
