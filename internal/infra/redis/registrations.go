package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/areahq/area-pipeline/internal/app/webhook"
	"github.com/areahq/area-pipeline/internal/logger"
)

const registrationKeyPrefix = "webhook:registrations:"

func registrationKey(provider, resource string) string {
	return registrationKeyPrefix + provider + ":" + resource
}

// RegistrationStore maps inbound webhook routes to the action instances that
// subscribed to them. Entries live in a hash per (provider, resource) keyed
// by action instance ID so re-registering is idempotent.
type RegistrationStore struct {
	client *redis.Client
	logger *logger.Logger
}

func NewRegistrationStore(client *redis.Client, log *logger.Logger) *RegistrationStore {
	return &RegistrationStore{client: client, logger: log}
}

// Register records a subscription for the given route.
func (s *RegistrationStore) Register(ctx context.Context, provider, resource string, reg webhook.Registration) error {
	data, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("encoding registration: %w", err)
	}
	if err := s.client.HSet(ctx, registrationKey(provider, resource), reg.ActionInstanceID.String(), data).Err(); err != nil {
		return fmt.Errorf("storing registration: %w", err)
	}
	return nil
}

// Unregister removes a subscription. Removing an unknown registration is not
// an error.
func (s *RegistrationStore) Unregister(ctx context.Context, provider, resource string, actionInstanceID string) error {
	if err := s.client.HDel(ctx, registrationKey(provider, resource), actionInstanceID).Err(); err != nil {
		return fmt.Errorf("removing registration: %w", err)
	}
	return nil
}

// Resolve returns the registrations subscribed to the route. When userID is
// non-empty, only that user's registrations are returned.
func (s *RegistrationStore) Resolve(ctx context.Context, provider, resource, userID string) ([]webhook.Registration, error) {
	entries, err := s.client.HGetAll(ctx, registrationKey(provider, resource)).Result()
	if err != nil {
		return nil, fmt.Errorf("loading registrations: %w", err)
	}

	regs := make([]webhook.Registration, 0, len(entries))
	for field, raw := range entries {
		var reg webhook.Registration
		if err := json.Unmarshal([]byte(raw), &reg); err != nil {
			s.logger.Warn(ctx, "Dropping undecodable registration",
				"provider", provider, "resource", resource, "field", field)
			continue
		}
		if userID != "" && reg.UserID != userID {
			continue
		}
		regs = append(regs, reg)
	}
	return regs, nil
}
