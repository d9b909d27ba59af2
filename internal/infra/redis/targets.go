package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/areahq/area-pipeline/internal/app/worker"
	"github.com/areahq/area-pipeline/internal/domain/events"
)

const targetKeyPrefix = "reaction:targets:"

// ErrTargetNotFound is returned when no reaction target is configured for an
// action instance.
var ErrTargetNotFound = errors.New("reaction target not found")

// TargetStore maps action instances to the reaction endpoint their events
// should be delivered to.
type TargetStore struct {
	client *redis.Client
}

func NewTargetStore(client *redis.Client) *TargetStore {
	return &TargetStore{client: client}
}

// Put stores the reaction target for an action instance.
func (s *TargetStore) Put(ctx context.Context, actionInstanceID uuid.UUID, target worker.ReactionTarget) error {
	data, err := json.Marshal(target)
	if err != nil {
		return fmt.Errorf("encoding reaction target: %w", err)
	}
	if err := s.client.Set(ctx, targetKeyPrefix+actionInstanceID.String(), data, 0).Err(); err != nil {
		return fmt.Errorf("storing reaction target: %w", err)
	}
	return nil
}

// Resolve returns the reaction target for the event's action instance.
func (s *TargetStore) Resolve(ctx context.Context, evt events.CanonicalEvent) (worker.ReactionTarget, error) {
	raw, err := s.client.Get(ctx, targetKeyPrefix+evt.ActionInstanceID.String()).Result()
	if errors.Is(err, redis.Nil) {
		return worker.ReactionTarget{}, ErrTargetNotFound
	}
	if err != nil {
		return worker.ReactionTarget{}, fmt.Errorf("loading reaction target: %w", err)
	}

	var target worker.ReactionTarget
	if err := json.Unmarshal([]byte(raw), &target); err != nil {
		return worker.ReactionTarget{}, fmt.Errorf("decoding reaction target: %w", err)
	}
	return target, nil
}
