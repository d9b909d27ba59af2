package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/areahq/area-pipeline/internal/domain/events"
	"github.com/areahq/area-pipeline/internal/domain/execution"
	"github.com/areahq/area-pipeline/internal/logger"
)

// Statistics summarizes execution counts per status for operational tooling.
type Statistics struct {
	ByStatus map[string]int64 `json:"byStatus"`
	Total    int64            `json:"total"`
}

// Service exposes the operational surface around the pool: cancellation,
// statistics, stream metadata, stream initialization, and synthetic test
// events. All operations are pass-through wrappers over the underlying
// components.
type Service struct {
	pool       *Pool
	bus        events.EventBus
	executions execution.Store
	streamKey  string
	group      string
	logger     *logger.Logger
}

// NewService creates the operational service for a pool.
func NewService(
	pool *Pool,
	bus events.EventBus,
	executions execution.Store,
	streamKey, group string,
	log *logger.Logger,
) *Service {
	return &Service{
		pool:       pool,
		bus:        bus,
		executions: executions,
		streamKey:  streamKey,
		group:      group,
		logger:     log.With("component", "worker_service"),
	}
}

// Status returns the pool snapshot.
func (s *Service) Status() Status { return s.pool.Status() }

// Statistics tallies executions per status.
func (s *Service) Statistics(ctx context.Context) (Statistics, error) {
	counts, err := s.executions.CountByStatus(ctx)
	if err != nil {
		return Statistics{}, fmt.Errorf("counting executions: %w", err)
	}

	stats := Statistics{ByStatus: make(map[string]int64, len(counts))}
	for status, n := range counts {
		stats.ByStatus[status.String()] = n
		stats.Total += n
	}
	return stats, nil
}

// StreamInfo returns the stream metadata snapshot.
func (s *Service) StreamInfo(ctx context.Context) events.StreamInfo {
	info := s.bus.Info(ctx, s.streamKey)
	info.ConsumerGroup = s.group
	return info
}

// Cancel moves an execution to CANCELED with the given reason. Canceling an
// execution in a terminal state returns execution.ErrInvalidStateTransition;
// an unknown id returns execution.ErrNotFound.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string) error {
	exec, err := s.executions.Get(ctx, id)
	if err != nil {
		return err
	}
	loaded := exec.Status()
	if err := exec.Cancel(reason); err != nil {
		return err
	}
	// Conditional on the status at load so a worker finishing concurrently
	// is not overwritten with CANCELED.
	if err := s.executions.UpdateIf(ctx, exec, loaded); err != nil {
		if errors.Is(err, execution.ErrStatusConflict) {
			return err
		}
		return fmt.Errorf("persisting cancellation of %s: %w", id, err)
	}
	s.logger.Info(ctx, "canceled execution", "execution_id", id.String(), "reason", exec.CancelReason())
	return nil
}

// InitializeStream idempotently creates the stream and consumer group.
func (s *Service) InitializeStream(ctx context.Context) error {
	return s.bus.EnsureStreamAndGroup(ctx, s.streamKey, s.group)
}

// PublishTestEvent publishes a synthetic event onto the stream and returns
// the execution id a worker will process it under.
func (s *Service) PublishTestEvent(ctx context.Context, payload map[string]any) (uuid.UUID, string, error) {
	if payload == nil {
		payload = map[string]any{"test": "true", "publishedAt": time.Now().UTC().Format(time.RFC3339)}
	}

	evt := events.NewCanonicalEvent(uuid.New(), uuid.New(), events.EventTypeManual, "test-publisher", payload)
	recordID, err := s.bus.Publish(ctx, s.streamKey, evt)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("publishing test event: %w", err)
	}

	s.logger.Info(ctx, "published test event",
		"execution_id", evt.ExecutionID.String(),
		"record_id", recordID,
	)
	return evt.ExecutionID, recordID, nil
}
