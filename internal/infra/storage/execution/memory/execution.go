// Package memory provides an in-memory implementation of the execution store
// for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/areahq/area-pipeline/internal/domain/execution"
)

var _ execution.Store = (*Store)(nil)

// Store keeps executions in a map guarded by a mutex. Stored values are
// snapshots, so callers can keep mutating their own copy without affecting
// the store until the next Update.
type Store struct {
	mu    sync.RWMutex
	execs map[uuid.UUID]*execution.Execution
}

// NewStore creates an empty in-memory execution store.
func NewStore() *Store {
	return &Store{execs: make(map[uuid.UUID]*execution.Execution)}
}

func snapshot(exec *execution.Execution) *execution.Execution {
	return execution.Reconstruct(
		exec.ID(),
		exec.AreaID(),
		exec.ActionInstanceID(),
		exec.Status(),
		exec.QueuedAt(),
		exec.StartedAt(),
		exec.FinishedAt(),
		exec.CancelReason(),
	)
}

// Create persists a new execution, failing if the id already exists.
func (s *Store) Create(ctx context.Context, exec *execution.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.execs[exec.ID()]; exists {
		return fmt.Errorf("execution %s already exists", exec.ID())
	}
	s.execs[exec.ID()] = snapshot(exec)
	return nil
}

// Get returns a copy of the execution or execution.ErrNotFound.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*execution.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.execs[id]
	if !ok {
		return nil, execution.ErrNotFound
	}
	return snapshot(exec), nil
}

// Update overwrites the stored execution.
func (s *Store) Update(ctx context.Context, exec *execution.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.execs[exec.ID()]; !ok {
		return execution.ErrNotFound
	}
	s.execs[exec.ID()] = snapshot(exec)
	return nil
}

// UpdateIf overwrites the stored execution only while its status still
// equals expected.
func (s *Store) UpdateIf(ctx context.Context, exec *execution.Execution, expected execution.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.execs[exec.ID()]
	if !ok {
		return execution.ErrNotFound
	}
	if stored.Status() != expected {
		return execution.ErrStatusConflict
	}
	s.execs[exec.ID()] = snapshot(exec)
	return nil
}

// CountByStatus tallies executions per status.
func (s *Store) CountByStatus(ctx context.Context) (map[execution.Status]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[execution.Status]int64)
	for _, exec := range s.execs {
		counts[exec.Status()]++
	}
	return counts, nil
}

// ListRunningBefore returns copies of RUNNING executions started before the
// cutoff.
func (s *Store) ListRunningBefore(ctx context.Context, cutoff time.Time) ([]*execution.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stale []*execution.Execution
	for _, exec := range s.execs {
		if exec.Status() == execution.StatusRunning && exec.StartedAt().Before(cutoff) {
			stale = append(stale, snapshot(exec))
		}
	}
	return stale, nil
}
