package worker

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/areahq/area-pipeline/internal/domain/events"
	"github.com/areahq/area-pipeline/internal/domain/execution"
	"github.com/areahq/area-pipeline/internal/infra/eventbus/memory"
	execmemory "github.com/areahq/area-pipeline/internal/infra/storage/execution/memory"
	"github.com/areahq/area-pipeline/internal/logger"
)

type stubExecutor struct {
	err    error
	onExec func(ctx context.Context, evt events.CanonicalEvent)
	calls  int
}

func (e *stubExecutor) Execute(ctx context.Context, evt events.CanonicalEvent) error {
	e.calls++
	if e.onExec != nil {
		e.onExec(ctx, evt)
	}
	return e.err
}

type poolMetricsStub struct {
	started, completed, failed, canceled, timedOut int
}

func (m *poolMetricsStub) IncExecutionStarted(context.Context)                  { m.started++ }
func (m *poolMetricsStub) IncExecutionCompleted(context.Context)                { m.completed++ }
func (m *poolMetricsStub) IncExecutionFailed(context.Context)                   { m.failed++ }
func (m *poolMetricsStub) IncExecutionCanceled(context.Context)                 { m.canceled++ }
func (m *poolMetricsStub) IncExecutionTimedOut(context.Context)                 { m.timedOut++ }
func (m *poolMetricsStub) ObserveExecutionDuration(context.Context, time.Duration) {}
func (m *poolMetricsStub) IncActiveWorkers(context.Context)                     {}
func (m *poolMetricsStub) DecActiveWorkers(context.Context)                     {}

func testLogger() *logger.Logger {
	return logger.New(io.Discard, logger.LevelError, "test", nil)
}

func newTestPool(t *testing.T, executor ReactionExecutor) (*Pool, *execmemory.Store, *poolMetricsStub) {
	t.Helper()

	store := execmemory.NewStore()
	metrics := new(poolMetricsStub)
	pool, err := NewPool(
		Config{
			StreamKey:        "areas:events",
			Group:            "area-processors",
			ConsumerName:     "test-consumer",
			PoolSize:         2,
			ExecutionTimeout: 5 * time.Minute,
		},
		memory.NewBus(),
		store,
		executor,
		testLogger(),
		noop.NewTracerProvider().Tracer("test"),
		metrics,
	)
	require.NoError(t, err)
	return pool, store, metrics
}

func queuedEvent(t *testing.T, store *execmemory.Store) events.CanonicalEvent {
	t.Helper()

	evt := events.NewCanonicalEvent(uuid.New(), uuid.New(), events.EventTypeWebhook, "github", map[string]any{"k": "v"})
	exec := execution.New(evt.ExecutionID, evt.AreaID, evt.ActionInstanceID)
	require.NoError(t, store.Create(context.Background(), exec))
	return evt
}

func noopAck(context.Context) error { return nil }

func TestHandleEventCompletesExecution(t *testing.T) {
	t.Parallel()

	executor := new(stubExecutor)
	pool, store, metrics := newTestPool(t, executor)
	ctx := context.Background()

	evt := queuedEvent(t, store)
	acked := false
	require.NoError(t, pool.handleEvent(ctx, evt, func(context.Context) error {
		acked = true
		return nil
	}))

	exec, err := store.Get(ctx, evt.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusOK, exec.Status())
	assert.False(t, exec.FinishedAt().IsZero())
	assert.True(t, acked)
	assert.Equal(t, 1, metrics.started)
	assert.Equal(t, 1, metrics.completed)
}

func TestHandleEventFailsExecution(t *testing.T) {
	t.Parallel()

	executor := &stubExecutor{err: errors.New("reaction endpoint returned 502")}
	pool, store, metrics := newTestPool(t, executor)
	ctx := context.Background()

	evt := queuedEvent(t, store)
	require.NoError(t, pool.handleEvent(ctx, evt, noopAck))

	exec, err := store.Get(ctx, evt.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, exec.Status())
	assert.Equal(t, 1, metrics.failed)
}

func TestHandleEventSkipsNonQueuedExecution(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status execution.Status
	}{
		{name: "already running", status: execution.StatusRunning},
		{name: "already done", status: execution.StatusOK},
		{name: "already failed", status: execution.StatusFailed},
		{name: "canceled before pickup", status: execution.StatusCanceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			executor := new(stubExecutor)
			pool, store, _ := newTestPool(t, executor)
			ctx := context.Background()

			evt := events.NewCanonicalEvent(uuid.New(), uuid.New(), events.EventTypeWebhook, "github", nil)
			exec := execution.Reconstruct(
				evt.ExecutionID, evt.AreaID, evt.ActionInstanceID,
				tt.status, time.Now().UTC(), time.Now().UTC(), time.Time{}, "",
			)
			require.NoError(t, store.Create(ctx, exec))

			acked := false
			require.NoError(t, pool.handleEvent(ctx, evt, func(context.Context) error {
				acked = true
				return nil
			}))

			assert.True(t, acked, "redelivered events must still be acknowledged")
			assert.Zero(t, executor.calls, "reaction must not run twice")
		})
	}
}

func TestHandleEventCreatesExecutionForSyntheticEvent(t *testing.T) {
	t.Parallel()

	executor := new(stubExecutor)
	pool, store, _ := newTestPool(t, executor)
	ctx := context.Background()

	evt := events.NewCanonicalEvent(uuid.New(), uuid.New(), events.EventTypeManual, "test-publisher", nil)
	require.NoError(t, pool.handleEvent(ctx, evt, noopAck))

	exec, err := store.Get(ctx, evt.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusOK, exec.Status())
}

func TestHandleEventObservesMidFlightCancellation(t *testing.T) {
	t.Parallel()

	store := execmemory.NewStore()
	ctx := context.Background()

	// The executor cancels the execution out-of-band while it runs,
	// simulating an operator hitting the cancel endpoint mid-flight.
	executor := new(stubExecutor)
	executor.onExec = func(execCtx context.Context, evt events.CanonicalEvent) {
		exec, err := store.Get(execCtx, evt.ExecutionID)
		require.NoError(t, err)
		require.NoError(t, exec.Cancel("operator request"))
		require.NoError(t, store.Update(execCtx, exec))
	}

	metrics := new(poolMetricsStub)
	pool, err := NewPool(
		Config{StreamKey: "areas:events", Group: "g", ConsumerName: "c", PoolSize: 1, ExecutionTimeout: time.Minute},
		memory.NewBus(), store, executor, testLogger(), noop.NewTracerProvider().Tracer("test"), metrics,
	)
	require.NoError(t, err)

	evt := queuedEvent(t, store)
	require.NoError(t, pool.handleEvent(ctx, evt, noopAck))

	exec, err := store.Get(ctx, evt.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCanceled, exec.Status())
	assert.Equal(t, "operator request", exec.CancelReason())
	assert.Equal(t, 1, metrics.canceled)
	assert.Zero(t, metrics.completed)
}

// lateCancelStore injects a cancellation between the worker's post-execute
// read and its result write.
type lateCancelStore struct {
	*execmemory.Store
	once   sync.Once
	cancel func(id uuid.UUID)
}

func (s *lateCancelStore) UpdateIf(ctx context.Context, exec *execution.Execution, expected execution.Status) error {
	if exec.Status().IsTerminal() {
		s.once.Do(func() { s.cancel(exec.ID()) })
	}
	return s.Store.UpdateIf(ctx, exec, expected)
}

func TestHandleEventDoesNotOverwriteLateCancellation(t *testing.T) {
	t.Parallel()

	backing := execmemory.NewStore()
	ctx := context.Background()

	store := &lateCancelStore{Store: backing}
	store.cancel = func(id uuid.UUID) {
		exec, err := backing.Get(ctx, id)
		require.NoError(t, err)
		require.NoError(t, exec.Cancel("operator request"))
		require.NoError(t, backing.Update(ctx, exec))
	}

	metrics := new(poolMetricsStub)
	pool, err := NewPool(
		Config{StreamKey: "areas:events", Group: "g", ConsumerName: "c", PoolSize: 1, ExecutionTimeout: time.Minute},
		memory.NewBus(), store, new(stubExecutor), testLogger(), noop.NewTracerProvider().Tracer("test"), metrics,
	)
	require.NoError(t, err)

	evt := queuedEvent(t, backing)
	acked := false
	require.NoError(t, pool.handleEvent(ctx, evt, func(context.Context) error {
		acked = true
		return nil
	}))

	exec, err := backing.Get(ctx, evt.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCanceled, exec.Status())
	assert.Equal(t, "operator request", exec.CancelReason())
	assert.True(t, acked)
	assert.Equal(t, 1, metrics.canceled)
	assert.Zero(t, metrics.completed)
}

func TestSweepFailsAbandonedExecutions(t *testing.T) {
	t.Parallel()

	pool, store, metrics := newTestPool(t, new(stubExecutor))
	ctx := context.Background()

	stale := execution.Reconstruct(
		uuid.New(), uuid.New(), uuid.New(),
		execution.StatusRunning,
		time.Now().UTC().Add(-20*time.Minute),
		time.Now().UTC().Add(-10*time.Minute),
		time.Time{}, "",
	)
	fresh := execution.Reconstruct(
		uuid.New(), uuid.New(), uuid.New(),
		execution.StatusRunning,
		time.Now().UTC(),
		time.Now().UTC(),
		time.Time{}, "",
	)
	require.NoError(t, store.Create(ctx, stale))
	require.NoError(t, store.Create(ctx, fresh))

	pool.sweep(ctx)

	got, err := store.Get(ctx, stale.ID())
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, got.Status())

	got, err = store.Get(ctx, fresh.ID())
	require.NoError(t, err)
	assert.Equal(t, execution.StatusRunning, got.Status())

	assert.Equal(t, 1, metrics.timedOut)
}

func TestPoolRunConsumesFromBus(t *testing.T) {
	t.Parallel()

	bus := memory.NewBus()
	store := execmemory.NewStore()
	metrics := new(poolMetricsStub)
	pool, err := NewPool(
		Config{StreamKey: "areas:events", Group: "g", ConsumerName: "c", PoolSize: 2, ExecutionTimeout: time.Minute},
		bus, store, new(stubExecutor), testLogger(), noop.NewTracerProvider().Tracer("test"), metrics,
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	evt := events.NewCanonicalEvent(uuid.New(), uuid.New(), events.EventTypeWebhook, "github", nil)
	exec := execution.New(evt.ExecutionID, evt.AreaID, evt.ActionInstanceID)
	require.NoError(t, store.Create(ctx, exec))
	_, err = bus.Publish(ctx, "areas:events", evt)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := store.Get(context.Background(), evt.ExecutionID)
		return err == nil && got.Status() == execution.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	assert.Zero(t, bus.PendingCount(), "processed events must be acknowledged")

	cancel()
	require.NoError(t, <-done)
}
