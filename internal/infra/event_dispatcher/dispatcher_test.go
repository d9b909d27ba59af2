package eventdispatcher

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/areahq/area-pipeline/internal/domain/events"
	"github.com/areahq/area-pipeline/internal/logger"
)

func newTestDispatcher() *Dispatcher {
	return New(
		noop.NewTracerProvider().Tracer("test"),
		logger.New(io.Discard, logger.LevelError, "test", nil),
	)
}

func testEvent(typ events.EventType) events.CanonicalEvent {
	return events.NewCanonicalEvent(uuid.New(), uuid.New(), typ, "test", nil)
}

func noopAck(context.Context) error { return nil }

func TestDispatchRoutesToRegisteredHandler(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher()
	ctx := context.Background()

	var webhookCalls, manualCalls atomic.Int32
	d.RegisterHandler(ctx, events.EventTypeWebhook, func(context.Context, events.CanonicalEvent, events.AckFunc) error {
		webhookCalls.Add(1)
		return nil
	})
	d.RegisterHandler(ctx, events.EventTypeManual, func(context.Context, events.CanonicalEvent, events.AckFunc) error {
		manualCalls.Add(1)
		return nil
	})

	require.NoError(t, d.Dispatch(ctx, testEvent(events.EventTypeWebhook), noopAck))
	require.NoError(t, d.Dispatch(ctx, testEvent(events.EventTypeWebhook), noopAck))
	require.NoError(t, d.Dispatch(ctx, testEvent(events.EventTypeManual), noopAck))

	assert.Equal(t, int32(2), webhookCalls.Load())
	assert.Equal(t, int32(1), manualCalls.Load())
}

func TestDispatchUnregisteredType(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher()
	evt := testEvent(events.EventTypeCron)

	err := d.Dispatch(context.Background(), evt, noopAck)

	var notFound *HandlerNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, events.EventTypeCron, notFound.EventType)
	assert.Equal(t, evt.ExecutionID.String(), notFound.ExecutionID)
}

func TestDispatchPropagatesHandlerError(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher()
	ctx := context.Background()
	handlerErr := errors.New("reaction unavailable")

	d.RegisterHandler(ctx, events.EventTypeWebhook, func(context.Context, events.CanonicalEvent, events.AckFunc) error {
		return handlerErr
	})

	err := d.Dispatch(ctx, testEvent(events.EventTypeWebhook), noopAck)
	require.ErrorIs(t, err, handlerErr)
}

func TestRegisterHandlerReplaces(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher()
	ctx := context.Background()

	var first, second atomic.Int32
	d.RegisterHandler(ctx, events.EventTypeWebhook, func(context.Context, events.CanonicalEvent, events.AckFunc) error {
		first.Add(1)
		return nil
	})
	d.RegisterHandler(ctx, events.EventTypeWebhook, func(context.Context, events.CanonicalEvent, events.AckFunc) error {
		second.Add(1)
		return nil
	})

	require.NoError(t, d.Dispatch(ctx, testEvent(events.EventTypeWebhook), noopAck))
	assert.Zero(t, first.Load())
	assert.Equal(t, int32(1), second.Load())
}
