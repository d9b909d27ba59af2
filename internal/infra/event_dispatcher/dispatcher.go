// Package eventdispatcher routes consumed canonical events to the handler
// registered for their event type.
package eventdispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/areahq/area-pipeline/internal/domain/events"
	"github.com/areahq/area-pipeline/internal/logger"
)

// Dispatcher manages event handlers and dispatches events to their registered
// handler. Each event type has exactly one handler responsible for processing
// events of that type.
//
// Typical usage:
//
//	dispatcher := eventdispatcher.New(tracer, log)
//
//	// Register handlers for different event types
//	dispatcher.RegisterHandler(ctx, events.EventTypeWebhook, handler1)
//	dispatcher.RegisterHandler(ctx, events.EventTypeManual, handler2)
//
//	// Dispatch events
//	err := dispatcher.Dispatch(ctx, evt, ack)
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[events.EventType]events.HandlerFunc
	tracer   trace.Tracer
	logger   *logger.Logger
}

// New constructs a Dispatcher that uses the provided tracer for
// instrumentation. The dispatcher starts with an empty registry; handlers
// must be registered before dispatching any events.
func New(tracer trace.Tracer, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[events.EventType]events.HandlerFunc),
		tracer:   tracer,
		logger:   log.With("component", "event_dispatcher"),
	}
}

// RegisterHandler associates a handler with a specific event type. If a
// handler is already registered for the event type, it will be replaced.
//
// This method is safe to call concurrently.
func (d *Dispatcher) RegisterHandler(ctx context.Context, eventType events.EventType, handler events.HandlerFunc) {
	_, span := d.tracer.Start(ctx, "event_dispatcher.register_handler",
		trace.WithAttributes(
			attribute.String("event_type", string(eventType)),
		),
	)
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.handlers[eventType] = handler
	d.logger.Debug(ctx, "handler registered", "event_type", eventType)
	span.AddEvent("handler_registered")
	span.SetStatus(codes.Ok, "handler registered")
}

// HandlerNotFoundError indicates no handler is registered for an event type.
type HandlerNotFoundError struct {
	EventType   events.EventType
	ExecutionID string
}

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("no handler registered for event type: %s (execution: %s)",
		e.EventType, e.ExecutionID)
}

// Dispatch routes the event to the handler registered for its type. It
// creates a new trace span and executes the handler. If the handler returns
// an error, dispatch stops and returns that error.
//
// If no handler is found for the event type, a HandlerNotFoundError is
// returned and the event is left unacknowledged.
func (d *Dispatcher) Dispatch(ctx context.Context, evt events.CanonicalEvent, ack events.AckFunc) error {
	ctx, span := d.tracer.Start(ctx, "event_dispatcher.handle_event",
		trace.WithAttributes(
			attribute.String("event_type", string(evt.Type)),
			attribute.String("execution_id", evt.ExecutionID.String()),
		))
	defer span.End()

	d.mu.RLock()
	handler, exists := d.handlers[evt.Type]
	d.mu.RUnlock()
	if !exists {
		err := &HandlerNotFoundError{
			EventType:   evt.Type,
			ExecutionID: evt.ExecutionID.String(),
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := handler(ctx, evt, ack); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to dispatch event with event type %s: %w", evt.Type, err)
	}

	span.SetStatus(codes.Ok, "event dispatched successfully")
	d.logger.Debug(ctx, "event dispatched successfully", "event_type", evt.Type)
	return nil
}
