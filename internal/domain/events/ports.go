package events

import (
	"context"
	"errors"
)

// ErrPublishFailed is returned when an event could not be appended to the
// stream, or when the broker did not hand back a record identifier. A publish
// without an identifier is treated as failed, never as success.
var ErrPublishFailed = errors.New("event publish failed")

// AckFunc acknowledges a consumed record back to the broker. Calling it marks
// the record as processed for this consumer group; not calling it leaves the
// record eligible for redelivery.
type AckFunc func(ctx context.Context) error

// HandlerFunc processes one consumed event. Handlers must be idempotent with
// respect to the event's ExecutionID because redelivery can occur.
type HandlerFunc func(ctx context.Context, evt CanonicalEvent, ack AckFunc) error

// StreamInfo describes the current state of the event stream for operational
// endpoints.
type StreamInfo struct {
	StreamKey     string `json:"streamKey"`
	ConsumerGroup string `json:"consumerGroup"`
	Length        int64  `json:"length"`
	LastID        string `json:"lastId,omitempty"`
	Error         string `json:"error,omitempty"`
}

// EventBus is the durable append-only stream the pipeline publishes canonical
// events onto. It abstracts the broker (Redis Streams, Kafka) so the ingestion
// and worker layers stay transport-agnostic.
type EventBus interface {
	// Publish appends an immutable record to the named stream and returns the
	// broker-assigned, strictly increasing record identifier. A missing
	// identifier is an ErrPublishFailed, not a success.
	Publish(ctx context.Context, streamKey string, evt CanonicalEvent) (string, error)

	// EnsureStreamAndGroup idempotently creates the stream (non-destructively
	// if absent) and the named consumer group reading from the beginning.
	// "group already exists" is success.
	EnsureStreamAndGroup(ctx context.Context, streamKey, group string) error

	// Info returns stream metadata for operational visibility.
	Info(ctx context.Context, streamKey string) StreamInfo

	// Consume joins the consumer group under the given consumer name and
	// delivers records to the handler until the context is canceled. Each
	// record goes to exactly one consumer in the group; unacknowledged
	// records are redelivered.
	Consume(ctx context.Context, streamKey, group, consumer string, handler HandlerFunc) error

	// Close releases broker resources.
	Close() error
}
