package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/areahq/area-pipeline/internal/domain/events"
	"github.com/areahq/area-pipeline/internal/logger"
)

// EventBusMetrics defines metrics operations needed to monitor stream message
// handling. It enables tracking of successful and failed publishing and
// consumption.
type EventBusMetrics interface {
	IncMessagePublished(ctx context.Context, streamKey string)
	IncMessageConsumed(ctx context.Context, streamKey string)
	IncPublishError(ctx context.Context, streamKey string)
	IncConsumeError(ctx context.Context, streamKey string)
}

var _ events.EventBus = (*StreamBus)(nil)

// StreamBus implements the EventBus interface on Redis Streams. Events are
// appended with XADD, consumed through a consumer group with XREADGROUP, and
// acknowledged explicitly with XACK so unacknowledged entries survive a
// consumer crash.
type StreamBus struct {
	client      *redis.Client
	batchSize   int
	pollTimeout time.Duration

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

// NewStreamBus creates a StreamBus on the given client.
func NewStreamBus(
	client *redis.Client,
	batchSize int,
	pollTimeout time.Duration,
	log *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) (*StreamBus, error) {
	if metrics == nil {
		return nil, fmt.Errorf("metrics are required for stream event bus")
	}
	if batchSize <= 0 {
		batchSize = 10
	}
	if pollTimeout <= 0 {
		pollTimeout = 2 * time.Second
	}

	return &StreamBus{
		client:      client,
		batchSize:   batchSize,
		pollTimeout: pollTimeout,
		logger:      log.With("component", "redis_stream_bus"),
		tracer:      tracer,
		metrics:     metrics,
	}, nil
}

// Publish appends the event to the stream and returns the assigned entry ID.
func (b *StreamBus) Publish(ctx context.Context, streamKey string, evt events.CanonicalEvent) (string, error) {
	ctx, span := b.tracer.Start(ctx, "stream_bus.publish",
		trace.WithAttributes(
			attribute.String("stream.key", streamKey),
			attribute.String("event.execution_id", evt.ExecutionID.String()),
		))
	defer span.End()

	fields := evt.ToFieldMap()
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}

	id, err := b.client.XAdd(ctx, &redis.XAddArgs{Stream: streamKey, Values: values}).Result()
	if err != nil {
		span.RecordError(err)
		b.metrics.IncPublishError(ctx, streamKey)
		return "", fmt.Errorf("%w: appending to stream %s: %v", events.ErrPublishFailed, streamKey, err)
	}

	b.metrics.IncMessagePublished(ctx, streamKey)
	b.logger.Debug(ctx, "published event to stream",
		"stream", streamKey,
		"entry_id", id,
		"execution_id", evt.ExecutionID.String(),
	)
	return id, nil
}

// EnsureStreamAndGroup creates the stream and its consumer group when either
// is missing. The stream is materialized with a sentinel entry that is
// immediately deleted, and the group starts reading from the beginning so
// entries published before the first consumer attaches are not lost. An
// already existing group is not an error.
func (b *StreamBus) EnsureStreamAndGroup(ctx context.Context, streamKey, group string) error {
	_, err := b.client.XInfoStream(ctx, streamKey).Result()
	if err != nil {
		if !isNoSuchKey(err) {
			return fmt.Errorf("inspecting stream %s: %w", streamKey, err)
		}

		id, err := b.client.XAdd(ctx, &redis.XAddArgs{
			Stream: streamKey,
			Values: map[string]any{"init": "1"},
		}).Result()
		if err != nil {
			return fmt.Errorf("creating stream %s: %w", streamKey, err)
		}
		if err := b.client.XDel(ctx, streamKey, id).Err(); err != nil {
			return fmt.Errorf("removing sentinel entry from stream %s: %w", streamKey, err)
		}
		b.logger.Info(ctx, "created stream", "stream", streamKey)
	}

	if err := b.client.XGroupCreate(ctx, streamKey, group, "0").Err(); err != nil {
		if isBusyGroup(err) {
			return nil
		}
		return fmt.Errorf("creating consumer group %s on stream %s: %w", group, streamKey, err)
	}
	b.logger.Info(ctx, "created consumer group", "stream", streamKey, "group", group)
	return nil
}

// Info returns a point-in-time snapshot of the stream. Failures are reported
// inside the snapshot rather than as an error so operational endpoints can
// always render something.
func (b *StreamBus) Info(ctx context.Context, streamKey string) events.StreamInfo {
	info := events.StreamInfo{StreamKey: streamKey}

	res, err := b.client.XInfoStream(ctx, streamKey).Result()
	if err != nil {
		info.Error = err.Error()
		return info
	}
	info.Length = res.Length
	info.LastID = res.LastGeneratedID
	return info
}

// Consume runs a blocking read loop on the consumer group, invoking the
// handler for each event with an ack callback that acknowledges the entry.
// It returns when the context is canceled.
func (b *StreamBus) Consume(
	ctx context.Context,
	streamKey, group, consumer string,
	handler events.HandlerFunc,
) error {
	b.logger.Info(ctx, "starting stream consumer",
		"stream", streamKey,
		"group", group,
		"consumer", consumer,
	)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{streamKey, ">"},
			Count:    int64(b.batchSize),
			Block:    b.pollTimeout,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue // poll timeout, nothing pending
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.metrics.IncConsumeError(ctx, streamKey)
			b.logger.Error(ctx, "stream read failed", "stream", streamKey, "error", err)
			// Brief pause so a persistent failure does not spin the loop.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				b.handleMessage(ctx, streamKey, group, msg, handler)
			}
		}
	}
}

func (b *StreamBus) handleMessage(
	ctx context.Context,
	streamKey, group string,
	msg redis.XMessage,
	handler events.HandlerFunc,
) {
	ctx, span := b.tracer.Start(ctx, "stream_bus.handle_message",
		trace.WithAttributes(
			attribute.String("stream.key", streamKey),
			attribute.String("stream.entry_id", msg.ID),
		))
	defer span.End()

	fields := make(map[string]string, len(msg.Values))
	for k, v := range msg.Values {
		fields[k] = fmt.Sprint(v)
	}

	evt, err := events.CanonicalEventFromFieldMap(fields)
	if err != nil {
		// A malformed entry will never parse; acknowledge it so it does not
		// block the group forever.
		span.RecordError(err)
		b.metrics.IncConsumeError(ctx, streamKey)
		b.logger.Error(ctx, "dropping malformed stream entry",
			"stream", streamKey,
			"entry_id", msg.ID,
			"error", err,
		)
		if ackErr := b.client.XAck(ctx, streamKey, group, msg.ID).Err(); ackErr != nil {
			b.logger.Error(ctx, "failed to acknowledge malformed entry", "entry_id", msg.ID, "error", ackErr)
		}
		return
	}

	ack := func(ackCtx context.Context) error {
		if err := b.client.XAck(ackCtx, streamKey, group, msg.ID).Err(); err != nil {
			return fmt.Errorf("acknowledging entry %s: %w", msg.ID, err)
		}
		return nil
	}

	if err := handler(ctx, evt, ack); err != nil {
		span.RecordError(err)
		b.metrics.IncConsumeError(ctx, streamKey)
		b.logger.Error(ctx, "event handler failed, entry left pending for redelivery",
			"stream", streamKey,
			"entry_id", msg.ID,
			"execution_id", evt.ExecutionID.String(),
			"error", err,
		)
		return
	}

	b.metrics.IncMessageConsumed(ctx, streamKey)
}

// Close releases the underlying client connection.
func (b *StreamBus) Close() error { return b.client.Close() }

func isNoSuchKey(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "no such key")
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}
