// Package kafka provides a Kafka-based implementation of the event bus for
// deployments that already run Kafka instead of Redis Streams.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/areahq/area-pipeline/internal/domain/events"
	"github.com/areahq/area-pipeline/internal/logger"
)

// EventBusMetrics defines metrics operations needed to monitor Kafka message
// handling.
type EventBusMetrics interface {
	IncMessagePublished(ctx context.Context, topic string)
	IncMessageConsumed(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
	IncConsumeError(ctx context.Context, topic string)
}

// Config contains settings for connecting to Kafka brokers.
type Config struct {
	// Brokers is a list of Kafka broker addresses to connect to.
	Brokers []string
	// ClientID uniquely identifies this client to the Kafka cluster.
	ClientID string
	// Partitions is the partition count used when provisioning the topic.
	// It should be at least the worker pool size; consumers beyond the
	// partition count sit idle. Defaults to 1 when unset.
	Partitions int32
}

var _ events.EventBus = (*EventBus)(nil)

// EventBus implements the EventBus interface using Kafka as the underlying
// broker. Events are keyed by action instance so deliveries for the same
// trigger land on the same partition and preserve order.
type EventBus struct {
	producer   sarama.SyncProducer
	admin      sarama.ClusterAdmin
	client     sarama.Client
	partitions int32

	newConsumerGroup func(group string) (sarama.ConsumerGroup, error)

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

// NewEventBus creates a Kafka-based event bus from the provided configuration.
// It configures the producer for acknowledged writes with hash partitioning
// and leaves consumer offset commits manual so an event is only committed
// after its handler acknowledges it.
func NewEventBus(
	cfg *Config,
	log *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) (*EventBus, error) {
	if metrics == nil {
		return nil, fmt.Errorf("metrics are required for kafka event bus")
	}

	log = log.With("component", "kafka_event_bus", "client_id", cfg.ClientID)

	producerConfig := sarama.NewConfig()
	producerConfig.Producer.RequiredAcks = sarama.WaitForAll
	producerConfig.Producer.Return.Successes = true
	producerConfig.Producer.Partitioner = sarama.NewHashPartitioner
	producerConfig.ClientID = cfg.ClientID

	producer, err := sarama.NewSyncProducer(cfg.Brokers, producerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	consumerConfig := sarama.NewConfig()
	consumerConfig.ClientID = cfg.ClientID
	consumerConfig.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	consumerConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	consumerConfig.Consumer.Group.Session.Timeout = 20 * time.Second
	consumerConfig.Consumer.Group.Heartbeat.Interval = 6 * time.Second
	consumerConfig.Consumer.Offsets.AutoCommit.Enable = false
	consumerConfig.Version = sarama.V2_8_0_0

	client, err := sarama.NewClient(cfg.Brokers, consumerConfig)
	if err != nil {
		producer.Close()
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	admin, err := sarama.NewClusterAdminFromClient(client)
	if err != nil {
		producer.Close()
		client.Close()
		return nil, fmt.Errorf("failed to create kafka admin client: %w", err)
	}

	partitions := cfg.Partitions
	if partitions <= 0 {
		partitions = 1
	}

	bus := &EventBus{
		producer:   producer,
		admin:      admin,
		client:     client,
		partitions: partitions,
		newConsumerGroup: func(group string) (sarama.ConsumerGroup, error) {
			return sarama.NewConsumerGroupFromClient(group, client)
		},
		logger:  log,
		tracer:  tracer,
		metrics: metrics,
	}
	return bus, nil
}

// Publish sends the event to the topic and returns a partition/offset entry
// ID once the write is acknowledged by all in-sync replicas.
func (b *EventBus) Publish(ctx context.Context, topic string, evt events.CanonicalEvent) (string, error) {
	ctx, span := b.tracer.Start(ctx, "kafka_event_bus.publish",
		trace.WithAttributes(
			attribute.String("topic", topic),
			attribute.String("event.execution_id", evt.ExecutionID.String()),
		))
	defer span.End()

	msgBytes, err := json.Marshal(evt.ToFieldMap())
	if err != nil {
		span.RecordError(err)
		b.metrics.IncPublishError(ctx, topic)
		return "", fmt.Errorf("%w: serializing event: %v", events.ErrPublishFailed, err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(evt.ActionInstanceID.String()),
		Value: sarama.ByteEncoder(msgBytes),
	}

	partition, offset, err := b.producer.SendMessage(msg)
	if err != nil {
		span.RecordError(err)
		b.metrics.IncPublishError(ctx, topic)
		return "", fmt.Errorf("%w: sending to topic %s: %v", events.ErrPublishFailed, topic, err)
	}

	b.metrics.IncMessagePublished(ctx, topic)
	b.logger.Debug(ctx, "published event to kafka",
		"topic", topic,
		"partition", partition,
		"offset", offset,
	)
	return fmt.Sprintf("%d-%d", partition, offset), nil
}

// EnsureStreamAndGroup creates the topic when it is missing. Consumer groups
// in Kafka materialize on first use, so only the topic needs provisioning.
func (b *EventBus) EnsureStreamAndGroup(ctx context.Context, topic, group string) error {
	err := b.admin.CreateTopic(topic, &sarama.TopicDetail{
		NumPartitions:     b.partitions,
		ReplicationFactor: 1,
	}, false)
	if err != nil {
		var topicErr *sarama.TopicError
		if errors.As(err, &topicErr) && topicErr.Err == sarama.ErrTopicAlreadyExists {
			return nil
		}
		return fmt.Errorf("creating topic %s: %w", topic, err)
	}
	b.logger.Info(ctx, "created topic", "topic", topic, "group", group)
	return nil
}

// Info reports the offset range of partition 0 as a stream length proxy.
func (b *EventBus) Info(ctx context.Context, topic string) events.StreamInfo {
	info := events.StreamInfo{StreamKey: topic}

	newest, err := b.client.GetOffset(topic, 0, sarama.OffsetNewest)
	if err != nil {
		info.Error = err.Error()
		return info
	}
	oldest, err := b.client.GetOffset(topic, 0, sarama.OffsetOldest)
	if err != nil {
		info.Error = err.Error()
		return info
	}
	info.Length = newest - oldest
	info.LastID = fmt.Sprintf("0-%d", newest-1)
	return info
}

// Consume joins the consumer group and processes messages until the context
// is canceled. Offsets are committed only after the handler acknowledges.
func (b *EventBus) Consume(
	ctx context.Context,
	topic, group, consumer string,
	handler events.HandlerFunc,
) error {
	cg, err := b.newConsumerGroup(group)
	if err != nil {
		return fmt.Errorf("joining consumer group %s: %w", group, err)
	}
	// Each Consume call owns its own group handle so concurrent consumers
	// from the worker pool do not share state.
	defer func() {
		if closeErr := cg.Close(); closeErr != nil {
			b.logger.Error(ctx, "failed to close consumer group", "group", group, "error", closeErr)
		}
	}()

	cgHandler := &eventGroupHandler{
		handler: handler,
		logger:  b.logger,
		tracer:  b.tracer,
		metrics: b.metrics,
	}

	b.logger.Info(ctx, "starting kafka consumer", "topic", topic, "group", group, "consumer", consumer)
	for {
		if err := cg.Consume(ctx, []string{topic}, cgHandler); err != nil {
			b.logger.Error(ctx, "error from consumer group", "error", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Close shuts down the producer and client connections. Consumer group
// handles are owned by their Consume calls and close when those return.
func (b *EventBus) Close() error {
	var errs []error
	if err := b.producer.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := b.client.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// eventGroupHandler implements sarama.ConsumerGroupHandler to decode Kafka
// messages into canonical events.
type eventGroupHandler struct {
	handler events.HandlerFunc

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

func (h *eventGroupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(context.Background(), "consumer group session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *eventGroupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(context.Background(), "consumer group session cleanup",
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *eventGroupHandler) ConsumeClaim(
	sess sarama.ConsumerGroupSession,
	claim sarama.ConsumerGroupClaim,
) error {
	for msg := range claim.Messages() {
		h.handleMessage(sess, msg)
	}
	return nil
}

func (h *eventGroupHandler) handleMessage(sess sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage) {
	ctx, span := h.tracer.Start(sess.Context(), "kafka_event_bus.handle_message",
		trace.WithAttributes(
			attribute.String("topic", msg.Topic),
			attribute.Int64("offset", msg.Offset),
		))
	defer span.End()

	var fields map[string]string
	if err := json.Unmarshal(msg.Value, &fields); err != nil {
		span.RecordError(err)
		h.metrics.IncConsumeError(ctx, msg.Topic)
		h.logger.Error(ctx, "dropping undecodable message", "topic", msg.Topic, "offset", msg.Offset, "error", err)
		sess.MarkMessage(msg, "")
		sess.Commit()
		return
	}

	evt, err := events.CanonicalEventFromFieldMap(fields)
	if err != nil {
		span.RecordError(err)
		h.metrics.IncConsumeError(ctx, msg.Topic)
		h.logger.Error(ctx, "dropping malformed event", "topic", msg.Topic, "offset", msg.Offset, "error", err)
		sess.MarkMessage(msg, "")
		sess.Commit()
		return
	}

	ack := func(context.Context) error {
		sess.MarkMessage(msg, "")
		sess.Commit()
		return nil
	}

	if err := h.handler(ctx, evt, ack); err != nil {
		span.RecordError(err)
		h.metrics.IncConsumeError(ctx, msg.Topic)
		h.logger.Error(ctx, "event handler failed, offset left uncommitted",
			"topic", msg.Topic,
			"offset", msg.Offset,
			"error", err,
		)
		return
	}

	h.metrics.IncMessageConsumed(ctx, msg.Topic)
}
