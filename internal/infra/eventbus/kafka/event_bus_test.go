package kafka

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/areahq/area-pipeline/internal/domain/events"
	"github.com/areahq/area-pipeline/internal/logger"
)

type noopBusMetrics struct{}

func (noopBusMetrics) IncMessagePublished(context.Context, string) {}
func (noopBusMetrics) IncMessageConsumed(context.Context, string)  {}
func (noopBusMetrics) IncPublishError(context.Context, string)     {}
func (noopBusMetrics) IncConsumeError(context.Context, string)     {}

// fakeConsumerGroup blocks in Consume until the context is canceled and
// records whether it was closed.
type fakeConsumerGroup struct {
	closed atomic.Bool
}

func (f *fakeConsumerGroup) Consume(ctx context.Context, _ []string, _ sarama.ConsumerGroupHandler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeConsumerGroup) Errors() <-chan error      { return nil }
func (f *fakeConsumerGroup) Close() error              { f.closed.Store(true); return nil }
func (f *fakeConsumerGroup) Pause(map[string][]int32)  {}
func (f *fakeConsumerGroup) Resume(map[string][]int32) {}
func (f *fakeConsumerGroup) PauseAll()                 {}
func (f *fakeConsumerGroup) ResumeAll()                {}

func newTestBus(newGroup func(group string) (sarama.ConsumerGroup, error)) *EventBus {
	return &EventBus{
		newConsumerGroup: newGroup,
		logger:           logger.New(io.Discard, logger.LevelError, "test", nil),
		tracer:           noop.NewTracerProvider().Tracer("test"),
		metrics:          noopBusMetrics{},
	}
}

func TestConsumeOwnsAndClosesItsGroup(t *testing.T) {
	t.Parallel()

	const consumers = 4

	var mu sync.Mutex
	var groups []*fakeConsumerGroup

	bus := newTestBus(func(string) (sarama.ConsumerGroup, error) {
		g := &fakeConsumerGroup{}
		mu.Lock()
		groups = append(groups, g)
		mu.Unlock()
		return g, nil
	})

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < consumers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := bus.Consume(ctx, "areas:events", "area-processors", "c", func(context.Context, events.CanonicalEvent, events.AckFunc) error {
				return nil
			})
			assert.ErrorIs(t, err, context.Canceled)
		}()
	}

	// Let every consumer join before shutting down.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(groups) == consumers
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, groups, consumers)
	for _, g := range groups {
		assert.True(t, g.closed.Load())
	}
}
