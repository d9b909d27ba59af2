// Package memory provides an in-memory implementation of the event bus. It
// offers a lightweight, non-persistent stream suitable for testing and
// development environments where durability is not required.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/areahq/area-pipeline/internal/domain/events"
)

var _ events.EventBus = (*Bus)(nil)

type entry struct {
	id    string
	event events.CanonicalEvent
}

// Bus is an in-memory event bus backed by a per-stream buffered channel.
// Events are delivered to a single consumer per stream and tracked until
// acknowledged so tests can assert on pending counts.
type Bus struct {
	mu      sync.Mutex
	streams map[string]chan entry
	groups  map[string]struct{}
	nextID  int64

	pending sync.Map // entry ID -> struct{}
}

// NewBus creates an empty in-memory bus.
func NewBus() *Bus {
	return &Bus{
		streams: make(map[string]chan entry),
		groups:  make(map[string]struct{}),
	}
}

func (b *Bus) stream(key string) chan entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.streams[key]
	if !ok {
		ch = make(chan entry, 1024)
		b.streams[key] = ch
	}
	return ch
}

// Publish appends the event to the stream's channel and returns a
// monotonically increasing entry ID.
func (b *Bus) Publish(ctx context.Context, streamKey string, evt events.CanonicalEvent) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	b.mu.Lock()
	b.nextID++
	id := fmt.Sprintf("%d-0", b.nextID)
	b.mu.Unlock()

	// Mark pending before the send so a consumer's ack can never observe
	// the entry as untracked.
	b.pending.Store(id, struct{}{})
	select {
	case b.stream(streamKey) <- entry{id: id, event: evt}:
		return id, nil
	default:
		b.pending.Delete(id)
		return "", fmt.Errorf("%w: stream %s buffer full", events.ErrPublishFailed, streamKey)
	}
}

// EnsureStreamAndGroup records the stream and group so Info can report them.
func (b *Bus) EnsureStreamAndGroup(ctx context.Context, streamKey, group string) error {
	b.stream(streamKey)
	b.mu.Lock()
	b.groups[streamKey+"/"+group] = struct{}{}
	b.mu.Unlock()
	return nil
}

// Info reports the number of buffered events on the stream.
func (b *Bus) Info(ctx context.Context, streamKey string) events.StreamInfo {
	return events.StreamInfo{
		StreamKey: streamKey,
		Length:    int64(len(b.stream(streamKey))),
	}
}

// Consume delivers buffered events to the handler until the context is
// canceled. The ack callback marks the entry processed.
func (b *Bus) Consume(
	ctx context.Context,
	streamKey, group, consumer string,
	handler events.HandlerFunc,
) error {
	ch := b.stream(streamKey)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-ch:
			ack := func(context.Context) error {
				b.pending.Delete(e.id)
				return nil
			}
			if err := handler(ctx, e.event, ack); err != nil {
				// Re-enqueue so the entry is actually redelivered, as an
				// unacknowledged stream entry would be. The slot just
				// drained, so the send only fails if a publisher refilled
				// the buffer; the entry then stays visible as pending.
				select {
				case ch <- e:
				default:
				}
				continue
			}
		}
	}
}

// PendingCount reports the number of published but unacknowledged entries.
func (b *Bus) PendingCount() int {
	n := 0
	b.pending.Range(func(any, any) bool { n++; return true })
	return n
}

// Close is a no-op for the in-memory bus.
func (b *Bus) Close() error { return nil }
