package services

import (
	"context"
	"sync"

	"github.com/amirphl/whatsapp-courier/config"
	"github.com/amirphl/whatsapp-courier/models"
	"github.com/cskr/pubsub"
	"github.com/sirupsen/logrus"
)

const statusTopic = "status"

// StatusEventBus fans persisted status transitions out to in-process subscribers.
// Every call into the underlying pubsub holds mu, so none can start after Shutdown
// and block forever.
type StatusEventBus struct {
	ps     *pubsub.PubSub
	mu     sync.RWMutex
	closed bool
}

// NewStatusEventBus creates a bus whose subscriber channels buffer capacity events
func NewStatusEventBus(capacity int) *StatusEventBus {
	if capacity <= 0 {
		capacity = 256
	}
	return &StatusEventBus{ps: pubsub.New(capacity)}
}

// Publish delivers ev to every subscriber; it is a no-op after Close
func (b *StatusEventBus) Publish(ev models.StatusEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.ps.Pub(ev, statusTopic)
}

// Subscribe returns a channel of StatusEvent values, closed on Unsubscribe or Close.
// After Close the returned channel is already closed.
func (b *StatusEventBus) Subscribe() chan any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		ch := make(chan any)
		close(ch)
		return ch
	}
	return b.ps.Sub(statusTopic)
}

func (b *StatusEventBus) Unsubscribe(ch chan any) {
	go func() {
		b.mu.RLock()
		defer b.mu.RUnlock()
		if !b.closed {
			b.ps.Unsub(ch, statusTopic)
		}
	}()
	// drain so a publisher blocked on this subscriber can finish; Unsub or Shutdown closes ch
	for range ch {
	}
}

func (b *StatusEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.ps.Shutdown()
}

// EventSink stores one forwarded status event, typically on the analytics queue
type EventSink func(ctx context.Context, ev models.StatusEvent) error

// Forward hands every published event to sink until ctx is done or the bus closes.
// The returned function blocks until the forwarder has stopped.
func (b *StatusEventBus) Forward(ctx context.Context, sink EventSink, logger *logrus.Logger) func() {
	sub := b.Subscribe()
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				b.Unsubscribe(sub)
				return
			case v, ok := <-sub:
				if !ok {
					return
				}
				ev, isEvent := v.(models.StatusEvent)
				if !isEvent {
					continue
				}
				if err := sink(ctx, ev); err != nil {
					config.LogError(logger, "StatusEventBus", "Forward", "forward status event", ev, err)
				}
			}
		}
	}()

	return func() { <-done }
}
