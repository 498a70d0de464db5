// Package bus fans device events out to in-process subscribers.
package bus

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/cskr/pubsub"
)

// Subscription receives every message published to its topics.
type Subscription chan any

// MessageBus is implemented by PubSubBus; consumers depend on the interface.
type MessageBus interface {
	Publish(topic string, msg any)
	Subscribe(topics ...string) Subscription
	Unsubscribe(ch Subscription, topics ...string)
	Close()
}

// PubSubBus delivers every message to every subscriber in order. Publish blocks while a
// subscriber's buffer is full, so subscribers must keep reading until they unsubscribe.
type PubSubBus struct {
	ps     *pubsub.PubSub
	logger *slog.Logger

	// mu guards closed; pubsub blocks forever on any call after Shutdown.
	mu     sync.RWMutex
	closed bool
}

const defaultCapacity = 128

// New returns a bus whose subscriptions buffer up to capacity messages.
// A non-positive capacity selects the default; a nil logger discards output.
func New(logger *slog.Logger, capacity int) *PubSubBus {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}

	return &PubSubBus{
		ps:     pubsub.New(capacity),
		logger: logger.With("component", "bus"),
	}
}

// Publish is dropped once the bus is closed.
func (b *PubSubBus) Publish(topic string, msg any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.logger.Debug("publish after close", "topic", topic)

		return
	}
	b.logger.Debug("publish", "topic", topic, "payload_type", payloadType(msg))
	b.ps.Pub(msg, topic)
}

// Subscribe returns an already closed channel when the bus is closed.
func (b *PubSubBus) Subscribe(topics ...string) Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		ch := make(Subscription)
		close(ch)

		return ch
	}
	ch := b.ps.Sub(topics...)
	b.logger.Debug("subscribe", "topics", topics)

	return ch
}

// Unsubscribe detaches ch from topics, or from everything when no topic is given. Pending
// messages are discarded so a publisher blocked on ch cannot deadlock the call. ch is
// closed once it has no topics left.
func (b *PubSubBus) Unsubscribe(ch Subscription, topics ...string) {
	stop := make(chan struct{})
	go drain(ch, stop)
	defer close(stop)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	if len(topics) == 0 {
		b.ps.Unsub(ch)
		b.logger.Debug("unsubscribe", "mode", "all")

		return
	}
	b.ps.Unsub(ch, topics...)
	b.logger.Debug("unsubscribe", "topics", topics)
}

func drain(ch Subscription, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
		}
	}
}

// Close closes every subscription. It is safe to call more than once.
func (b *PubSubBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.ps.Shutdown()
}

func payloadType(v any) string {
	if v == nil {
		return "<nil>"
	}

	return fmt.Sprintf("%T", v)
}
