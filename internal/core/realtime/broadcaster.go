package realtime

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/rl1809/inventory-sync/internal/core/domain"
	"github.com/rl1809/inventory-sync/internal/observability"
)

var ErrBroadcasterClosed = errors.New("broadcaster closed")

const DefaultTopicQueueSize = 256

// delivery pairs an event with the subscribers captured when it was published.
type delivery struct {
	event       domain.MutationEvent
	subscribers []Subscriber
}

type BroadcasterOptions struct {
	QueueSize int
	Logger    *zap.Logger
	Metrics   *observability.Metrics
}

// Broadcaster delivers events to the registry's subscribers, one drain
// goroutine per topic so events of a topic go out in publish order.
type Broadcaster struct {
	registry  *Registry
	logger    *zap.Logger
	metrics   *observability.Metrics
	queueSize int

	mu     sync.RWMutex
	queues map[string]chan delivery
	closed bool
	wg     sync.WaitGroup
}

func NewBroadcaster(registry *Registry, opts BroadcasterOptions) *Broadcaster {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultTopicQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Broadcaster{
		registry:  registry,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		queueSize: opts.QueueSize,
		queues:    make(map[string]chan delivery),
	}
}

// Publish enqueues event for every session subscribed to topic. It only waits
// when the topic queue itself is full, never on a session.
func (b *Broadcaster) Publish(topic string, event domain.MutationEvent) error {
	b.mu.RLock()
	q, ok := b.queues[topic]
	if !ok {
		b.mu.RUnlock()
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return ErrBroadcasterClosed
		}
		q, ok = b.queues[topic]
		if !ok {
			q = make(chan delivery, b.queueSize)
			b.queues[topic] = q
			b.wg.Add(1)
			go b.drain(topic, q)
		}
		b.mu.Unlock()
		b.mu.RLock()
	}
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBroadcasterClosed
	}
	q <- delivery{event: event, subscribers: b.registry.SubscribersOf(topic)}
	b.metrics.ObservePublish(topic)
	return nil
}

// Consume publishes everything read from events on the event's own topic
// until the channel closes or ctx is done.
func (b *Broadcaster) Consume(ctx context.Context, events <-chan domain.MutationEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := b.Publish(ev.Topic, ev); err != nil {
				return err
			}
		}
	}
}

// Close stops accepting events, flushes the queues and waits for the drainers.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, q := range b.queues {
		close(q)
	}
	b.mu.Unlock()

	b.wg.Wait()
}

func (b *Broadcaster) drain(topic string, q <-chan delivery) {
	defer b.wg.Done()
	for d := range q {
		b.deliver(topic, d.event, d.subscribers)
	}
}

func (b *Broadcaster) deliver(topic string, ev domain.MutationEvent, subs []Subscriber) {
	for _, sub := range subs {
		if sub.Sink.Offer(ev) {
			b.metrics.ObserveDelivery(observability.DeliveryDelivered)
			continue
		}
		b.metrics.ObserveDelivery(observability.DeliveryDropped)
		if b.registry.Disconnect(sub.ID) {
			b.logger.Info("dropped unresponsive session",
				zap.String("session_id", string(sub.ID)),
				zap.String("topic", topic),
				zap.String("item_id", ev.ItemID),
			)
		}
	}
}
