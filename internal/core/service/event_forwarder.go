package service

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/rl1809/inventory-sync/internal/core/domain"
	"github.com/rl1809/inventory-sync/internal/port"
)

const DefaultOutletQueueSize = 1024

// TopicPublisher is the local fan-out target, normally *realtime.Broadcaster.
type TopicPublisher interface {
	Publish(topic string, event domain.MutationEvent) error
}

// EventForwarder drains the processor's event channel. Without a relay events
// go straight to the local broadcaster; with one they go through the relay
// and every instance (this one included) broadcasts what the relay delivers.
// Extra publishers receive every event; their failures are logged only.
//
// The relay and the extra publishers each get a bounded queue and their own
// goroutine, so a slow network publisher never backs up the processor. A
// full relay queue degrades to a local broadcast; a full publisher queue
// drops the event for that publisher.
type EventForwarder struct {
	local      TopicPublisher
	relay      port.EventPublisher
	publishers []port.EventPublisher
	logger     *zap.Logger
	queueSize  int
}

func NewEventForwarder(local TopicPublisher, relay port.EventPublisher, logger *zap.Logger, publishers ...port.EventPublisher) *EventForwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventForwarder{
		local:      local,
		relay:      relay,
		publishers: publishers,
		logger:     logger,
		queueSize:  DefaultOutletQueueSize,
	}
}

// outlet is one asynchronous publisher with its queue.
type outlet struct {
	name      string
	publisher port.EventPublisher
	queue     chan domain.MutationEvent
	// onError runs in the outlet goroutine when a publish fails.
	onError func(domain.MutationEvent, error)
}

// Run forwards until events is closed or ctx is done, then lets the outlets
// flush what they already queued before returning.
func (f *EventForwarder) Run(ctx context.Context, events <-chan domain.MutationEvent) error {
	var relay *outlet
	if f.relay != nil {
		relay = f.newOutlet("relay", f.relay, func(ev domain.MutationEvent, err error) {
			// Keep local sessions current even when the relay is down.
			f.logger.Error("relay publish failed, broadcasting locally", zap.String("event_id", ev.ID), zap.Error(err))
			f.publishLocal(ev)
		})
	}
	extra := make([]*outlet, 0, len(f.publishers))
	for _, p := range f.publishers {
		extra = append(extra, f.newOutlet("publisher", p, func(ev domain.MutationEvent, err error) {
			f.logger.Error("event publish failed", zap.String("event_id", ev.ID), zap.Error(err))
		}))
	}

	var wg sync.WaitGroup
	all := extra
	if relay != nil {
		all = append([]*outlet{relay}, extra...)
	}
	for _, o := range all {
		wg.Add(1)
		go func(o *outlet) {
			defer wg.Done()
			f.drain(ctx, o)
		}(o)
	}
	defer func() {
		for _, o := range all {
			close(o.queue)
		}
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			f.forward(ev, relay, extra)
		}
	}
}

func (f *EventForwarder) newOutlet(name string, p port.EventPublisher, onError func(domain.MutationEvent, error)) *outlet {
	return &outlet{
		name:      name,
		publisher: p,
		queue:     make(chan domain.MutationEvent, f.queueSize),
		onError:   onError,
	}
}

func (f *EventForwarder) forward(ev domain.MutationEvent, relay *outlet, extra []*outlet) {
	if relay == nil {
		f.publishLocal(ev)
	} else if !relay.offer(ev) {
		f.logger.Warn("relay queue full, broadcasting locally", zap.String("event_id", ev.ID))
		f.publishLocal(ev)
	}

	for _, o := range extra {
		if !o.offer(ev) {
			f.logger.Warn("publisher queue full, event dropped", zap.String("outlet", o.name), zap.String("event_id", ev.ID))
		}
	}
}

func (f *EventForwarder) drain(ctx context.Context, o *outlet) {
	for ev := range o.queue {
		if err := o.publisher.PublishEvent(ctx, ev); err != nil {
			o.onError(ev, err)
		}
	}
}

func (o *outlet) offer(ev domain.MutationEvent) bool {
	select {
	case o.queue <- ev:
		return true
	default:
		return false
	}
}

func (f *EventForwarder) publishLocal(ev domain.MutationEvent) {
	if err := f.local.Publish(ev.Topic, ev); err != nil {
		f.logger.Warn("broadcast skipped", zap.String("event_id", ev.ID), zap.Error(err))
	}
}
