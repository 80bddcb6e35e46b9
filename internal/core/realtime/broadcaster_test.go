package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/inventory-sync/internal/core/domain"
	"github.com/rl1809/inventory-sync/internal/observability"
)

func testEvent(itemID string, revision int64) domain.MutationEvent {
	return domain.MutationEvent{
		ID:          itemID + "-" + time.Now().String(),
		ItemID:      itemID,
		Topic:       domain.InventoryTopic,
		NewQuantity: int(revision),
		Revision:    revision,
		OccurredAt:  time.Now(),
	}
}

// recordingSink keeps every offered event; refuse makes it behave like a dead session.
type recordingSink struct {
	mu      sync.Mutex
	events  []domain.MutationEvent
	refuse  bool
	closed  bool
	onOffer func()
}

func (s *recordingSink) Offer(ev domain.MutationEvent) bool {
	if s.onOffer != nil {
		s.onOffer()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refuse || s.closed {
		return false
	}
	s.events = append(s.events, ev)
	return true
}

func (s *recordingSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *recordingSink) received() []domain.MutationEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.MutationEvent(nil), s.events...)
}

func (s *recordingSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func TestBroadcaster_DeliversInOrderToAllSubscribers(t *testing.T) {
	r := NewRegistry(nil)
	b := NewBroadcaster(r, BroadcasterOptions{})

	sinks := []*recordingSink{{}, {}, {}}
	for _, s := range sinks {
		id := r.Connect(s)
		require.NoError(t, r.Subscribe(id, domain.InventoryTopic))
	}
	other := &recordingSink{}
	otherID := r.Connect(other)
	require.NoError(t, r.Subscribe(otherID, "/elsewhere"))

	for rev := int64(1); rev <= 50; rev++ {
		require.NoError(t, b.Publish(domain.InventoryTopic, testEvent("item-1", rev)))
	}
	b.Close()

	for _, s := range sinks {
		got := s.received()
		require.Len(t, got, 50)
		for i, ev := range got {
			assert.Equal(t, int64(i+1), ev.Revision)
		}
	}
	assert.Empty(t, other.received())
}

func TestBroadcaster_OnlySubscribersAtPublishTime(t *testing.T) {
	r := NewRegistry(nil)
	b := NewBroadcaster(r, BroadcasterOptions{})

	early := &recordingSink{}
	earlyID := r.Connect(early)
	require.NoError(t, r.Subscribe(earlyID, domain.InventoryTopic))

	require.NoError(t, b.Publish(domain.InventoryTopic, testEvent("item-1", 1)))

	late := &recordingSink{}
	lateID := r.Connect(late)
	require.NoError(t, r.Subscribe(lateID, domain.InventoryTopic))
	b.Close()

	assert.Len(t, early.received(), 1)
	assert.Empty(t, late.received(), "no replay for late joiners")
}

func TestBroadcaster_DropsDeadSession(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	r := NewRegistry(metrics)
	b := NewBroadcaster(r, BroadcasterOptions{Metrics: metrics})

	healthy := &recordingSink{}
	dead := &recordingSink{refuse: true}
	healthyID := r.Connect(healthy)
	deadID := r.Connect(dead)
	require.NoError(t, r.Subscribe(deadID, domain.InventoryTopic))
	require.NoError(t, r.Subscribe(healthyID, domain.InventoryTopic))

	require.NoError(t, b.Publish(domain.InventoryTopic, testEvent("item-1", 1)))
	require.NoError(t, b.Publish(domain.InventoryTopic, testEvent("item-1", 2)))
	b.Close()

	assert.Len(t, healthy.received(), 2)
	assert.False(t, r.Connected(deadID))
	assert.True(t, dead.isClosed())
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.DeliveryCounter(observability.DeliveryDelivered)))
	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.DeliveryCounter(observability.DeliveryDropped)), 1.0)
}

func TestBroadcaster_SlowSessionDoesNotBlockOthers(t *testing.T) {
	r := NewRegistry(nil)
	b := NewBroadcaster(r, BroadcasterOptions{})

	slow := NewBufferedSink(1) // never drained
	fast := &recordingSink{}
	slowID := r.Connect(slow)
	fastID := r.Connect(fast)
	require.NoError(t, r.Subscribe(slowID, domain.InventoryTopic))
	require.NoError(t, r.Subscribe(fastID, domain.InventoryTopic))

	for rev := int64(1); rev <= 10; rev++ {
		require.NoError(t, b.Publish(domain.InventoryTopic, testEvent("item-1", rev)))
	}
	b.Close()

	assert.Len(t, fast.received(), 10)
	assert.False(t, r.Connected(slowID), "overflowing session is pruned")
	assert.True(t, r.Connected(fastID))
}

func TestBroadcaster_DisconnectDuringBroadcast(t *testing.T) {
	r := NewRegistry(nil)
	b := NewBroadcaster(r, BroadcasterOptions{})

	var leavingID SessionID
	first := &recordingSink{}
	leaving := &recordingSink{}
	last := &recordingSink{}
	// The first delivery disconnects the second subscriber mid-iteration.
	first.onOffer = func() { r.Disconnect(leavingID) }

	firstID := r.Connect(first)
	leavingID = r.Connect(leaving)
	lastID := r.Connect(last)
	for _, id := range []SessionID{firstID, leavingID, lastID} {
		require.NoError(t, r.Subscribe(id, domain.InventoryTopic))
	}

	require.NoError(t, b.Publish(domain.InventoryTopic, testEvent("item-1", 1)))
	b.Close()

	assert.Len(t, first.received(), 1)
	assert.Empty(t, leaving.received())
	assert.Len(t, last.received(), 1)
	assert.Equal(t, 2, r.Len())
}

func TestBroadcaster_Consume(t *testing.T) {
	r := NewRegistry(nil)
	b := NewBroadcaster(r, BroadcasterOptions{})

	sink := &recordingSink{}
	id := r.Connect(sink)
	require.NoError(t, r.Subscribe(id, domain.InventoryTopic))

	events := make(chan domain.MutationEvent, 3)
	for rev := int64(1); rev <= 3; rev++ {
		events <- testEvent("item-1", rev)
	}
	close(events)

	require.NoError(t, b.Consume(context.Background(), events))
	b.Close()
	assert.Len(t, sink.received(), 3)
}

func TestBroadcaster_ConsumeStopsOnContext(t *testing.T) {
	b := NewBroadcaster(NewRegistry(nil), BroadcasterOptions{})
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.Consume(ctx, make(chan domain.MutationEvent))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBroadcaster_PublishAfterClose(t *testing.T) {
	b := NewBroadcaster(NewRegistry(nil), BroadcasterOptions{})
	require.NoError(t, b.Publish(domain.InventoryTopic, testEvent("item-1", 1)))
	b.Close()
	b.Close()

	assert.ErrorIs(t, b.Publish(domain.InventoryTopic, testEvent("item-1", 2)), ErrBroadcasterClosed)
	assert.ErrorIs(t, b.Publish("/new-topic", testEvent("item-1", 2)), ErrBroadcasterClosed)
}

func TestBroadcaster_ConcurrentPublishers(t *testing.T) {
	r := NewRegistry(nil)
	b := NewBroadcaster(r, BroadcasterOptions{QueueSize: 4})

	sink := &recordingSink{}
	id := r.Connect(sink)
	require.NoError(t, r.Subscribe(id, domain.InventoryTopic))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, b.Publish(domain.InventoryTopic, testEvent("item", int64(i))))
		}(i)
	}
	wg.Wait()
	b.Close()

	assert.Len(t, sink.received(), 20)
}
