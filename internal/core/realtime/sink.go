package realtime

import (
	"sync"

	"github.com/rl1809/inventory-sync/internal/core/domain"
)

// Sink receives events for one session. Offer must never block and returns
// false when the session cannot take the event. Close must be idempotent.
type Sink interface {
	Offer(event domain.MutationEvent) bool
	Close()
}

// BufferedSink is a bounded outbound queue drained by a transport writer.
type BufferedSink struct {
	events chan domain.MutationEvent
	done   chan struct{}
	once   sync.Once
}

func NewBufferedSink(size int) *BufferedSink {
	if size <= 0 {
		size = 1
	}
	return &BufferedSink{
		events: make(chan domain.MutationEvent, size),
		done:   make(chan struct{}),
	}
}

func (s *BufferedSink) Offer(event domain.MutationEvent) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.events <- event:
		return true
	default:
		return false
	}
}

func (s *BufferedSink) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *BufferedSink) Events() <-chan domain.MutationEvent {
	return s.events
}

// Done is closed once the sink is closed.
func (s *BufferedSink) Done() <-chan struct{} {
	return s.done
}
