package realtime

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/rl1809/inventory-sync/internal/observability"
)

var ErrUnknownSession = errors.New("unknown session")

type SessionID string

type Subscriber struct {
	ID   SessionID
	Sink Sink
}

type session struct {
	id     SessionID
	sink   Sink
	topics map[string]struct{}
}

// Registry holds connected sessions and their subscriptions. Sessions are
// created by Connect and gone for good after Disconnect.
type Registry struct {
	mu       sync.RWMutex
	sessions map[SessionID]*session
	topics   map[string][]SessionID // subscription order
	metrics  *observability.Metrics
}

func NewRegistry(metrics *observability.Metrics) *Registry {
	return &Registry{
		sessions: make(map[SessionID]*session),
		topics:   make(map[string][]SessionID),
		metrics:  metrics,
	}
}

func (r *Registry) Connect(sink Sink) SessionID {
	id := SessionID(uuid.NewString())

	r.mu.Lock()
	r.sessions[id] = &session{id: id, sink: sink, topics: make(map[string]struct{})}
	n := len(r.sessions)
	r.mu.Unlock()

	r.metrics.SetLiveSessions(n)
	return id
}

// Subscribe is idempotent.
func (r *Registry) Subscribe(id SessionID, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrUnknownSession
	}
	if _, ok := s.topics[topic]; ok {
		return nil
	}
	s.topics[topic] = struct{}{}
	r.topics[topic] = append(r.topics[topic], id)
	return nil
}

// Unsubscribe is idempotent.
func (r *Registry) Unsubscribe(id SessionID, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrUnknownSession
	}
	if _, ok := s.topics[topic]; !ok {
		return nil
	}
	delete(s.topics, topic)
	r.removeFromTopic(topic, id)
	return nil
}

// Disconnect removes the session and its subscriptions and closes its sink.
// It reports whether the session was still connected.
func (r *Registry) Disconnect(id SessionID) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		for topic := range s.topics {
			r.removeFromTopic(topic, id)
		}
		delete(r.sessions, id)
	}
	n := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		return false
	}
	s.sink.Close()
	r.metrics.SetLiveSessions(n)
	return true
}

// DisconnectAll drops every session and closes their sinks. It returns the
// number of sessions that were connected.
func (r *Registry) DisconnectAll() int {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[SessionID]*session)
	r.topics = make(map[string][]SessionID)
	r.mu.Unlock()

	for _, s := range sessions {
		s.sink.Close()
	}
	r.metrics.SetLiveSessions(0)
	return len(sessions)
}

// SubscribersOf returns a point-in-time copy of the topic's subscribers.
func (r *Registry) SubscribersOf(topic string) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.topics[topic]
	out := make([]Subscriber, 0, len(ids))
	for _, id := range ids {
		out = append(out, Subscriber{ID: id, Sink: r.sessions[id].sink})
	}
	return out
}

func (r *Registry) Topics(id SessionID) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrUnknownSession
	}
	out := make([]string, 0, len(s.topics))
	for topic := range s.topics {
		out = append(out, topic)
	}
	return out, nil
}

func (r *Registry) Connected(id SessionID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[id]
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// removeFromTopic requires r.mu held for writing.
func (r *Registry) removeFromTopic(topic string, id SessionID) {
	ids := r.topics[topic]
	for i, sid := range ids {
		if sid == id {
			ids = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(r.topics, topic)
		return
	}
	r.topics[topic] = ids
}
