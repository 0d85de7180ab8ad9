package bridge

import (
	"sync"

	"github.com/saaga0h/mqtt-explorer/pkg/mqtt"
)

// brokerSession is the MQTT side of one WebSocket connection
type brokerSession struct {
	gen    uint64
	client mqtt.Client

	mu     sync.Mutex
	topics map[string]byte
}

func newBrokerSession(gen uint64) *brokerSession {
	return &brokerSession{
		gen:    gen,
		topics: make(map[string]byte),
	}
}

func (s *brokerSession) addTopic(topic string, qos byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics[topic] = qos
}

func (s *brokerSession) removeTopic(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.topics, topic)
}

// Topics returns a copy of the subscribed topics
func (s *brokerSession) Topics() map[string]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]byte, len(s.topics))
	for t, q := range s.topics {
		out[t] = q
	}
	return out
}

// Registry maps WebSocket connection IDs to their broker session. Each entry
// is only touched by its own connection's handlers; the lock makes insert and
// delete atomic for readers such as the status endpoint.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*brokerSession
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*brokerSession),
	}
}

// Put installs a session for the connection, returning the one it replaced
func (r *Registry) Put(connID string, s *brokerSession) *brokerSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.sessions[connID]
	r.sessions[connID] = s
	return prev
}

// Get returns the session for the connection, or nil
func (r *Registry) Get(connID string) *brokerSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[connID]
}

// Remove deletes and returns the session for the connection
func (r *Registry) Remove(connID string) *brokerSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[connID]
	delete(r.sessions, connID)
	return s
}

// RemoveIf deletes the connection's session only if it is s
func (r *Registry) RemoveIf(connID string, s *brokerSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[connID] != s {
		return false
	}
	delete(r.sessions, connID)
	return true
}

// Len returns the number of live broker sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ConnectedCount returns the number of sessions currently connected to a broker
func (r *Registry) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.sessions {
		if s.client != nil && s.client.IsConnected() {
			n++
		}
	}
	return n
}

// Drain removes and returns every session
func (r *Registry) Drain() []*brokerSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*brokerSession, 0, len(r.sessions))
	for id, s := range r.sessions {
		out = append(out, s)
		delete(r.sessions, id)
	}
	return out
}
