package notify

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// WSSession is one connected dashboard or actor session.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(ev)
}

// WSRegistry fans events out to connected sessions keyed by actor id.
// It is the render-side event feed; authoritative records never leave
// the store through it.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	return &WSRegistry{sessions: make(map[string]*WSSession), logger: logger}
}

func (r *WSRegistry) Add(actorID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[actorID] = &WSSession{conn: conn}
}

// Connected reports whether a session exists for the actor.
func (r *WSRegistry) Connected(actorID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[actorID]
	return ok
}

func (r *WSRegistry) Remove(actorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, actorID)
}

// Publish delivers an event to one session, if connected.
func (r *WSRegistry) Publish(actorID string, ev Event) bool {
	r.mu.RLock()
	s, ok := r.sessions[actorID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if err := s.Send(ev); err != nil {
		if r.logger != nil {
			r.logger.Warn("ws send failed, dropping session", "actor_id", actorID, "error", err)
		}
		r.Remove(actorID)
		return false
	}
	return true
}

// Broadcast delivers an event to every connected session.
func (r *WSRegistry) Broadcast(ev Event) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		r.Publish(id, ev)
	}
}
