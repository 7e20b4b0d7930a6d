package web

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// session is a time-boxed authorization context minted at handshake.
type session struct {
	id           string
	remoteAddr   string
	createdAt    time.Time
	lastActivity time.Time
}

// sessionStore tracks live sessions and evicts them after the inactivity
// window, independently of traffic.
type sessionStore struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

func newSessionStore(ttl time.Duration) *sessionStore {
	return &sessionStore{
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[string]*session),
	}
}

// mint creates a session for a successfully handshaken client.
func (s *sessionStore) mint(remoteAddr string) *session {
	now := s.now()
	sess := &session{
		id:           uuid.NewString(),
		remoteAddr:   remoteAddr,
		createdAt:    now,
		lastActivity: now,
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	return sess
}

// touch validates a session id and refreshes its activity timestamp. Expired
// sessions are evicted on sight.
func (s *sessionStore) touch(id string) bool {
	if id == "" {
		return false
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return false
	}
	if now.Sub(sess.lastActivity) > s.ttl {
		delete(s.sessions, id)
		return false
	}
	sess.lastActivity = now
	return true
}

// sweep evicts every session whose inactivity exceeds the window.
func (s *sessionStore) sweep() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		if now.Sub(sess.lastActivity) > s.ttl {
			delete(s.sessions, id)
		}
	}
}

// startSweeper runs the periodic eviction until the context ends.
func (s *sessionStore) startSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

func (s *sessionStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
