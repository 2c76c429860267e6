package mcpgateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SessionState is the lifecycle state of a client session.
type SessionState int32

const (
	SessionActive SessionState = iota + 1
	SessionExpiring
	SessionTerminated
)

func (s SessionState) String() string {
	switch s {
	case SessionActive:
		return "active"
	case SessionExpiring:
		return "expiring"
	case SessionTerminated:
		return "terminated"
	default:
		return "none"
	}
}

// Session is one client's logical connection, identified by the
// Mcp-Session-Id header.
type Session struct {
	ID      string
	Created time.Time
	// ProtocolVersion is the version agreed during initialize.
	ProtocolVersion string

	lastActive atomic.Int64
	state      atomic.Int32
}

// LastActive returns the time of the session's most recent request.
func (s *Session) LastActive() time.Time { return time.Unix(0, s.lastActive.Load()) }

// State returns the session's lifecycle state.
func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

func (s *Session) touch(now time.Time) { s.lastActive.Store(now.UnixNano()) }

type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session

	ttl time.Duration
	now func() time.Time
	// release frees per-session resources when a session ends.
	release func(id string)
}

func newSessionStore(ttl time.Duration, release func(string)) *sessionStore {
	return &sessionStore{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		now:      time.Now,
		release:  release,
	}
}

func (st *sessionStore) create(version string) *Session {
	now := st.now()
	s := &Session{ID: uuid.NewString(), Created: now, ProtocolVersion: version}
	s.touch(now)
	s.state.Store(int32(SessionActive))
	st.mu.Lock()
	st.sessions[s.ID] = s
	st.mu.Unlock()
	return s
}

// get returns the active session with id and marks it used. An idle session
// past its TTL is expired on the spot.
func (st *sessionStore) get(id string) (*Session, bool) {
	now := st.now()
	st.mu.Lock()
	s, ok := st.sessions[id]
	if ok && st.expiredLocked(s, now) {
		st.detachLocked(s)
		st.mu.Unlock()
		st.finish(s)
		return nil, false
	}
	st.mu.Unlock()
	if !ok {
		return nil, false
	}
	s.touch(now)
	return s, true
}

// terminate ends the session with id. It reports false for unknown ids.
func (st *sessionStore) terminate(id string) bool {
	st.mu.Lock()
	s, ok := st.sessions[id]
	if ok {
		st.detachLocked(s)
	}
	st.mu.Unlock()
	if ok {
		st.finish(s)
	}
	return ok
}

// sweep expires every session idle past the TTL and returns their ids.
func (st *sessionStore) sweep() []string {
	if st.ttl <= 0 {
		return nil
	}
	now := st.now()
	var expired []*Session
	st.mu.Lock()
	for _, s := range st.sessions {
		if st.expiredLocked(s, now) {
			st.detachLocked(s)
			expired = append(expired, s)
		}
	}
	st.mu.Unlock()
	ids := make([]string, 0, len(expired))
	for _, s := range expired {
		st.finish(s)
		ids = append(ids, s.ID)
	}
	return ids
}

func (st *sessionStore) count() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

func (st *sessionStore) expiredLocked(s *Session, now time.Time) bool {
	return st.ttl > 0 && now.Sub(s.LastActive()) > st.ttl
}

// detachLocked unlists s and moves it to Expiring. Lookups miss from here on.
func (st *sessionStore) detachLocked(s *Session) {
	s.state.Store(int32(SessionExpiring))
	delete(st.sessions, s.ID)
}

// finish releases the resources of a detached session. The session stays
// Expiring until release returns.
func (st *sessionStore) finish(s *Session) {
	if st.release != nil {
		st.release(s.ID)
	}
	s.state.Store(int32(SessionTerminated))
}
