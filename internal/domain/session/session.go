// Package session manages the opaque bearer tokens issued to the admin
// plane after PIN login. Sessions live in memory only; a restart logs the
// admin out.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is the default session lifetime.
const DefaultTTL = 30 * time.Minute

// Session is one logged-in admin token.
type Session struct {
	// Token is the opaque bearer value, a random UUID.
	Token string
	// CreatedAt is when the session was created (UTC).
	CreatedAt time.Time
	// ExpiresAt is when the session expires (UTC). Extended on use.
	ExpiresAt time.Time
	// LastAccess is the last time the session was used (UTC).
	LastAccess time.Time
}

// IsExpired reports whether the session is past its expiry at instant now.
func (s *Session) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Manager issues and validates admin sessions. Validation slides the
// expiry forward, so an active admin stays logged in.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
}

// NewManager creates a Manager. A non-positive ttl falls back to DefaultTTL.
func NewManager(ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		sessions: make(map[string]*Session),
		ttl:      ttl,
	}
}

// Create issues a new session. Expired sessions are purged on the way.
func (m *Manager) Create() *Session {
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	for token, s := range m.sessions {
		if s.IsExpired(now) {
			delete(m.sessions, token)
		}
	}

	s := &Session{
		Token:      uuid.NewString(),
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.ttl),
		LastAccess: now,
	}
	m.sessions[s.Token] = s
	return s
}

// Validate reports whether token names a live session. A hit refreshes the
// expiry; a stale entry is removed.
func (m *Manager) Validate(token string) bool {
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[token]
	if !ok {
		return false
	}
	if s.IsExpired(now) {
		delete(m.sessions, token)
		return false
	}
	s.LastAccess = now
	s.ExpiresAt = now.Add(m.ttl)
	return true
}

// Delete terminates a session. Unknown tokens are a no-op.
func (m *Manager) Delete(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
}

// Len returns the number of stored sessions, expired entries included.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
