package session

import (
	"errors"
	"sync"
	"time"
)

// Domain errors
var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionEnded        = errors.New("session ended")
	ErrUnqualifiedActivity = errors.New("activity kind does not count as user input")
)

// EndReason says why a browsing context lost its session
type EndReason string

const (
	ReasonLogout           EndReason = "logout"
	ReasonIdleTimeout      EndReason = "idle_timeout"
	ReasonNoCredential     EndReason = "no_credential"
	ReasonRefreshFailed    EndReason = "refresh_failed"
	ReasonTransportFailure EndReason = "transport_failure"
	ReasonUnauthenticated  EndReason = "bootstrap_unauthenticated"
)

// Session is the in-memory credential state of one browsing context.
// The authority owns the durable copy through its cookies.
type Session struct {
	mu sync.Mutex

	accessToken     string
	expiresAt       time.Time
	lastActivityAt  time.Time
	refreshInFlight bool

	ended     bool
	endReason EndReason
}

// New creates a session whose activity clock starts at now
func New(now time.Time) *Session {
	return &Session{lastActivityAt: now}
}

// Token returns the cached credential and its expiry. An empty string means
// nothing is cached.
func (s *Session) Token() (string, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessToken, s.expiresAt
}

// Store caches a credential
func (s *Session) Store(raw string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessToken = raw
	s.expiresAt = expiresAt
}

// Clear drops the cached credential
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessToken = ""
	s.expiresAt = time.Time{}
}

// Touch records user input at the given instant. Older instants are ignored
// so that lastActivityAt never moves backwards.
func (s *Session) Touch(at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !at.After(s.lastActivityAt) {
		return false
	}
	s.lastActivityAt = at
	return true
}

// LastActivity returns the instant of the latest qualifying input
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivityAt
}

// IdleFor returns now - lastActivityAt, never negative
func (s *Session) IdleFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := now.Sub(s.lastActivityAt)
	if d < 0 {
		return 0
	}
	return d
}

// RefreshInFlight reports whether a forced refresh is currently running
func (s *Session) RefreshInFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshInFlight
}

func (s *Session) setRefreshInFlight(v bool) {
	s.mu.Lock()
	s.refreshInFlight = v
	s.mu.Unlock()
}

// End marks the session as torn down. Only the first call records a reason
// and returns true.
func (s *Session) End(reason EndReason) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.ended = true
	s.endReason = reason
	s.accessToken = ""
	s.expiresAt = time.Time{}
	return true
}

// Ended reports whether the session was torn down and why
func (s *Session) Ended() (EndReason, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endReason, s.ended
}
