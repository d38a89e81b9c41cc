package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/opentrusty/workshop/internal/authority"
)

// fakeAuthority mimics the identity provider. A refresh rotates the current
// credential the way the real cookie-backed endpoint does.
type fakeAuthority struct {
	mu         sync.Mutex
	current    string
	currentErr error
	refreshed  string
	refreshErr error
	user       *authority.User
	userErr    error
	logoutErr  error

	refreshDelay time.Duration
	refreshGate  chan struct{}

	tokenCalls   atomic.Int32
	refreshCalls atomic.Int32
	logoutCalls  atomic.Int32
	userCalls    atomic.Int32
}

func (f *fakeAuthority) CurrentAccessToken(ctx context.Context) (string, error) {
	f.tokenCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, f.currentErr
}

func (f *fakeAuthority) RefreshAccessToken(ctx context.Context) (string, error) {
	f.refreshCalls.Add(1)
	if f.refreshGate != nil {
		<-f.refreshGate
	}
	if f.refreshDelay > 0 {
		time.Sleep(f.refreshDelay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refreshErr != nil {
		return "", f.refreshErr
	}
	f.current = f.refreshed
	return f.refreshed, nil
}

func (f *fakeAuthority) ForceLogout(ctx context.Context) error {
	f.logoutCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = ""
	return f.logoutErr
}

func (f *fakeAuthority) CurrentUser(ctx context.Context) (*authority.User, error) {
	f.userCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.user, f.userErr
}

type recordingNavigator struct {
	mu      sync.Mutex
	reasons []EndReason
}

func (n *recordingNavigator) ToLogin(ctx context.Context, reason EndReason) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reasons = append(n.reasons, reason)
}

func (n *recordingNavigator) calls() []EndReason {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]EndReason(nil), n.reasons...)
}

type recordingTerminator struct {
	mu      sync.Mutex
	reasons []EndReason
}

func (r *recordingTerminator) Terminate(ctx context.Context, reason EndReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
}

func (r *recordingTerminator) calls() []EndReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EndReason(nil), r.reasons...)
}

// fixedClock is a settable clock
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fixedClock {
	return &fixedClock{now: time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// mintToken returns an unsigned-looking JWT expiring at exp
func mintToken(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": exp.Unix(),
	}).SignedString([]byte("test"))
	require.NoError(t, err)
	return raw
}
