package gate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentrusty/workshop/internal/authority"
)

type recordingNavigator struct {
	mu        sync.Mutex
	locations []string
}

func (n *recordingNavigator) FullRedirect(location string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.locations = append(n.locations, location)
}

func (n *recordingNavigator) calls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.locations...)
}

// TestPurpose: Validates that an authenticated bootstrap resolving inside the grace period never redirects.
// Scope: Unit Test
// Expected: State stays Mounting until the grace elapses, then becomes Authenticated with no navigation.
// Test Case ID: BOOT-01
func TestBootstrapGate_UserBeforeGrace(t *testing.T) {
	nav := &recordingNavigator{}
	g := NewBootstrapGate(nav)

	start := time.Now()
	g.Mount()
	assert.Equal(t, StateMounting, g.State())

	time.AfterFunc(200*time.Millisecond, func() {
		g.Resolve(&authority.User{ID: "u-1"})
	})

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, StateMounting, g.State(), "loading must persist until the grace elapses")

	state, err := g.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, state)
	assert.GreaterOrEqual(t, time.Since(start), GracePeriod)
	assert.Empty(t, nav.calls())
	assert.Equal(t, "u-1", g.User().ID)

	g.Unmount()
}

// TestPurpose: Validates that an unauthenticated bootstrap resolving after the grace causes exactly one full redirect.
// Scope: Unit Test
// Expected: One FullRedirect("/login"); state UnauthenticatedRedirecting.
// Test Case ID: BOOT-02
func TestBootstrapGate_NoUserAfterGrace(t *testing.T) {
	nav := &recordingNavigator{}
	g := NewBootstrapGate(nav)

	g.Mount()
	time.Sleep(GracePeriod + 100*time.Millisecond)
	assert.Equal(t, StateMounting, g.State(), "no verdict without a resolved bootstrap")
	assert.Empty(t, nav.calls())

	g.Resolve(nil)
	g.Resolve(nil)

	state, err := g.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateUnauthenticatedRedirecting, state)
	assert.Equal(t, []string{"/login"}, nav.calls())

	g.Unmount()
	assert.Equal(t, []string{"/login"}, nav.calls())
}

func TestBootstrapGate_NoUserBeforeGrace(t *testing.T) {
	nav := &recordingNavigator{}
	g := NewBootstrapGate(nav, WithLoginPath("/entrar"))
	g.grace = 50 * time.Millisecond

	g.Mount()
	g.Resolve(nil)
	assert.Equal(t, StateUnauthenticatedGrace, g.State())
	assert.Empty(t, nav.calls())

	state, err := g.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateUnauthenticatedRedirecting, state)
	assert.Equal(t, []string{"/entrar"}, nav.calls())
}

func TestBootstrapGate_UnmountStopsTimer(t *testing.T) {
	nav := &recordingNavigator{}
	g := NewBootstrapGate(nav)
	g.grace = 50 * time.Millisecond

	g.Mount()
	g.Resolve(nil)
	g.Unmount()

	_, err := g.Wait(context.Background())
	assert.ErrorIs(t, err, ErrUnmounted)

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, nav.calls())
	assert.Equal(t, StateUnmounted, g.State())

	// A torn-down gate cannot be mounted again
	g.Mount()
	assert.Equal(t, StateUnmounted, g.State())
}

func TestBootstrapGate_WaitHonoursContext(t *testing.T) {
	g := NewBootstrapGate(&recordingNavigator{})
	g.Mount()
	defer g.Unmount()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	state, err := g.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateMounting, state)
}

func TestBootstrapGate_ResolveBeforeMount(t *testing.T) {
	nav := &recordingNavigator{}
	g := NewBootstrapGate(nav)
	g.grace = 20 * time.Millisecond

	g.Resolve(&authority.User{ID: "u-2"})
	assert.Equal(t, StateUnmounted, g.State())

	g.Mount()
	state, err := g.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, state)
	assert.Empty(t, nav.calls())
}
