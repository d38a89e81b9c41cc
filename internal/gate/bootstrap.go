package gate

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/opentrusty/workshop/internal/authority"
	"github.com/opentrusty/workshop/internal/observability/logger"
	"github.com/opentrusty/workshop/internal/observability/metrics"
)

// GracePeriod is how long the gate holds an unauthenticated verdict back
// while the auth bootstrap settles.
const GracePeriod = time.Second

// ErrUnmounted is returned by Wait when the gate is torn down before it settles
var ErrUnmounted = errors.New("bootstrap gate unmounted")

// State of a BootstrapGate
type State int

const (
	StateUnmounted State = iota
	StateMounting
	StateAuthenticated
	StateUnauthenticatedGrace
	StateUnauthenticatedRedirecting
)

func (s State) String() string {
	switch s {
	case StateUnmounted:
		return "unmounted"
	case StateMounting:
		return "mounting"
	case StateAuthenticated:
		return "authenticated"
	case StateUnauthenticatedGrace:
		return "unauthenticated_grace"
	case StateUnauthenticatedRedirecting:
		return "unauthenticated_redirecting"
	default:
		return "unknown"
	}
}

// Settled reports whether s is a terminal state
func (s State) Settled() bool {
	return s == StateAuthenticated || s == StateUnauthenticatedRedirecting
}

// Navigator performs a full navigation, discarding in-memory page state
type Navigator interface {
	FullRedirect(location string)
}

// BootstrapGate holds a protected view in its loading state until the auth
// bootstrap has resolved and the grace timer has elapsed, whichever is later.
type BootstrapGate struct {
	nav       Navigator
	loginPath string
	grace     time.Duration
	metrics   *metrics.Instruments

	mu           sync.Mutex
	state        State
	resolved     bool
	graceElapsed bool
	unmounted    bool
	navigated    bool
	user         *authority.User
	timer        *time.Timer
	changed      chan struct{}
}

// BootstrapOption configures a BootstrapGate
type BootstrapOption func(*BootstrapGate)

// WithLoginPath sets the full-navigation target for unauthenticated views
func WithLoginPath(p string) BootstrapOption {
	return func(g *BootstrapGate) { g.loginPath = p }
}

// WithBootstrapMetrics attaches instruments
func WithBootstrapMetrics(inst *metrics.Instruments) BootstrapOption {
	return func(g *BootstrapGate) { g.metrics = inst }
}

// NewBootstrapGate creates an unmounted gate
func NewBootstrapGate(nav Navigator, opts ...BootstrapOption) *BootstrapGate {
	g := &BootstrapGate{
		nav:       nav,
		loginPath: "/login",
		grace:     GracePeriod,
		metrics:   metrics.Noop(),
		changed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Mount enters Mounting and starts the one-shot grace timer. Only the first
// call on a fresh gate has any effect.
func (g *BootstrapGate) Mount() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StateUnmounted || g.unmounted {
		return
	}
	g.state = StateMounting
	g.timer = time.AfterFunc(g.grace, g.elapse)
	g.notifyLocked()
}

// Resolve records the bootstrap outcome. A nil user means unauthenticated.
// Only the first call counts.
func (g *BootstrapGate) Resolve(user *authority.User) {
	g.mu.Lock()
	if g.resolved || g.unmounted {
		g.mu.Unlock()
		return
	}
	g.resolved = true
	g.user = user
	if user == nil && g.state == StateMounting && !g.graceElapsed {
		g.state = StateUnauthenticatedGrace
	}
	redirect := g.settleLocked()
	g.mu.Unlock()

	g.finish(redirect)
}

func (g *BootstrapGate) elapse() {
	g.mu.Lock()
	if g.unmounted || g.state.Settled() {
		g.mu.Unlock()
		return
	}
	g.graceElapsed = true
	redirect := g.settleLocked()
	g.mu.Unlock()

	g.finish(redirect)
}

// settleLocked moves to a terminal state once both conditions hold and
// reports whether a redirect is owed.
func (g *BootstrapGate) settleLocked() bool {
	if !g.resolved || !g.graceElapsed || g.state.Settled() {
		g.notifyLocked()
		return false
	}

	outcome := "authenticated"
	redirect := false
	if g.user != nil {
		g.state = StateAuthenticated
	} else {
		g.state = StateUnauthenticatedRedirecting
		outcome = "unauthenticated"
		redirect = true
	}
	metrics.Count(context.Background(), g.metrics.BootstrapOutcomes, "outcome", outcome)
	if !redirect {
		g.notifyLocked()
	}
	return redirect
}

// finish performs the owed redirect, then wakes waiters, so that Wait never
// returns UnauthenticatedRedirecting before the navigation was issued.
func (g *BootstrapGate) finish(redirect bool) {
	if !redirect {
		return
	}
	slog.Info("bootstrap found no session, redirecting",
		logger.Component("gate.bootstrap"),
		logger.State(StateUnauthenticatedRedirecting.String()),
	)
	g.nav.FullRedirect(g.loginPath)

	g.mu.Lock()
	g.navigated = true
	g.notifyLocked()
	g.mu.Unlock()
}

func (g *BootstrapGate) notifyLocked() {
	close(g.changed)
	g.changed = make(chan struct{})
}

// State returns the current state
func (g *BootstrapGate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// User returns the bootstrapped user once the gate is Authenticated
func (g *BootstrapGate) User() *authority.User {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StateAuthenticated {
		return nil
	}
	return g.user
}

// Wait blocks until the gate settles, is unmounted, or ctx is done
func (g *BootstrapGate) Wait(ctx context.Context) (State, error) {
	for {
		g.mu.Lock()
		state, unmounted, ch := g.state, g.unmounted, g.changed
		done := state == StateAuthenticated || (state == StateUnauthenticatedRedirecting && g.navigated)
		g.mu.Unlock()

		if done {
			return state, nil
		}
		if unmounted {
			return state, ErrUnmounted
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return state, ctx.Err()
		}
	}
}

// Unmount stops the grace timer whatever the state and releases waiters
func (g *BootstrapGate) Unmount() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	if g.unmounted {
		return
	}
	g.unmounted = true
	if !g.state.Settled() {
		g.state = StateUnmounted
	}
	g.notifyLocked()
}
