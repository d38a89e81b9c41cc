package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opentrusty/workshop/internal/observability/logger"
	"github.com/opentrusty/workshop/internal/observability/metrics"
)

// Idle policy. These are fixed, not configurable.
const (
	CheckInterval = 10 * time.Minute
	ActiveWindow  = 10 * time.Minute
	IdleCeiling   = 30 * time.Minute
)

// Qualifying input kinds. Anything else is passive activity.
const (
	ActivityPointerDown = "pointerdown"
	ActivityKeyDown     = "keydown"
	ActivityScroll      = "scroll"
	ActivityTouchStart  = "touchstart"
)

var qualifying = map[string]bool{
	ActivityPointerDown: true,
	ActivityKeyDown:     true,
	ActivityScroll:      true,
	ActivityTouchStart:  true,
}

// Qualifies reports whether kind counts as user input
func Qualifies(kind string) bool {
	return qualifying[kind]
}

// Terminator ends a session and sends the browsing context to login
type Terminator interface {
	Terminate(ctx context.Context, reason EndReason)
}

// CheckOutcome is the action a periodic check took
type CheckOutcome string

const (
	CheckTerminated CheckOutcome = "terminated"
	CheckProbed     CheckOutcome = "probed"
	CheckSkipped    CheckOutcome = "skipped"
)

// Monitor watches user activity and ends sessions that go idle
type Monitor struct {
	session *Session
	auth    Authority
	term    Terminator

	contextID string
	now       func() time.Time
	metrics   *metrics.Instruments

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// MonitorOption configures a Monitor
type MonitorOption func(*Monitor)

// WithMonitorClock overrides time.Now
func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) { m.now = now }
}

// WithMonitorMetrics attaches instruments
func WithMonitorMetrics(inst *metrics.Instruments) MonitorOption {
	return func(m *Monitor) { m.metrics = inst }
}

// WithMonitorContextID labels log lines with the owning browsing context
func WithMonitorContextID(id string) MonitorOption {
	return func(m *Monitor) { m.contextID = id }
}

// NewMonitor creates an idle monitor over s
func NewMonitor(s *Session, auth Authority, term Terminator, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		session: s,
		auth:    auth,
		term:    term,
		now:     time.Now,
		metrics: metrics.Noop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RecordActivity stamps lastActivityAt for qualifying input kinds
func (m *Monitor) RecordActivity(kind string) error {
	if !Qualifies(kind) {
		return ErrUnqualifiedActivity
	}
	m.session.Touch(m.now())
	return nil
}

// Start launches the periodic check. Calling it twice, or after Stop, is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done != nil || m.stopped {
		return
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.loop(ctx, m.done)
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.Check(ctx) == CheckTerminated {
				return
			}
		}
	}
}

// Stop releases the ticker and waits for the loop to exit. Safe to call more than once.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.stopped = true
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Check runs one periodic evaluation.
//
// Past IdleCeiling the session ends unconditionally. Under ActiveWindow the
// authority is asked for the current credential exactly once, and the session
// ends if it has none. Between the two nothing happens; a returning user's
// next protected call goes through the Supplier instead.
func (m *Monitor) Check(ctx context.Context) CheckOutcome {
	idle := m.session.IdleFor(m.now())

	switch {
	case idle > IdleCeiling:
		slog.InfoContext(ctx, "idle ceiling exceeded, ending session",
			logger.Component("session.monitor"),
			logger.ContextID(m.contextID),
			logger.IdleFor(idle),
		)
		m.metrics.IdleLogouts.Add(ctx, 1)
		m.term.Terminate(ctx, ReasonIdleTimeout)
		return CheckTerminated

	case idle < ActiveWindow:
		raw, err := m.auth.CurrentAccessToken(ctx)
		if err != nil || raw == "" {
			attrs := []any{
				logger.Component("session.monitor"),
				logger.ContextID(m.contextID),
				logger.IdleFor(idle),
			}
			if err != nil {
				attrs = append(attrs, logger.Error(err))
			}
			slog.WarnContext(ctx, "liveness probe returned no credential", attrs...)
			m.term.Terminate(ctx, ReasonNoCredential)
			return CheckTerminated
		}
		m.session.Store(raw, expiryOf(raw))
		return CheckProbed
	}

	return CheckSkipped
}
