// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/opentrusty/workshop/internal/audit"
	"github.com/opentrusty/workshop/internal/gate"
	"github.com/opentrusty/workshop/internal/observability/logger"
	"github.com/opentrusty/workshop/internal/observability/metrics"
)

const bootstrapTimeout = 10 * time.Second

// CookieJar is implemented by authorities that hold the browser's session
// cookies on its behalf.
type CookieJar interface {
	SeedCookies(cookies []*http.Cookie)
	Cookies() []*http.Cookie
}

// ControllerConfig holds the collaborators of one browsing context
type ControllerConfig struct {
	ID        string
	Auth      Authority
	LoginPath string
	Audit     audit.Logger
	Metrics   *metrics.Instruments
	Tracer    trace.Tracer
	Now       func() time.Time
}

// Controller owns the session state of one browsing context: its credential
// cache, idle monitor, bootstrap gate and event stream.
type Controller struct {
	id        string
	loginPath string
	createdAt time.Time

	auth     Authority
	session  *Session
	supplier *Supplier
	monitor  *Monitor
	gate     *gate.BootstrapGate
	hub      *Hub

	audit   audit.Logger
	metrics *metrics.Instruments

	bootOnce    sync.Once
	disposeOnce sync.Once
}

// NewController wires a controller. Call Start to launch the idle monitor.
func NewController(cfg ControllerConfig) *Controller {
	if cfg.LoginPath == "" {
		cfg.LoginPath = "/login"
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.NewSlogLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	c := &Controller{
		id:        cfg.ID,
		loginPath: cfg.LoginPath,
		createdAt: cfg.Now(),
		auth:      cfg.Auth,
		session:   New(cfg.Now()),
		hub:       NewHub(),
		audit:     cfg.Audit,
		metrics:   cfg.Metrics,
	}
	c.supplier = NewSupplier(c.session, cfg.Auth, c,
		WithContextID(cfg.ID),
		WithSupplierClock(cfg.Now),
		WithSupplierTelemetry(cfg.Tracer, cfg.Metrics),
	)
	c.monitor = NewMonitor(c.session, cfg.Auth, c,
		WithMonitorContextID(cfg.ID),
		WithMonitorClock(cfg.Now),
		WithMonitorMetrics(cfg.Metrics),
	)
	c.gate = gate.NewBootstrapGate(c,
		gate.WithLoginPath(cfg.LoginPath),
		gate.WithBootstrapMetrics(cfg.Metrics),
	)

	c.metrics.ActiveControllers.Add(context.Background(), 1)
	return c
}

// Start launches the idle monitor
func (c *Controller) Start(ctx context.Context) {
	c.monitor.Start(ctx)
}

func (c *Controller) ID() string                { return c.id }
func (c *Controller) Session() *Session         { return c.session }
func (c *Controller) Supplier() *Supplier       { return c.supplier }
func (c *Controller) Monitor() *Monitor         { return c.monitor }
func (c *Controller) Gate() *gate.BootstrapGate { return c.gate }
func (c *Controller) Hub() *Hub                 { return c.hub }

// Ended reports whether the session of this context was torn down
func (c *Controller) Ended() bool {
	_, ended := c.session.Ended()
	return ended
}

// GetToken returns a usable credential for a protected call
func (c *Controller) GetToken(ctx context.Context) (string, bool) {
	if c.Ended() {
		return "", false
	}
	return c.supplier.GetToken(ctx)
}

// Invalidate implements authority.Invalidator
func (c *Controller) Invalidate() {
	c.supplier.Invalidate()
}

// RecordActivity forwards browser input to the idle monitor
func (c *Controller) RecordActivity(ctx context.Context, kind string) error {
	if c.Ended() {
		return ErrSessionEnded
	}
	err := c.monitor.RecordActivity(kind)
	if errors.Is(err, ErrUnqualifiedActivity) {
		c.audit.Log(ctx, audit.Event{
			Type:      audit.TypeActivityRejected,
			ContextID: c.id,
			Metadata:  map[string]any{"kind": kind},
		})
	}
	return err
}

// Bootstrap mounts the gate on first use, resolves it with the authority's
// view of the user and waits for its verdict.
func (c *Controller) Bootstrap(ctx context.Context) (gate.State, error) {
	c.bootOnce.Do(func() {
		c.gate.Mount()

		bctx := context.WithoutCancel(ctx)
		go func() {
			bctx, cancel := context.WithTimeout(bctx, bootstrapTimeout)
			defer cancel()

			user, err := c.auth.CurrentUser(bctx)
			if err != nil {
				slog.WarnContext(bctx, "auth bootstrap failed",
					logger.Component("session.controller"),
					logger.ContextID(c.id),
					logger.Error(err),
				)
				user = nil
			}
			c.gate.Resolve(user)
		}()
	})
	return c.gate.Wait(ctx)
}

// SeedCookies hands the browser's session cookies to the authority client
func (c *Controller) SeedCookies(cookies []*http.Cookie) {
	if jar, ok := c.auth.(CookieJar); ok {
		jar.SeedCookies(cookies)
	}
}

// Cookies returns the session cookies the authority currently holds
func (c *Controller) Cookies() []*http.Cookie {
	if jar, ok := c.auth.(CookieJar); ok {
		return jar.Cookies()
	}
	return nil
}

// ToLogin implements Navigator
func (c *Controller) ToLogin(ctx context.Context, reason EndReason) {
	c.end(ctx, reason, c.loginPath)
}

// FullRedirect implements gate.Navigator
func (c *Controller) FullRedirect(location string) {
	c.end(context.Background(), ReasonUnauthenticated, location)
}

// Terminate implements Terminator: the authority forgets the session, then
// the browser is sent to login.
func (c *Controller) Terminate(ctx context.Context, reason EndReason) {
	if c.Ended() {
		return
	}
	if err := c.auth.ForceLogout(ctx); err != nil {
		slog.WarnContext(ctx, "force logout failed",
			logger.Component("session.controller"),
			logger.ContextID(c.id),
			logger.Reason(string(reason)),
			logger.Error(err),
		)
	}
	c.end(ctx, reason, c.loginPath)
}

// Logout ends the session on user request and releases the controller
func (c *Controller) Logout(ctx context.Context) error {
	err := c.auth.ForceLogout(ctx)
	c.end(ctx, ReasonLogout, c.loginPath)
	c.Dispose()
	return err
}

func (c *Controller) end(ctx context.Context, reason EndReason, location string) {
	if !c.session.End(reason) {
		return
	}

	c.hub.Publish(NewEvent(EventRedirect, location, reason))
	c.audit.Log(ctx, audit.Event{
		Type:      auditType(reason),
		ContextID: c.id,
		Resource:  location,
		Reason:    string(reason),
	})
	slog.InfoContext(ctx, "session ended",
		logger.Component("session.controller"),
		logger.ContextID(c.id),
		logger.Reason(string(reason)),
	)
}

// Dispose stops the monitor, unmounts the gate and closes the event stream.
// Safe to call more than once.
func (c *Controller) Dispose() {
	c.disposeOnce.Do(func() {
		c.monitor.Stop()
		c.gate.Unmount()
		c.hub.Publish(NewEvent(EventEnded, "", ""))
		c.hub.Close()
		c.metrics.ActiveControllers.Add(context.Background(), -1)

		reason, _ := c.session.Ended()
		c.audit.Log(context.Background(), audit.Event{
			Type:      audit.TypeSessionEnded,
			ContextID: c.id,
			Reason:    string(reason),
			Metadata:  map[string]any{"lifetime": time.Since(c.createdAt).String()},
		})
	})
}

func auditType(reason EndReason) string {
	switch reason {
	case ReasonLogout:
		return audit.TypeLogout
	case ReasonIdleTimeout:
		return audit.TypeIdleTimeout
	case ReasonRefreshFailed, ReasonTransportFailure:
		return audit.TypeRefreshFailed
	case ReasonUnauthenticated:
		return audit.TypeBootstrapDenied
	default:
		return audit.TypeLoginRedirect
	}
}
