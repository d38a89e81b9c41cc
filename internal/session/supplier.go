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
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/singleflight"

	"github.com/opentrusty/workshop/internal/authority"
	"github.com/opentrusty/workshop/internal/observability/logger"
	"github.com/opentrusty/workshop/internal/observability/metrics"
	"github.com/opentrusty/workshop/internal/token"
)

// RefreshWait bounds how long a caller waits on somebody else's forced
// refresh before falling back to the cached credential.
const RefreshWait = 500 * time.Millisecond

// Authority is the remote identity provider as seen by a browsing context.
// authority.Client implements it.
type Authority interface {
	CurrentAccessToken(ctx context.Context) (string, error)
	RefreshAccessToken(ctx context.Context) (string, error)
	ForceLogout(ctx context.Context) error
	CurrentUser(ctx context.Context) (*authority.User, error)
}

// Navigator sends the browsing context back to the login entry point
type Navigator interface {
	ToLogin(ctx context.Context, reason EndReason)
}

type fetchResult struct {
	token string
	ok    bool
}

// Supplier hands out a currently valid access credential, refreshing it when
// it falls inside token.ExpirySkew. Concurrent callers share one flight.
type Supplier struct {
	session *Session
	auth    Authority
	nav     Navigator
	group   singleflight.Group

	contextID string
	now       func() time.Time
	tracer    trace.Tracer
	metrics   *metrics.Instruments
}

// SupplierOption configures a Supplier
type SupplierOption func(*Supplier)

// WithSupplierClock overrides time.Now
func WithSupplierClock(now func() time.Time) SupplierOption {
	return func(p *Supplier) { p.now = now }
}

// WithSupplierTelemetry attaches a tracer and instruments
func WithSupplierTelemetry(tracer trace.Tracer, inst *metrics.Instruments) SupplierOption {
	return func(p *Supplier) {
		p.tracer = tracer
		p.metrics = inst
	}
}

// WithContextID labels log lines with the owning browsing context
func WithContextID(id string) SupplierOption {
	return func(p *Supplier) { p.contextID = id }
}

// NewSupplier creates a supplier over s
func NewSupplier(s *Session, auth Authority, nav Navigator, opts ...SupplierOption) *Supplier {
	p := &Supplier{
		session: s,
		auth:    auth,
		nav:     nav,
		now:     time.Now,
		tracer:  noop.NewTracerProvider().Tracer(""),
		metrics: metrics.Noop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// GetToken returns a usable credential, or false after the browsing context
// has been sent to login. It never returns an error.
func (p *Supplier) GetToken(ctx context.Context) (string, bool) {
	if tok, exp := p.session.Token(); tok != "" && !token.Expiring(exp, p.now()) {
		metrics.Count(ctx, p.metrics.TokenRefresh, "result", "cached")
		return tok, true
	}

	joining := p.session.RefreshInFlight()

	// The flight outlives any single caller's request.
	flightCtx := context.WithoutCancel(ctx)
	ch := p.group.DoChan("token", func() (any, error) {
		return p.fetch(flightCtx), nil
	})

	if !joining {
		res := <-ch
		r := res.Val.(fetchResult)
		return r.token, r.ok
	}

	timer := time.NewTimer(RefreshWait)
	defer timer.Stop()
	select {
	case res := <-ch:
		r := res.Val.(fetchResult)
		return r.token, r.ok
	case <-timer.C:
	case <-ctx.Done():
	}

	metrics.Count(ctx, p.metrics.TokenRefresh, "result", "wait_timeout")
	tok, _ := p.session.Token()
	return tok, tok != ""
}

// Invalidate drops the cached credential after a downstream API rejected it
func (p *Supplier) Invalidate() {
	p.session.Clear()
}

func (p *Supplier) fetch(ctx context.Context) fetchResult {
	ctx, span := p.tracer.Start(ctx, "session.Supplier.fetch")
	defer span.End()

	start := p.now()
	raw, err := p.auth.CurrentAccessToken(ctx)
	p.observe(ctx, "current", start)
	if err != nil {
		span.RecordError(err)
		return p.fail(ctx, span, ReasonTransportFailure, err)
	}
	if raw == "" {
		return p.fail(ctx, span, ReasonNoCredential, nil)
	}

	exp := expiryOf(raw)
	if !token.Expiring(exp, p.now()) {
		p.session.Store(raw, exp)
		metrics.Count(ctx, p.metrics.TokenRefresh, "result", "current")
		span.SetAttributes(attribute.Bool("session.refreshed", false))
		return fetchResult{token: raw, ok: true}
	}

	p.session.setRefreshInFlight(true)
	defer p.session.setRefreshInFlight(false)

	slog.DebugContext(ctx, "access token inside expiry skew, forcing refresh",
		logger.Component("session.supplier"),
		logger.ContextID(p.contextID),
		logger.TokenFingerprint(token.Fingerprint(raw)),
		logger.ExpiresAt(exp),
	)

	start = p.now()
	fresh, err := p.auth.RefreshAccessToken(ctx)
	p.observe(ctx, "refresh", start)
	if err != nil {
		span.RecordError(err)
		return p.fail(ctx, span, ReasonTransportFailure, err)
	}

	freshExp := expiryOf(fresh)
	if fresh == "" || token.Expiring(freshExp, p.now()) {
		return p.fail(ctx, span, ReasonRefreshFailed, nil)
	}

	p.session.Store(fresh, freshExp)
	metrics.Count(ctx, p.metrics.TokenRefresh, "result", "refreshed")
	span.SetAttributes(attribute.Bool("session.refreshed", true))
	return fetchResult{token: fresh, ok: true}
}

func (p *Supplier) fail(ctx context.Context, span trace.Span, reason EndReason, err error) fetchResult {
	p.session.Clear()
	span.SetStatus(codes.Error, string(reason))
	metrics.Count(ctx, p.metrics.TokenRefresh, "result", string(reason))

	attrs := []any{
		logger.Component("session.supplier"),
		logger.ContextID(p.contextID),
		logger.Reason(string(reason)),
	}
	if err != nil {
		attrs = append(attrs, logger.Error(err))
	}
	slog.WarnContext(ctx, "no usable access token, redirecting to login", attrs...)

	p.nav.ToLogin(ctx, reason)
	return fetchResult{}
}

func (p *Supplier) observe(ctx context.Context, call string, start time.Time) {
	ms := float64(p.now().Sub(start)) / float64(time.Millisecond)
	p.metrics.RefreshLatency.Record(ctx, ms, metric.WithAttributes(attribute.String("call", call)))
}

// expiryOf returns the zero time for credentials whose exp cannot be read,
// which token.Expiring always treats as expiring.
func expiryOf(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	exp, err := token.ExpiresAt(raw)
	if err != nil {
		return time.Time{}
	}
	return exp
}
