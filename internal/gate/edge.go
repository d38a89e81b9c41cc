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

// Package gate decides whether a request or a page may proceed before any
// session-aware code runs.
package gate

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/opentrusty/workshop/internal/audit"
	"github.com/opentrusty/workshop/internal/observability/logger"
	"github.com/opentrusty/workshop/internal/observability/metrics"
)

// Action is the outcome of an edge decision
type Action int

const (
	ActionAllow Action = iota
	ActionBypass
	ActionLogin
	ActionLanding
)

func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "allow"
	case ActionBypass:
		return "bypass"
	case ActionLogin:
		return "login"
	case ActionLanding:
		return "landing"
	default:
		return "unknown"
	}
}

// Decision is what the edge gate does with one request
type Decision struct {
	Action   Action
	Location string
}

// Redirects reports whether the decision sends the client elsewhere
func (d Decision) Redirects() bool {
	return d.Action == ActionLogin || d.Action == ActionLanding
}

// DefaultExcluded are prefixes never evaluated: static assets, image
// optimisation, the favicon and the public booking flow.
var DefaultExcluded = []string{"/_next/static", "/_next/image", "/favicon.ico", "/reservar", "/static"}

// EdgeConfig describes the path classes and the session cookies
type EdgeConfig struct {
	Protected     []string
	AuthOnly      []string
	Excluded      []string
	LoginPath     string
	LandingPath   string
	AccessCookie  string
	RefreshCookie string
}

// EdgeGate classifies requests by path and cookie presence only. Cookie
// contents are never read.
type EdgeGate struct {
	cfg     EdgeConfig
	metrics *metrics.Instruments
	audit   audit.Logger
}

// NewEdgeGate creates an edge gate. Nil instruments discard measurements; a nil
// audit logger writes through slog.
func NewEdgeGate(cfg EdgeConfig, inst *metrics.Instruments, auditLogger audit.Logger) *EdgeGate {
	if cfg.Excluded == nil {
		cfg.Excluded = DefaultExcluded
	}
	if cfg.LoginPath == "" {
		cfg.LoginPath = "/login"
	}
	if cfg.LandingPath == "" {
		cfg.LandingPath = "/dashboard"
	}
	if inst == nil {
		inst = metrics.Noop()
	}
	if auditLogger == nil {
		auditLogger = audit.NewSlogLogger()
	}
	return &EdgeGate{cfg: cfg, metrics: inst, audit: auditLogger}
}

// Decide applies the decision table:
//
//	protected, no access, no refresh -> login, with path as return target
//	protected, either cookie         -> allow
//	auth-only, access cookie         -> landing
//	anything else                    -> allow
func (g *EdgeGate) Decide(path string, hasAccess, hasRefresh bool) Decision {
	if matchAny(path, g.cfg.Excluded) {
		return Decision{Action: ActionBypass}
	}

	switch {
	case matchAny(path, g.cfg.Protected):
		if !hasAccess && !hasRefresh {
			return Decision{Action: ActionLogin, Location: LoginLocation(g.cfg.LoginPath, path)}
		}
	case matchAny(path, g.cfg.AuthOnly):
		if hasAccess {
			return Decision{Action: ActionLanding, Location: g.cfg.LandingPath}
		}
	}
	return Decision{Action: ActionAllow}
}

// Middleware runs Decide on every request and answers redirects with 302
func (g *EdgeGate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := g.Decide(r.URL.Path, hasCookie(r, g.cfg.AccessCookie), hasCookie(r, g.cfg.RefreshCookie))
		metrics.Count(r.Context(), g.metrics.EdgeDecisions, "decision", d.Action.String())

		if !d.Redirects() {
			next.ServeHTTP(w, r)
			return
		}

		slog.DebugContext(r.Context(), "edge gate redirect",
			logger.Component("gate.edge"),
			logger.Path(r.URL.Path),
			logger.Decision(d.Action.String()),
		)
		if d.Action == ActionLogin {
			g.audit.Log(r.Context(), audit.Event{
				Type:      audit.TypeEdgeRedirect,
				Resource:  r.URL.Path,
				Reason:    "no_session_cookie",
				IPAddress: r.RemoteAddr,
				UserAgent: r.UserAgent(),
			})
		}
		http.Redirect(w, r, d.Location, http.StatusFound)
	})
}

// LoginLocation builds the login URL carrying path as the return target.
// Slashes stay readable: /login?redirect=/dashboard/ot
func LoginLocation(loginPath, path string) string {
	return loginPath + "?redirect=" + strings.ReplaceAll(url.QueryEscape(path), "%2F", "/")
}

func hasCookie(r *http.Request, name string) bool {
	if name == "" {
		return false
	}
	c, err := r.Cookie(name)
	return err == nil && c.Value != ""
}

func matchAny(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if matchPrefix(path, p) {
			return true
		}
	}
	return false
}

// matchPrefix matches whole path segments: /dashboard matches /dashboard and
// /dashboard/ot but not /dashboards.
func matchPrefix(path, prefix string) bool {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
