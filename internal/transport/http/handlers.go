package http

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/opentrusty/workshop/internal/audit"
	"github.com/opentrusty/workshop/internal/gate"
	"github.com/opentrusty/workshop/internal/observability/logger"
	"github.com/opentrusty/workshop/internal/session"
)

const (
	requestTimeout    = 60 * time.Second
	retryAfterSeconds = "1"
)

// Handler holds HTTP handlers and dependencies
type Handler struct {
	registry    *session.Registry
	edge        *gate.EdgeGate
	auditLogger audit.Logger
	cookies     CookieConfig
	loginPath   string
	trustProxy  bool

	pages   http.Handler
	api     http.Handler
	metrics http.Handler
}

// CookieConfig holds the names and attributes of the cookies this server writes
type CookieConfig struct {
	ContextName string
	AccessName  string
	RefreshName string
	Domain      string
	Path        string
	Secure      bool
	SameSite    http.SameSite
}

// HandlerConfig collects the dependencies of Handler
type HandlerConfig struct {
	Registry    *session.Registry
	EdgeGate    *gate.EdgeGate
	AuditLogger audit.Logger
	Cookies     CookieConfig
	LoginPath   string
	// TrustProxy takes the client address from True-Client-IP, X-Real-IP or
	// X-Forwarded-For. Enable only behind a proxy that sets them.
	TrustProxy  bool

	// StaticFS holds the compiled front-end; index.html is the SPA shell.
	StaticFS fs.FS
	// API, when set, receives /api/v1/* (see NewAPIProxy).
	API http.Handler
	// Metrics, when set, is served on /metrics.
	Metrics http.Handler
}

// NewHandler creates a new HTTP handler
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.LoginPath == "" {
		cfg.LoginPath = "/login"
	}
	if cfg.Cookies.Path == "" {
		cfg.Cookies.Path = "/"
	}
	if cfg.AuditLogger == nil {
		cfg.AuditLogger = audit.NewSlogLogger()
	}

	var pages http.Handler = http.NotFoundHandler()
	if cfg.StaticFS != nil {
		pages = SPAHandler{StaticFS: cfg.StaticFS}
	}

	return &Handler{
		registry:    cfg.Registry,
		edge:        cfg.EdgeGate,
		auditLogger: cfg.AuditLogger,
		cookies:     cfg.Cookies,
		loginPath:   cfg.LoginPath,
		trustProxy:  cfg.TrustProxy,
		pages:       pages,
		api:         cfg.API,
		metrics:     cfg.Metrics,
	}
}

// NewRouter creates a new HTTP router
func NewRouter(h *Handler, rateLimiter *RateLimiter) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	if h.trustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(func(handler http.Handler) http.Handler {
		return otelhttp.NewHandler(handler, "http_request",
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	})
	r.Use(LoggingMiddleware())
	r.Use(middleware.Recoverer)
	if h.edge != nil {
		r.Use(h.edge.Middleware)
	}

	// Health check
	r.Get("/health", h.HealthCheck)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(RateLimitMiddleware(rateLimiter))
		r.Use(h.ContextMiddleware)

		r.Route("/session", func(r chi.Router) {
			// The event stream is long-lived and stays outside the request timeout
			r.Get("/events", h.SessionEvents)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(requestTimeout))
				r.Get("/token", h.SessionToken)
				r.Post("/activity", h.SessionActivity)
				r.Post("/logout", h.SessionLogout)
			})
		})

		if h.api != nil {
			r.With(middleware.Timeout(requestTimeout)).Handle("/v1/*", h.api)
		}
	})

	// Protected pages wait for the auth bootstrap before any markup is served
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))
		r.Use(h.ContextMiddleware)
		r.Use(h.BootstrapMiddleware)
		r.Handle("/dashboard", h.pages)
		r.Handle("/dashboard/*", h.pages)
	})

	// Everything else is the public front-end: login, register, booking, assets
	r.NotFound(h.pages.ServeHTTP)

	return r
}

// HealthCheck returns the health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "healthy",
		"service":  "workshop",
		"sessions": h.registry.Len(),
	})
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
}

type redirectResponse struct {
	Error    string `json:"error,omitempty"`
	Redirect string `json:"redirect"`
}

// SessionToken hands the browser a currently valid access token
func (h *Handler) SessionToken(w http.ResponseWriter, r *http.Request) {
	c := ControllerFrom(r.Context())

	tok, ok := c.GetToken(r.Context())
	if !ok {
		if !c.Ended() {
			// Joined a refresh that outlasted the wait; the session is still live
			respondRetry(w)
			return
		}
		h.endBrowserSession(w, c)
		respondJSON(w, http.StatusUnauthorized, redirectResponse{Error: "session ended", Redirect: h.loginPath})
		return
	}

	h.mirrorCookies(w, c)
	w.Header().Set("Cache-Control", "no-store")
	respondJSON(w, http.StatusOK, tokenResponse{AccessToken: tok})
}

// ActivityRequest reports one user input event
type ActivityRequest struct {
	Type string `json:"type"`
}

// SessionActivity records qualifying user input for the idle monitor
func (h *Handler) SessionActivity(w http.ResponseWriter, r *http.Request) {
	c := ControllerFrom(r.Context())

	var req ActivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := c.RecordActivity(r.Context(), req.Type)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, session.ErrUnqualifiedActivity):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, session.ErrSessionEnded):
		h.endBrowserSession(w, c)
		respondJSON(w, http.StatusUnauthorized, redirectResponse{Error: "session ended", Redirect: h.loginPath})
	default:
		respondError(w, http.StatusInternalServerError, "failed to record activity")
	}
}

// SessionLogout ends the session at the authority and in this server
func (h *Handler) SessionLogout(w http.ResponseWriter, r *http.Request) {
	c := ControllerFrom(r.Context())

	if err := c.Logout(r.Context()); err != nil {
		slog.WarnContext(r.Context(), "authority logout failed",
			logger.ContextID(c.ID()),
			logger.Error(err),
		)
	}
	h.endBrowserSession(w, c)

	respondJSON(w, http.StatusOK, redirectResponse{Redirect: h.loginPath})
}

// BootstrapMiddleware holds protected pages until the controller's bootstrap
// gate settles. Unauthenticated contexts get a full navigation to login.
func (h *Handler) BootstrapMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := ControllerFrom(r.Context())

		state, err := c.Bootstrap(r.Context())
		if err == nil && state == gate.StateAuthenticated {
			h.mirrorCookies(w, c)
			next.ServeHTTP(w, r)
			return
		}

		if err != nil && !errors.Is(err, gate.ErrUnmounted) {
			// Client went away while the gate was pending
			slog.DebugContext(r.Context(), "bootstrap wait aborted",
				logger.ContextID(c.ID()),
				logger.State(state.String()),
				logger.Error(err),
			)
			return
		}

		h.endBrowserSession(w, c)
		http.Redirect(w, r, h.loginPath, http.StatusSeeOther)
	})
}

// endBrowserSession drops the controller and expires every cookie we wrote
func (h *Handler) endBrowserSession(w http.ResponseWriter, c *session.Controller) {
	h.registry.Remove(c.ID())
	for _, name := range []string{h.cookies.ContextName, h.cookies.AccessName, h.cookies.RefreshName} {
		if name == "" {
			continue
		}
		http.SetCookie(w, &http.Cookie{
			Name:   name,
			Value:  "",
			Path:   h.cookies.Path,
			Domain: h.cookies.Domain,
			MaxAge: -1,
		})
	}
}

// mirrorCookies copies the session cookies the authority holds for this
// context back to the browser.
func (h *Handler) mirrorCookies(w http.ResponseWriter, c *session.Controller) {
	for _, ck := range c.Cookies() {
		http.SetCookie(w, &http.Cookie{
			Name:     ck.Name,
			Value:    ck.Value,
			Path:     h.cookies.Path,
			Domain:   h.cookies.Domain,
			Secure:   h.cookies.Secure,
			HttpOnly: true,
			SameSite: h.cookies.SameSite,
		})
	}
}

func (h *Handler) setContextCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookies.ContextName,
		Value:    id,
		Path:     h.cookies.Path,
		Domain:   h.cookies.Domain,
		Secure:   h.cookies.Secure,
		HttpOnly: true,
		SameSite: h.cookies.SameSite,
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}

// respondRetry answers a caller whose token was not ready in time
func respondRetry(w http.ResponseWriter) {
	w.Header().Set("Retry-After", retryAfterSeconds)
	respondError(w, http.StatusServiceUnavailable, "token refresh in progress")
}
