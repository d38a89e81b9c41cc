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

package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/opentrusty/workshop/internal/audit"
	"github.com/opentrusty/workshop/internal/observability/logger"
)

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			slog.DebugContext(r.Context(), "http_request_start",
				logger.RequestID(middleware.GetReqID(r.Context())),
				logger.Method(r.Method),
				logger.Path(r.URL.Path),
				logger.RemoteAddr(r.RemoteAddr),
			)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				slog.InfoContext(r.Context(), "http_request_end",
					logger.RequestID(middleware.GetReqID(r.Context())),
					logger.Method(r.Method),
					logger.Path(r.URL.Path),
					logger.RemoteAddr(r.RemoteAddr),
					logger.UserAgent(r.UserAgent()),
					logger.StatusCode(ww.Status()),
					logger.Duration(time.Since(start).Milliseconds()),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// ContextMiddleware resolves the browsing-context cookie to its controller,
// creating one when the cookie is missing, unknown or ended. The browser's
// session cookies are handed to the controller on every request so that the
// authority sees the latest copies.
func (h *Handler) ContextMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id string
		if ck, err := r.Cookie(h.cookies.ContextName); err == nil {
			id = ck.Value
		}

		c, created, err := h.registry.GetOrCreate(id)
		if err != nil {
			slog.ErrorContext(r.Context(), "failed to resolve browsing context", logger.Error(err))
			respondError(w, http.StatusInternalServerError, "session unavailable")
			return
		}
		if created {
			h.setContextCookie(w, c.ID())
			slog.DebugContext(r.Context(), "browsing context created",
				logger.RequestID(middleware.GetReqID(r.Context())),
				logger.ContextID(c.ID()),
			)
			h.auditLogger.Log(r.Context(), audit.Event{
				Type:      audit.TypeSessionStarted,
				ContextID: c.ID(),
				Resource:  r.URL.Path,
				IPAddress: getClientIP(r),
				UserAgent: r.UserAgent(),
			})
		}

		c.SeedCookies(r.Cookies())

		next.ServeHTTP(w, r.WithContext(WithController(r.Context(), c)))
	})
}
