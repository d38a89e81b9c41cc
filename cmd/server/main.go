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

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/opentrusty/workshop/internal/audit"
	"github.com/opentrusty/workshop/internal/authority"
	"github.com/opentrusty/workshop/internal/config"
	"github.com/opentrusty/workshop/internal/gate"
	"github.com/opentrusty/workshop/internal/observability/logger"
	"github.com/opentrusty/workshop/internal/observability/metrics"
	"github.com/opentrusty/workshop/internal/observability/tracing"
	"github.com/opentrusty/workshop/internal/session"
	transportHTTP "github.com/opentrusty/workshop/internal/transport/http"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger.InitLogger(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
		File:        cfg.Observability.LogFile,
	})
	slog.Info("starting workshop session server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize tracer
	tracer, err := tracing.New(ctx, tracing.Config{
		Enabled:        cfg.Observability.OTELEnabled,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		SamplingRate:   1.0,
	})
	if err != nil {
		slog.Error("failed to initialize tracer", logger.Error(err))
		os.Exit(1)
	}

	// Initialize meter
	meter, err := metrics.New(ctx, metrics.Config{
		Enabled: cfg.Observability.OTELEnabled,
	}, cfg.Observability.ServiceName)
	if err != nil {
		slog.Error("failed to initialize meter", logger.Error(err))
		os.Exit(1)
	}
	instruments, err := metrics.NewInstruments(meter)
	if err != nil {
		slog.Error("failed to create instruments", logger.Error(err))
		os.Exit(1)
	}

	auditLogger := audit.NewSlogLogger()

	// One controller per browsing context, each with its own authority client
	registry := session.NewRegistry(func(id string) (*session.Controller, error) {
		client, err := authority.NewClient(authority.Config{
			BaseURL:       cfg.Authority.URL,
			Timeout:       cfg.Authority.RequestTimeout,
			AccessCookie:  cfg.Session.AccessCookieName,
			RefreshCookie: cfg.Session.RefreshCookieName,
		})
		if err != nil {
			return nil, err
		}
		return session.NewController(session.ControllerConfig{
			ID:        id,
			Auth:      client,
			LoginPath: cfg.Routes.LoginPath,
			Audit:     auditLogger,
			Metrics:   instruments,
			Tracer:    tracer.GetTracer(),
		}), nil
	})
	go registry.RunSweeper(ctx, cfg.Session.SweepInterval)

	edge := gate.NewEdgeGate(gate.EdgeConfig{
		Protected:     cfg.Routes.Protected,
		AuthOnly:      cfg.Routes.AuthOnly,
		Excluded:      cfg.Routes.Excluded,
		LoginPath:     cfg.Routes.LoginPath,
		LandingPath:   cfg.Routes.LandingPath,
		AccessCookie:  cfg.Session.AccessCookieName,
		RefreshCookie: cfg.Session.RefreshCookieName,
	}, instruments, auditLogger)

	var api http.Handler
	if cfg.Authority.WorkshopAPIURL != "" {
		api, err = transportHTTP.NewAPIProxy(
			cfg.Authority.WorkshopAPIURL,
			otelhttp.NewTransport(http.DefaultTransport),
			cfg.Routes.LoginPath,
		)
		if err != nil {
			slog.Error("failed to configure api proxy", logger.Error(err))
			os.Exit(1)
		}
	}

	var metricsHandler http.Handler
	if cfg.Observability.OTELEnabled {
		metricsHandler = promhttp.Handler()
	}

	// Rate Limiter
	rateLimiter := transportHTTP.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	defer rateLimiter.Close()

	handler := transportHTTP.NewHandler(transportHTTP.HandlerConfig{
		Registry:    registry,
		EdgeGate:    edge,
		AuditLogger: auditLogger,
		Cookies: transportHTTP.CookieConfig{
			ContextName: cfg.Session.ContextCookieName,
			AccessName:  cfg.Session.AccessCookieName,
			RefreshName: cfg.Session.RefreshCookieName,
			Domain:      cfg.Session.CookieDomain,
			Path:        cfg.Session.CookiePath,
			Secure:      cfg.Session.CookieSecure,
			SameSite:    sameSiteMode(cfg.Session.CookieSameSite),
		},
		LoginPath:  cfg.Routes.LoginPath,
		TrustProxy: cfg.Server.TrustProxy,
		StaticFS:   transportHTTP.NewStaticFS(afero.NewOsFs(), cfg.Static.Dir),
		API:        api,
		Metrics:    metricsHandler,
	})

	router := transportHTTP.NewRouter(handler, rateLimiter)

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server
	go func() {
		slog.Info("starting http server", logger.Component("server"), logger.Operation("listen"))
		slog.Info(fmt.Sprintf("listening on %s", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", logger.Error(err))
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down server")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", logger.Error(err))
	}
	registry.Close()

	if err := meter.Shutdown(shutdownCtx); err != nil {
		slog.Error("meter shutdown error", logger.Error(err))
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		slog.Error("tracer shutdown error", logger.Error(err))
	}

	slog.Info("server stopped")
}

func sameSiteMode(name string) http.SameSite {
	switch name {
	case "Strict":
		return http.SameSiteStrictMode
	case "None":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}
