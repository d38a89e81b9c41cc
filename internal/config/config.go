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

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Authority     AuthorityConfig
	Session       SessionConfig
	Routes        RoutesConfig
	Observability ObservabilityConfig
	RateLimit     RateLimitConfig
	Static        StaticConfig
}

// RateLimitConfig holds rate limiting configuration for the session API
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// TrustProxy honours client-address headers set by a fronting proxy
	TrustProxy   bool
}

// AuthorityConfig points at the identity provider that issues and refreshes tokens,
// and at the workshop API that protected calls are proxied to.
type AuthorityConfig struct {
	URL            string
	RequestTimeout time.Duration
	WorkshopAPIURL string
}

// SessionConfig holds cookie names and cookie attributes
type SessionConfig struct {
	AccessCookieName  string
	RefreshCookieName string
	ContextCookieName string
	CookieDomain      string
	CookiePath        string
	CookieSecure      bool
	CookieSameSite    string
	SweepInterval     time.Duration
}

// RoutesConfig classifies request paths for the edge gate
type RoutesConfig struct {
	Protected   []string
	AuthOnly    []string
	Excluded    []string
	LoginPath   string
	LandingPath string
}

// ObservabilityConfig holds logging and tracing configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string
	LogFile        string
	OTELEnabled    bool
	ServiceName    string
	ServiceVersion string
}

// StaticConfig locates the compiled front-end assets
type StaticConfig struct {
	Dir string
}

// Load loads configuration from environment variables.
// A .env file in the working directory, if present, is read first;
// variables already set in the environment win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnv("SERVER_PORT", "3000"),
			ReadTimeout:  parseDuration("SERVER_READ_TIMEOUT", "15s"),
			WriteTimeout: parseDuration("SERVER_WRITE_TIMEOUT", "15s"),
			IdleTimeout:  parseDuration("SERVER_IDLE_TIMEOUT", "60s"),
			TrustProxy:   parseBool("SERVER_TRUST_PROXY", false),
		},
		Authority: AuthorityConfig{
			URL:            strings.TrimRight(getEnv("AUTHORITY_URL", ""), "/"),
			RequestTimeout: parseDuration("AUTHORITY_TIMEOUT", "10s"),
			WorkshopAPIURL: strings.TrimRight(getEnv("WORKSHOP_API_URL", ""), "/"),
		},
		Session: SessionConfig{
			AccessCookieName:  getEnv("SESSION_ACCESS_COOKIE", "access_token"),
			RefreshCookieName: getEnv("SESSION_REFRESH_COOKIE", "refresh_token"),
			ContextCookieName: getEnv("SESSION_CONTEXT_COOKIE", "workshop_ctx"),
			CookieDomain:      getEnv("SESSION_COOKIE_DOMAIN", ""),
			CookiePath:        getEnv("SESSION_COOKIE_PATH", "/"),
			CookieSecure:      parseBool("SESSION_COOKIE_SECURE", false),
			CookieSameSite:    getEnv("SESSION_COOKIE_SAME_SITE", "Lax"),
			SweepInterval:     parseDuration("SESSION_SWEEP_INTERVAL", "1m"),
		},
		Routes: RoutesConfig{
			Protected:   parseList("ROUTES_PROTECTED", "/dashboard"),
			AuthOnly:    parseList("ROUTES_AUTH_ONLY", "/login,/register"),
			Excluded:    parseList("ROUTES_EXCLUDED", "/_next/static,/_next/image,/favicon.ico,/reservar,/static"),
			LoginPath:   getEnv("ROUTES_LOGIN_PATH", "/login"),
			LandingPath: getEnv("ROUTES_LANDING_PATH", "/dashboard"),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			LogFile:        getEnv("LOG_FILE", ""),
			OTELEnabled:    parseBool("OTEL_ENABLED", false),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "workshop"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "0.1.0"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: float64(parseInt("RATELIMIT_RPS", 10)),
			Burst:             parseInt("RATELIMIT_BURST", 20),
		},
		Static: StaticConfig{
			Dir: getEnv("STATIC_DIR", "./web/dist"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Authority.URL == "" {
		return fmt.Errorf("AUTHORITY_URL is required")
	}
	if c.Session.AccessCookieName == c.Session.RefreshCookieName {
		return fmt.Errorf("access and refresh cookie names must differ")
	}
	for _, p := range c.Routes.Protected {
		for _, a := range c.Routes.AuthOnly {
			if p == a {
				return fmt.Errorf("route prefix %q is both protected and auth-only", p)
			}
		}
	}
	if !strings.HasPrefix(c.Routes.LoginPath, "/") || !strings.HasPrefix(c.Routes.LandingPath, "/") {
		return fmt.Errorf("login and landing paths must be absolute")
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func parseDuration(key string, defaultValue string) time.Duration {
	value := getEnv(key, defaultValue)
	d, err := time.ParseDuration(value)
	if err != nil {
		// Fallback to default
		d, _ = time.ParseDuration(defaultValue)
	}
	return d
}

// parseList splits a comma-separated variable, dropping blanks
func parseList(key string, defaultValue string) []string {
	var out []string
	for _, item := range strings.Split(getEnv(key, defaultValue), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
