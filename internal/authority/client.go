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

package authority

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Endpoints exposed by the identity provider
const (
	pathToken   = "/api/auth/token"
	pathRefresh = "/api/auth/refresh"
	pathLogout  = "/api/auth/logout"
	pathMe      = "/api/auth/me"
)

// User is the identity returned by the auth bootstrap
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	Role  string `json:"role,omitempty"`
}

// Config holds authority client configuration
type Config struct {
	BaseURL       string
	Timeout       time.Duration
	AccessCookie  string
	RefreshCookie string

	// Transport overrides the instrumented default transport (tests).
	Transport http.RoundTripper
}

// Client talks to the identity provider on behalf of one browsing context.
// Session cookies live in a private jar: the authority remains the owner of
// their lifecycle, and the browser only receives mirrored copies.
type Client struct {
	base  *url.URL
	http  *http.Client
	jar   http.CookieJar
	names map[string]bool
}

// NewClient creates a client with an empty cookie jar
func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBaseURL, cfg.BaseURL)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	transport := cfg.Transport
	if transport == nil {
		transport = otelhttp.NewTransport(http.DefaultTransport)
	}

	return &Client{
		base: base,
		http: &http.Client{
			Jar:       jar,
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		jar:   jar,
		names: map[string]bool{cfg.AccessCookie: true, cfg.RefreshCookie: true},
	}, nil
}

// SeedCookies copies the session cookies the browser presented into the jar.
// Unrelated cookies are ignored.
func (c *Client) SeedCookies(cookies []*http.Cookie) {
	var keep []*http.Cookie
	for _, ck := range cookies {
		if c.names[ck.Name] && ck.Value != "" {
			keep = append(keep, &http.Cookie{Name: ck.Name, Value: ck.Value, Path: "/"})
		}
	}
	if len(keep) > 0 {
		c.jar.SetCookies(c.base, keep)
	}
}

// Cookies returns the session cookies currently held for the authority
func (c *Client) Cookies() []*http.Cookie {
	var out []*http.Cookie
	for _, ck := range c.jar.Cookies(c.base) {
		if c.names[ck.Name] {
			out = append(out, ck)
		}
	}
	return out
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
}

// CurrentAccessToken returns the current credential, which the authority may
// have refreshed on its side. An empty string means no credential.
func (c *Client) CurrentAccessToken(ctx context.Context) (string, error) {
	return c.token(ctx, http.MethodGet, pathToken, "current_token")
}

// RefreshAccessToken forces the authority to mint a new credential
func (c *Client) RefreshAccessToken(ctx context.Context) (string, error) {
	return c.token(ctx, http.MethodPost, pathRefresh, "refresh")
}

func (c *Client) token(ctx context.Context, method, path, op string) (string, error) {
	resp, err := c.do(ctx, method, path)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusNoContent:
		return "", nil
	default:
		return "", &StatusError{Op: op, Status: resp.StatusCode}
	}

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("authority %s: decode response: %w", op, err)
	}
	return body.AccessToken, nil
}

// ForceLogout clears the session state the authority recognises.
// An already-ended session is not an error.
func (c *Client) ForceLogout(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodPost, pathLogout)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 == 2 || resp.StatusCode == http.StatusUnauthorized {
		c.expireLocal()
		return nil
	}
	return &StatusError{Op: "logout", Status: resp.StatusCode}
}

// CurrentUser runs the auth bootstrap. A nil user with a nil error means the
// authority does not recognise the session.
func (c *Client) CurrentUser(ctx context.Context) (*User, error) {
	resp, err := c.do(ctx, http.MethodGet, pathMe)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusNoContent:
		return nil, nil
	default:
		return nil, &StatusError{Op: "me", Status: resp.StatusCode}
	}

	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("authority me: decode response: %w", err)
	}
	if user.ID == "" {
		return nil, nil
	}
	return &user, nil
}

func (c *Client) do(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("authority %s %s: %w", method, path, err)
	}
	return resp, nil
}

// expireLocal drops the jar's copies of the session cookies
func (c *Client) expireLocal() {
	var gone []*http.Cookie
	for name := range c.names {
		gone = append(gone, &http.Cookie{Name: name, Value: "", Path: "/", MaxAge: -1})
	}
	c.jar.SetCookies(c.base, gone)
}
