package authority

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sequenceSource struct {
	tokens []string
	calls  int
}

func (s *sequenceSource) GetToken(ctx context.Context) (string, bool) {
	if s.calls >= len(s.tokens) {
		return "", false
	}
	tok := s.tokens[s.calls]
	s.calls++
	return tok, tok != ""
}

// TestPurpose: Validates that a downstream 401 is retried once with a freshly supplied token.
// Scope: Unit Test
// Expected: fn runs twice; the second run sees the second token; the supplier is consulted twice.
// Test Case ID: AUTH-02
func TestWithToken_RetriesOnceOnUnauthorized(t *testing.T) {
	src := &sequenceSource{tokens: []string{"stale", "fresh"}}
	var seen []string

	err := WithToken(context.Background(), src, func(ctx context.Context, tok string) error {
		seen = append(seen, tok)
		if tok == "stale" {
			return &StatusError{Op: "api", Status: http.StatusUnauthorized}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"stale", "fresh"}, seen)
	assert.Equal(t, 2, src.calls)
}

func TestWithToken_GivesUpAfterSecondUnauthorized(t *testing.T) {
	src := &sequenceSource{tokens: []string{"a", "b", "c"}}
	runs := 0

	err := WithToken(context.Background(), src, func(ctx context.Context, tok string) error {
		runs++
		return &StatusError{Op: "api", Status: http.StatusUnauthorized}
	})

	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, 2, runs)
}

func TestWithToken_OtherErrorsNotRetried(t *testing.T) {
	src := &sequenceSource{tokens: []string{"a", "b"}}
	boom := errors.New("boom")
	runs := 0

	err := WithToken(context.Background(), src, func(ctx context.Context, tok string) error {
		runs++
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, runs)
}

func TestWithToken_NoToken(t *testing.T) {
	src := &sequenceSource{}
	err := WithToken(context.Background(), src, func(ctx context.Context, tok string) error {
		t.Fatal("fn must not run without a token")
		return nil
	})
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestBearerTransport_ReplaysBodyOn401(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, `{"name":"taller"}`, string(body))
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	client := &http.Client{Transport: &BearerTransport{
		Source: &sequenceSource{tokens: []string{"stale", "fresh"}},
	}}

	// strings.Reader bodies get GetBody from NewRequest
	req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(`{"name":"taller"}`))
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, int32(2), hits.Load())
}

func TestBearerTransport_SecondUnauthorizedPassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := &http.Client{Transport: &BearerTransport{
		Source: &sequenceSource{tokens: []string{"a", "b"}},
	}}

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBearerTransport_NonReplayableBodyIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL, nil)
	require.NoError(t, err)
	req.Body = io.NopCloser(strings.NewReader("payload"))
	req.GetBody = nil

	rt := &BearerTransport{Source: &sequenceSource{tokens: []string{"a", "b"}}}
	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int32(1), hits.Load())
}

type cachingSource struct {
	cached      string
	next        string
	invalidated int
}

func (c *cachingSource) GetToken(ctx context.Context) (string, bool) {
	if c.cached == "" {
		c.cached = c.next
	}
	return c.cached, true
}

func (c *cachingSource) Invalidate() {
	c.invalidated++
	c.cached = ""
}

func TestWithToken_InvalidatesCacheBeforeRetry(t *testing.T) {
	src := &cachingSource{cached: "stale", next: "fresh"}
	var seen []string

	err := WithToken(context.Background(), src, func(ctx context.Context, tok string) error {
		seen = append(seen, tok)
		if tok == "stale" {
			return &StatusError{Op: "api", Status: http.StatusUnauthorized}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"stale", "fresh"}, seen)
	assert.Equal(t, 1, src.invalidated)
}
