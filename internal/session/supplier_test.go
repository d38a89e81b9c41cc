package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPurpose: Validates that a credential outside the skew is served from cache without further network calls.
// Scope: Unit Test
// Expected: One authority call for the first request; none for the following ones; same value every time.
// Test Case ID: SUP-01
func TestSupplier_CachedTokenIsIdempotent(t *testing.T) {
	clock := newClock()
	valid := mintToken(t, "u-1", clock.Now().Add(time.Hour))
	auth := &fakeAuthority{current: valid}
	nav := &recordingNavigator{}
	p := NewSupplier(New(clock.Now()), auth, nav, WithSupplierClock(clock.Now))

	for i := 0; i < 10; i++ {
		tok, ok := p.GetToken(context.Background())
		require.True(t, ok)
		assert.Equal(t, valid, tok)
	}

	assert.Equal(t, int32(1), auth.tokenCalls.Load())
	assert.Equal(t, int32(0), auth.refreshCalls.Load())
	assert.Empty(t, nav.calls())
}

// TestPurpose: Validates the 120 second refresh boundary end to end.
// Scope: Unit Test
// Expected: exp at now+119s is refreshed; exp at now+121s is returned as is.
// Test Case ID: SUP-02
func TestSupplier_SkewBoundary(t *testing.T) {
	clock := newClock()

	t.Run("inside skew refreshes", func(t *testing.T) {
		fresh := mintToken(t, "u-1", clock.Now().Add(time.Hour))
		auth := &fakeAuthority{
			current:   mintToken(t, "u-1", clock.Now().Add(119*time.Second)),
			refreshed: fresh,
		}
		p := NewSupplier(New(clock.Now()), auth, &recordingNavigator{}, WithSupplierClock(clock.Now))

		tok, ok := p.GetToken(context.Background())
		require.True(t, ok)
		assert.Equal(t, fresh, tok)
		assert.Equal(t, int32(1), auth.refreshCalls.Load())
	})

	t.Run("outside skew does not refresh", func(t *testing.T) {
		current := mintToken(t, "u-1", clock.Now().Add(121*time.Second))
		auth := &fakeAuthority{current: current}
		p := NewSupplier(New(clock.Now()), auth, &recordingNavigator{}, WithSupplierClock(clock.Now))

		tok, ok := p.GetToken(context.Background())
		require.True(t, ok)
		assert.Equal(t, current, tok)
		assert.Equal(t, int32(0), auth.refreshCalls.Load())
	})
}

// TestPurpose: Validates single-flight refresh across concurrent callers.
// Scope: Concurrency Test
// Expected: Exactly one refresh call; every caller observes the refreshed credential.
// Test Case ID: SUP-03
func TestSupplier_ConcurrentCallersShareOneRefresh(t *testing.T) {
	clock := newClock()
	fresh := mintToken(t, "u-1", clock.Now().Add(time.Hour))
	auth := &fakeAuthority{
		current:      mintToken(t, "u-1", clock.Now().Add(30*time.Second)),
		refreshed:    fresh,
		refreshDelay: 50 * time.Millisecond,
	}
	nav := &recordingNavigator{}
	p := NewSupplier(New(clock.Now()), auth, nav, WithSupplierClock(clock.Now))

	const callers = 25
	start := make(chan struct{})
	var mu sync.Mutex
	got := make([]string, 0, callers)

	var wg conc.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Go(func() {
			<-start
			tok, ok := p.GetToken(context.Background())
			mu.Lock()
			defer mu.Unlock()
			if ok {
				got = append(got, tok)
			} else {
				got = append(got, "")
			}
		})
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), auth.refreshCalls.Load())
	require.Len(t, got, callers)
	for _, tok := range got {
		assert.Equal(t, fresh, tok)
	}
	assert.Empty(t, nav.calls())
	assert.False(t, p.session.RefreshInFlight())
}

// TestPurpose: Validates that a failed refresh redirects every concurrent caller together.
// Scope: Concurrency Test
// Expected: One refresh call; all callers get no credential; the navigator sees refresh_failed.
// Test Case ID: SUP-04
func TestSupplier_ConcurrentCallersRedirectedTogether(t *testing.T) {
	clock := newClock()
	auth := &fakeAuthority{
		current:      mintToken(t, "u-1", clock.Now().Add(10*time.Second)),
		refreshed:    "",
		refreshDelay: 50 * time.Millisecond,
	}
	nav := &recordingNavigator{}
	p := NewSupplier(New(clock.Now()), auth, nav, WithSupplierClock(clock.Now))

	const callers = 10
	start := make(chan struct{})
	var mu sync.Mutex
	served := 0

	var wg conc.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Go(func() {
			<-start
			if _, ok := p.GetToken(context.Background()); ok {
				mu.Lock()
				served++
				mu.Unlock()
			}
		})
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 0, served)
	assert.Equal(t, int32(1), auth.refreshCalls.Load())
	require.NotEmpty(t, nav.calls())
	assert.Equal(t, ReasonRefreshFailed, nav.calls()[0])
	assert.False(t, p.session.RefreshInFlight())
}

func TestSupplier_Failures(t *testing.T) {
	clock := newClock()

	tests := []struct {
		name   string
		auth   *fakeAuthority
		reason EndReason
	}{
		{
			name:   "no credential",
			auth:   &fakeAuthority{},
			reason: ReasonNoCredential,
		},
		{
			name:   "transport failure",
			auth:   &fakeAuthority{currentErr: errors.New("connection refused")},
			reason: ReasonTransportFailure,
		},
		{
			name: "refresh raised",
			auth: &fakeAuthority{
				current:    mintToken(t, "u-1", clock.Now().Add(time.Minute)),
				refreshErr: errors.New("timeout"),
			},
			reason: ReasonTransportFailure,
		},
		{
			name: "refreshed credential still inside skew",
			auth: &fakeAuthority{
				current:   mintToken(t, "u-1", clock.Now().Add(time.Minute)),
				refreshed: mintToken(t, "u-1", clock.Now().Add(90*time.Second)),
			},
			reason: ReasonRefreshFailed,
		},
		{
			name: "refreshed credential undecodable",
			auth: &fakeAuthority{
				current:   mintToken(t, "u-1", clock.Now().Add(time.Minute)),
				refreshed: "opaque",
			},
			reason: ReasonRefreshFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nav := &recordingNavigator{}
			s := New(clock.Now())
			p := NewSupplier(s, tt.auth, nav, WithSupplierClock(clock.Now))

			tok, ok := p.GetToken(context.Background())
			assert.False(t, ok)
			assert.Empty(t, tok)
			assert.Equal(t, []EndReason{tt.reason}, nav.calls())
			assert.False(t, s.RefreshInFlight(), "flag must be cleared on every exit path")

			cached, _ := s.Token()
			assert.Empty(t, cached)
		})
	}
}

// TestPurpose: Validates the bounded wait for callers arriving during somebody else's refresh.
// Scope: Concurrency Test
// Expected: The late caller returns the cached credential after RefreshWait, before the refresh completes.
// Test Case ID: SUP-05
func TestSupplier_WaitFallsBackToCache(t *testing.T) {
	clock := newClock()
	stale := mintToken(t, "u-1", clock.Now().Add(30*time.Second))
	auth := &fakeAuthority{
		current:     stale,
		refreshed:   mintToken(t, "u-1", clock.Now().Add(time.Hour)),
		refreshGate: make(chan struct{}),
	}
	s := New(clock.Now())
	s.Store(stale, clock.Now().Add(30*time.Second))
	p := NewSupplier(s, auth, &recordingNavigator{}, WithSupplierClock(clock.Now))

	first := make(chan string, 1)
	go func() {
		tok, _ := p.GetToken(context.Background())
		first <- tok
	}()

	require.Eventually(t, s.RefreshInFlight, time.Second, 5*time.Millisecond)

	begin := time.Now()
	tok, ok := p.GetToken(context.Background())
	waited := time.Since(begin)

	assert.True(t, ok)
	assert.Equal(t, stale, tok)
	assert.GreaterOrEqual(t, waited, RefreshWait)
	assert.Less(t, waited, 2*time.Second)

	close(auth.refreshGate)
	assert.NotEqual(t, stale, <-first)
	assert.Equal(t, int32(1), auth.refreshCalls.Load())
}

func TestSupplier_FlightSurvivesCallerCancellation(t *testing.T) {
	clock := newClock()
	fresh := mintToken(t, "u-1", clock.Now().Add(time.Hour))
	auth := &fakeAuthority{current: fresh}
	p := NewSupplier(New(clock.Now()), auth, &recordingNavigator{}, WithSupplierClock(clock.Now))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tok, ok := p.GetToken(ctx)
	assert.True(t, ok)
	assert.Equal(t, fresh, tok)
}
