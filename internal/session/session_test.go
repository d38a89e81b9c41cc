package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSession_TouchOnlyMovesForward(t *testing.T) {
	t0 := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	s := New(t0)

	assert.True(t, s.Touch(t0.Add(time.Minute)))
	assert.False(t, s.Touch(t0.Add(30*time.Second)))
	assert.False(t, s.Touch(t0.Add(time.Minute)))
	assert.Equal(t, t0.Add(time.Minute), s.LastActivity())
}

func TestSession_IdleFor(t *testing.T) {
	t0 := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	s := New(t0)

	assert.Equal(t, 12*time.Minute, s.IdleFor(t0.Add(12*time.Minute)))
	assert.Equal(t, time.Duration(0), s.IdleFor(t0.Add(-time.Minute)))
}

func TestSession_EndOnce(t *testing.T) {
	s := New(time.Now())
	s.Store("tok", time.Now().Add(time.Hour))

	assert.True(t, s.End(ReasonIdleTimeout))
	assert.False(t, s.End(ReasonLogout))

	reason, ended := s.Ended()
	assert.True(t, ended)
	assert.Equal(t, ReasonIdleTimeout, reason)

	tok, _ := s.Token()
	assert.Empty(t, tok)
}
