package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentrusty/workshop/internal/audit"
)

func newTestRegistry(auth Authority) *Registry {
	return NewRegistry(func(id string) (*Controller, error) {
		return NewController(ControllerConfig{ID: id, Auth: auth, Audit: &audit.MemoryLogger{}}), nil
	})
}

// TestPurpose: Validates that browsing contexts are created under server-chosen IDs and reused while live.
// Scope: Unit Test
// Security: Session fixation (CWE-384)
// Expected: Unknown IDs are never adopted; a live ID returns the same controller.
// Test Case ID: REG-01
func TestRegistry_GetOrCreate(t *testing.T) {
	r := newTestRegistry(&fakeAuthority{})
	defer r.Close()

	c, created, err := r.GetOrCreate("attacker-chosen")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, "attacker-chosen", c.ID())

	again, created, err := r.GetOrCreate(c.ID())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, c, again)

	got, err := r.Get(c.ID())
	require.NoError(t, err)
	assert.Same(t, c, got)

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRegistry_EndedControllerIsReplaced(t *testing.T) {
	r := newTestRegistry(&fakeAuthority{})
	defer r.Close()

	c, _, err := r.GetOrCreate("")
	require.NoError(t, err)
	c.ToLogin(context.Background(), ReasonNoCredential)

	next, created, err := r.GetOrCreate(c.ID())
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, c.ID(), next.ID())
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_Sweep(t *testing.T) {
	r := newTestRegistry(&fakeAuthority{})
	defer r.Close()

	live, _, _ := r.GetOrCreate("")
	dead, _, _ := r.GetOrCreate("")
	dead.Terminate(context.Background(), ReasonIdleTimeout)

	assert.Equal(t, 1, r.Sweep())
	assert.Equal(t, 1, r.Len())
	_, err := r.Get(live.ID())
	assert.NoError(t, err)
	_, err = r.Get(dead.ID())
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRegistry_CloseDisposesAll(t *testing.T) {
	r := newTestRegistry(&fakeAuthority{})

	var hubs []*Hub
	for i := 0; i < 5; i++ {
		c, _, err := r.GetOrCreate("")
		require.NoError(t, err)
		hubs = append(hubs, c.Hub())
		c.Hub().Subscribe()
	}

	r.Close()
	assert.Equal(t, 0, r.Len())
	for _, h := range hubs {
		assert.Equal(t, 0, h.Subscribers())
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	boom := errors.New("bad authority url")
	r := NewRegistry(func(id string) (*Controller, error) { return nil, boom })
	defer r.Close()

	_, _, err := r.GetOrCreate("")
	assert.ErrorIs(t, err, boom)
}
