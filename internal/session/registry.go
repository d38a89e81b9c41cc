package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/opentrusty/workshop/internal/observability/logger"
)

// Factory builds the controller for a new browsing context
type Factory func(id string) (*Controller, error)

// Registry maps browsing-context IDs to their controllers
type Registry struct {
	factory Factory

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.RWMutex
	items map[string]*Controller
}

// NewRegistry creates an empty registry
func NewRegistry(factory Factory) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		factory: factory,
		ctx:     ctx,
		cancel:  cancel,
		items:   make(map[string]*Controller),
	}
}

// Get returns the live controller for id
func (r *Registry) Get(id string) (*Controller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.items[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return c, nil
}

// GetOrCreate returns the live controller for id. Unknown or ended IDs get a
// fresh controller under a new random ID, so a client cannot choose its own.
// The boolean reports whether a controller was created.
func (r *Registry) GetOrCreate(id string) (*Controller, bool, error) {
	r.mu.RLock()
	c, ok := r.items[id]
	r.mu.RUnlock()
	if ok && !c.Ended() {
		return c, false, nil
	}
	if ok {
		r.Remove(id)
	}

	newID := uuid.NewString()
	c, err := r.factory(newID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create session controller: %w", err)
	}

	r.mu.Lock()
	r.items[newID] = c
	r.mu.Unlock()

	c.Start(r.ctx)
	return c, true, nil
}

// Remove disposes and forgets the controller for id
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	c, ok := r.items[id]
	delete(r.items, id)
	r.mu.Unlock()

	if ok {
		c.Dispose()
	}
}

// Len returns the number of tracked controllers
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Sweep disposes every controller whose session has ended and returns how
// many were dropped.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	var ended []*Controller
	for id, c := range r.items {
		if c.Ended() {
			ended = append(ended, c)
			delete(r.items, id)
		}
	}
	r.mu.Unlock()

	disposeAll(ended)
	return len(ended)
}

// RunSweeper calls Sweep every interval until ctx is done
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				slog.DebugContext(ctx, "swept ended sessions",
					logger.Component("session.registry"),
					slog.Int("count", n),
				)
			}
		}
	}
}

// Close disposes every controller and stops their monitors
func (r *Registry) Close() {
	r.cancel()

	r.mu.Lock()
	all := make([]*Controller, 0, len(r.items))
	for _, c := range r.items {
		all = append(all, c)
	}
	r.items = make(map[string]*Controller)
	r.mu.Unlock()

	disposeAll(all)
}

func disposeAll(cs []*Controller) {
	var wg conc.WaitGroup
	for _, c := range cs {
		wg.Go(c.Dispose)
	}
	wg.Wait()
}
