package http

import (
	"context"

	"github.com/opentrusty/workshop/internal/session"
)

type contextKey string

const controllerKey contextKey = "session_controller"

// WithController stores the browsing-context controller in ctx
func WithController(ctx context.Context, c *session.Controller) context.Context {
	return context.WithValue(ctx, controllerKey, c)
}

// ControllerFrom retrieves the browsing-context controller from context.
// ContextMiddleware guarantees one on every /api and protected route.
func ControllerFrom(ctx context.Context) *session.Controller {
	if c, ok := ctx.Value(controllerKey).(*session.Controller); ok {
		return c
	}
	return nil
}

// GetContextID retrieves the browsing-context ID from context.
func GetContextID(ctx context.Context) string {
	if c := ControllerFrom(ctx); c != nil {
		return c.ID()
	}
	return ""
}
