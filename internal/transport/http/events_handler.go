package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/opentrusty/workshop/internal/observability/logger"
)

const (
	eventsSubprotocol  = "workshop.session.v1"
	eventsWriteTimeout = 5 * time.Second
	eventsPingInterval = 30 * time.Second
	eventsReadLimit    = 512
)

// SessionEvents streams server-initiated session events (redirects after an
// idle timeout or a failed refresh) to the browser over a websocket.
func (h *Handler) SessionEvents(w http.ResponseWriter, r *http.Request) {
	c := ControllerFrom(r.Context())

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{eventsSubprotocol},
	})
	if err != nil {
		slog.WarnContext(r.Context(), "websocket accept failed",
			logger.ContextID(c.ID()),
			logger.Error(err),
		)
		return
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(eventsReadLimit)

	// The browser never sends anything; CloseRead notices when it goes away.
	ctx := conn.CloseRead(r.Context())

	events, unsubscribe := c.Hub().Subscribe()
	defer unsubscribe()

	ping := time.NewTicker(eventsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, eventsWriteTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "session closed")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, eventsWriteTimeout)
			err := wsjson.Write(wctx, conn, ev)
			cancel()
			if err != nil {
				slog.DebugContext(r.Context(), "websocket write failed",
					logger.ContextID(c.ID()),
					logger.Error(err),
				)
				return
			}
		}
	}
}
