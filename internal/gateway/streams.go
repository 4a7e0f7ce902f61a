// ABOUTME: Live status streaming over SSE and WebSocket for console observers.
// ABOUTME: Both carry the same publisher events; SSE adds heartbeats, WS ping/pong.

package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lanward/portcullis/internal/status"
)

const (
	// sseHeartbeatInterval keeps idle SSE connections alive through
	// proxies that reap quiet streams.
	sseHeartbeatInterval = 30 * time.Second

	// wsWriteWait bounds a single WebSocket write.
	wsWriteWait = 10 * time.Second
	// wsPongWait is how long the peer may stay silent before the
	// connection counts as dead.
	wsPongWait = 60 * time.Second
	// wsPingPeriod must be shorter than wsPongWait so pings keep the
	// read deadline fresh.
	wsPingPeriod = 54 * time.Second
)

// upgrader accepts any origin: the observer streams carry read-only
// snapshots, so cross-origin dashboards may subscribe.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleEvents streams status events as server-sent events. The
// sequence number rides in the id field so EventSource clients can
// spot gaps after a drop and resubscribe.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, subID := g.publisher.Subscribe(r.Context())
	defer g.publisher.Unsubscribe(subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case event, ok := <-events:
			if !ok {
				// Dropped for falling behind, or the publisher closed.
				return
			}
			writeSSEEvent(w, event)
			flusher.Flush()
		}
	}
}

// writeSSEEvent renders one event in SSE wire format.
func writeSSEEvent(w io.Writer, event status.Event) {
	fmt.Fprintf(w, "id: %d\n", event.Seq)
	fmt.Fprintf(w, "event: %s\n", event.Kind)
	fmt.Fprintf(w, "data: %s\n\n", event.Payload)
}

// handleWSEvents streams status events over a WebSocket, one JSON text
// message per event.
func (g *Gateway) handleWSEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, subID := g.publisher.Subscribe(ctx)
	defer g.publisher.Unsubscribe(subID)

	// Read loop: inbound frames are ignored, but reading keeps pong
	// handling alive and notices the peer going away.
	go func() {
		defer cancel()
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pings := time.NewTicker(wsPingPeriod)
	defer pings.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pings.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case event, ok := <-events:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}
