// Package ws adapts the stream registry to WebSocket viewers: every
// record that would be an SSE frame becomes one text message. The
// native apps consume this endpoint instead of the SSE one.
package ws

import (
	"context"
	"log/slog"
	"net/http"

	"nhooyr.io/websocket"

	"github.com/hewigovens/vibetunnel/internal/stream"
)

// Sink delivers stream records over a websocket connection.
type Sink struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *Sink) Send(record []byte) error {
	return s.conn.Write(s.ctx, websocket.MessageText, record)
}

func (s *Sink) Close() error {
	s.cancel()
	return nil
}

// Done is closed when the stream has ended.
func (s *Sink) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Serve upgrades the request and attaches the connection as a
// subscriber until the stream ends or the client disconnects.
func Serve(w http.ResponseWriter, r *http.Request, registry *stream.Registry, sessionID, streamPath string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Debug("websocket accept failed", "session", sessionID, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	sink := &Sink{conn: conn, ctx: ctx, cancel: cancel}

	if err := registry.Attach(sessionID, streamPath, sink); err != nil {
		slog.Error("failed to attach websocket subscriber", "session", sessionID, "error", err)
		conn.Close(websocket.StatusInternalError, "attach failed")
		cancel()
		return
	}
	defer registry.Detach(sessionID, sink)

	// The stream is one-way; reads only surface client disconnects.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				cancel()
				return
			}
		}
	}()

	<-ctx.Done()
	conn.Close(websocket.StatusNormalClosure, "")
}
