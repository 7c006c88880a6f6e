package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ligustah/sophon/internal/task"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The server only listens locally and serves any launcher origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents streams the JSON events of one task until its terminal event
// or until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	events, unsubscribe, err := s.registry.Subscribe(id)
	if errors.Is(err, task.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	defer unsubscribe()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "task_id", id, "error", err)
		return
	}
	defer conn.Close()
	logger := s.logger.With("task_id", id, "remote", r.RemoteAddr)
	logger.Debug("event stream connected")

	// Client messages are ignored; reading drives pong and close handling.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "task finished"))
				logger.Debug("event stream finished")
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debug("event stream write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			logger.Debug("event stream client disconnected")
			return
		}
	}
}
