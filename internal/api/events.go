package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	eventsWriteTimeout = 10 * time.Second
	eventsWatchBuffer  = 256
)

// HandleEvents streams session events to a WebSocket. The watcher lives
// exactly as long as the socket.
func (s *Server) HandleEvents(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade events connection", "error", err)
		return
	}
	defer ws.Close()

	watcher := s.session.Watch(eventsWatchBuffer)
	defer watcher.Close()

	s.logger.Debug("Events client connected", "addr", r.RemoteAddr)

	// the read side only notices the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	snap := s.session.Snapshot()
	ws.SetWriteDeadline(time.Now().Add(eventsWriteTimeout))
	if err := ws.WriteJSON(map[string]any{"kind": "status", "snapshot": snap}); err != nil {
		return
	}

	for {
		select {
		case <-gone:
			s.logger.Debug("Events client disconnected", "addr", r.RemoteAddr, "dropped", watcher.Dropped())
			return
		case ev, ok := <-watcher.C:
			if !ok {
				ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"),
					time.Now().Add(time.Second))
				return
			}
			ws.SetWriteDeadline(time.Now().Add(eventsWriteTimeout))
			if err := ws.WriteJSON(ev); err != nil {
				s.logger.Debug("Events write failed", "error", err)
				return
			}
		}
	}
}
