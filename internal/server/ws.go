package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/audiolibrelab/jamz/internal/engine"
)

const (
	wsWriteTimeout = 5 * time.Second
	// wsBacklog is how many states a slow client may fall behind before ticks are dropped
	wsBacklog = 16
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleTransportSocket streams the transport state on every engine tick
func (s *Server) handleTransportSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	states := make(chan engine.State, wsBacklog)
	unsubscribe := s.service.Subscribe(func(st engine.State) {
		select {
		case states <- st:
		default:
		}
	})
	defer unsubscribe()

	// the client never sends anything we act on; reading detects the close
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	slog.Debug("Transport stream opened", "remote", r.RemoteAddr)
	if err := writeState(conn, s.service.State()); err != nil {
		return
	}
	for {
		select {
		case <-closed:
			slog.Debug("Transport stream closed", "remote", r.RemoteAddr)
			return
		case st := <-states:
			if err := writeState(conn, st); err != nil {
				slog.Debug("Transport stream write failed", "error", err)
				return
			}
		}
	}
}

func writeState(conn *websocket.Conn, st engine.State) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(st)
}
