package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"casegraph/internal/api"
	"casegraph/internal/logging"
)

const (
	streamWriteWait = 10 * time.Second
	streamPongWait  = 60 * time.Second
)

// handleStatusStream pushes status pages over a websocket. Each frame is an
// api.StatusResponse. Clients resume with ?since=<next>.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, api.ErrorResponse{Error: "status stream not configured", Kind: "configuration"})
		return
	}
	since, _ := strconv.ParseUint(r.URL.Query().Get("since"), 10, 64)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", logging.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The read side only tracks close frames and pongs.
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.logger.Debug("status stream opened", logging.String("remote", r.RemoteAddr))
	for {
		events, next, err := s.hub.Fetch(ctx, since, defaultEventLimit, true)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Warn("status stream fetch failed", logging.Error(err))
			}
			closeStream(conn)
			return
		}
		since = next
		if len(events) == 0 {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		if err := conn.WriteJSON(api.StatusResponse{Events: events, Next: next}); err != nil {
			s.logger.Debug("status stream closed", logging.Error(err))
			return
		}
	}
}

// closeStream sends a normal close frame.
func closeStream(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(streamWriteWait))
}
