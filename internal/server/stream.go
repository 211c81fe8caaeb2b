package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsiec/playcore/internal/logger"
)

const (
	defaultStreamInterval = time.Second
	minStreamInterval     = 100 * time.Millisecond
	streamWriteWait       = 5 * time.Second
	streamReadLimit       = 512
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleSessionStream pushes a SessionList over a websocket every interval
// until the client goes away or the server shuts down.
func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	interval := defaultStreamInterval
	if v := r.URL.Query().Get("interval"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			http.Error(w, "invalid interval", http.StatusBadRequest)
			return
		}
		interval = max(d, minStreamInterval)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to upgrade session stream")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reading is only needed to notice a close from the client.
	conn.SetReadLimit(streamReadLimit)
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	log := logger.FromContext(r.Context())
	log.Debug("Session stream opened")
	defer log.Debug("Session stream closed")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		snaps := s.sessions.Snapshots()
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		if err := conn.WriteJSON(SessionList{Sessions: snaps, Count: len(snaps)}); err != nil {
			log.WithError(err).Debug("Failed to write session stream")
			return
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		case <-s.closing:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(streamWriteWait))
			return
		}
	}
}
