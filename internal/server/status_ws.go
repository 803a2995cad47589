package server

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"netkeep/internal/models"
)

const (
	statusPushInterval = 30 * time.Second
	statusWriteTimeout = 5 * time.Second
)

var statusUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		host := strings.ToLower(strings.TrimSpace(r.Host))
		originHost := strings.ToLower(strings.TrimSpace(u.Host))
		return host == originHost
	},
}

// handleStatusWS pushes a status snapshot on every connection state change
// and at a fixed interval otherwise.
func (s *Server) handleStatusWS(w http.ResponseWriter, r *http.Request) {
	conn, err := statusUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.serveStatusConnection(conn)
}

func (s *Server) serveStatusConnection(conn *websocket.Conn) {
	defer conn.Close()

	// latest wins; a slow client never blocks the manager
	changed := make(chan struct{}, 1)
	notify := func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}
	if s.deps.Connection != nil {
		unsubscribe := s.deps.Connection.Subscribe(func(models.ConnectionState) { notify() })
		defer unsubscribe()
	} else {
		notify()
	}

	ticker := time.NewTicker(statusPushInterval)
	defer ticker.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-changed:
		case <-ticker.C:
		case <-done:
			return
		}
		if err := writeStatusPayload(conn, s.buildStatusSnapshot()); err != nil {
			return
		}
	}
}

func writeStatusPayload(conn *websocket.Conn, payload statusSnapshot) error {
	_ = conn.SetWriteDeadline(time.Now().Add(statusWriteTimeout))
	return conn.WriteJSON(payload)
}
