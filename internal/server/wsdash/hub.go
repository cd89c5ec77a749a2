// Package wsdash serves the dashboard-facing WebSocket endpoint: a thin
// subscribe/register/ping loop. The actual fan-out payloads are pushed
// through the registry from the agent handler, offline detector, and alert
// engine.
package wsdash

import (
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const pingInterval = 30 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Registry is the subset of the connection registry the dashboard endpoint needs.
type Registry interface {
	RegisterDashboard(sessionID string, conn *websocket.Conn)
	UnregisterDashboard(sessionID string)
}

// Handler accepts dashboard subscribers.
type Handler struct {
	conns Registry
}

func New(conns Registry) *Handler {
	return &Handler{conns: conns}
}

// ServeHTTP upgrades the request, assigns the subscriber a session id, and
// keeps the connection alive with application-level pings until it drops.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("wsdash: upgrade failed: %v", err)
		return
	}

	sessionID := uuid.NewString()
	h.conns.RegisterDashboard(sessionID, conn)
	defer h.conns.UnregisterDashboard(sessionID)
	defer conn.Close()

	done := make(chan struct{})
	go h.pingLoop(conn, done)
	defer close(done)

	// The dashboard connection is otherwise passive: all payloads are
	// pushed by the registry's Broadcast from elsewhere. We still need to
	// drain inbound reads so a client-initiated close is observed.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Handler) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
