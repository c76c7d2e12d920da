// internal/broadcast/websocket.go
package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/valpere/MediaHarvester/internal/task"
	"github.com/valpere/MediaHarvester/internal/utils"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Message is the websocket envelope.
type Message struct {
	Type string        `json:"type"`
	Data task.Snapshot `json:"data"`
}

// Hub is a NotificationChannel that pushes every snapshot to all
// connected websocket clients.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]bool
	log     utils.Logger
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]bool), log: utils.NewComponentLogger("ws-hub")}
}

func (h *Hub) Name() string { return "websocket-hub" }

// Push writes s to every client. Clients that fail are dropped.
func (h *Hub) Push(_ context.Context, s task.Snapshot) error {
	msg, err := json.Marshal(Message{Type: "task_update", Data: s})
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.log.WithField("remote_addr", conn.RemoteAddr().String()).Warnf("error writing to websocket client: %v", err)
			delete(h.clients, conn)
			conn.Close()
		}
	}
	return nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
		h.log.WithField("remote_addr", conn.RemoteAddr().String()).Debug("websocket client unregistered")
	}
	h.mu.Unlock()
}

// ServeHTTP upgrades the request and registers the client until it
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Errorf("failed to upgrade websocket: %v", err)
		return
	}
	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()
	h.log.WithField("remote_addr", conn.RemoteAddr().String()).Debug("websocket client registered")

	// The read pump only detects the client going away.
	go func() {
		defer h.unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Stream upgrades the request and writes snapshots from ch until it
// closes or the client goes away, then calls unsubscribe. A client
// disconnecting never cancels the task.
func Stream(w http.ResponseWriter, r *http.Request, ch <-chan task.Snapshot, unsubscribe func()) error {
	defer unsubscribe()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	gone := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(gone)
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
		case s, ok := <-ch:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				return conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream finished"))
			}
			if err := conn.WriteJSON(Message{Type: "task_update", Data: s}); err != nil {
				return err
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		case <-gone:
			return nil
		}
	}
}
