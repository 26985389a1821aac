package gateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/replyops/replygate/internal/bus"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 64
)

// wsClient is one connected event-stream subscriber. The stream is
// write-only: operator dashboards watch pipeline events, they do not issue
// commands over the socket.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan bus.Event
}

// handleWebSocket upgrades the connection and streams bus events until the
// client goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan bus.Event, wsSendBuffer),
	}
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		_ = conn.Close()
	}()

	go client.readLoop()
	client.writeLoop()
}

func (s *Server) registerClient(c *wsClient) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.bus.Subscribe(c.id, func(event bus.Event) {
		select {
		case c.send <- event:
		default:
			// Slow consumer: drop the event rather than stall the pipeline.
		}
	})
	slog.Info("ws client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *wsClient) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()

	// c.send is left open: a Broadcast racing the unsubscribe may still hold
	// the handler, and sending to a closed channel would panic it.
	s.bus.Unsubscribe(c.id)
	slog.Info("ws client disconnected", "id", c.id)
}

// readLoop drains (and discards) client frames so pings/pongs and close
// handshakes are processed.
func (c *wsClient) readLoop() {
	c.conn.SetReadLimit(1024)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
