package app

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"linkroom/api/internal/canon"
	"linkroom/api/internal/hub"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	sendQueueSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsClient adapts a WebSocket connection to the hub's Subscriber interface.
// Deliver enqueues without blocking; a single writer goroutine drains the
// queue so events reach the peer in broadcast order.
type wsClient struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
	send   chan hub.Event
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		conn: conn,
		send: make(chan hub.Event, sendQueueSize),
	}
}

func (c *wsClient) Deliver(event hub.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientClosed
	}
	select {
	case c.send <- event:
		return nil
	default:
		return errSendQueueFull
	}
}

func (c *wsClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

var (
	errSendQueueFull = errors.New("ws send queue full")
	errClientClosed  = errors.New("ws client closed")
)

func (s *HTTPServer) handleWS(w http.ResponseWriter, r *http.Request) {
	rawKey, err := url.PathUnescape(strings.TrimPrefix(r.URL.Path, "/ws/"))
	if err != nil {
		rawKey = strings.TrimPrefix(r.URL.Path, "/ws/")
	}
	clientID := strings.TrimSpace(r.URL.Query().Get("client_id"))
	if clientID == "" {
		clientID = "anonymous"
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	threadKey, err := canon.ThreadKey(rawKey)
	if err != nil {
		s.rejectWS(conn, "thread key must be a canonicalizable URL")
		return
	}

	client := newWSClient(conn)
	s.service.hub.Connect(threadKey, client)
	s.service.collector.WSConnectionOpened()

	_ = client.Deliver(hub.Event{Type: "system", Data: map[string]any{
		"client_id": clientID,
		"status":    "connected",
	}})

	go client.writePump()
	client.readPump()

	s.service.hub.Disconnect(threadKey, client)
	client.Close()
	s.service.collector.WSConnectionClosed()
}

func (s *HTTPServer) rejectWS(conn *websocket.Conn, detail string) {
	payload, _ := json.Marshal(hub.Event{Type: "error", Data: map[string]any{"detail": detail}})
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.TextMessage, payload)
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid thread key"))
	conn.Close()
}

// readPump discards inbound frames and keeps the read deadline fresh.
// Messages are posted over the REST surface; the socket is a relay only.
func (c *wsClient) readPump() {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("websocket read error: %v", err)
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
