package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fairyhunter13/roost/internal/domain"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
	// wsSendBuffer bounds per-client queueing; a client that cannot drain
	// it is evicted rather than back-pressuring the scheduler.
	wsSendBuffer = 64
)

// Hub broadcasts scheduler events to WebSocket subscribers. It implements
// scheduler.Broadcaster; broadcasts never block.
type Hub struct {
	mu       sync.Mutex
	clients  map[*wsClient]struct{}
	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: map[*wsClient]struct{}{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeWS handles GET /ws, upgrading the connection and subscribing it.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}
	c := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	slog.Debug("websocket client connected", slog.Int("clients", n))

	go c.writePump(h)
	go c.readPump(h)
}

func (h *Hub) drop(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// ClientCount reports the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) broadcast(event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("event marshal failed", slog.Any("error", err))
		return
	}
	h.mu.Lock()
	var slow []*wsClient
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	for _, c := range slow {
		slog.Warn("evicting slow websocket client")
		_ = c.conn.Close()
	}
}

// JobUpdate broadcasts a job status change.
func (h *Hub) JobUpdate(jobID string, status domain.JobStatus, result json.RawMessage) {
	h.broadcast(map[string]any{
		"type":   "job_update",
		"job_id": jobID,
		"status": string(status),
		"result": result,
	})
}

// QueueStatus broadcasts a scheduler lifecycle change.
func (h *Hub) QueueStatus(status, message string) {
	h.broadcast(map[string]any{
		"type":    "queue_status",
		"status":  status,
		"message": message,
	})
}

// ProfileUpdateStatus broadcasts the outcome of an update_profile job.
func (h *Hub) ProfileUpdateStatus(jobID string, status domain.JobStatus, errMsg string) {
	h.broadcast(map[string]any{
		"type":   "profile_update_status",
		"id":     jobID,
		"status": string(status),
		"error":  errMsg,
	})
}

func (c *wsClient) writePump(h *Hub) {
	ping := time.NewTicker(wsPingPeriod)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.drop(c)
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.drop(c)
				return
			}
		}
	}
}

// readPump discards inbound frames; the stream is one-way. It exists to
// process control frames and to notice closed connections.
func (c *wsClient) readPump(h *Hub) {
	defer func() {
		h.drop(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
