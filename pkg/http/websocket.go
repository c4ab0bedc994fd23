package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"phoneme-recognizer/pkg/metrics"
	"phoneme-recognizer/pkg/phoneme"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	clientBuffer   = 256
	broadcastQueue = 64
)

// Client represents a connected WebSocket client
type Client struct {
	hub    *ResultHub
	conn   *websocket.Conn
	send   chan []byte
	logger *logrus.Entry
}

// ResultHub manages WebSocket clients and broadcasts every engine result to
// them as JSON
type ResultHub struct {
	logger     *logrus.Entry
	clients    map[*Client]bool
	broadcast  chan phoneme.Result
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	running    bool
	dropped    int64
	mutex      sync.RWMutex
}

// WebSocketUpgrader configures the WebSocket connection
var WebSocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all connections
		return true
	},
}

// NewResultHub creates a new result hub
func NewResultHub(logger *logrus.Logger) *ResultHub {
	return &ResultHub{
		logger:     logger.WithField("component", "ws_hub"),
		clients:    make(map[*Client]bool),
		broadcast:  make(chan phoneme.Result, broadcastQueue),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run starts the result hub and returns when ctx is cancelled
func (h *ResultHub) Run(ctx context.Context) error {
	h.logger.Info("Starting WebSocket result hub")
	h.setRunning(true)
	defer func() {
		h.setRunning(false)
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			h.mutex.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mutex.Unlock()
			metrics.SetWebSocketClients(0)
			h.logger.Info("Shutting down WebSocket result hub")
			return nil

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mutex.Unlock()
			metrics.SetWebSocketClients(count)
			client.logger.Info("Client connected to WebSocket")

		case client := <-h.unregister:
			h.remove(client)

		case result := <-h.broadcast:
			data, err := json.Marshal(result)
			if err != nil {
				h.logger.WithError(err).Error("Failed to marshal result")
				continue
			}

			h.mutex.Lock()
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					// a client that cannot keep up is disconnected
					close(client.send)
					delete(h.clients, client)
				}
			}
			count := len(h.clients)
			h.mutex.Unlock()
			metrics.SetWebSocketClients(count)
		}
	}
}

func (h *ResultHub) remove(client *Client) {
	h.mutex.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		close(client.send)
	}
	count := len(h.clients)
	h.mutex.Unlock()

	if ok {
		metrics.SetWebSocketClients(count)
		client.logger.Info("Client disconnected from WebSocket")
	}
}

// OnResult queues result for broadcast. It never blocks: when the queue is
// full the result is dropped.
func (h *ResultHub) OnResult(result phoneme.Result) {
	select {
	case h.broadcast <- result:
	default:
		h.mutex.Lock()
		h.dropped++
		h.mutex.Unlock()
	}
}

// ServeWs handles WebSocket requests from clients
func (h *ResultHub) ServeWs(w http.ResponseWriter, r *http.Request) {
	if !h.IsRunning() {
		http.Error(w, "result hub not running", http.StatusServiceUnavailable)
		return
	}

	conn, err := WebSocketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade connection to WebSocket")
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, clientBuffer),
		logger: h.logger.WithField("remote_addr", r.RemoteAddr),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump discards client messages and notices when the peer goes away
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			// Send ping to keep connection alive
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *ResultHub) setRunning(running bool) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.running = running
}

// IsRunning returns true while Run is active
func (h *ResultHub) IsRunning() bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.running
}

// ClientCount returns the number of connected clients
func (h *ResultHub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Dropped returns how many results were dropped because the queue was full
func (h *ResultHub) Dropped() int64 {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.dropped
}
