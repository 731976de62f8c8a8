package ws

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// sendBuffer is the number of messages queued per client before it starts dropping
const sendBuffer = 16

// client is one websocket connection. Only its write pump writes to conn.
type client struct {
	topic string
	conn  *websocket.Conn
	send  chan []byte
	once  sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub fans messages out to the websocket clients of each topic
type Hub struct {
	clients map[string]map[*client]struct{}
	mu      sync.RWMutex
	logger  *zap.Logger
	dropped atomic.Uint64
}

// NewHub creates a new hub
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[string]map[*client]struct{}),
		logger:  logger.Named("ws"),
	}
}

func (h *Hub) register(topic string, conn *websocket.Conn) *client {
	c := &client{topic: topic, conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*client]struct{})
	}
	h.clients[topic][c] = struct{}{}
	total := len(h.clients[topic])
	h.mu.Unlock()

	h.logger.Debug("Client registered", zap.String("topic", topic), zap.Int("total", total))
	return c
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if conns, ok := h.clients[c.topic]; ok {
		if _, ok := conns[c]; ok {
			delete(conns, c)
			c.close()
		}
		if len(conns) == 0 {
			delete(h.clients, c.topic)
		}
	}
	h.mu.Unlock()
	h.logger.Debug("Client unregistered", zap.String("topic", c.topic))
}

// HasClients returns true if any client listens on topic
func (h *Hub) HasClients(topic string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic]) > 0
}

// ClientCount returns the total number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, conns := range h.clients {
		count += len(conns)
	}
	return count
}

// Dropped returns the number of messages skipped for slow clients
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Broadcast queues message for every client of topic without blocking
func (h *Hub) Broadcast(topic string, message []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients[topic] {
		select {
		case c.send <- message:
		default:
			h.dropped.Add(1)
		}
	}
}

// BroadcastJSON marshals msg and broadcasts it
func (h *Hub) BroadcastJSON(topic string, msg any) {
	if !h.HasClients(topic) {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn("Error marshaling message", zap.String("topic", topic), zap.Error(err))
		return
	}
	h.Broadcast(topic, data)
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic, conns := range h.clients {
		for c := range conns {
			c.close()
		}
		delete(h.clients, topic)
	}
}
