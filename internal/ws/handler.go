package ws

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Handler upgrades requests and subscribes them to one topic
type Handler struct {
	hub      *Hub
	topic    string
	hello    func() any
	upgrader websocket.Upgrader
}

// HandlerOption configures a Handler
type HandlerOption func(*Handler)

// WithAnyOrigin accepts upgrades from pages on any origin. Only use it when
// the route requires a token.
func WithAnyOrigin() HandlerOption {
	return func(h *Handler) {
		h.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
}

// NewHandler creates a websocket handler for topic. hello, if set, builds
// the first message sent to each new client. Browsers must connect from the
// same host unless WithAnyOrigin is given.
func NewHandler(hub *Hub, topic string, hello func() any, opts ...HandlerOption) *Handler {
	h := &Handler{
		hub:   hub,
		topic: topic,
		hello: hello,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     sameOrigin,
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// sameOrigin accepts requests without an Origin header (non-browser
// clients) and those whose Origin host matches Host
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// ServeHTTP handles WebSocket upgrade requests
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.logger.Warn("Upgrade error", zap.Error(err))
		return
	}

	h.hub.logger.Debug("New connection", zap.String("topic", h.topic), zap.String("remote", r.RemoteAddr))

	c := h.hub.register(h.topic, conn)
	if h.hello != nil {
		if data, err := json.Marshal(h.hello()); err == nil {
			select {
			case c.send <- data:
			default:
			}
		}
	}

	go h.writePump(c)
	go h.readPump(c)
}

// readPump detects disconnection and keeps the read deadline alive
func (h *Handler) readPump(c *client) {
	defer h.hub.unregister(c)

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.hub.logger.Debug("Read error", zap.String("topic", c.topic), zap.Error(err))
			}
			return
		}
	}
}

// writePump owns all writes to the connection
func (h *Handler) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.hub.unregister(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.hub.unregister(c)
				return
			}
		}
	}
}
