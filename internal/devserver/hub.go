package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"snagline/internal/domain"
	"snagline/internal/logging"
)

const (
	writeWait      = 5 * time.Second
	sendBufferSize = 16
)

// Hub fans realtime frames out to websocket clients. A connection receives
// nothing until its first frame, {"type":"auth","token":...}, has been
// verified; the token binds the connection to a user for notification
// delivery.
type Hub struct {
	verify   func(token string) (domain.User, error)
	log      logging.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*hubConn]struct{}
}

type hubConn struct {
	ws     *websocket.Conn
	userID string
	send   chan []byte
}

func NewHub(verify func(token string) (domain.User, error), log logging.Logger) *Hub {
	if log == nil {
		log = logging.Nop{}
	}
	return &Hub{
		verify: verify,
		log:    log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*hubConn]struct{}),
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	var frame struct {
		Type  string `json:"type"`
		Token string `json:"token"`
	}
	if err := ws.ReadJSON(&frame); err != nil || frame.Type != "auth" {
		ws.Close()
		return
	}
	user, err := h.verify(frame.Token)
	if err != nil {
		h.log.Warn(r.Context(), "websocket auth rejected", "error", err)
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		ws.WriteJSON(map[string]string{"type": "auth_error"})
		ws.Close()
		return
	}

	c := &hubConn{ws: ws, userID: user.ID, send: make(chan []byte, sendBufferSize)}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	// Registered before the ack goes out, so a client that has seen
	// auth_success is guaranteed to receive subsequent broadcasts.
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(map[string]string{"type": "auth_success"}); err != nil {
		h.drop(c)
		return
	}
	h.log.Debug(r.Context(), "websocket connected", "user_id", user.ID)

	go c.writeLoop()
	for {
		// Clients only listen; drain until the connection drops.
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
	h.drop(c)
}

func (c *hubConn) writeLoop() {
	for msg := range c.send {
		c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (h *Hub) drop(c *hubConn) {
	h.mu.Lock()
	_, ok := h.conns[c]
	delete(h.conns, c)
	h.mu.Unlock()
	if ok {
		close(c.send)
	}
	c.ws.Close()
}

// BroadcastSnag sends a snag_update frame to every authenticated connection.
// The payload is the full snag for created and updated events and an id
// reference for deleted.
func (h *Hub) BroadcastSnag(event string, data any) {
	frame := domain.SyncEvent{
		Type:      domain.EventTypeSnagUpdate,
		Event:     event,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	raw, err := json.Marshal(data)
	if err != nil {
		h.log.Error(context.Background(), "encode snag frame", "error", err)
		return
	}
	frame.Data = raw
	h.send(frame, "")
}

// NotifyUser sends a notification frame to the user's connections only.
func (h *Hub) NotifyUser(userID string, n domain.Notification) {
	raw, err := json.Marshal(n)
	if err != nil {
		h.log.Error(context.Background(), "encode notification frame", "error", err)
		return
	}
	h.send(domain.SyncEvent{
		Type:      domain.EventTypeNotification,
		Data:      raw,
		Timestamp: n.CreatedAt,
	}, userID)
}

func (h *Hub) send(frame domain.SyncEvent, userID string) {
	msg, err := json.Marshal(frame)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		if userID != "" && c.userID != userID {
			continue
		}
		select {
		case c.send <- msg:
		default:
			// Slow consumer; drop the frame rather than block the hub.
			h.log.Warn(context.Background(), "dropping frame for slow consumer", "user_id", c.userID)
		}
	}
}

// Close drops every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*hubConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		h.drop(c)
	}
}
