// Package realtime pushes domain events to browser clients over websocket
// rooms.
package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/labstack/echo/v4"
	"github.com/talkincode/wadesk/internal/metrics"
	"github.com/talkincode/wadesk/internal/webserver"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 4096
	sendBufferSize = 256
)

// Client frames
const (
	FrameJoinConversation  = "join_conversation"
	FrameLeaveConversation = "leave_conversation"
)

func TenantRoom(id string) string       { return "tenant:" + id }
func UserRoom(id string) string         { return "user:" + id }
func ConversationRoom(id string) string { return "conversation:" + id }

// Frame is the envelope for both directions.
type Frame struct {
	Event string              `json:"event"`
	Data  jsoniter.RawMessage `json:"data,omitempty"`
}

type outFrame struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// ConversationCheck reports whether a tenant may watch a conversation.
type ConversationCheck func(ctx context.Context, tenantID, conversationID string) bool

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	tenant string
	user   string

	// guarded by hub.mu
	rooms map[string]struct{}
}

// Hub tracks clients by room. Slow clients are dropped rather than
// blocking the emitter.
type Hub struct {
	upgrader websocket.Upgrader
	check    ConversationCheck

	mu      sync.RWMutex
	rooms   map[string]map[*client]struct{}
	clients map[*client]struct{}
}

func NewHub(check ConversationCheck) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		check:   check,
		rooms:   make(map[string]map[*client]struct{}),
		clients: make(map[*client]struct{}),
	}
}

// Emit sends event to every client in room.
func (h *Hub) Emit(room, event string, data interface{}) {
	raw, err := json.Marshal(outFrame{Event: event, Data: data})
	if err != nil {
		zap.L().Error("realtime encode failed", zap.String("namespace", "realtime"), zap.String("event", event), zap.Error(err))
		return
	}
	var slow []*client
	h.mu.RLock()
	for c := range h.rooms[room] {
		select {
		case c.send <- raw:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range slow {
		zap.L().Warn("realtime client too slow, dropping",
			zap.String("namespace", "realtime"),
			zap.String("tenant_id", c.tenant),
			zap.String("user_id", c.user))
		h.remove(c)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomSize returns the number of clients in room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// ServeWS upgrades an authenticated request and joins the caller's tenant
// and user rooms.
func (h *Hub) ServeWS(c echo.Context) error {
	claims, ok := webserver.ClaimsFrom(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing tenant claims")
	}
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		zap.L().Warn("websocket upgrade failed", zap.String("namespace", "realtime"), zap.Error(err))
		return nil
	}
	cl := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		tenant: claims.TenantID,
		user:   claims.UserID,
		rooms:  make(map[string]struct{}),
	}
	h.mu.Lock()
	h.clients[cl] = struct{}{}
	h.joinLocked(cl, TenantRoom(cl.tenant))
	if cl.user != "" {
		h.joinLocked(cl, UserRoom(cl.user))
	}
	h.mu.Unlock()
	metrics.RealtimeClients.Inc()
	zap.L().Info("realtime client connected",
		zap.String("namespace", "realtime"),
		zap.String("tenant_id", cl.tenant),
		zap.String("user_id", cl.user))

	go cl.writePump()
	cl.readPump()
	return nil
}

func (h *Hub) joinLocked(c *client, room string) {
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

func (h *Hub) join(c *client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		h.joinLocked(c, room)
	}
}

func (h *Hub) leave(c *client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, room)
}

func (h *Hub) leaveLocked(c *client, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(c.rooms, room)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	for room := range c.rooms {
		h.leaveLocked(c, room)
	}
	delete(h.clients, c)
	close(c.send)
	h.mu.Unlock()
	metrics.RealtimeClients.Dec()
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	all := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()
	for _, c := range all {
		h.remove(c)
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
		zap.L().Info("realtime client disconnected",
			zap.String("namespace", "realtime"),
			zap.String("tenant_id", c.tenant),
			zap.String("user_id", c.user))
	}()
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			continue
		}
		c.handle(f)
	}
}

type conversationRef struct {
	ConversationID string `json:"conversationId"`
}

// handle accepts the conversation id either as a bare json string or as
// {"conversationId": "..."}.
func (c *client) handle(f Frame) {
	var id string
	if err := json.Unmarshal(f.Data, &id); err != nil {
		var ref conversationRef
		if err := json.Unmarshal(f.Data, &ref); err != nil {
			return
		}
		id = ref.ConversationID
	}
	if id == "" {
		return
	}
	switch f.Event {
	case FrameJoinConversation:
		if c.hub.check != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			allowed := c.hub.check(ctx, c.tenant, id)
			cancel()
			if !allowed {
				return
			}
		}
		c.hub.join(c, ConversationRoom(id))
	case FrameLeaveConversation:
		c.hub.leave(c, ConversationRoom(id))
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
