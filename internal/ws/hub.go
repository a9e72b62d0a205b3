package ws

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"

	"classroom-chat/internal/logging"
	"classroom-chat/internal/observability"
)

// Broadcaster fans a payload out to every connection joined to a room.
type Broadcaster interface {
	Broadcast(ctx context.Context, roomID int64, payload []byte)
}

// Hub is the in-process connection registry: room id -> connections.
type Hub struct {
	rooms map[int64]map[string]*Client
	mu    sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[int64]map[string]*Client)}
}

// Join registers c in roomID.
func (h *Hub) Join(roomID int64, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.rooms[roomID]
	if !ok {
		conns = make(map[string]*Client)
		h.rooms[roomID] = conns
	}
	conns[c.ID] = c
}

// Leave removes connID from roomID. Unknown rooms or connections are ignored.
func (h *Hub) Leave(roomID int64, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.rooms[roomID]
	if !ok {
		return
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(h.rooms, roomID)
	}
}

// Count returns how many connections are joined to roomID.
func (h *Hub) Count(roomID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// Broadcast queues payload on every connection of roomID without blocking.
// A connection whose queue is full is evicted and closed; the rest still receive.
func (h *Hub) Broadcast(ctx context.Context, roomID int64, payload []byte) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.rooms[roomID]))
	for _, c := range h.rooms[roomID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if c.enqueue(payload) {
			continue
		}
		h.Leave(roomID, c.ID)
		c.Close(websocket.CloseTryAgainLater, "slow consumer")
		observability.IncBroadcastDrop()
		logger := logging.Ctx(ctx)
		logger.Warn().
			Int64(logging.FieldChatID, roomID).
			Str(logging.FieldConnID, c.ID).
			Int(logging.FieldUserID, c.UserID).
			Msg("outbound queue full, connection evicted")
	}
}

// CloseAll closes every registered connection with the given close frame and
// returns how many were closed. Sessions remove themselves as they unwind.
func (h *Hub) CloseAll(code int, text string) int {
	h.mu.RLock()
	var targets []*Client
	for _, conns := range h.rooms {
		for _, c := range conns {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.Close(code, text)
	}
	return len(targets)
}
