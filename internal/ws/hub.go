package ws

import (
	"sync"
)

// ActivityRoom is the room of the global bid activity feed.
const ActivityRoom = "activity"

// Hub keeps client sets per room. A room is an auction id or ActivityRoom.
type Hub struct {
	rooms sync.Map // roomID -> *room
}

func NewHub() *Hub { return &Hub{} }

// Broadcast is called by the Redis subscribers.
func (h *Hub) Broadcast(roomID string, msg []byte) {
	if v, ok := h.rooms.Load(roomID); ok {
		v.(*room).broadcast(msg)
	}
}

func (h *Hub) Join(roomID string, c *clientConn) {
	r, _ := h.rooms.LoadOrStore(roomID, newRoom())
	r.(*room).add(c)
}

func (h *Hub) Leave(roomID string, c *clientConn) {
	if v, ok := h.rooms.Load(roomID); ok {
		v.(*room).remove(c)
	}
}

// Size reports how many clients are in a room.
func (h *Hub) Size(roomID string) int {
	if v, ok := h.rooms.Load(roomID); ok {
		return v.(*room).size()
	}
	return 0
}
