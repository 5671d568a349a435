package core

import "sync"

// Hub is the process-local registry of connected clients and their room
// subscriptions. It only covers connections accepted by this instance;
// cross-instance state lives in the room directory and the fan-out bus.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		rooms:   make(map[string]map[*Client]struct{}),
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

// Unregister removes a client from the hub and from every room it joined.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.clients, c)
	for roomID, members := range h.rooms {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// Join subscribes a client to a room's local channel group.
func (h *Hub) Join(roomID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[roomID] = members
	}
	members[c] = struct{}{}
}

// Leave unsubscribes a client from a room. Unknown rooms are a no-op.
func (h *Hub) Leave(roomID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[roomID]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, roomID)
	}
}

// BroadcastRoom sends an event to every local client subscribed to the room.
func (h *Hub) BroadcastRoom(roomID string, ev *Event) {
	h.broadcast(roomID, ev, nil)
}

// BroadcastRoomExcept sends an event to every local room subscriber except
// one, typically the originator of a relayed payload.
func (h *Hub) BroadcastRoomExcept(roomID string, ev *Event, except *Client) {
	h.broadcast(roomID, ev, except)
}

func (h *Hub) broadcast(roomID string, ev *Event, except *Client) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.rooms[roomID] {
		if c == except {
			continue
		}
		send(c, ev)
	}
}

// Send delivers an event to a single client.
func (h *Hub) Send(c *Client, ev *Event) {
	send(c, ev)
}

// LocalRooms returns the rooms a client is locally subscribed to.
func (h *Hub) LocalRooms(c *Client) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var rooms []string
	for roomID, members := range h.rooms {
		if _, ok := members[c]; ok {
			rooms = append(rooms, roomID)
		}
	}
	return rooms
}

func send(c *Client, ev *Event) {
	select {
	case c.Events <- ev:
	default:
		// Drop if slow consumer.
	}
}
