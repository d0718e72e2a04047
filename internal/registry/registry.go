package registry

import (
	"log"
	"sync"
)

// Conn is a live connection the registry can deliver frames to.
// Implemented by the gateway's websocket client.
type Conn interface {
	// ID identifies the connection for logging
	ID() string

	// Enqueue hands a frame to the connection's outbound buffer without
	// blocking. Returns false if the buffer is full.
	Enqueue(frame []byte) bool

	// Close shuts the connection's outbound path
	Close()
}

// UserRoom returns the room key for a user's identity room.
func UserRoom(userID string) string { return "user:" + userID }

// ConversationRoom returns the room key for a conversation room.
func ConversationRoom(conversationID string) string { return "conv:" + conversationID }

// Registry maintains the set of active connections and the rooms they are
// bound to, and delivers frames to connections per room. It is strictly
// process-local: cross-process delivery goes through the broadcast bus,
// and presence questions are answered by the presence store, never by the
// registry.
type Registry struct {
	// rooms maps room key to the set of connections bound to it
	rooms map[string]map[Conn]bool

	// members is the reverse index: connection to the rooms it is bound to
	members map[Conn]map[string]bool

	// mutex for thread-safe room operations
	mu sync.RWMutex
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		rooms:   make(map[string]map[Conn]bool),
		members: make(map[Conn]map[string]bool),
	}
}

// Join binds a connection to a room. Idempotent.
func (r *Registry) Join(room string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rooms[room] == nil {
		r.rooms[room] = make(map[Conn]bool)
	}
	if r.rooms[room][c] {
		return
	}
	r.rooms[room][c] = true

	if r.members[c] == nil {
		r.members[c] = make(map[string]bool)
	}
	r.members[c][room] = true

	log.Printf("[Registry] Connection %s joined room %s (total: %d)", c.ID(), room, len(r.rooms[room]))
}

// Leave unbinds a connection from a single room.
func (r *Registry) Leave(room string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(room, c)
}

// Remove unbinds a connection from every room it was bound to. Idempotent
// and safe to call on connections that never joined anything. No room
// membership outlives the connection.
func (r *Registry) Remove(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms := r.members[c]
	if rooms == nil {
		return
	}
	for room := range rooms {
		r.leaveLocked(room, c)
	}
}

// leaveLocked removes the connection from one room. Caller holds the lock.
func (r *Registry) leaveLocked(room string, c Conn) {
	clients, ok := r.rooms[room]
	if !ok || !clients[c] {
		return
	}
	delete(clients, c)
	if m := r.members[c]; m != nil {
		delete(m, room)
		if len(m) == 0 {
			delete(r.members, c)
		}
	}

	log.Printf("[Registry] Connection %s left room %s (remaining: %d)", c.ID(), room, len(clients))

	// Clean up empty rooms
	if len(clients) == 0 {
		delete(r.rooms, room)
	}
}

// Send delivers a frame to every connection bound to the room.
func (r *Registry) Send(room string, frame []byte) int {
	return r.SendRooms([]string{room}, frame)
}

// SendRooms delivers a frame to every connection bound to any of the rooms,
// at most once per connection however many of the rooms it is bound to.
// Connections whose buffer is full are evicted rather than blocked on:
// per-connection FIFO ordering is the transport's job, keeping the fan-out
// path from stalling on a slow reader is ours.
func (r *Registry) SendRooms(rooms []string, frame []byte) int {
	r.mu.RLock()
	seen := make(map[Conn]bool)
	clients := make([]Conn, 0, len(rooms))
	for _, room := range rooms {
		for c := range r.rooms[room] {
			if seen[c] {
				continue
			}
			seen[c] = true
			clients = append(clients, c)
		}
	}
	r.mu.RUnlock()

	sent := 0
	for _, c := range clients {
		if c.Enqueue(frame) {
			sent++
			continue
		}
		log.Printf("[Registry] Connection %s send buffer full, evicting", c.ID())
		r.Remove(c)
		c.Close()
	}
	return sent
}

// Broadcast delivers a frame to every connection in every room, at most
// once per connection.
func (r *Registry) Broadcast(frame []byte) int {
	r.mu.RLock()
	clients := make([]Conn, 0, len(r.members))
	for c := range r.members {
		clients = append(clients, c)
	}
	r.mu.RUnlock()

	sent := 0
	for _, c := range clients {
		if c.Enqueue(frame) {
			sent++
			continue
		}
		log.Printf("[Registry] Connection %s send buffer full, evicting", c.ID())
		r.Remove(c)
		c.Close()
	}
	return sent
}

// RoomSize returns the number of connections bound to a room.
func (r *Registry) RoomSize(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}
