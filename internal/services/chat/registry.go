package chat

import "sync"

// Registry maps roomID -> member socket set. It is a thin multiplexing
// index: no authentication, no ordering across rooms, no persistence. A room
// exists exactly while it has members; the moment the last one leaves or
// disconnects, the room is deleted with no grace period.
type Registry struct {
	mu         sync.RWMutex
	rooms      map[string]map[*Conn]struct{}
	membership map[*Conn]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:      make(map[string]map[*Conn]struct{}),
		membership: make(map[*Conn]map[string]struct{}),
	}
}

// Join adds the socket to the room's member set. Joining a room twice is the
// same as joining it once.
func (r *Registry) Join(c *Conn, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rooms[roomID] == nil {
		r.rooms[roomID] = make(map[*Conn]struct{})
	}
	r.rooms[roomID][c] = struct{}{}

	if r.membership[c] == nil {
		r.membership[c] = make(map[string]struct{})
	}
	r.membership[c][roomID] = struct{}{}
}

// Leave removes the socket from the room. Leaving a room the socket never
// joined is a no-op.
func (r *Registry) Leave(c *Conn, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(c, roomID)
}

// Disconnect removes the socket from every room it was a member of.
func (r *Registry) Disconnect(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for roomID := range r.membership[c] {
		r.leaveLocked(c, roomID)
	}
	delete(r.membership, c)
}

func (r *Registry) leaveLocked(c *Conn, roomID string) {
	members, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}
	if joined, ok := r.membership[c]; ok {
		delete(joined, roomID)
		if len(joined) == 0 {
			delete(r.membership, c)
		}
	}
}

// Members returns a snapshot of the room's member set.
func (r *Registry) Members(roomID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make([]*Conn, 0, len(r.rooms[roomID]))
	for c := range r.rooms[roomID] {
		members = append(members, c)
	}
	return members
}

// HasRoom reports whether the room currently exists in the registry.
func (r *Registry) HasRoom(roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID]
	return ok
}

// RoomCount returns the number of live rooms.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// MemberCount returns the member count of one room.
func (r *Registry) MemberCount(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomID])
}
