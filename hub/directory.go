package hub

import "sort"

// Join adds the connection to the room, creating the room on first use.
// Joining twice has no effect.
func (h *Hub) Join(roomID, connID string) {
	if roomID == "" {
		h.log.Warn("join without project id", "clientId", connID)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, live := h.conns[connID]; !live {
		h.log.Warn("join from unknown connection", "room", roomID, "clientId", connID)
		return
	}

	r, exists := h.rooms[roomID]
	if !exists {
		r = &room{members: make(map[string]struct{})}
		h.rooms[roomID] = r
		h.log.Debug("room created", "room", roomID)
	}
	if _, member := r.members[connID]; member {
		return
	}
	r.members[connID] = struct{}{}

	rooms, ok := h.joined[connID]
	if !ok {
		rooms = make(map[string]struct{})
		h.joined[connID] = rooms
	}
	rooms[roomID] = struct{}{}

	h.log.Info("client joined room", "room", roomID, "clientId", connID, "members", len(r.members))
}

func (h *Hub) Leave(roomID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.leaveLocked(roomID, connID) {
		h.log.Info("client left room", "room", roomID, "clientId", connID)
	}
}

func (h *Hub) LeaveAll(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveAllLocked(connID)
}

// MembersOf returns the sorted member ids of the room, empty when unknown.
func (h *Hub) MembersOf(roomID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r, exists := h.rooms[roomID]
	if !exists {
		return []string{}
	}
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (h *Hub) Rooms() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (h *Hub) leaveLocked(roomID, connID string) bool {
	r, exists := h.rooms[roomID]
	if !exists {
		return false
	}
	if _, member := r.members[connID]; !member {
		return false
	}

	delete(r.members, connID)
	if len(r.members) == 0 {
		delete(h.rooms, roomID)
		h.log.Debug("room removed", "room", roomID)
	}

	if rooms, ok := h.joined[connID]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(h.joined, connID)
		}
	}
	return true
}

func (h *Hub) leaveAllLocked(connID string) int {
	rooms := h.joined[connID]
	left := 0
	for roomID := range rooms {
		if h.leaveLocked(roomID, connID) {
			left++
		}
	}
	delete(h.joined, connID)
	return left
}
