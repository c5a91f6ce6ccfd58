package hub

import "taskportal-realtime/domain"

func (h *Hub) Register(conn domain.Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.conns[conn.ID()]; exists {
		h.invariant("connection %s registered twice", conn.ID())
		return
	}
	h.conns[conn.ID()] = conn

	h.log.Info("client connected", "clientId", conn.ID(), "clients", len(h.conns))
}

// Unregister drops the connection from every room it joined and forgets it.
// Both happen in one critical section.
func (h *Hub) Unregister(connID, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.conns[connID]; !exists {
		return
	}
	left := h.leaveAllLocked(connID)
	delete(h.conns, connID)

	h.log.Info("client disconnected",
		"clientId", connID,
		"reason", reason,
		"rooms", left,
		"clients", len(h.conns),
	)
}

func (h *Hub) Connection(connID string) (domain.Connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[connID]
	return c, ok
}
