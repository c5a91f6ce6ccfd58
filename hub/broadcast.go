package hub

import (
	"errors"

	"taskportal-realtime/domain"
)

// Publish relays env to every other member of its room and returns the
// number of connections it was handed to. Invalid envelopes are dropped.
// Delivery is attempted once per member; failures only affect that member.
func (h *Hub) Publish(env *domain.Envelope, senderID string) int {
	if err := env.Validate(); err != nil {
		h.log.Warn("dropping message", "clientId", senderID, "error", err)
		return 0
	}

	payload, err := env.Payload()
	if err != nil {
		h.log.Warn("dropping message", "clientId", senderID, "error", err)
		return 0
	}
	frame, err := domain.EncodeFrame(domain.EventReceiveMessage, payload)
	if err != nil {
		h.log.Warn("dropping message", "clientId", senderID, "error", err)
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	r, exists := h.rooms[env.RoomID]
	if !exists {
		h.log.Debug("message for empty room", "room", env.RoomID, "clientId", senderID)
		return 0
	}

	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	delivered := 0
	for id := range r.members {
		if id == senderID && !h.echo {
			continue
		}
		conn, live := h.conns[id]
		if !live {
			h.invariant("room %s lists unregistered connection %s", env.RoomID, id)
			continue
		}
		if err := conn.Send(frame); err != nil {
			h.log.Warn("delivery failed", "room", env.RoomID, "clientId", id, "error", err)
			if errors.Is(err, domain.ErrSendBufferFull) {
				go h.evict(conn)
			}
			continue
		}
		delivered++
	}

	h.log.Debug("message relayed", "room", env.RoomID, "clientId", senderID, "delivered", delivered)
	return delivered
}

// evict closes a connection that cannot keep up. Its transport unregisters
// it once the read loop ends.
func (h *Hub) evict(conn domain.Connection) {
	if err := conn.Close(); err != nil {
		h.log.Debug("close slow connection", "clientId", conn.ID(), "error", err)
	}
}
