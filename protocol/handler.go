package protocol

import (
	"encoding/json"
	"log/slog"

	"taskportal-realtime/domain"
)

type Handler struct {
	broadcaster domain.Broadcaster
	log         *slog.Logger
}

func NewHandler(b domain.Broadcaster, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{broadcaster: b, log: logger}
}

// Handle processes one inbound frame from conn.
func (h *Handler) Handle(conn domain.Connection, data []byte) {
	var frame domain.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		h.log.Warn("invalid frame", "clientId", conn.ID(), "error", err)
		return
	}

	switch frame.Event {
	case domain.EventJoinRoom:
		roomID, ok := h.roomID(conn, frame)
		if !ok {
			return
		}
		h.broadcaster.Join(roomID, conn.ID())

	case domain.EventLeaveRoom:
		roomID, ok := h.roomID(conn, frame)
		if !ok {
			return
		}
		h.broadcaster.Leave(roomID, conn.ID())

	case domain.EventSendMessage:
		env, err := domain.DecodeEnvelope(frame.Data)
		if err != nil {
			h.log.Warn("invalid message", "clientId", conn.ID(), "error", err)
			return
		}
		h.broadcaster.Publish(env, conn.ID())

	case domain.EventPing:
		pong, err := domain.EncodeFrame(domain.EventPong, frame.Data)
		if err != nil {
			h.log.Warn("marshal error", "clientId", conn.ID(), "error", err)
			return
		}
		if err := conn.Send(pong); err != nil {
			h.log.Debug("pong not sent", "clientId", conn.ID(), "error", err)
		}

	default:
		h.log.Warn("unknown event", "clientId", conn.ID(), "event", frame.Event)
	}
}

// roomID extracts the project id carried by join/leave events. Numeric ids
// are taken in their literal form. An empty id is passed through; the hub
// rejects it.
func (h *Handler) roomID(conn domain.Connection, frame domain.Frame) (string, bool) {
	if len(frame.Data) == 0 || string(frame.Data) == "null" {
		return "", true
	}
	var roomID string
	err := json.Unmarshal(frame.Data, &roomID)
	if err == nil {
		return roomID, true
	}
	var n json.Number
	if json.Unmarshal(frame.Data, &n) == nil {
		return n.String(), true
	}
	h.log.Warn("invalid project id", "clientId", conn.ID(), "event", frame.Event, "error", err)
	return "", false
}
