package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Inbound and outbound event names. They match the Socket.IO event names the
// portal's web client already emits and listens for.
const (
	EventConnect        = "connect"
	EventJoinRoom       = "joinRoom"
	EventLeaveRoom      = "leaveRoom"
	EventSendMessage    = "sendMessage"
	EventReceiveMessage = "receiveMessage"
	EventPing           = "ping"
	EventPong           = "pong"
)

const (
	ReasonClientClose    = "client close"
	ReasonPingTimeout    = "ping timeout"
	ReasonTransportError = "transport error"
	ReasonServerShutdown = "server shutdown"
	ReasonSlowConsumer   = "send buffer full"
)

var (
	ErrMissingRoom    = errors.New("missing project id")
	ErrMissingAuthor  = errors.New("missing author name")
	ErrEmptyMessage   = errors.New("empty message")
	ErrSendBufferFull = errors.New("send buffer full")
)

type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Author is the client-supplied sender descriptor. It is never verified.
type Author struct {
	Name  string `json:"name"`
	Image string `json:"image,omitempty"`
	ID    string `json:"_id,omitempty"`
}

// Envelope is a chat message as submitted by the sending client.
type Envelope struct {
	RoomID    string  `json:"projectId"`
	Author    *Author `json:"author"`
	Message   string  `json:"message"`
	Timestamp string  `json:"timestamp,omitempty"`

	raw json.RawMessage
}

// DecodeEnvelope parses data and keeps the original bytes so the envelope can
// be relayed exactly as it was received.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	env.raw = append(json.RawMessage(nil), data...)
	return &env, nil
}

func (e *Envelope) Validate() error {
	switch {
	case e.RoomID == "":
		return ErrMissingRoom
	case e.Author == nil || strings.TrimSpace(e.Author.Name) == "":
		return ErrMissingAuthor
	case strings.TrimSpace(e.Message) == "":
		return ErrEmptyMessage
	}
	return nil
}

// Payload returns the bytes to relay: the received JSON when the envelope was
// decoded from the wire, otherwise its own encoding.
func (e *Envelope) Payload() (json.RawMessage, error) {
	if len(e.raw) > 0 {
		return e.raw, nil
	}
	return json.Marshal(e)
}

func EncodeFrame(event string, data json.RawMessage) ([]byte, error) {
	return json.Marshal(Frame{Event: event, Data: data})
}

type Connection interface {
	ID() string
	Send(data []byte) error
	Close() error
}

// Broadcaster is the in-process relay: connection registry, room directory
// and fan-out.
type Broadcaster interface {
	Register(conn Connection)
	Unregister(connID, reason string)
	Join(roomID, connID string)
	Leave(roomID, connID string)
	Publish(env *Envelope, senderID string) int
	Stats() (rooms, clients int)
}

type MessageHandler interface {
	Handle(conn Connection, data []byte)
}
