package hub

import (
	"fmt"
	"log/slog"
	"sync"

	"taskportal-realtime/domain"
)

type room struct {
	members map[string]struct{}
	// sendMu serializes publishes to the room so every member observes them
	// in the same order. Membership itself is guarded by Hub.mu.
	sendMu  sync.Mutex
}

// Hub owns every live connection and the project rooms they have joined.
// All three maps are guarded by mu.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]domain.Connection
	rooms  map[string]*room
	joined map[string]map[string]struct{} // connID -> roomIDs

	echo   bool
	strict bool
	log    *slog.Logger
}

type Option func(*Hub)

// WithEcho makes Publish deliver envelopes back to their sender too.
func WithEcho(echo bool) Option {
	return func(h *Hub) { h.echo = echo }
}

func WithStrictInvariants(strict bool) Option {
	return func(h *Hub) { h.strict = strict }
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.log = l
		}
	}
}

func New(opts ...Option) *Hub {
	h := &Hub{
		conns:  make(map[string]domain.Connection),
		rooms:  make(map[string]*room),
		joined: make(map[string]map[string]struct{}),
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) Stats() (rooms, clients int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms), len(h.conns)
}

// CloseAll closes every live connection. The transport unregisters each one
// as its read loop ends.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]domain.Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if err := c.Close(); err != nil {
			h.log.Debug("close connection", "clientId", c.ID(), "error", err)
		}
	}
	h.log.Info("closed all connections", "clients", len(conns))
}

func (h *Hub) invariant(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if h.strict {
		panic("hub invariant violated: " + msg)
	}
	h.log.Error("hub invariant violated", "detail", msg)
}
