package websocket

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"taskportal-realtime/domain"
)

// Settings tunes a single connection.
type Settings struct {
	SendBuffer     int
	MaxMessageSize int64
	PongWait       time.Duration
	WriteWait      time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		SendBuffer:     256,
		MaxMessageSize: 16 * 1024,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
	}
}

func (s Settings) pingPeriod() time.Duration {
	return (s.PongWait * 9) / 10
}

type Conn struct {
	id          string
	ws          *websocket.Conn
	send        chan []byte
	settings    Settings
	broadcaster domain.Broadcaster
	handler     domain.MessageHandler
	log         *slog.Logger

	closeOnce sync.Once
	reason    atomic.Pointer[string]
}

func NewConn(id, userID string, ws *websocket.Conn, s Settings, b domain.Broadcaster, h domain.MessageHandler, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("clientId", id)
	if userID != "" {
		logger = logger.With("userId", userID)
	}
	return &Conn{
		id:          id,
		ws:          ws,
		send:        make(chan []byte, s.SendBuffer),
		settings:    s,
		broadcaster: b,
		handler:     h,
		log:         logger,
	}
}

func (c *Conn) ID() string { return c.id }

// Send queues data for the write pump without blocking.
func (c *Conn) Send(data []byte) error {
	select {
	case c.send <- data:
		return nil
	default:
		c.setReason(domain.ReasonSlowConsumer)
		return domain.ErrSendBufferFull
	}
}

// Close tells the client the server is going away and drops the socket. The
// read pump then unregisters the connection.
func (c *Conn) Close() error {
	c.setReason(domain.ReasonServerShutdown)
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, c.closeReason(domain.ReasonServerShutdown))
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.settings.WriteWait))
		err = c.ws.Close()
	})
	return err
}

// Start registers the connection, greets the client with its id and runs
// the pumps. It returns immediately.
func (c *Conn) Start() {
	c.broadcaster.Register(c)

	hello, err := json.Marshal(map[string]string{"id": c.id})
	if err == nil {
		var frame []byte
		if frame, err = domain.EncodeFrame(domain.EventConnect, hello); err == nil {
			err = c.Send(frame)
		}
	}
	if err != nil {
		c.log.Warn("connect frame not sent", "error", err)
	}

	go c.writePump()
	go c.readPump()
}

func (c *Conn) readPump() {
	reason := domain.ReasonTransportError
	defer func() {
		c.broadcaster.Unregister(c.id, reason)
		// Unregister has returned, so nothing can Send to this connection
		// any more.
		close(c.send)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(c.settings.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.settings.PongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.settings.PongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			reason = c.disconnectReason(err)
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Error("read error", "error", err)
			}
			return
		}

		c.handler.Handle(c, data)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.settings.pingPeriod())
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.settings.WriteWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Debug("write error", "error", err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.settings.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Debug("ping error", "error", err)
				return
			}
		}
	}
}

func (c *Conn) disconnectReason(err error) string {
	if p := c.reason.Load(); p != nil {
		return *p
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return domain.ReasonClientClose
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return domain.ReasonPingTimeout
	}
	return domain.ReasonTransportError
}

// setReason records why the server is dropping the connection; the first
// reason wins.
func (c *Conn) setReason(reason string) {
	c.reason.CompareAndSwap(nil, &reason)
}

func (c *Conn) closeReason(fallback string) string {
	if p := c.reason.Load(); p != nil {
		return *p
	}
	return fallback
}
