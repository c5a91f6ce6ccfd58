package websocket

import (
	"log/slog"
	"net/http"
	"slices"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"taskportal-realtime/auth"
	"taskportal-realtime/domain"
)

// Server upgrades HTTP requests on the chat endpoint and attaches each new
// connection to the broadcaster.
type Server struct {
	upgrader    websocket.Upgrader
	origins     []string
	verifier    *auth.Verifier
	settings    Settings
	broadcaster domain.Broadcaster
	handler     domain.MessageHandler
	log         *slog.Logger
}

type ServerOption func(*Server)

// WithAllowedOrigins restricts which browser origins may connect. "*" allows
// any origin.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) { s.origins = origins }
}

// WithVerifier requires a valid portal session token on every handshake.
func WithVerifier(v *auth.Verifier) ServerOption {
	return func(s *Server) { s.verifier = v }
}

func WithSettings(settings Settings) ServerOption {
	return func(s *Server) { s.settings = settings }
}

func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

func NewServer(b domain.Broadcaster, h domain.MessageHandler, opts ...ServerOption) *Server {
	s := &Server{
		settings:    DefaultSettings(),
		broadcaster: b,
		handler:     h,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var userID string
	if s.verifier != nil {
		identity, err := s.verifier.Verify(auth.FromRequest(r))
		if err != nil {
			s.log.Warn("handshake rejected", "remote", r.RemoteAddr, "error", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		userID = identity.UserID
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("upgrade error", "error", err)
		return
	}

	NewConn(uuid.NewString(), userID, ws, s.settings, s.broadcaster, s.handler, s.log).Start()
}

// checkOrigin accepts requests without an Origin header (non-browser
// clients) and origins on the allow list.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if slices.Contains(s.origins, "*") || slices.Contains(s.origins, origin) {
		return true
	}
	s.log.Warn("origin not allowed", "origin", origin)
	return false
}
