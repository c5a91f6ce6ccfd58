package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"

	"taskportal-realtime/auth"
	"taskportal-realtime/config"
	"taskportal-realtime/domain"
	"taskportal-realtime/hub"
	"taskportal-realtime/protocol"
	ws "taskportal-realtime/websocket"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file found, using environment variables")
	}

	cfg := config.Default()
	app := &cli.Command{
		Name:  "taskportal-realtime",
		Usage: "Relay project chat messages between connected task portal clients",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "port",
				Usage:       "HTTP listen port",
				Sources:     cli.EnvVars("PORT"),
				Value:       cfg.Port,
				Destination: &cfg.Port,
			},
			&cli.StringSliceFlag{
				Name:    "allowed-origins",
				Usage:   "browser origins allowed to connect (* for any)",
				Sources: cli.EnvVars("ALLOWED_ORIGINS"),
				Value:   cfg.AllowedOrigins,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error)",
				Sources:     cli.EnvVars("LOG_LEVEL"),
				Value:       cfg.LogLevel,
				Destination: &cfg.LogLevel,
			},
			&cli.StringFlag{
				Name:        "log-format",
				Usage:       "log format (text, json)",
				Sources:     cli.EnvVars("LOG_FORMAT"),
				Value:       cfg.LogFormat,
				Destination: &cfg.LogFormat,
			},
			&cli.StringFlag{
				Name:        "jwt-secret",
				Usage:       "require portal session tokens signed with this secret",
				Sources:     cli.EnvVars("JWT_SECRET"),
				Destination: &cfg.JWTSecret,
			},
			&cli.BoolFlag{
				Name:        "echo",
				Usage:       "also deliver messages back to their sender",
				Sources:     cli.EnvVars("CHAT_ECHO"),
				Destination: &cfg.EchoToSender,
			},
			&cli.BoolFlag{
				Name:        "strict",
				Usage:       "panic on internal invariant violations (development)",
				Sources:     cli.EnvVars("CHAT_STRICT"),
				Destination: &cfg.StrictInvariants,
			},
			&cli.IntFlag{
				Name:    "send-buffer",
				Usage:   "outbound frames queued per connection",
				Sources: cli.EnvVars("WS_SEND_BUFFER"),
				Value:   cfg.SendBuffer,
			},
			&cli.IntFlag{
				Name:    "max-message-size",
				Usage:   "largest inbound frame in bytes",
				Sources: cli.EnvVars("WS_MAX_MESSAGE_SIZE"),
				Value:   int(cfg.MaxMessageSize),
			},
			&cli.DurationFlag{
				Name:        "pong-wait",
				Usage:       "time allowed between pongs before a connection is dropped",
				Sources:     cli.EnvVars("WS_PONG_WAIT"),
				Value:       cfg.PongWait,
				Destination: &cfg.PongWait,
			},
			&cli.DurationFlag{
				Name:        "write-wait",
				Usage:       "time allowed to write a frame",
				Sources:     cli.EnvVars("WS_WRITE_WAIT"),
				Value:       cfg.WriteWait,
				Destination: &cfg.WriteWait,
			},
			&cli.DurationFlag{
				Name:        "shutdown-timeout",
				Usage:       "time allowed for graceful shutdown",
				Sources:     cli.EnvVars("SHUTDOWN_TIMEOUT"),
				Value:       cfg.ShutdownTimeout,
				Destination: &cfg.ShutdownTimeout,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg.AllowedOrigins = cmd.StringSlice("allowed-origins")
			cfg.SendBuffer = int(cmd.Int("send-buffer"))
			cfg.MaxMessageSize = int64(cmd.Int("max-message-size"))
			return run(ctx, cfg)
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := setupLogger(cfg.LogLevel, cfg.LogFormat); err != nil {
		return err
	}

	broadcaster := hub.New(
		hub.WithEcho(cfg.EchoToSender),
		hub.WithStrictInvariants(cfg.StrictInvariants),
		hub.WithLogger(slog.Default().With("component", "hub")),
	)
	handler := protocol.NewHandler(broadcaster, slog.Default().With("component", "protocol"))

	serverOpts := []ws.ServerOption{
		ws.WithAllowedOrigins(cfg.AllowedOrigins),
		ws.WithSettings(ws.Settings{
			SendBuffer:     cfg.SendBuffer,
			MaxMessageSize: cfg.MaxMessageSize,
			PongWait:       cfg.PongWait,
			WriteWait:      cfg.WriteWait,
		}),
		ws.WithServerLogger(slog.Default().With("component", "websocket")),
	}
	if cfg.JWTSecret != "" {
		serverOpts = append(serverOpts, ws.WithVerifier(auth.NewVerifier(cfg.JWTSecret)))
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", ws.NewServer(broadcaster, handler, serverOpts...))
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/stats", statsHandler(broadcaster))

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "port", cfg.Port, "origins", cfg.AllowedOrigins, "auth", cfg.JWTSecret != "")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	wait := gfshutdown.GracefulShutdown(ctx, cfg.ShutdownTimeout, map[string]gfshutdown.Operation{
		"http-server": func(ctx context.Context) error {
			slog.Info("server shutting down")
			return server.Shutdown(ctx)
		},
		"hub": func(ctx context.Context) error {
			broadcaster.CloseAll()
			return nil
		},
	})

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case code := <-wait:
		slog.Info("server stopped", "code", code)
		if code != 0 {
			return fmt.Errorf("shutdown finished with code %d", code)
		}
		return nil
	}
}

func setupLogger(levelName, format string) error {
	level, err := config.ParseLevel(levelName)
	if err != nil {
		return err
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// statsHandler reports how many project rooms and connections are live.
func statsHandler(b domain.Broadcaster) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rooms, clients := b.Stats()
		writeJSON(w, map[string]int{"rooms": rooms, "clients": clients})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response not written", "error", err)
	}
}
