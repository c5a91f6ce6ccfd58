package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"
)

// Config holds everything the relay reads at startup.
type Config struct {
	Port           string
	AllowedOrigins []string
	LogLevel       string
	LogFormat      string

	// JWTSecret enables handshake token verification when set.
	JWTSecret string

	EchoToSender     bool
	StrictInvariants bool

	SendBuffer      int
	MaxMessageSize  int64
	PongWait        time.Duration
	WriteWait       time.Duration
	ShutdownTimeout time.Duration
}

func Default() Config {
	return Config{
		Port:            "8080",
		AllowedOrigins:  []string{"http://localhost:5173"},
		LogLevel:        "info",
		LogFormat:       "text",
		SendBuffer:      256,
		MaxMessageSize:  16 * 1024,
		PongWait:        60 * time.Second,
		WriteWait:       10 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

func (c Config) Addr() string {
	return net.JoinHostPort("", c.Port)
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error

	if c.Port == "" {
		errs = append(errs, errors.New("port: must not be empty"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log-level: %w", err))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log-format: unknown format %q", c.LogFormat))
	}
	for _, o := range c.AllowedOrigins {
		if strings.TrimSpace(o) == "" {
			errs = append(errs, errors.New("allowed-origins: empty origin"))
			break
		}
	}
	if c.SendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("send-buffer: must be positive, got %d", c.SendBuffer))
	}
	if c.MaxMessageSize <= 0 {
		errs = append(errs, fmt.Errorf("max-message-size: must be positive, got %d", c.MaxMessageSize))
	}
	if c.PongWait <= 0 {
		errs = append(errs, fmt.Errorf("pong-wait: must be positive, got %s", c.PongWait))
	}
	if c.WriteWait <= 0 {
		errs = append(errs, fmt.Errorf("write-wait: must be positive, got %s", c.WriteWait))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("shutdown-timeout: must be positive, got %s", c.ShutdownTimeout))
	}

	return errors.Join(errs...)
}

func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown level %q", s)
}
