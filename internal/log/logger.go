package log

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config captures options for configuring the process logger.
type Config struct {
	Level   string    // "debug", "info", ... (falls back to LOG_LEVEL)
	Output  io.Writer // defaults to os.Stdout
	Service string
	Pretty  bool // human readable console output for local runs
}

var (
	mu   sync.RWMutex
	base = zerolog.New(os.Stdout).With().Timestamp().Str("service", "meetbridge").Logger()
)

// Configure replaces the process logger. Safe to call more than once.
func Configure(cfg Config) {
	level := zerolog.InfoLevel
	name := cfg.Level
	if name == "" {
		name = os.Getenv("LOG_LEVEL")
	}
	if name != "" {
		if parsed, err := zerolog.ParseLevel(name); err == nil {
			level = parsed
		}
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	writer := cfg.Output
	if writer == nil {
		writer = os.Stdout
	}
	if cfg.Pretty {
		writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: "15:04:05.000"}
	}
	service := cfg.Service
	if service == "" {
		service = "meetbridge"
	}

	l := zerolog.New(writer).With().Timestamp().Str("service", service).Logger()
	mu.Lock()
	base = l
	mu.Unlock()
}

// Base returns the configured process logger.
func Base() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// WithComponent returns a child logger annotated with the given component name.
func WithComponent(component string) zerolog.Logger {
	return Base().With().Str("component", component).Logger()
}

// WithSession annotates a component logger with the session identity.
func WithSession(component, sessionID string) zerolog.Logger {
	return Base().With().
		Str("component", component).
		Str("session_id", sessionID).
		Logger()
}
