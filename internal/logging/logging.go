// Package logging provides the zerolog-based logger shared by all
// sitewatch components. Call Init once from main, then obtain child
// loggers with Component.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logging configuration.
type Config struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `koanf:"level"`

	// Format is the output format: json or console.
	Format string `koanf:"format"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "json",
	}
}

var (
	mu  sync.RWMutex
	log = newLogger(DefaultConfig(), os.Stderr)
)

// Init reconfigures the global logger. Safe to call multiple times.
func Init(cfg Config) {
	InitWithOutput(cfg, os.Stderr)
}

// InitWithOutput is Init with an explicit sink, used by tests.
func InitWithOutput(cfg Config, out io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	log = newLogger(cfg, out)
}

func newLogger(cfg Config, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// Logger returns the global logger.
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// Component returns a child logger tagged with a component name,
// e.g. "scheduler", "worker", "dedup".
func Component(name string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log.With().Str("component", name).Logger()
}
