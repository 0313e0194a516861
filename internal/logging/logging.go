// Package logging provides a single leveled, structured logger constructed
// once at process startup and passed down explicitly, generalizing the
// stderr-prefixed log.New convention of internal/server/server.go onto
// log/slog's structured idiom.
package logging

import (
	"log/slog"
	"os"
)

// New returns a slog.Logger writing JSON to stderr, suitable for the server
// and worker entry points where log lines are consumed by log aggregation.
func New(level slog.Level) *slog.Logger {
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(h)
}

// NewCLI returns a slog.Logger writing human-readable text to stderr,
// matching the console-facing style of cmd/kilroy's CLI output.
func NewCLI(level slog.Level) *slog.Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(h)
}
