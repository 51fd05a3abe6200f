// Package logging provides structured logging for the M-Bus bridge.
//
// It wraps log/slog with level parsing, output selection, and default
// service/version attributes so every log line identifies the bridge
// instance that produced it. Components receive a *Logger (or the small
// Logger interfaces they declare themselves) rather than touching slog
// directly.
package logging
