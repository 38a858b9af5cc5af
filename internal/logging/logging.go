// Package logging provides structured logging for deskcast.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
)

// NewLogger creates a new structured logger with the specified level and format.
// Supported levels: debug, info, warn, error
// Supported formats: text, json
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a new structured logger with a custom writer.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Bytes returns an attribute that renders n as an IEC size ("1.2 MiB").
// Used for operator-facing transfer summaries; counters stay numeric elsewhere.
func Bytes(key string, n uint64) slog.Attr {
	return slog.String(key, humanize.IBytes(n))
}

// Common attribute keys for consistent logging.
const (
	KeyConnID     = "conn_id"
	KeyODCID      = "odcid"
	KeyPeerAddr   = "peer_addr"
	KeyLocalAddr  = "local_addr"
	KeyStreamID   = "stream_id"
	KeyPacketType = "packet_type"
	KeyVersion    = "version"
	KeySize       = "size"
	KeyReason     = "reason"
	KeyDetail     = "detail"
	KeyPath       = "path"
	KeyFrameSeq   = "frame_seq"
	KeyError      = "error"
	KeyComponent  = "component"
	KeyDuration   = "duration"
	KeyCount      = "count"
	KeySessions   = "sessions"
	KeyCreated    = "sessions_created"
	KeySource     = "source"
	KeyFPS        = "fps"
)
