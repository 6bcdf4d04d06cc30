package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// ParseLogLevel converts a case-insensitive string to an [slog.Level].
//
// Accepted values:
//   - "debug" → [slog.LevelDebug] (every keepalive schedule and cancel)
//   - "info" or "" → [slog.LevelInfo] (tick decisions, connects)
//   - "warn" or "warning" → [slog.LevelWarn]
//   - "error" → [slog.LevelError]
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: debug, info, warn, error)", s)
	}
}
