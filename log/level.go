package log

import (
	"fmt"
	"log/slog"
	"strings"
)

// Format selects the record encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// ParseFormat accepts "json" or "text", case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatText:
		return f, nil
	case "":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("log: unknown format %q", s)
}

// VerbosityToLevel maps the 0-5 CLI verbosity scale onto slog levels:
// 0 is silent, 1 error, 2 warn, 3 info, 4 and above debug.
func VerbosityToLevel(v int) slog.Level {
	switch {
	case v <= 0:
		return slog.LevelError + 4
	case v == 1:
		return slog.LevelError
	case v == 2:
		return slog.LevelWarn
	case v == 3:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
