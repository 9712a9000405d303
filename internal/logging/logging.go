package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// New creates a console slog.Logger with provided level string. When file
// is set, records are also written as JSON to that file. The returned
// func closes the file.
func New(level, file string) (*slog.Logger, func() error, error) {
	lvl := levelFromString(level)
	console := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	if file == "" {
		return slog.New(console), func() error { return nil }, nil
	}

	if dir := filepath.Dir(file); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
	}
	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}

	jsonHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: lvl})
	return slog.New(slogmulti.Fanout(console, jsonHandler)), f.Close, nil
}

// NewWithWriters fans text to console and JSON to file.
func NewWithWriters(console, file io.Writer, level string) *slog.Logger {
	lvl := levelFromString(level)
	return slog.New(slogmulti.Fanout(
		slog.NewTextHandler(console, &slog.HandlerOptions{Level: lvl}),
		slog.NewJSONHandler(file, &slog.HandlerOptions{Level: lvl}),
	))
}

func levelFromString(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "error":
		return slog.LevelError
	case "warn", "warning":
		return slog.LevelWarn
	case "info":
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
