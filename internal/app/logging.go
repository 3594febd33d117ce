package app

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

func newLoggerToSink(level, output, path string) (*slog.Logger, io.Closer, error) {
	lvl, err := parseLogLevel(level)
	if err != nil {
		return nil, nil, err
	}
	w, closer, err := openLogSink(output, path)
	if err != nil {
		return nil, nil, err
	}
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: lvl,
	})
	return slog.New(h), closer, nil
}

func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid --log-level %q (use: debug|info|warn|error)", level)
	}
}

func openLogSink(output, path string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(strings.TrimSpace(output)) {
	case "", "stderr":
		return os.Stderr, nil, nil
	case "stdout":
		return os.Stdout, nil, nil
	case "file":
		p := strings.TrimSpace(path)
		if p == "" {
			return nil, nil, errors.New("log output file requires --log-path")
		}
		f, err := os.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %q: %w", p, err)
		}
		return f, f, nil
	default:
		return nil, nil, fmt.Errorf("invalid log output %q (use: stdout|stderr|file)", output)
	}
}

func newDiscardLogger() *slog.Logger {
	h := slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	return slog.New(h)
}
