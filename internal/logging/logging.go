// Package logging builds the process logger from configuration: a JSON slog
// handler writing to stdout, stderr or a size-rotated file.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/oarthurfc/delivery-app/internal/config"
)

// ParseLevel maps a configured level name to a slog level. Unknown names
// fall back to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// Output opens the configured log destination. Closing stdout or stderr is
// a no-op.
func Output(cfg config.LoggingConfig) (io.WriteCloser, error) {
	switch cfg.Output {
	case "", "stdout":
		return nopCloser{os.Stdout}, nil
	case "stderr":
		return nopCloser{os.Stderr}, nil
	}
	w, err := NewRotatingWriter(cfg.Output, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
	if err != nil {
		return nil, fmt.Errorf("log output %s: %w", cfg.Output, err)
	}
	return w, nil
}

// New returns a JSON logger for cfg. The returned closer flushes and closes
// the destination; callers close it on shutdown.
func New(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	out, err := Output(cfg)
	if err != nil {
		return nil, nil, err
	}
	h := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: ParseLevel(cfg.Level)})
	return slog.New(h), out, nil
}
