// control/logging.go
// Author: momentics <momentics@gmail.com>
//
// slog construction for the example binaries and tests.

package control

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/momentics/pollws/api"
)

// ParseLevel maps "debug", "info", "warn" or "error" (case-insensitive,
// with optional offsets such as "debug+2") to a slog.Level. An empty
// string means info.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if strings.TrimSpace(s) == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("%w: log level %q", api.ErrInvalidInput, s)
	}
	return lvl, nil
}

// NewLogger returns a text logger writing to w at the given level.
func NewLogger(level string, w io.Writer) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
