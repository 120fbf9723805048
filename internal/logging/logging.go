// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package logging builds the process logger: text records on stdout and in a
// rotating flight log kept next to the downloaded data.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileName is the flight log inside the log directory.
const FileName = "flight.log"

// Logger is a slog.Logger that owns its rotating file.
type Logger struct {
	*slog.Logger
	LogFile string

	file *lumberjack.Logger
}

// ParseLevel maps "debug", "info", "warn" and "error" to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", level)
	}
}

// New returns a logger writing to stdout and, when dir is set, to
// dir/flight.log rotated at 32 MB.
func New(dir, level string) (*Logger, error) {
	return newLogger(os.Stdout, dir, level)
}

func newLogger(console io.Writer, dir, level string) (*Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	l := &Logger{}
	w := console
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating log dir: %w", err)
		}
		l.file = &lumberjack.Logger{
			Filename:   filepath.Join(dir, FileName),
			MaxSize:    32, // MB
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		}
		l.LogFile = l.file.Filename
		w = io.MultiWriter(console, l.file)
	}

	l.Logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
	l.Info("logging started",
		slog.Time("start", time.Now()),
		slog.String("level", lvl.String()),
		slog.String("GOARCH", runtime.GOARCH),
		slog.String("GOOS", runtime.GOOS))
	return l, nil
}

// Close flushes and closes the flight log.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
